package gate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/device"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

var (
	now      = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	lifetime = auth.Lifetime{TTL: 30 * 24 * time.Hour, RenewWindow: 7 * 24 * time.Hour, MaxOffline: 3 * 24 * time.Hour}
)

type fixture struct {
	store *repository.MemoryStore
	codec *auth.Codec
	gate  *Gate
}

func newFixture(t *testing.T, autoProvision bool) fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := func() time.Time { return now }
	store := repository.NewMemoryStore()
	codec := auth.NewCodec(auth.NewStaticKeyProvider("k1", key), auth.WithClock(clock))
	registry := device.NewRegistry(store, audit.NewRecorder(zap.NewNop(), nil), zap.NewNop(), nil, clock)
	return fixture{store: store, codec: codec, gate: New(codec, registry, autoProvision, zap.NewNop(), nil)}
}

func (f fixture) token(t *testing.T, deviceID string, scopes ...string) string {
	t.Helper()
	token, err := f.codec.Issue(lifetime.DeviceClaims(deviceID, "acme", scopes, "", now))
	require.NoError(t, err)
	return token
}

func (f fixture) seed(t *testing.T, state model.DeviceState, until *time.Time) string {
	t.Helper()
	id := uuid.NewString()
	_, _, err := f.store.CreateDevice(context.Background(), model.Device{ID: id, State: state})
	require.NoError(t, err)
	if until != nil {
		require.NoError(t, f.store.SetDeviceState(context.Background(), id, state, until, now))
	}
	return id
}

func TestActiveDeviceWithScopeIsAdmitted(t *testing.T) {
	f := newFixture(t, true)
	id := f.seed(t, model.DeviceStateActive, nil)

	principal, err := f.gate.Authorize(context.Background(), f.token(t, id, auth.ScopeHeartbeat), Heartbeat)
	require.NoError(t, err)
	assert.True(t, principal.Known)
	assert.Equal(t, id, principal.Device.ID)
	assert.Equal(t, "acme", principal.Claims.ClientID)
}

func TestCredentialFailures(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.gate.Authorize(ctx, "", Heartbeat)
	assert.ErrorIs(t, err, apperr.ErrMissingCredential)

	_, err = f.gate.Authorize(ctx, "abc.def.ghi", Heartbeat)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)

	_, err = f.gate.Authorize(ctx, f.token(t, "not-a-uuid", auth.ScopeHeartbeat), Heartbeat)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)

	expired, err := f.codec.Issue(lifetime.DeviceClaims(uuid.NewString(), "acme", []string{auth.ScopeHeartbeat}, "", now.Add(-31*24*time.Hour)))
	require.NoError(t, err)
	_, err = f.gate.Authorize(ctx, expired, Heartbeat)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)
}

func TestMissingScope(t *testing.T) {
	f := newFixture(t, true)
	id := f.seed(t, model.DeviceStateActive, nil)

	_, err := f.gate.Authorize(context.Background(), f.token(t, id), Heartbeat)
	assert.ErrorIs(t, err, ErrInsufficientScope)
}

func TestStateAllowList(t *testing.T) {
	f := newFixture(t, true)
	cases := map[model.DeviceState]*apperr.Error{
		model.DeviceStatePending:    ErrDevicePending,
		model.DeviceStateRejected:   ErrDeviceRejected,
		model.DeviceStateTerminated: ErrDeviceTerminated,
	}
	for state, want := range cases {
		id := f.seed(t, state, nil)
		_, err := f.gate.Authorize(context.Background(), f.token(t, id, auth.ScopeHeartbeat), Heartbeat)
		require.ErrorIs(t, err, want)
		assert.Equal(t, state, apperr.From(err).Fields["estado"])
	}
}

func TestSuspendedEchoesDeadline(t *testing.T) {
	f := newFixture(t, true)
	until := now.Add(6 * time.Hour)
	id := f.seed(t, model.DeviceStateSuspended, &until)

	for i := 0; i < 3; i++ {
		_, err := f.gate.Authorize(context.Background(), f.token(t, id, auth.ScopeHeartbeat), Heartbeat)
		require.ErrorIs(t, err, ErrDeviceSuspended)
		fields := apperr.From(err).Fields
		assert.Equal(t, model.DeviceStateSuspended, fields["estado"])
		assert.Equal(t, until, fields["suspendido_hasta"])
	}
}

func TestElapsedSuspensionStaysSuspended(t *testing.T) {
	f := newFixture(t, true)
	until := now.Add(-time.Hour)
	id := f.seed(t, model.DeviceStateSuspended, &until)

	_, err := f.gate.Authorize(context.Background(), f.token(t, id, auth.ScopeHeartbeat), Heartbeat)
	require.ErrorIs(t, err, ErrDeviceSuspended)
	assert.Equal(t, until, apperr.From(err).Fields["suspendido_hasta"])

	_, err = f.gate.Authorize(context.Background(), f.token(t, f.seed(t, model.DeviceStateSuspended, nil), auth.ScopeHeartbeat), Heartbeat)
	require.ErrorIs(t, err, ErrDeviceSuspended)
	assert.Nil(t, apperr.From(err).Fields["suspendido_hasta"])
}

func TestAutoProvision(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()

	f := newFixture(t, true)
	_, err := f.gate.Authorize(ctx, f.token(t, id, auth.ScopeHeartbeat), Heartbeat)
	require.ErrorIs(t, err, ErrDevicePending)
	stored, err := f.store.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatePending, stored.State)

	off := newFixture(t, false)
	_, err = off.gate.Authorize(ctx, off.token(t, id, auth.ScopeHeartbeat), Heartbeat)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	_, err = off.store.GetDevice(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUnknownDeviceAdmittedWhenRecordOptional(t *testing.T) {
	f := newFixture(t, true)
	principal, err := f.gate.Authorize(context.Background(), f.token(t, uuid.NewString(), auth.ScopeHeartbeat), Register)
	require.NoError(t, err)
	assert.False(t, principal.Known)
}
