package device

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

var now = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func newRegistry() (*Registry, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	return NewRegistry(store, audit.NewRecorder(zap.NewNop(), nil), zap.NewNop(), nil, func() time.Time { return now }), store
}

func seed(t *testing.T, store *repository.MemoryStore, state model.DeviceState) string {
	t.Helper()
	id := uuid.NewString()
	_, _, err := store.CreateDevice(context.Background(), model.Device{ID: id, State: state, CreatedAt: now})
	require.NoError(t, err)
	return id
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]model.DeviceState{
		{model.DeviceStatePending, model.DeviceStateActive},
		{model.DeviceStatePending, model.DeviceStateRejected},
		{model.DeviceStateActive, model.DeviceStateSuspended},
		{model.DeviceStateSuspended, model.DeviceStateActive},
		{model.DeviceStateSuspended, model.DeviceStateSuspended},
		{model.DeviceStateActive, model.DeviceStateTerminated},
		{model.DeviceStateRejected, model.DeviceStateTerminated},
	}
	for _, pair := range allowed {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]model.DeviceState{
		{model.DeviceStateActive, model.DeviceStateActive},
		{model.DeviceStatePending, model.DeviceStateSuspended},
		{model.DeviceStateRejected, model.DeviceStateActive},
		{model.DeviceStateTerminated, model.DeviceStateActive},
		{model.DeviceStateTerminated, model.DeviceStateTerminated},
	}
	for _, pair := range denied {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	registry, store := newRegistry()
	id := seed(t, store, model.DeviceStateActive)

	until := now.Add(2 * time.Hour)
	device, err := registry.Suspend(ctx, id, &until)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStateSuspended, device.State)
	assert.Equal(t, until, *device.SuspendedUntil)

	_, err = registry.Reactivate(ctx, id)
	require.NoError(t, err)

	stored, err := registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStateActive, stored.State)
	assert.Nil(t, stored.SuspendedUntil)

	events, err := registry.Events(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventReactivate, events[0].Type)
	assert.Equal(t, model.EventSuspend, events[1].Type)
}

func TestTransitionErrors(t *testing.T) {
	ctx := context.Background()
	registry, store := newRegistry()

	_, err := registry.Suspend(ctx, uuid.NewString(), nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = registry.Suspend(ctx, "not-a-uuid", nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	past := now.Add(-time.Minute)
	id := seed(t, store, model.DeviceStateActive)
	_, err = registry.Suspend(ctx, id, &past)
	assert.ErrorIs(t, err, ErrInvalidUntil)

	_, err = registry.Reactivate(ctx, id)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.DeviceStateActive, apperr.From(err).Fields["estado"])

	_, err = registry.Terminate(ctx, id, "lost")
	require.NoError(t, err)
	_, err = registry.Reactivate(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	events, err := store.ListAuditEvents(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTerminate, events[0].Type)
}

func TestResolveProvisionsPending(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry()
	id := uuid.NewString()

	_, err := registry.Resolve(ctx, id, "acme", false)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	device, err := registry.Resolve(ctx, id, "acme", true)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatePending, device.State)
	assert.Equal(t, "acme", *device.ClientID)

	again, err := registry.Resolve(ctx, id, "acme", true)
	require.NoError(t, err)
	assert.Equal(t, device.ID, again.ID)

	_, err = registry.Resolve(ctx, "nope", "acme", true)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRegisterCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	registry, store := newRegistry()
	id := uuid.NewString()
	model1 := "Pixel 7"
	os := "Android 14"

	device, err := registry.Register(ctx, id, "acme", model.DeviceMetadata{Model: &model1})
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatePending, device.State)

	require.NoError(t, store.SetDeviceState(ctx, id, model.DeviceStateActive, nil, now))
	device, err = registry.Register(ctx, id, "acme", model.DeviceMetadata{OS: &os})
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStateActive, device.State)
	assert.Equal(t, "Pixel 7", *device.Metadata.Model)
	assert.Equal(t, "Android 14", *device.Metadata.OS)

	events, err := store.ListAuditEvents(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventDeviceUpdated, events[0].Type)
	assert.Equal(t, model.EventDeviceRegistered, events[1].Type)
}

func TestHeartbeatTouchesDevice(t *testing.T) {
	ctx := context.Background()
	registry, store := newRegistry()
	id := seed(t, store, model.DeviceStateActive)

	device, err := registry.Get(ctx, id)
	require.NoError(t, err)
	device, err = registry.Heartbeat(ctx, device, "jti-1")
	require.NoError(t, err)
	assert.Equal(t, now, *device.LastHeartbeat)

	stored, err := store.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, now, *stored.LastHeartbeat)
}
