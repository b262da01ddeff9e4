package enrollment

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *repository.MemoryStore
	codec   *auth.Codec
	clock   *clock
	service *Service
}

func newFixture(t *testing.T, initial model.DeviceState) fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clk := &clock{now: time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore()
	codec := auth.NewCodec(auth.NewStaticKeyProvider("k1", key), auth.WithClock(clk.Now))
	service := NewService(store, codec, audit.NewRecorder(zap.NewNop(), nil), Policy{
		ChallengeTTL: 5 * time.Minute,
		InitialState: initial,
		Lifetime:     auth.Lifetime{TTL: 30 * 24 * time.Hour, RenewWindow: 7 * 24 * time.Hour, MaxOffline: 3 * 24 * time.Hour},
	}, zap.NewNop(), nil)
	return fixture{store: store, codec: codec, clock: clk, service: service}
}

type deviceKey struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func newDeviceKey(t *testing.T) deviceKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return deviceKey{public: pub, private: priv}
}

func (k deviceKey) jwk() json.RawMessage {
	return json.RawMessage(`{"kty":"OKP","crv":"Ed25519","x":"` + base64.RawURLEncoding.EncodeToString(k.public) + `"}`)
}

func (k deviceKey) sign(nonce string) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(k.private, []byte(nonce)))
}

func (k deviceKey) input(clientID, nonce string) ValidateInput {
	return ValidateInput{ClientID: clientID, Nonce: nonce, JWK: k.jwk(), Signature: k.sign(nonce)}
}

func TestRequestChallenge(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()

	_, err := f.service.RequestChallenge(ctx, "  ")
	assert.ErrorIs(t, err, ErrMissingClientID)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(challenge.Nonce)
	require.NoError(t, err)
	assert.Len(t, raw, 24)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), challenge.ExpiresAt)

	attested, err := f.codec.Verify(challenge.Attestation)
	require.NoError(t, err)
	assert.Equal(t, challenge.Nonce, attested.Nonce)
}

func TestValidateIssuesCredential(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)

	res, err := f.service.Validate(ctx, key.input("acme", challenge.Nonce))
	require.NoError(t, err)
	require.NotEmpty(t, res.DeviceID)

	claims, err := f.codec.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.DeviceID, claims.Subject)
	assert.Equal(t, "acme", claims.ClientID)
	assert.Equal(t, []string{auth.ScopeHeartbeat}, claims.Scopes)
	assert.NotEmpty(t, claims.Thumbprint())
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour).Unix(), claims.ExpiresAt.Unix())
	assert.Equal(t, f.clock.Now().Add(23*24*time.Hour).Unix(), claims.RenewFrom)

	device, err := f.store.GetDevice(ctx, res.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStateActive, device.State)

	events, err := f.store.ListAuditEvents(ctx, res.DeviceID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventEnrollment, events[0].Type)

	credentials := f.store.Credentials()
	require.Len(t, credentials, 1)
	assert.Equal(t, claims.ID, credentials[0].JTI)
}

func TestValidateIsSingleUse(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)

	_, err = f.service.Validate(ctx, key.input("acme", challenge.Nonce))
	require.NoError(t, err)

	_, err = f.service.Validate(ctx, key.input("acme", challenge.Nonce))
	assert.ErrorIs(t, err, ErrInvalidOrExpiredChallenge)
}

func TestValidateConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Validate(ctx, key.input("acme", challenge.Nonce))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidOrExpiredChallenge)
	}
	assert.Equal(t, 1, ok)
}

func TestValidateRejectsExpiredChallenge(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.service.Validate(ctx, key.input("acme", challenge.Nonce))
	assert.ErrorIs(t, err, ErrInvalidOrExpiredChallenge)
}

func TestValidateRejectsCrossClientReplay(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)

	_, err = f.service.Validate(ctx, key.input("globex", challenge.Nonce))
	assert.ErrorIs(t, err, ErrInvalidOrExpiredChallenge)
}

func TestValidateBadSignatureKeepsChallenge(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)
	other := newDeviceKey(t)

	challenge, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)

	in := key.input("acme", challenge.Nonce)
	in.Signature = other.sign(challenge.Nonce)
	_, err = f.service.Validate(ctx, in)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = f.service.Validate(ctx, key.input("acme", challenge.Nonce))
	assert.NoError(t, err)
}

func TestValidateInputErrors(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	_, err := f.service.Validate(ctx, ValidateInput{ClientID: "acme"})
	assert.ErrorIs(t, err, ErrMissingFields)

	in := key.input("acme", "nonce")
	in.JWK = json.RawMessage(`{"kty":"oct","k":"c2VjcmV0"}`)
	_, err = f.service.Validate(ctx, in)
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	in = key.input("acme", "nonce")
	in.JWK = json.RawMessage(`{"kty":"OKP","crv":"Ed25519","x":"AAAA"}`)
	_, err = f.service.Validate(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidKey)

	in = key.input("acme", "nonce")
	in.Signature = "***"
	_, err = f.service.Validate(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidSignatureEncoding)
}

func TestReEnrollSameKeyKeepsDevice(t *testing.T) {
	f := newFixture(t, model.DeviceStatePending)
	ctx := context.Background()
	key := newDeviceKey(t)

	first, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)
	a, err := f.service.Validate(ctx, key.input("acme", first.Nonce))
	require.NoError(t, err)

	second, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)
	b, err := f.service.Validate(ctx, key.input("acme", second.Nonce))
	require.NoError(t, err)

	assert.Equal(t, a.DeviceID, b.DeviceID)
	assert.NotEqual(t, a.Claims.ID, b.Claims.ID)

	device, err := f.store.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatePending, device.State)
}

func TestReEnrollPaddedKeyKeepsDevice(t *testing.T) {
	f := newFixture(t, model.DeviceStateActive)
	ctx := context.Background()
	key := newDeviceKey(t)

	first, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)
	a, err := f.service.Validate(ctx, key.input("acme", first.Nonce))
	require.NoError(t, err)

	second, err := f.service.RequestChallenge(ctx, "acme")
	require.NoError(t, err)
	padded := key.input("acme", second.Nonce)
	padded.JWK = json.RawMessage(`{"kty":"OKP","crv":"Ed25519","x":"` + base64.URLEncoding.EncodeToString(key.public) + `"}`)
	b, err := f.service.Validate(ctx, padded)
	require.NoError(t, err)

	assert.Equal(t, a.DeviceID, b.DeviceID)
	assert.Equal(t, a.Claims.Thumbprint(), b.Claims.Thumbprint())
}
