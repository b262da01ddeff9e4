// Package enrollment implements the challenge-response exchange through which
// a device proves possession of its private key and receives its first
// credential.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/crypto"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

var (
	ErrMissingClientID           = apperr.New(apperr.KindValidation, "missing_client_id")
	ErrMissingFields             = apperr.New(apperr.KindValidation, "missing_fields")
	ErrInvalidKey                = apperr.New(apperr.KindValidation, "invalid_jwk")
	ErrUnsupportedKey            = apperr.New(apperr.KindValidation, "unsupported_jwk")
	ErrInvalidSignatureEncoding  = apperr.New(apperr.KindValidation, "invalid_signature_encoding")
	ErrInvalidOrExpiredChallenge = apperr.New(apperr.KindValidation, "invalid_or_expired_nonce")
	ErrBadSignature              = apperr.New(apperr.KindAuthentication, "bad_signature")
)

type Policy struct {
	ChallengeTTL time.Duration
	InitialState model.DeviceState
	Lifetime     auth.Lifetime
}

type Service struct {
	store   repository.Store
	codec   *auth.Codec
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	policy  Policy
}

func NewService(store repository.Store, codec *auth.Codec, recorder *audit.Recorder, policy Policy, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.InitialState == "" {
		policy.InitialState = model.DeviceStateActive
	}
	return &Service{store: store, codec: codec, audit: recorder, metrics: m, logger: logger, policy: policy}
}

// Challenge is handed to the device to sign.
type Challenge struct {
	Nonce string
	// Attestation is a short-lived server-signed token carrying the nonce.
	// Empty when signing failed.
	Attestation string
	ExpiresAt   time.Time
}

func (s *Service) RequestChallenge(ctx context.Context, clientID string) (Challenge, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Challenge{}, ErrMissingClientID
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return Challenge{}, apperr.Internal(err)
	}
	now := s.codec.Now().UTC()
	expiresAt := now.Add(s.policy.ChallengeTTL).Truncate(time.Second)
	err = s.store.CreateChallenge(ctx, model.Challenge{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		NonceHash: crypto.HashToken(nonce),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return Challenge{}, apperr.Transient(err)
	}

	attestation, err := s.codec.IssueChallenge(clientID, nonce, s.policy.ChallengeTTL)
	if err != nil {
		s.logger.Warn("challenge attestation unavailable", zap.Error(err))
	}
	return Challenge{Nonce: nonce, Attestation: attestation, ExpiresAt: expiresAt}, nil
}

type ValidateInput struct {
	ClientID  string
	Nonce     string
	JWK       json.RawMessage
	Signature string
}

// Result is the outcome of a successful enrollment.
type Result struct {
	DeviceID string
	Token    string
	Claims   auth.Claims
}

// Validate consumes the challenge, registers the device key and issues the
// first credential. A nonce can be validated once.
func (s *Service) Validate(ctx context.Context, in ValidateInput) (Result, error) {
	res, err := s.validate(ctx, in)
	s.metrics.Enrollment(resultCode(err))
	return res, err
}

func (s *Service) validate(ctx context.Context, in ValidateInput) (Result, error) {
	in.ClientID = strings.TrimSpace(in.ClientID)
	if in.ClientID == "" || in.Nonce == "" || len(in.JWK) == 0 || string(in.JWK) == "null" || in.Signature == "" {
		return Result{}, ErrMissingFields
	}
	key, err := crypto.ParseJWK(in.JWK)
	if err != nil {
		if errors.Is(err, crypto.ErrUnsupportedKey) {
			return Result{}, ErrUnsupportedKey
		}
		return Result{}, ErrInvalidKey
	}
	signature, err := crypto.DecodeBase64URL(in.Signature)
	if err != nil {
		return Result{}, ErrInvalidSignatureEncoding
	}
	canonical, err := key.Canonical()
	if err != nil {
		return Result{}, ErrInvalidKey
	}
	thumbprint, err := key.Thumbprint()
	if err != nil {
		return Result{}, ErrInvalidKey
	}

	now := s.codec.Now().UTC()
	challenge, err := s.store.FindActiveChallenge(ctx, in.ClientID, crypto.HashToken(in.Nonce), now)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, ErrInvalidOrExpiredChallenge
	}
	if err != nil {
		return Result{}, apperr.Transient(err)
	}
	if err := key.Verify([]byte(in.Nonce), signature); err != nil {
		return Result{}, ErrBadSignature
	}

	var device model.Device
	err = s.store.WithTx(ctx, func(q repository.Querier) error {
		consumed, err := q.ConsumeChallenge(ctx, challenge.ID, now)
		if err != nil {
			return apperr.Transient(err)
		}
		if !consumed {
			return ErrInvalidOrExpiredChallenge
		}
		device, err = q.EnsureEnrolledDevice(ctx, model.Device{
			ID:        uuid.NewString(),
			ClientID:  &in.ClientID,
			PublicKey: &canonical,
			State:     s.policy.InitialState,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return apperr.Transient(err)
		}
		return nil
	})
	if err != nil {
		return Result{}, apperr.From(err)
	}

	claims := s.policy.Lifetime.DeviceClaims(device.ID, in.ClientID, []string{auth.ScopeHeartbeat}, thumbprint, now)
	token, err := s.codec.Issue(claims)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}

	s.audit.Credential(ctx, s.store, claims.Record())
	s.audit.Record(ctx, s.store, device.ID, model.EventEnrollment, map[string]any{
		"client_id": in.ClientID,
		"jti":       claims.ID,
		"jkt":       thumbprint,
	}, now)
	s.logger.Info("device enrolled", zap.String("device_id", device.ID), zap.String("client_id", in.ClientID))

	return Result{DeviceID: device.ID, Token: token, Claims: claims}, nil
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.From(err).Code
}
