package renewal

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

var (
	ErrInvalidClaims      = apperr.New(apperr.KindValidation, "invalid_token_claims")
	ErrOutsideRenewWindow = apperr.New(apperr.KindValidation, "outside_renew_window")
	ErrDeviceNotActive    = apperr.New(apperr.KindAuthorization, "device_not_active")
)

type Service struct {
	codec    *auth.Codec
	store    repository.Querier
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	lifetime auth.Lifetime
}

func NewService(codec *auth.Codec, store repository.Querier, recorder *audit.Recorder, lifetime auth.Lifetime, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{codec: codec, store: store, audit: recorder, metrics: m, logger: logger, lifetime: lifetime}
}

type Result struct {
	Token  string
	Claims auth.Claims
}

// Renew exchanges a credential for a fresh one. It is accepted only while the
// current time lies in [renew_from, exp).
func (s *Service) Renew(ctx context.Context, token string) (Result, error) {
	res, err := s.renew(ctx, token)
	code := "ok"
	if err != nil {
		code = apperr.From(err).Code
	}
	s.metrics.Renewal(code)
	return res, err
}

func (s *Service) renew(ctx context.Context, token string) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{}, apperr.ErrMissingCredential
	}
	current, err := s.codec.Verify(token)
	if err != nil && !errors.Is(err, auth.ErrExpired) {
		return Result{}, apperr.ErrInvalidCredential.Because(err)
	}
	if !structurallyValid(current) {
		return Result{}, ErrInvalidClaims
	}

	now := s.codec.Now().UTC()
	nowUnix := now.Unix()
	if nowUnix < current.RenewFrom || nowUnix >= current.ExpiresAt.Unix() {
		return Result{}, ErrOutsideRenewWindow.
			With("renovar_desde", current.RenewFrom).
			With("exp", current.ExpiresAt.Unix())
	}

	if err := s.checkDevice(ctx, current.Subject); err != nil {
		return Result{}, err
	}

	next := s.lifetime.DeviceClaims(current.Subject, current.ClientID, current.Scopes, current.Thumbprint(), now)
	if current.MaxOffline > 0 {
		next.MaxOffline = current.MaxOffline
	}
	signed, err := s.codec.Issue(next)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}

	if s.store != nil {
		s.audit.Credential(ctx, s.store, next.Record())
		s.audit.Record(ctx, s.store, current.Subject, model.EventRenewal, map[string]any{
			"previous_jti": current.ID,
			"jti":          next.ID,
		}, now)
	}
	return Result{Token: signed, Claims: next}, nil
}

func structurallyValid(c *auth.Claims) bool {
	if c == nil || c.Subject == "" || c.ClientID == "" || c.ExpiresAt == nil || c.RenewFrom <= 0 {
		return false
	}
	return c.RenewFrom < c.ExpiresAt.Unix()
}

// checkDevice refuses renewal for a known device that is blocked. Unknown
// devices are not an error here.
func (s *Service) checkDevice(ctx context.Context, deviceID string) error {
	if s.store == nil {
		return nil
	}
	device, err := s.store.GetDevice(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Transient(err)
	}
	switch device.State {
	case model.DeviceStateSuspended, model.DeviceStateRejected, model.DeviceStateTerminated:
		return ErrDeviceNotActive.With("estado", device.State)
	}
	return nil
}
