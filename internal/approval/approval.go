// Package approval handles enrollment requests: submission by devices and the
// operator decision that activates or rejects them.
package approval

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	OwnRequestLimit = 10
)

var (
	ErrNotFound         = apperr.New(apperr.KindNotFound, apperr.CodeNotFound)
	ErrInvalidState     = apperr.New(apperr.KindConflict, apperr.CodeInvalidState)
	ErrDeviceTerminated = apperr.New(apperr.KindConflict, apperr.CodeDeviceTerminated)
	ErrInvalidLat       = apperr.New(apperr.KindValidation, "invalid_lat")
	ErrInvalidLon       = apperr.New(apperr.KindValidation, "invalid_lon")
	ErrInvalidFilter    = apperr.New(apperr.KindValidation, "invalid_estado")
)

type Service struct {
	store   repository.Store
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(store repository.Store, recorder *audit.Recorder, logger *zap.Logger, m *metrics.Metrics, now func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, audit: recorder, metrics: m, logger: logger, now: now}
}

// Submission is a device's application for activation.
type Submission struct {
	DeviceID string
	ClientID string
	Model    *string
	OS       *string
	Location *string
	Lat      *float64
	Lon      *float64
}

// Submit files a request. While the device already has a pending request,
// that request is returned instead and created is false.
func (s *Service) Submit(ctx context.Context, sub Submission) (request model.EnrollmentRequest, created bool, err error) {
	if sub.Lat != nil && (math.IsNaN(*sub.Lat) || *sub.Lat < -90 || *sub.Lat > 90) {
		return model.EnrollmentRequest{}, false, ErrInvalidLat
	}
	if sub.Lon != nil && (math.IsNaN(*sub.Lon) || *sub.Lon < -180 || *sub.Lon > 180) {
		return model.EnrollmentRequest{}, false, ErrInvalidLon
	}

	now := s.now().UTC()
	candidate := model.EnrollmentRequest{
		ID:        uuid.NewString(),
		DeviceID:  sub.DeviceID,
		Model:     sub.Model,
		OS:        sub.OS,
		Location:  sub.Location,
		Lat:       sub.Lat,
		Lon:       sub.Lon,
		State:     model.RequestStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sub.ClientID != "" {
		candidate.ClientID = &sub.ClientID
	}
	request, created, err = s.store.CreateRequest(ctx, candidate)
	if err != nil {
		return model.EnrollmentRequest{}, false, apperr.Transient(err)
	}
	if created {
		s.audit.Record(ctx, s.store, sub.DeviceID, model.EventRequestSubmitted, map[string]any{
			"solicitud_id": request.ID,
			"client_id":    sub.ClientID,
			"modelo":       sub.Model,
			"so":           sub.OS,
		}, now)
	}
	return request, created, nil
}

// ListMine returns the latest requests of a device.
func (s *Service) ListMine(ctx context.Context, deviceID string) ([]model.EnrollmentRequest, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		return []model.EnrollmentRequest{}, nil
	}
	items, err := s.store.ListDeviceRequests(ctx, deviceID, OwnRequestLimit)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return items, nil
}

type ListQuery struct {
	State  string
	Limit  int
	Offset int
}

type Page struct {
	Items []model.EnrollmentRequest
	Total int
}

// List pages through requests, newest first. Limit is clamped to
// [1, MaxPageSize] with DefaultPageSize when unset; a negative offset is 0.
func (s *Service) List(ctx context.Context, query ListQuery) (Page, error) {
	filter := model.RequestFilter{Limit: query.Limit, Offset: query.Offset}
	if query.State != "" {
		state := model.RequestState(strings.ToLower(query.State))
		if !state.Valid() {
			return Page{}, ErrInvalidFilter
		}
		filter.State = &state
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultPageSize
	case filter.Limit > MaxPageSize:
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	items, total, err := s.store.ListRequests(ctx, filter)
	if err != nil {
		return Page{}, apperr.Transient(err)
	}
	return Page{Items: items, Total: total}, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.EnrollmentRequest{}, ErrNotFound
	}
	request, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.EnrollmentRequest{}, ErrNotFound
	}
	if err != nil {
		return model.EnrollmentRequest{}, apperr.Transient(err)
	}
	return request, nil
}

// Approve moves a pending request to approved and activates its device, all
// in one transaction holding the request row lock.
func (s *Service) Approve(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	return s.decide(ctx, id, model.RequestStateApproved, nil)
}

// Reject moves a pending request to rejected. A device still pending is
// rejected with it.
func (s *Service) Reject(ctx context.Context, id string, reason string) (model.EnrollmentRequest, error) {
	var motive *string
	if reason = strings.TrimSpace(reason); reason != "" {
		motive = &reason
	}
	return s.decide(ctx, id, model.RequestStateRejected, motive)
}

func (s *Service) decide(ctx context.Context, id string, to model.RequestState, reason *string) (model.EnrollmentRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.EnrollmentRequest{}, ErrNotFound
	}
	now := s.now().UTC()
	var decided model.EnrollmentRequest
	var deviceState model.DeviceState

	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		request, err := q.LockRequest(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return apperr.Transient(err)
		}
		if request.State != model.RequestStatePending {
			return ErrInvalidState.With("estado", request.State)
		}

		device, err := q.LockDevice(ctx, request.DeviceID)
		known := err == nil
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return apperr.Transient(err)
		}
		if known && device.State == model.DeviceStateTerminated {
			return ErrDeviceTerminated.With("estado", device.State)
		}

		if err := q.SetRequestState(ctx, id, to, reason, now); err != nil {
			return apperr.Transient(err)
		}

		payload := map[string]any{"solicitud_id": id}
		eventType := model.EventApproval
		switch to {
		case model.RequestStateApproved:
			// Re-enrollment: a rejected or suspended device is activated here too.
			if err := q.ActivateDevice(ctx, request.DeviceID, request.ClientID, now); err != nil {
				return apperr.Transient(err)
			}
			deviceState = model.DeviceStateActive
		case model.RequestStateRejected:
			eventType = model.EventRejection
			payload["motivo"] = reason
			if known && device.State == model.DeviceStatePending {
				if err := q.SetDeviceState(ctx, request.DeviceID, model.DeviceStateRejected, nil, now); err != nil {
					return apperr.Transient(err)
				}
				deviceState = model.DeviceStateRejected
			}
		}
		if err := s.audit.Append(ctx, q, request.DeviceID, eventType, payload, now); err != nil {
			return apperr.Transient(err)
		}

		request.State = to
		request.Reason = reason
		request.UpdatedAt = now
		decided = request
		return nil
	})
	if err != nil {
		return model.EnrollmentRequest{}, apperr.From(err)
	}

	s.metrics.Transition("request", string(to))
	if deviceState != "" {
		s.metrics.Transition("device", string(deviceState))
	}
	s.logger.Info("enrollment request decided",
		zap.String("solicitud_id", id),
		zap.String("device_id", decided.DeviceID),
		zap.String("state", string(to)),
	)
	return decided, nil
}
