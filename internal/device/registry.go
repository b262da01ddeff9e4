// Package device owns the device record and its lifecycle transitions.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

var (
	ErrDeviceNotFound    = apperr.New(apperr.KindNotFound, apperr.CodeDeviceNotFound)
	ErrInvalidTransition = apperr.New(apperr.KindConflict, apperr.CodeInvalidState)
	ErrInvalidUntil      = apperr.New(apperr.KindValidation, "invalid_until")
)

type Registry struct {
	store   repository.Store
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewRegistry(store repository.Store, recorder *audit.Recorder, logger *zap.Logger, m *metrics.Metrics, now func() time.Time) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, audit: recorder, metrics: m, logger: logger, now: now}
}

func (r *Registry) Now() time.Time {
	return r.now().UTC()
}

func (r *Registry) Get(ctx context.Context, id string) (model.Device, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Device{}, ErrDeviceNotFound
	}
	device, err := r.store.GetDevice(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return model.Device{}, apperr.Transient(err)
	}
	return device, nil
}

// Resolve loads the device. When it does not exist and provision is set, a
// pending record is created for it.
func (r *Registry) Resolve(ctx context.Context, id, clientID string, provision bool) (model.Device, error) {
	device, err := r.Get(ctx, id)
	if err == nil || !errors.Is(err, ErrDeviceNotFound) || !provision {
		return device, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return model.Device{}, ErrDeviceNotFound
	}

	now := r.Now()
	candidate := model.Device{ID: id, State: model.DeviceStatePending, CreatedAt: now, UpdatedAt: now}
	if clientID != "" {
		candidate.ClientID = &clientID
	}
	device, created, err := r.store.CreateDevice(ctx, candidate)
	if err != nil {
		return model.Device{}, apperr.Transient(err)
	}
	if created {
		r.logger.Info("device provisioned on first contact", zap.String("device_id", id))
		r.metrics.Transition("device", string(model.DeviceStatePending))
	}
	return device, nil
}

// Heartbeat refreshes the last-heartbeat timestamp of an admitted device.
func (r *Registry) Heartbeat(ctx context.Context, device model.Device, jti string) (model.Device, error) {
	now := r.Now()
	if err := r.store.TouchHeartbeat(ctx, device.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Device{}, ErrDeviceNotFound
		}
		return model.Device{}, apperr.Transient(err)
	}
	device.LastHeartbeat = &now
	r.audit.Record(ctx, r.store, device.ID, model.EventHeartbeat, map[string]any{"jti": jti}, now)
	return device, nil
}

// Register records the metadata a device reports about itself. An unknown
// device is created pending. The state of a known device is left untouched.
func (r *Registry) Register(ctx context.Context, id, clientID string, metadata model.DeviceMetadata) (model.Device, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Device{}, ErrDeviceNotFound
	}
	now := r.Now()
	candidate := model.Device{ID: id, State: model.DeviceStatePending, Metadata: metadata, LastHeartbeat: &now, CreatedAt: now, UpdatedAt: now}
	if clientID != "" {
		candidate.ClientID = &clientID
	}
	device, created, err := r.store.CreateDevice(ctx, candidate)
	if err != nil {
		return model.Device{}, apperr.Transient(err)
	}

	eventType := model.EventDeviceRegistered
	if !created {
		eventType = model.EventDeviceUpdated
		if err := r.store.UpdateDeviceMetadata(ctx, id, metadata, now); err != nil {
			return model.Device{}, apperr.Transient(err)
		}
		if err := r.store.TouchHeartbeat(ctx, id, now); err != nil {
			return model.Device{}, apperr.Transient(err)
		}
		if device, err = r.store.GetDevice(ctx, id); err != nil {
			return model.Device{}, apperr.Transient(err)
		}
	}
	r.audit.Record(ctx, r.store, id, eventType, metadataPayload(metadata), now)
	return device, nil
}

func (r *Registry) Suspend(ctx context.Context, id string, until *time.Time) (model.Device, error) {
	if until != nil && !until.After(r.Now()) {
		return model.Device{}, ErrInvalidUntil
	}
	var payload map[string]any
	if until != nil {
		payload = map[string]any{"until": until.UTC()}
	}
	return r.transition(ctx, id, model.DeviceStateSuspended, until, model.EventSuspend, payload)
}

func (r *Registry) Reactivate(ctx context.Context, id string) (model.Device, error) {
	return r.transition(ctx, id, model.DeviceStateActive, nil, model.EventReactivate, nil)
}

func (r *Registry) Terminate(ctx context.Context, id, reason string) (model.Device, error) {
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	return r.transition(ctx, id, model.DeviceStateTerminated, nil, model.EventTerminate, payload)
}

// Events returns the most recent audit events of a device.
func (r *Registry) Events(ctx context.Context, id string, limit int) ([]model.AuditEvent, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := r.store.ListAuditEvents(ctx, id, limit)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return events, nil
}

// transition moves the device under a row lock and records the audit event
// in the same transaction.
func (r *Registry) transition(ctx context.Context, id string, to model.DeviceState, until *time.Time, eventType string, payload map[string]any) (model.Device, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Device{}, ErrDeviceNotFound
	}
	now := r.Now()
	var updated model.Device
	err := r.store.WithTx(ctx, func(q repository.Querier) error {
		device, err := q.LockDevice(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return apperr.Transient(err)
		}
		if !CanTransition(device.State, to) {
			return ErrInvalidTransition.With("estado", device.State)
		}
		if err := q.SetDeviceState(ctx, id, to, until, now); err != nil {
			return apperr.Transient(err)
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["from"] = device.State
		if err := r.audit.Append(ctx, q, id, eventType, payload, now); err != nil {
			return apperr.Transient(err)
		}
		device.State = to
		device.SuspendedUntil = until
		device.UpdatedAt = now
		updated = device
		return nil
	})
	if err != nil {
		return model.Device{}, apperr.From(err)
	}
	r.metrics.Transition("device", string(to))
	r.logger.Info("device state changed", zap.String("device_id", id), zap.String("state", string(to)))
	return updated, nil
}

func metadataPayload(m model.DeviceMetadata) map[string]any {
	return map[string]any{
		"modelo":      m.Model,
		"so":          m.OS,
		"ubicacion":   m.Location,
		"coordenadas": m.Coordinates,
		"version_app": m.AppVersion,
	}
}
