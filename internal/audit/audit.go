// Package audit appends lifecycle and security events to the audit log.
//
// Append is used inside transactions and fails the caller when the write
// fails. Record is for writes outside a transaction: a failure is logged at
// error level and counted, and the caller carries on.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

type Recorder struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRecorder(logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger, metrics: m}
}

func (r *Recorder) Append(ctx context.Context, q repository.Querier, deviceID, eventType string, payload any, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s audit payload: %w", eventType, err)
	}
	event := model.AuditEvent{Type: eventType, Payload: raw, CreatedAt: now}
	if deviceID != "" {
		event.DeviceID = &deviceID
	}
	return q.AppendAudit(ctx, event)
}

func (r *Recorder) Record(ctx context.Context, q repository.Querier, deviceID, eventType string, payload any, now time.Time) {
	if err := r.Append(ctx, q, deviceID, eventType, payload, now); err != nil {
		r.logger.Error("audit write failed",
			zap.String("type", eventType),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		r.metrics.AuditWriteFailed(eventType)
	}
}

// Credential keeps the identifier of an issued credential. Best effort.
func (r *Recorder) Credential(ctx context.Context, q repository.Querier, record model.CredentialRecord) {
	if err := q.RecordCredential(ctx, record); err != nil {
		r.logger.Error("credential record failed",
			zap.String("jti", record.JTI),
			zap.String("device_id", record.DeviceID),
			zap.Error(err),
		)
		r.metrics.AuditWriteFailed("credential")
	}
}
