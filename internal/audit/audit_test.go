package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

type failingQuerier struct {
	repository.Querier
}

func (failingQuerier) AppendAudit(context.Context, model.AuditEvent) error {
	return errors.New("connection reset")
}

func TestAppendStoresPayload(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	recorder := NewRecorder(zap.NewNop(), nil)
	now := time.Now().UTC()

	require.NoError(t, recorder.Append(ctx, store, "d1", model.EventSuspend, map[string]any{"until": nil}, now))
	recorder.Record(ctx, store, "", model.EventError, map[string]string{"reason": "x"}, now)

	events, err := store.ListAuditEvents(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSuspend, events[0].Type)
	assert.JSONEq(t, `{"until":null}`, string(events[0].Payload))
	assert.Equal(t, now, events[0].CreatedAt)
}

func TestAppendFailureIsReturned(t *testing.T) {
	recorder := NewRecorder(zap.NewNop(), nil)
	err := recorder.Append(context.Background(), failingQuerier{}, "d1", model.EventApproval, nil, time.Now())
	assert.Error(t, err)

	err = recorder.Append(context.Background(), repository.NewMemoryStore(), "d1", model.EventApproval, func() {}, time.Now())
	assert.Error(t, err)
}

func TestRecordFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := metrics.New()
	recorder := NewRecorder(zap.New(core), m)

	recorder.Record(context.Background(), failingQuerier{}, "d1", model.EventHeartbeat, nil, time.Now())

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit write failed", entry.Message)
	assert.Equal(t, model.EventHeartbeat, entry.ContextMap()["type"])
}
