package repository

import (
	"context"
	"sync"
	"time"

	"koresoft/device-identity/internal/model"
)

// MemoryStore keeps everything in process memory. Transactions are fully
// serialised and run against a copy that replaces the live state on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) CreateChallenge(ctx context.Context, challenge model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateChallenge(ctx, challenge)
}

func (s *MemoryStore) FindActiveChallenge(ctx context.Context, clientID, nonceHash string, now time.Time) (model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FindActiveChallenge(ctx, clientID, nonceHash, now)
}

func (s *MemoryStore) ConsumeChallenge(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ConsumeChallenge(ctx, id, now)
}

func (s *MemoryStore) PurgeChallenges(ctx context.Context, now, usedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PurgeChallenges(ctx, now, usedBefore)
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetDevice(ctx, id)
}

func (s *MemoryStore) LockDevice(ctx context.Context, id string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LockDevice(ctx, id)
}

func (s *MemoryStore) EnsureEnrolledDevice(ctx context.Context, device model.Device) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.EnsureEnrolledDevice(ctx, device)
}

func (s *MemoryStore) CreateDevice(ctx context.Context, device model.Device) (model.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateDevice(ctx, device)
}

func (s *MemoryStore) ActivateDevice(ctx context.Context, id string, clientID *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActivateDevice(ctx, id, clientID, now)
}

func (s *MemoryStore) SetDeviceState(ctx context.Context, id string, state model.DeviceState, suspendedUntil *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SetDeviceState(ctx, id, state, suspendedUntil, now)
}

func (s *MemoryStore) TouchHeartbeat(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TouchHeartbeat(ctx, id, now)
}

func (s *MemoryStore) UpdateDeviceMetadata(ctx context.Context, id string, metadata model.DeviceMetadata, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpdateDeviceMetadata(ctx, id, metadata, now)
}

func (s *MemoryStore) CreateRequest(ctx context.Context, request model.EnrollmentRequest) (model.EnrollmentRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateRequest(ctx, request)
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetRequest(ctx, id)
}

func (s *MemoryStore) LockRequest(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LockRequest(ctx, id)
}

func (s *MemoryStore) SetRequestState(ctx context.Context, id string, state model.RequestState, reason *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SetRequestState(ctx, id, state, reason, now)
}

func (s *MemoryStore) ListRequests(ctx context.Context, filter model.RequestFilter) ([]model.EnrollmentRequest, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListRequests(ctx, filter)
}

func (s *MemoryStore) ListDeviceRequests(ctx context.Context, deviceID string, limit int) ([]model.EnrollmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListDeviceRequests(ctx, deviceID, limit)
}

func (s *MemoryStore) AppendAudit(ctx context.Context, event model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AppendAudit(ctx, event)
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, deviceID string, limit int) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListAuditEvents(ctx, deviceID, limit)
}

func (s *MemoryStore) RecordCredential(ctx context.Context, record model.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RecordCredential(ctx, record)
}

// Credentials returns every recorded credential.
func (s *MemoryStore) Credentials() []model.CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CredentialRecord(nil), s.state.credentials...)
}

// memState is the unsynchronised data behind MemoryStore.
type memState struct {
	challenges  map[string]model.Challenge
	devices     map[string]model.Device
	requests    []model.EnrollmentRequest
	audit       []model.AuditEvent
	credentials []model.CredentialRecord
	auditSeq    int64
}

func newMemState() *memState {
	return &memState{
		challenges: map[string]model.Challenge{},
		devices:    map[string]model.Device{},
	}
}

func (m *memState) clone() *memState {
	out := &memState{
		challenges:  make(map[string]model.Challenge, len(m.challenges)),
		devices:     make(map[string]model.Device, len(m.devices)),
		requests:    append([]model.EnrollmentRequest(nil), m.requests...),
		audit:       append([]model.AuditEvent(nil), m.audit...),
		credentials: append([]model.CredentialRecord(nil), m.credentials...),
		auditSeq:    m.auditSeq,
	}
	for k, v := range m.challenges {
		out.challenges[k] = v
	}
	for k, v := range m.devices {
		out.devices[k] = v
	}
	return out
}

func (m *memState) CreateChallenge(_ context.Context, challenge model.Challenge) error {
	for _, c := range m.challenges {
		if c.ClientID == challenge.ClientID && c.NonceHash == challenge.NonceHash {
			return ErrConflict
		}
	}
	if _, ok := m.challenges[challenge.ID]; ok {
		return ErrConflict
	}
	m.challenges[challenge.ID] = challenge
	return nil
}

func (m *memState) FindActiveChallenge(_ context.Context, clientID, nonceHash string, now time.Time) (model.Challenge, error) {
	for _, c := range m.challenges {
		if c.ClientID == clientID && c.NonceHash == nonceHash && !c.Used && now.Before(c.ExpiresAt) {
			return c, nil
		}
	}
	return model.Challenge{}, ErrNotFound
}

func (m *memState) ConsumeChallenge(_ context.Context, id string, now time.Time) (bool, error) {
	c, ok := m.challenges[id]
	if !ok || c.Used || !now.Before(c.ExpiresAt) {
		return false, nil
	}
	c.Used = true
	m.challenges[id] = c
	return true, nil
}

func (m *memState) PurgeChallenges(_ context.Context, now, usedBefore time.Time) (int64, error) {
	var n int64
	for id, c := range m.challenges {
		if !c.ExpiresAt.After(now) || (c.Used && c.CreatedAt.Before(usedBefore)) {
			delete(m.challenges, id)
			n++
		}
	}
	return n, nil
}

func (m *memState) GetDevice(_ context.Context, id string) (model.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (m *memState) LockDevice(ctx context.Context, id string) (model.Device, error) {
	return m.GetDevice(ctx, id)
}

func (m *memState) EnsureEnrolledDevice(_ context.Context, device model.Device) (model.Device, error) {
	for _, d := range m.devices {
		if equalPtr(d.ClientID, device.ClientID) && equalPtr(d.PublicKey, device.PublicKey) {
			return d, nil
		}
	}
	if _, ok := m.devices[device.ID]; ok {
		return model.Device{}, ErrConflict
	}
	m.devices[device.ID] = device
	return device, nil
}

func (m *memState) CreateDevice(_ context.Context, device model.Device) (model.Device, bool, error) {
	if existing, ok := m.devices[device.ID]; ok {
		return existing, false, nil
	}
	m.devices[device.ID] = device
	return device, true, nil
}

func (m *memState) ActivateDevice(_ context.Context, id string, clientID *string, now time.Time) error {
	d, ok := m.devices[id]
	if !ok {
		d = model.Device{ID: id, ClientID: clientID, CreatedAt: now}
	}
	if d.ClientID == nil {
		d.ClientID = clientID
	}
	d.State = model.DeviceStateActive
	d.SuspendedUntil = nil
	d.LastHeartbeat = &now
	d.UpdatedAt = now
	m.devices[id] = d
	return nil
}

func (m *memState) SetDeviceState(_ context.Context, id string, state model.DeviceState, suspendedUntil *time.Time, now time.Time) error {
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.State = state
	d.SuspendedUntil = suspendedUntil
	d.UpdatedAt = now
	m.devices[id] = d
	return nil
}

func (m *memState) TouchHeartbeat(_ context.Context, id string, now time.Time) error {
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LastHeartbeat = &now
	d.UpdatedAt = now
	m.devices[id] = d
	return nil
}

func (m *memState) UpdateDeviceMetadata(_ context.Context, id string, metadata model.DeviceMetadata, now time.Time) error {
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Metadata.Model = coalesce(metadata.Model, d.Metadata.Model)
	d.Metadata.OS = coalesce(metadata.OS, d.Metadata.OS)
	d.Metadata.Location = coalesce(metadata.Location, d.Metadata.Location)
	d.Metadata.Coordinates = coalesce(metadata.Coordinates, d.Metadata.Coordinates)
	d.Metadata.AppVersion = coalesce(metadata.AppVersion, d.Metadata.AppVersion)
	d.UpdatedAt = now
	m.devices[id] = d
	return nil
}

func (m *memState) CreateRequest(_ context.Context, request model.EnrollmentRequest) (model.EnrollmentRequest, bool, error) {
	for _, r := range m.requests {
		if r.DeviceID == request.DeviceID && r.State == model.RequestStatePending {
			return r, false, nil
		}
	}
	m.requests = append(m.requests, request)
	return request, true, nil
}

func (m *memState) GetRequest(_ context.Context, id string) (model.EnrollmentRequest, error) {
	for _, r := range m.requests {
		if r.ID == id {
			return r, nil
		}
	}
	return model.EnrollmentRequest{}, ErrNotFound
}

func (m *memState) LockRequest(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	return m.GetRequest(ctx, id)
}

func (m *memState) SetRequestState(_ context.Context, id string, state model.RequestState, reason *string, now time.Time) error {
	for i := range m.requests {
		if m.requests[i].ID == id {
			m.requests[i].State = state
			m.requests[i].Reason = reason
			m.requests[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func (m *memState) ListRequests(_ context.Context, filter model.RequestFilter) ([]model.EnrollmentRequest, int, error) {
	var matched []model.EnrollmentRequest
	for i := len(m.requests) - 1; i >= 0; i-- {
		r := m.requests[i]
		if filter.State != nil && r.State != *filter.State {
			continue
		}
		matched = append(matched, r)
	}
	total := len(matched)
	if filter.Offset >= total {
		return []model.EnrollmentRequest{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (m *memState) ListDeviceRequests(_ context.Context, deviceID string, limit int) ([]model.EnrollmentRequest, error) {
	out := []model.EnrollmentRequest{}
	for i := len(m.requests) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.requests[i].DeviceID == deviceID {
			out = append(out, m.requests[i])
		}
	}
	return out, nil
}

func (m *memState) AppendAudit(_ context.Context, event model.AuditEvent) error {
	m.auditSeq++
	event.ID = m.auditSeq
	m.audit = append(m.audit, event)
	return nil
}

func (m *memState) ListAuditEvents(_ context.Context, deviceID string, limit int) ([]model.AuditEvent, error) {
	out := []model.AuditEvent{}
	for i := len(m.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := m.audit[i]
		if e.DeviceID != nil && *e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memState) RecordCredential(_ context.Context, record model.CredentialRecord) error {
	m.credentials = append(m.credentials, record)
	return nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func coalesce(v, fallback *string) *string {
	if v != nil {
		return v
	}
	return fallback
}
