// Package repository declares the persistence contract of the service.
//
// Postgres implements it in internal/db; MemoryStore implements it for tests
// and local runs. Every method that depends on the current time takes it as an
// argument so callers own the clock.
package repository

import (
	"context"
	"errors"
	"time"

	"koresoft/device-identity/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

type Querier interface {
	CreateChallenge(ctx context.Context, challenge model.Challenge) error
	// FindActiveChallenge returns the unused challenge for (clientID, nonceHash)
	// that has not expired at now.
	FindActiveChallenge(ctx context.Context, clientID, nonceHash string, now time.Time) (model.Challenge, error)
	// ConsumeChallenge atomically marks an active challenge used. It reports
	// false when the challenge was already used or has expired.
	ConsumeChallenge(ctx context.Context, id string, now time.Time) (bool, error)
	// PurgeChallenges deletes challenges expired at now, and used challenges
	// created before usedBefore.
	PurgeChallenges(ctx context.Context, now, usedBefore time.Time) (int64, error)

	GetDevice(ctx context.Context, id string) (model.Device, error)
	// LockDevice reads the device and holds its row until the transaction ends.
	LockDevice(ctx context.Context, id string) (model.Device, error)
	// EnsureEnrolledDevice returns the device registered under the same client
	// and public key, inserting device when there is none.
	EnsureEnrolledDevice(ctx context.Context, device model.Device) (model.Device, error)
	// CreateDevice inserts device unless its id exists. It returns the stored
	// record and whether it was created.
	CreateDevice(ctx context.Context, device model.Device) (model.Device, bool, error)
	// ActivateDevice sets the device active, clears any suspension and
	// refreshes its heartbeat, creating the record when missing.
	ActivateDevice(ctx context.Context, id string, clientID *string, now time.Time) error
	SetDeviceState(ctx context.Context, id string, state model.DeviceState, suspendedUntil *time.Time, now time.Time) error
	TouchHeartbeat(ctx context.Context, id string, now time.Time) error
	// UpdateDeviceMetadata overwrites the metadata fields that are set.
	UpdateDeviceMetadata(ctx context.Context, id string, metadata model.DeviceMetadata, now time.Time) error

	// CreateRequest inserts request unless the device already has a pending
	// one, in which case the pending request is returned with created false.
	CreateRequest(ctx context.Context, request model.EnrollmentRequest) (model.EnrollmentRequest, bool, error)
	GetRequest(ctx context.Context, id string) (model.EnrollmentRequest, error)
	LockRequest(ctx context.Context, id string) (model.EnrollmentRequest, error)
	SetRequestState(ctx context.Context, id string, state model.RequestState, reason *string, now time.Time) error
	// ListRequests returns one page, newest first, and the total matching count.
	ListRequests(ctx context.Context, filter model.RequestFilter) ([]model.EnrollmentRequest, int, error)
	ListDeviceRequests(ctx context.Context, deviceID string, limit int) ([]model.EnrollmentRequest, error)

	AppendAudit(ctx context.Context, event model.AuditEvent) error
	// ListAuditEvents returns the newest events of a device first.
	ListAuditEvents(ctx context.Context, deviceID string, limit int) ([]model.AuditEvent, error)

	RecordCredential(ctx context.Context, record model.CredentialRecord) error
}

// Store is a Querier that can also run a function inside one transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
type Store interface {
	Querier
	WithTx(ctx context.Context, fn func(q Querier) error) error
}
