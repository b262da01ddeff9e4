package model

import (
	"encoding/json"
	"time"
)

type DeviceState string

const (
	DeviceStatePending    DeviceState = "pending"
	DeviceStateActive     DeviceState = "active"
	DeviceStateSuspended  DeviceState = "suspended"
	DeviceStateRejected   DeviceState = "rejected"
	DeviceStateTerminated DeviceState = "terminated"
)

func (s DeviceState) Valid() bool {
	switch s {
	case DeviceStatePending, DeviceStateActive, DeviceStateSuspended, DeviceStateRejected, DeviceStateTerminated:
		return true
	}
	return false
}

type RequestState string

const (
	RequestStatePending  RequestState = "pending"
	RequestStateApproved RequestState = "approved"
	RequestStateRejected RequestState = "rejected"
)

func (s RequestState) Valid() bool {
	switch s {
	case RequestStatePending, RequestStateApproved, RequestStateRejected:
		return true
	}
	return false
}

// DeviceMetadata holds the optional descriptive fields reported by a device.
type DeviceMetadata struct {
	Model       *string
	OS          *string
	Location    *string
	Coordinates *string
	AppVersion  *string
}

type Device struct {
	ID             string
	ClientID       *string
	PublicKey      *string
	State          DeviceState
	LastHeartbeat  *time.Time
	SuspendedUntil *time.Time
	Metadata       DeviceMetadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Challenge is a single-use enrollment nonce. Only its hash is stored.
type Challenge struct {
	ID        string
	ClientID  string
	NonceHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Used      bool
}

// CredentialRecord is the audit trail of an issued credential.
type CredentialRecord struct {
	JTI       string
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
}

type EnrollmentRequest struct {
	ID        string
	DeviceID  string
	ClientID  *string
	Model     *string
	OS        *string
	Location  *string
	Lat       *float64
	Lon       *float64
	State     RequestState
	Reason    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestFilter selects enrollment requests for the operator listing.
type RequestFilter struct {
	State  *RequestState
	Limit  int
	Offset int
}

type AuditEvent struct {
	ID        int64
	DeviceID  *string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Audit event types.
const (
	EventEnrollment       = "enrollment"
	EventHeartbeat        = "heartbeat"
	EventRenewal          = "renewal"
	EventSuspend          = "suspend"
	EventReactivate       = "reactivate"
	EventTerminate        = "terminate"
	EventApproval         = "approval"
	EventRejection        = "rejection"
	EventRequestSubmitted = "request_submitted"
	EventDeviceRegistered = "device_registered"
	EventDeviceUpdated    = "device_updated"
	EventError            = "error"
)
