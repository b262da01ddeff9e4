// Package gate admits device-originated calls. It verifies the bearer
// credential, resolves the device, then checks scope and lifecycle state.
package gate

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/apperr"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/device"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
)

var (
	ErrInsufficientScope  = apperr.New(apperr.KindAuthorization, apperr.CodeInsufficientScope)
	ErrDevicePending      = apperr.New(apperr.KindAuthorization, "device_pending_approval")
	ErrDeviceSuspended    = apperr.New(apperr.KindAuthorization, "device_suspended")
	ErrDeviceRejected     = apperr.New(apperr.KindAuthorization, "device_rejected")
	ErrDeviceTerminated   = apperr.New(apperr.KindAuthorization, apperr.CodeDeviceTerminated)
	ErrDeviceStateBlocked = apperr.New(apperr.KindAuthorization, "device_state_not_allowed")
)

// Operation describes what a device call requires.
type Operation struct {
	Name  string
	Scope string
	// AllowedStates is the allow-list of device states. Empty admits any.
	AllowedStates []model.DeviceState
	// Provision creates a pending device on first contact when the gate is
	// configured to auto-provision.
	Provision bool
	// RequireDevice rejects the call when the device record does not exist.
	RequireDevice bool
}

var (
	Heartbeat = Operation{
		Name:          "heartbeat",
		Scope:         auth.ScopeHeartbeat,
		AllowedStates: []model.DeviceState{model.DeviceStateActive},
		Provision:     true,
		RequireDevice: true,
	}
	Register = Operation{
		Name:  "register",
		Scope: auth.ScopeHeartbeat,
	}
	SubmitRequest = Operation{
		Name: "submit_request",
		AllowedStates: []model.DeviceState{
			model.DeviceStatePending,
			model.DeviceStateActive,
			model.DeviceStateSuspended,
			model.DeviceStateRejected,
		},
		Provision:     true,
		RequireDevice: true,
	}
	ListOwnRequests = Operation{
		Name: "list_requests",
	}
)

// Principal is what an admitted call knows about its caller.
type Principal struct {
	Claims *auth.Claims
	Device model.Device
	// Known is false when the device has no record yet.
	Known bool
}

type Gate struct {
	codec         *auth.Codec
	registry      *device.Registry
	autoProvision bool
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func New(codec *auth.Codec, registry *device.Registry, autoProvision bool, logger *zap.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{codec: codec, registry: registry, autoProvision: autoProvision, metrics: m, logger: logger}
}

func (g *Gate) Authorize(ctx context.Context, bearer string, op Operation) (Principal, error) {
	principal, err := g.authorize(ctx, bearer, op)
	code := "ok"
	if err != nil {
		code = apperr.From(err).Code
	}
	g.metrics.GateDecision(op.Name, code)
	return principal, err
}

func (g *Gate) authorize(ctx context.Context, bearer string, op Operation) (Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Principal{}, apperr.ErrMissingCredential
	}
	claims, err := g.codec.Verify(bearer)
	if err != nil {
		return Principal{}, apperr.ErrInvalidCredential.Because(err)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return Principal{}, apperr.ErrInvalidCredential
	}

	principal := Principal{Claims: claims}
	dev, err := g.registry.Resolve(ctx, claims.Subject, claims.ClientID, op.Provision && g.autoProvision)
	switch {
	case err == nil:
		principal.Device = dev
		principal.Known = true
	case errors.Is(err, device.ErrDeviceNotFound) && !op.RequireDevice:
		// admitted without a record
	default:
		return Principal{}, err
	}

	if op.Scope != "" && !claims.HasScope(op.Scope) {
		return Principal{}, ErrInsufficientScope
	}
	if principal.Known && len(op.AllowedStates) > 0 && !allowed(op.AllowedStates, principal.Device.State) {
		return Principal{}, StateError(principal.Device)
	}
	return principal, nil
}

func allowed(states []model.DeviceState, state model.DeviceState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// StateError explains why a device in its current state is turned away. A
// suspended device always gets its suspension deadline back, even when it has
// elapsed, since only an operator can reactivate it.
func StateError(d model.Device) *apperr.Error {
	switch d.State {
	case model.DeviceStatePending:
		return ErrDevicePending.With("estado", d.State)
	case model.DeviceStateSuspended:
		var until any
		if d.SuspendedUntil != nil {
			until = d.SuspendedUntil.UTC()
		}
		return ErrDeviceSuspended.With("estado", d.State).With("suspendido_hasta", until)
	case model.DeviceStateRejected:
		return ErrDeviceRejected.With("estado", d.State)
	case model.DeviceStateTerminated:
		return ErrDeviceTerminated.With("estado", d.State)
	default:
		return ErrDeviceStateBlocked.With("estado", d.State)
	}
}
