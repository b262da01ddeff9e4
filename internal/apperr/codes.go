package apperr

// Stable machine-readable codes shared across components.
const (
	CodeServerError       = "server_error"
	CodeStoreUnavailable  = "store_unavailable"
	CodeInvalidRequest    = "invalid_request"
	CodeMissingBearer     = "missing_bearer"
	CodeInvalidJWT        = "invalid_jwt"
	CodeInvalidAPIKey     = "missing_or_invalid_api_key"
	CodeMisconfigured     = "server_misconfigured"
	CodeTooManyRequests   = "too_many_requests"
	CodeNotFound          = "not_found"
	CodeInvalidState      = "invalid_state"
	CodeDeviceNotFound    = "device_not_found"
	CodeDeviceTerminated  = "device_terminated"
	CodeInsufficientScope = "insufficient_scope"
)

var (
	ErrMissingCredential = New(KindAuthentication, CodeMissingBearer)
	ErrInvalidCredential = New(KindAuthentication, CodeInvalidJWT)
	ErrInvalidAPIKey     = New(KindAuthentication, CodeInvalidAPIKey)
	ErrMisconfigured     = New(KindInternal, CodeMisconfigured)
	ErrTooManyRequests   = New(KindRateLimited, CodeTooManyRequests)
	ErrInvalidRequest    = New(KindValidation, CodeInvalidRequest)
)
