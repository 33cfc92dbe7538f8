package metrics

// Standard metric names (spec §4.7), a stable contract the gateway
// increments around each dispatched invocation.
const (
	NameInvocationsCount     = "invocations.count"
	NameInvocationsLatency   = "invocations.latency"
	NameInvocationsErrors    = "invocations.errors" // tag "reason"
	NameConnectionsActive    = "connections.active"
	NameConnectionsTotal     = "connections.total"
	NameStateOperationsCount = "state.operations.count"
	NameStateOperationsLat   = "state.operations.latency"
	NameActorsActive         = "actors.active"
)

// ErrorReason is the closed set of invocations.errors "reason" tag values
// (spec §7).
type ErrorReason string

const (
	ReasonAuthenticationError ErrorReason = "authentication_error"
	ReasonAuthorizationError  ErrorReason = "authorization_error"
	ReasonRateLimitExceeded   ErrorReason = "rate_limit_exceeded"
	ReasonValidationError     ErrorReason = "validation_error"
	ReasonHandlerError        ErrorReason = "handler_error"
	ReasonActorNotFound       ErrorReason = "actor_not_found"
)
