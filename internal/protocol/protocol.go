// Package protocol defines the tunnel wire protocol shared by gateway and agent.
//
// Every message on the tunnel is one UTF-8 text frame carrying one JSON
// object. Frames are a closed tagged variant: the "type" field selects one of
// the types below, and Decode returns the matching concrete struct. Unknown
// type tags are first-class (*UnknownTypeError), not connection-fatal.
package protocol

// Type tags a frame on the wire.
type Type string

const (
	TypeAuthRequest            Type = "AUTH_REQUEST"
	TypeAuthResponse           Type = "AUTH_RESPONSE"
	TypeQueryRequest           Type = "QUERY_REQUEST"
	TypeQueryResponse          Type = "QUERY_RESPONSE"
	TypeAPIRequest             Type = "API_REQUEST"
	TypeAPIResponse            Type = "API_RESPONSE"
	TypeEmployeeLookupRequest  Type = "EMPLOYEE_LOOKUP_REQUEST"
	TypeEmployeeLookupResponse Type = "EMPLOYEE_LOOKUP_RESPONSE"
	TypeHeartbeat              Type = "HEARTBEAT"
	TypeHeartbeatAck           Type = "HEARTBEAT_ACK"
	TypeDBStatusUpdate         Type = "DB_STATUS_UPDATE"
	TypeError                  Type = "ERROR"
	TypeDisconnect             Type = "DISCONNECT"
)

// ─── Statuses ────────────────────────────────────────────────────────────────

// Status reports the outcome of a request executed on the agent side.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusError           Status = "error"
	StatusTimeout         Status = "timeout"
	StatusConnectionError Status = "connection_error"
	StatusNotFound        Status = "not_found"
	StatusMultipleFound   Status = "multiple_found"
	StatusNotConfigured   Status = "not_configured"
)

// AuthStatus is the verdict carried by an AuthResponse.
type AuthStatus string

const (
	AuthSuccess      AuthStatus = "success"
	AuthFailed       AuthStatus = "failed"
	AuthTokenExpired AuthStatus = "token_expired"
	AuthTokenRevoked AuthStatus = "token_revoked"
)

// BackendStatus is the agent-reported health of one of its local backends.
type BackendStatus string

const (
	BackendConnected    BackendStatus = "connected"
	BackendDisconnected BackendStatus = "disconnected"
	BackendError        BackendStatus = "error"
)

// LookupType selects an employee lookup strategy.
type LookupType string

const (
	LookupAuto LookupType = "auto"
	LookupCode LookupType = "code"
	LookupName LookupType = "name"
	LookupCard LookupType = "card"
)

// ─── Error codes ─────────────────────────────────────────────────────────────

// Error codes carried by ERROR frames.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeUnknownRequest = "UNKNOWN_REQUEST"
	CodeInternal       = "INTERNAL_ERROR"
)
