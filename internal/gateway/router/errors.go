package router

import (
	"errors"
	"fmt"
)

// Kind classifies a routing failure for platform callers. The values are
// stable API: the REST layer maps them to HTTP statuses and chatbot code
// branches on them.
type Kind string

const (
	KindAuthFailed          Kind = "AUTH_FAILED"
	KindGatewayNotConnected Kind = "GATEWAY_NOT_CONNECTED"
	KindTimeout             Kind = "TIMEOUT"
	KindConnectionClosed    Kind = "CONNECTION_CLOSED"
	KindProtocolError       Kind = "PROTOCOL_ERROR"
	KindQueryError          Kind = "QUERY_ERROR"
	KindNotConfigured       Kind = "NOT_CONFIGURED"
)

// Error is the structured failure surfaced by the router. Detail carries
// secondary context, such as the direct probe error when auto mode has no
// path left.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the Kind from err, or "" when err is not a router error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
