package session

import "errors"

var (
	// ErrSessionClosed reports that the tunnel died before the request
	// completed. Callers may retry once a new session is installed.
	ErrSessionClosed = errors.New("session: connection closed")

	// ErrRequestTimeout reports that no response arrived within the request
	// deadline plus the grace margin.
	ErrRequestTimeout = errors.New("session: request timed out")
)
