package protocol

import (
	"encoding/json"
	"fmt"
)

// UnknownTypeError reports a frame whose type tag is outside the protocol.
// Receivers answer it with an ERROR frame and keep the connection open.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown frame type %q", e.Type)
}

// DecodeError reports a message that could not be parsed as a frame.
type DecodeError struct {
	Type Type
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: decode: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a frame to one text message, stamping the type tag and,
// when unset, the timestamp.
func Encode(f Frame) ([]byte, error) {
	m := f.frameMeta()
	m.Type = f.FrameType()
	if m.Timestamp.IsZero() {
		m.Timestamp = Now()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", f.FrameType(), err)
	}
	return data, nil
}

// Decode parses one text message into its concrete frame type. An
// out-of-protocol type tag yields *UnknownTypeError and malformed JSON yields
// *DecodeError; neither is connection-fatal.
func Decode(data []byte) (Frame, error) {
	var env Meta
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	f := newFrame(env.Type)
	if f == nil {
		return nil, &UnknownTypeError{Type: string(env.Type)}
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return f, nil
}

// PeekRequestID pulls request_id out of a raw message when present, so a
// decode failure can still be answered with an ERROR frame that references
// the offending request.
func PeekRequestID(data []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}
