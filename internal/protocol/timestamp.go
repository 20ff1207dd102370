package protocol

import (
	"fmt"
	"strconv"
	"time"
)

// timestampLayout is ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is the wire form of a frame timestamp. It always marshals as
// ISO-8601 UTC with millisecond precision, so a marshal/unmarshal cycle
// yields an equal value.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return At(time.Now())
}

// At converts t to wire precision: UTC, truncated to milliseconds.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(timestampLayout))), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("protocol: timestamp: %w", err)
	}
	// Be liberal on input: accept any RFC 3339 flavor, including offsets
	// and sub-millisecond precision, and normalize.
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("protocol: timestamp %q: %w", s, err)
	}
	*t = At(parsed)
	return nil
}
