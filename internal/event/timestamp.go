package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// millisFormat is the emitted wire format: RFC 3339 with millisecond
// precision, always UTC.
const millisFormat = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a UTC instant with millisecond precision.
//
// The wire contract accepts dates both as ISO-8601 strings and as epoch
// millisecond numbers (heterogeneous SDKs emit either), and always emits
// ISO-8601. The zero Timestamp marshals as null.
type Timestamp struct {
	time.Time
}

// Now returns the current instant truncated to millisecond precision in UTC.
func Now() Timestamp {
	return At(time.Now())
}

// At converts a time.Time to a Timestamp, truncating to milliseconds in UTC.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON emits the timestamp as an ISO-8601 string with millisecond
// precision, or null for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.UTC().Format(millisFormat))
}

// UnmarshalJSON accepts an ISO-8601 string, an epoch-millisecond number, or
// null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		t.Time = time.Time{}

		return nil
	}

	// String form: RFC 3339, with or without fractional seconds.
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid timestamp string: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}

		*t = At(parsed)

		return nil
	}

	// Number form: epoch milliseconds.
	ms, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		// Fractional epoch millis (some producers emit floats).
		f, ferr := strconv.ParseFloat(trimmed, 64)
		if ferr != nil {
			return fmt.Errorf("invalid timestamp %s: %w", trimmed, err)
		}

		ms = int64(f)
	}

	*t = At(time.UnixMilli(ms))

	return nil
}

// String returns the emitted wire form, or the empty string for the zero value.
func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(millisFormat)
}
