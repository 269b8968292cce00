package realtime

import (
	"time"

	"biostream/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// Falls back to a time-only ULID if entropy fails so envelopes are never unaddressed.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
