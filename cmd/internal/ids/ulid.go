// Package ids provides the ID primitives (ULID) shared by sessions, envelopes and bridges.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps session and envelope IDs readable in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (envelope construction).
// It falls back to the zero-entropy ULID for the timestamp if the entropy source fails.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		if now.IsZero() {
			now = time.Now().UTC()
		}
		var fallback ulid.ULID
		_ = fallback.SetTime(ulid.Timestamp(now))
		return fallback.String()
	}
	return id
}
