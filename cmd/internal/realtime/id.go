package realtime

import (
	"time"

	"parley/cmd/internal/ids"
)

// NewMessageID returns a ULID used as message id.
// ULIDs sort by creation time, which stores use as the ordering tie-breaker.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
