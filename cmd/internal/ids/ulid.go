// Package ids provides identifier primitives shared by the realtime packages.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// entropy is monotonic within a millisecond, so ids minted in the same
// millisecond by this process still sort in creation order.
var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// NewULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewConnID returns a random UUID used to address one live connection.
func NewConnID() string {
	return uuid.NewString()
}
