package realtime

import (
	"context"
)

// MessageStore persists direct messages and their status.
//
// Requirements:
//   - Create assigns the id and the authoritative CreatedAt; status starts at sent.
//   - FindByID / FindLastSent return ErrNotFound when nothing matches.
//   - FindLastSent orders by CreatedAt DESC, then id DESC.
//   - CompareAndSetStatus is the only status mutation for single messages: it applies
//     from -> to atomically and reports false when the current status is not from.
//   - ListConversation is ordered by CreatedAt ASC, then id ASC.
//   - ArchiveConversation archives every non-archived message of the pair and
//     reports how many rows changed (0 when already archived).
//   - Backend failures are returned as *StoreError.
//
// Implementations must be safe for concurrent use.
type MessageStore interface {
	Create(ctx context.Context, senderID, receiverID, text string) (Message, error)
	FindByID(ctx context.Context, id string) (Message, error)
	FindLastSent(ctx context.Context, senderID, receiverID string) (Message, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)
	ListConversation(ctx context.Context, userA, userB string, exclude Status) ([]Message, error)
	ArchiveConversation(ctx context.Context, userA, userB string) (int64, error)
	Close() error
}
