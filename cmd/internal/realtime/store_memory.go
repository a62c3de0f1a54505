package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test MessageStore. Nothing survives a restart.
type InMemoryStore struct {
	now func() time.Time

	mu    sync.RWMutex
	byID  map[string]*Message
	convs map[string][]string // conversation key -> ids in insertion order
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock overrides the clock used to stamp CreatedAt.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:   time.Now,
		byID:  make(map[string]*Message),
		convs: make(map[string][]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create stores a new message with status sent.
func (s *InMemoryStore) Create(ctx context.Context, senderID, receiverID, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("memory.create", err)
	}
	now := s.now().UTC()
	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, storeErr("memory.create", err)
	}

	m := Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  now,
		Status:     StatusSent,
	}

	key := ConversationKey(senderID, receiverID)
	s.mu.Lock()
	cp := m
	s.byID[id] = &cp
	s.convs[key] = append(s.convs[key], id)
	s.mu.Unlock()

	return m, nil
}

// FindByID returns the message or ErrNotFound.
func (s *InMemoryStore) FindByID(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("memory.find", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

// FindLastSent returns the newest sent message from senderID to receiverID.
func (s *InMemoryStore) FindLastSent(ctx context.Context, senderID, receiverID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("memory.find_last_sent", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Message
		found bool
	)
	for _, id := range s.convs[ConversationKey(senderID, receiverID)] {
		m := s.byID[id]
		if m.SenderID != senderID || m.ReceiverID != receiverID || m.Status != StatusSent {
			continue
		}
		if !found || m.newerThan(best) {
			best, found = *m, true
		}
	}
	if !found {
		return Message{}, ErrNotFound
	}
	return best, nil
}

// CompareAndSetStatus moves id from -> to when the current status is from.
func (s *InMemoryStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr("memory.cas", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	return true, nil
}

// ListConversation returns the pair's messages ordered by CreatedAt ASC, id ASC.
// Messages with status exclude are skipped; pass "" to include everything.
func (s *InMemoryStore) ListConversation(ctx context.Context, userA, userB string, exclude Status) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("memory.list", err)
	}
	s.mu.RLock()
	ids := s.convs[ConversationKey(userA, userB)]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m := s.byID[id]
		if exclude != "" && m.Status == exclude {
			continue
		}
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[j].newerThan(out[i]) })
	return out, nil
}

// ArchiveConversation archives every non-archived message of the pair.
func (s *InMemoryStore) ArchiveConversation(ctx context.Context, userA, userB string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("memory.archive", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range s.convs[ConversationKey(userA, userB)] {
		m := s.byID[id]
		if m.Status == StatusArchived {
			continue
		}
		m.Status = StatusArchived
		n++
	}
	return n, nil
}
