package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerMsgPrefix  = "msg:"
	badgerConvPrefix = "conv:"

	badgerMaxConflictRetries = 8
	badgerArchiveBatch       = 512
)

// BadgerStore is an embedded, single-node MessageStore.
//
// Layout:
//
//	msg:<id>                              -> JSON Message
//	conv:<conversation key>:<nanos>:<id>  -> empty (chronological index)
//
// The zero-padded nanosecond component makes lexical key order equal to
// (CreatedAt, id) order. Status changes run inside read-modify-write transactions;
// badger's conflict detection turns them into compare-and-set.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

// BadgerOption configures BadgerStore.
type BadgerOption func(*BadgerStore)

// WithBadgerClock overrides the clock used to stamp CreatedAt.
func WithBadgerClock(now func() time.Time) BadgerOption {
	return func(s *BadgerStore) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenBadgerStore opens (or creates) a store in dir. The store owns the database.
func OpenBadgerStore(dir string, log *slog.Logger, opts ...BadgerOption) (*BadgerStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("realtime: empty badger dir")
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log}))
	if err != nil {
		return nil, storeErr("badger.open", err)
	}

	s := &BadgerStore{db: db, log: log, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storeErr("badger.close", err)
	}
	return nil
}

// Create stores a new message with status sent.
func (s *BadgerStore) Create(ctx context.Context, senderID, receiverID, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("badger.create", err)
	}
	now := s.now().UTC()
	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, storeErr("badger.create", err)
	}
	m := Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  now,
		Status:     StatusSent,
	}

	b, err := json.Marshal(m)
	if err != nil {
		return Message{}, storeErr("badger.create", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(id), b); err != nil {
			return err
		}
		return txn.Set(convIndexKey(m), nil)
	})
	if err != nil {
		return Message{}, storeErr("badger.create", err)
	}
	return m, nil
}

// FindByID returns the message or ErrNotFound.
func (s *BadgerStore) FindByID(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("badger.find", err)
	}
	var m Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = getMessage(txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("badger.find", err)
	}
	return m, nil
}

// FindLastSent scans the conversation index newest first.
func (s *BadgerStore) FindLastSent(ctx context.Context, senderID, receiverID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("badger.find_last_sent", err)
	}

	var (
		found Message
		ok    bool
	)
	prefix := convPrefix(senderID, receiverID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: prefix, PrefetchValues: false})
		defer it.Close()

		// Reverse iteration must seek past the last key carrying the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := getMessage(txn, indexKeyID(it.Item().Key()))
			if err != nil {
				return err
			}
			if m.SenderID == senderID && m.ReceiverID == receiverID && m.Status == StatusSent {
				found, ok = m, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, storeErr("badger.find_last_sent", err)
	}
	if !ok {
		return Message{}, ErrNotFound
	}
	return found, nil
}

// CompareAndSetStatus moves id from -> to when the current status is from.
func (s *BadgerStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	var swapped bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		swapped = false
		m, err := getMessage(txn, id)
		if err != nil {
			return err
		}
		if m.Status != from {
			return nil
		}
		m.Status = to
		if err := putMessage(txn, m); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, storeErr("badger.cas", err)
	}
	return swapped, nil
}

// ListConversation returns the pair's messages ordered by CreatedAt ASC, id ASC.
func (s *BadgerStore) ListConversation(ctx context.Context, userA, userB string, exclude Status) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("badger.list", err)
	}

	out := make([]Message, 0, 64)
	prefix := convPrefix(userA, userB)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			m, err := getMessage(txn, indexKeyID(it.Item().Key()))
			if err != nil {
				return err
			}
			if !m.InConversation(userA, userB) || (exclude != "" && m.Status == exclude) {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("badger.list", err)
	}
	return out, nil
}

// ArchiveConversation archives every non-archived message of the pair, in
// batches so large conversations stay under badger's transaction limits.
func (s *BadgerStore) ArchiveConversation(ctx context.Context, userA, userB string) (int64, error) {
	var ids []string
	prefix := convPrefix(userA, userB)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, indexKeyID(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("badger.archive", err)
	}

	var total int64
	for start := 0; start < len(ids); start += badgerArchiveBatch {
		batch := ids[start:min(start+badgerArchiveBatch, len(ids))]

		var n int64
		err := s.update(ctx, func(txn *badger.Txn) error {
			n = 0
			for _, id := range batch {
				m, err := getMessage(txn, id)
				if err != nil {
					return err
				}
				if m.Status == StatusArchived {
					continue
				}
				m.Status = StatusArchived
				if err := putMessage(txn, m); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return total, storeErr("badger.archive", err)
		}
		total += n
	}
	return total, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range badgerMaxConflictRetries {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getMessage(txn *badger.Txn, id string) (Message, error) {
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	var m Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	return m, err
}

func putMessage(txn *badger.Txn, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(msgKey(m.ID), b)
}

func msgKey(id string) []byte {
	return []byte(badgerMsgPrefix + id)
}

func convPrefix(a, b string) []byte {
	return []byte(badgerConvPrefix + ConversationKey(a, b) + ":")
}

func convIndexKey(m Message) []byte {
	return fmt.Appendf(convPrefix(m.SenderID, m.ReceiverID), "%020d:%s", m.CreatedAt.UnixNano(), m.ID)
}

// indexKeyID extracts the message id, which is the last component of an index key.
func indexKeyID(key []byte) string {
	k := string(key)
	return k[strings.LastIndexByte(k, ':')+1:]
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any) {
	l.log.Error("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.log.Warn("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...any) {
	l.log.Debug("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...any) {
	l.log.Debug("badger", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}
