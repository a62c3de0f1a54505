package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	v1 "parley/contracts/realtime/v1"

	"github.com/samber/lo"
)

// DefaultUndoWindow is how long after creation a sender may undo a message.
const DefaultUndoWindow = 120 * time.Second

// MessageRelay owns the message lifecycle: it persists through the MessageStore and
// pushes the result to whichever party is online at delivery time.
//
// Status changes only go through MessageStore.CompareAndSetStatus, so concurrent
// delete/undo/archive calls cannot resurrect or double-transition a message.
type MessageRelay struct {
	log     *slog.Logger
	store   MessageStore
	deliver Deliverer
	metrics *Metrics

	now        func() time.Time
	undoWindow time.Duration
}

// RelayOption configures MessageRelay.
type RelayOption func(*MessageRelay)

// WithUndoWindow overrides DefaultUndoWindow. Non-positive values are ignored.
func WithUndoWindow(d time.Duration) RelayOption {
	return func(r *MessageRelay) {
		if d > 0 {
			r.undoWindow = d
		}
	}
}

// WithRelayClock overrides the clock used for the undo window and push timestamps.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *MessageRelay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewMessageRelay constructs a MessageRelay. A nil deliverer disables pushes.
func NewMessageRelay(log *slog.Logger, store MessageStore, deliver Deliverer, metrics *Metrics, opts ...RelayOption) (*MessageRelay, error) {
	if store == nil {
		return nil, errors.New("realtime: nil message store")
	}
	if log == nil {
		log = slog.Default()
	}
	if deliver == nil {
		deliver = nopDeliverer{}
	}
	r := &MessageRelay{
		log:        log,
		store:      store,
		deliver:    deliver,
		metrics:    metrics,
		now:        time.Now,
		undoWindow: DefaultUndoWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// UndoWindow returns the configured undo window.
func (r *MessageRelay) UndoWindow() time.Duration { return r.undoWindow }

// Send stores a new message and pushes message_new to receiver and sender.
func (r *MessageRelay) Send(ctx context.Context, senderID, receiverID, text string) (Message, error) {
	const op = "relay.send"

	senderID, receiverID = strings.TrimSpace(senderID), strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return Message{}, opErr(op, ErrInvalidInput, "sender and receiver are required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, opErr(op, ErrInvalidInput, "empty text")
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return Message{}, opErr(op, ErrInvalidInput, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	}

	m, err := r.store.Create(ctx, senderID, receiverID, text)
	if err != nil {
		return Message{}, r.storeFailure(op, err)
	}
	r.metrics.messageCreated()
	r.log.Info("relay.send", "message_id", m.ID, "sender_id", m.SenderID, "receiver_id", m.ReceiverID)

	r.push(ctx, newEnvelope(v1.TypeMessageNew, m.Payload(), r.now().UTC()), m.ReceiverID, m.SenderID)
	return m, nil
}

// SoftDelete marks one of the requester's own sent messages as deleted.
func (r *MessageRelay) SoftDelete(ctx context.Context, requesterID, messageID string) (Message, error) {
	const op = "relay.delete"

	requesterID, messageID = strings.TrimSpace(requesterID), strings.TrimSpace(messageID)
	if requesterID == "" || messageID == "" {
		return Message{}, opErr(op, ErrInvalidInput, "requester and message id are required")
	}

	m, err := r.store.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, opErr(op, ErrNotFound, "message not found")
		}
		return Message{}, r.storeFailure(op, err)
	}
	if m.SenderID != requesterID {
		return Message{}, opErr(op, ErrForbidden, "only the sender can delete a message")
	}
	if m.Status != StatusSent {
		return Message{}, opErr(op, ErrInvalidState, fmt.Sprintf("message is %s", m.Status))
	}

	if err := r.transition(ctx, op, &m, StatusDeleted); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Undo deletes the sender's most recent sent message to receiverID when it is
// still inside the undo window.
func (r *MessageRelay) Undo(ctx context.Context, senderID, receiverID string) (Message, error) {
	const op = "relay.undo"

	senderID, receiverID = strings.TrimSpace(senderID), strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return Message{}, opErr(op, ErrInvalidInput, "sender and receiver are required")
	}

	m, err := r.store.FindLastSent(ctx, senderID, receiverID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, opErr(op, ErrNotFound, "no message to undo")
		}
		return Message{}, r.storeFailure(op, err)
	}
	if age := r.now().Sub(m.CreatedAt); age > r.undoWindow {
		return Message{}, opErr(op, ErrWindowExpired, fmt.Sprintf("message is %s old, window is %s", age.Truncate(time.Second), r.undoWindow))
	}

	if err := r.transition(ctx, op, &m, StatusDeleted); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Archive archives every non-archived message between userA and userB.
// It is idempotent and returns the number of messages that changed.
func (r *MessageRelay) Archive(ctx context.Context, userA, userB string) (int64, error) {
	const op = "relay.archive"

	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return 0, opErr(op, ErrInvalidInput, "both users are required")
	}

	n, err := r.store.ArchiveConversation(ctx, userA, userB)
	if err != nil {
		return 0, r.storeFailure(op, err)
	}
	if n == 0 {
		return 0, nil
	}
	r.metrics.transitions(StatusArchived, n)
	r.log.Info("relay.archive", "user_a", userA, "user_b", userB, "archived", n)

	env := newEnvelope(v1.TypeConversationArchived, v1.ConversationArchivedPayload{UserA: userA, UserB: userB}, r.now().UTC())
	r.push(ctx, env, userA, userB)
	return n, nil
}

// History returns the non-archived messages between userA and userB,
// oldest first.
func (r *MessageRelay) History(ctx context.Context, userA, userB string) ([]Message, error) {
	const op = "relay.history"

	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, opErr(op, ErrInvalidInput, "both users are required")
	}

	msgs, err := r.store.ListConversation(ctx, userA, userB, StatusArchived)
	if err != nil {
		return nil, r.storeFailure(op, err)
	}
	return msgs, nil
}

// transition applies the conditional status update and pushes message_status.
// Losing the compare-and-set to a concurrent caller is reported as ErrInvalidState.
func (r *MessageRelay) transition(ctx context.Context, op string, m *Message, to Status) error {
	from := m.Status
	if !CanTransition(from, to) {
		return opErr(op, ErrInvalidState, fmt.Sprintf("cannot move %s to %s", from, to))
	}

	ok, err := r.store.CompareAndSetStatus(ctx, m.ID, from, to)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return opErr(op, ErrNotFound, "message not found")
		}
		return r.storeFailure(op, err)
	}
	if !ok {
		return opErr(op, ErrInvalidState, "message changed concurrently")
	}

	m.Status = to
	r.metrics.transition(to)
	r.log.Info(op, "message_id", m.ID, "sender_id", m.SenderID, "receiver_id", m.ReceiverID, "status", to)

	r.push(ctx, statusEnvelope(*m, r.now().UTC()), m.SenderID, m.ReceiverID)
	return nil
}

// push delivers env once to every distinct user. Offline users are skipped.
func (r *MessageRelay) push(ctx context.Context, env v1.Envelope, users ...string) {
	for _, u := range lo.Uniq(users) {
		if !r.deliver.Deliver(ctx, u, env) {
			r.log.Debug("relay.push.skip", "user_id", u, "type", env.Type)
		}
	}
}

func (r *MessageRelay) storeFailure(op string, err error) error {
	r.log.Error("relay.store.fail", "op", op, "err", err)
	return OpError{Op: op, Kind: ErrStore, Msg: err.Error()}
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, string, v1.Envelope) bool { return false }
