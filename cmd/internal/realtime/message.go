package realtime

import (
	"strconv"
	"time"

	v1 "parley/contracts/realtime/v1"
)

// Status is the lifecycle status of a message.
type Status string

const (
	StatusSent     Status = "sent"
	StatusDeleted  Status = "deleted"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDeleted, StatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal forward transition.
// archived is terminal and nothing ever returns to sent.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusSent:
		return to == StatusDeleted || to == StatusArchived
	case StatusDeleted:
		return to == StatusArchived
	default:
		return false
	}
}

// Message is the canonical persisted direct message. Status is the only mutable field.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Status     Status    `json:"status"`
}

// InConversation reports whether m belongs to the unordered pair {a, b}.
func (m Message) InConversation(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Payload converts m to its wire representation.
func (m Message) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Status:     string(m.Status),
		CreatedAt:  m.CreatedAt,
	}
}

// newerThan orders messages by CreatedAt, then by id (ULIDs sort by time).
func (m Message) newerThan(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.After(o.CreatedAt)
	}
	return m.ID > o.ID
}

// ConversationKey returns a canonical key for the unordered pair {a, b}.
// Length prefixes keep it unambiguous whatever characters the ids contain, and no
// key is a prefix of another pair's key followed by ':'.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + ":" + strconv.Itoa(len(b)) + ":" + b
}
