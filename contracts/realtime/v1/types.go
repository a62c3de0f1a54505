// Package v1 defines the Parley Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeIdentify binds the connection to a user (client -> server).
	TypeIdentify = "identify"
	// TypeIdentifyAck confirms the binding (server -> client).
	TypeIdentifyAck = "identify_ack"

	// TypeMessageSend requests sending a new direct message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageNew pushes a newly stored message (server -> sender and receiver).
	TypeMessageNew = "message_new"
	// TypeMessageDelete soft-deletes one of the caller's messages (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageUndo deletes the caller's latest sent message to a peer (client -> server).
	TypeMessageUndo = "message_undo"
	// TypeMessageStatus pushes a status change of a single message (server -> both parties).
	TypeMessageStatus = "message_status"

	// TypeConversationArchived pushes that a conversation was archived (server -> both parties).
	TypeConversationArchived = "conversation_archived"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns the history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// Call signaling. Same type in both directions: the client sends {to, payload},
	// the server delivers {from, payload}.
	TypeCallOffer    = "call_offer"
	TypeCallAnswer   = "call_answer"
	TypeICECandidate = "ice_candidate"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeIdentifyAck,
		TypeMessageSend,
		TypeMessageNew,
		TypeMessageDelete,
		TypeMessageUndo,
		TypeMessageStatus,
		TypeConversationArchived,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeCallOffer,
		TypeCallAnswer,
		TypeICECandidate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// IdentifyPayload binds the connection to a user. When the server requires auth,
// Token is mandatory and UserID (if set) must match the token subject.
type IdentifyPayload struct {
	UserID string `json:"user_id,omitempty"`
	Token  string `json:"token,omitempty"`
}

// IdentifyAckPayload carries the server-side connection id and the bound user.
type IdentifyAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageSendPayload requests sending a message to ReceiverID.
type MessageSendPayload struct {
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
}

// MessagePayload is the canonical message representation on the wire.
type MessagePayload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageDeletePayload requests a soft delete by message id.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// MessageUndoPayload requests undoing the caller's latest sent message to ReceiverID.
type MessageUndoPayload struct {
	ReceiverID string `json:"receiver_id"`
}

// MessageStatusPayload reports a single message status change.
type MessageStatusPayload struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Status     string `json:"status"`
}

// ConversationArchivedPayload reports that the conversation between two users was archived.
type ConversationArchivedPayload struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

// ConversationHistoryFetchPayload requests the history with PeerID.
type ConversationHistoryFetchPayload struct {
	PeerID string `json:"peer_id"`
}

// ConversationHistoryChunkPayload returns the non-archived history ordered by created_at ASC.
type ConversationHistoryChunkPayload struct {
	PeerID   string           `json:"peer_id"`
	Messages []MessagePayload `json:"messages"`
}

// SignalRequestPayload is sent by a caller: the payload is opaque and forwarded verbatim.
type SignalRequestPayload struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// SignalPayload is delivered to the callee.
type SignalPayload struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Ref echoes the id of the envelope that caused the error, if any.
	Ref string `json:"ref,omitempty"`
}
