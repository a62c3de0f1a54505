package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "parley/contracts/realtime/v1"
)

// ReasonSessionReplaced is the close reason of a connection displaced by a newer
// identify of the same user.
const ReasonSessionReplaced = "session replaced"

const defaultOpTimeout = 10 * time.Second

// TokenVerifier resolves an identify token to the user id it was issued for.
type TokenVerifier interface {
	Subject(token string) (string, error)
}

// SessionState is the lifecycle state of a Session.
type SessionState uint8

const (
	StateUnidentified SessionState = iota
	StateIdentified
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", uint8(s))
	}
}

// SessionDeps are the collaborators shared by all sessions of a server.
type SessionDeps struct {
	Log       *slog.Logger
	Registry  *Registry
	Relay     *MessageRelay
	Signaling *SignalingRelay

	// Verifier, when set, makes a token mandatory on identify.
	Verifier TokenVerifier

	CloseStaleOnRebind bool
	OpTimeout          time.Duration
}

// Session is the per-connection state machine:
// Unidentified -> Identified -> Closed.
//
// Identify and Close hold the session lock so a close racing an identify always
// observes the binding and removes it. Relay operations run without the lock on a
// context detached from the connection, so a disconnect never aborts a store write.
type Session struct {
	deps SessionDeps
	log  *slog.Logger
	conn *Conn

	mu     sync.Mutex
	state  SessionState
	userID string
}

// NewSession constructs a Session for conn in the Unidentified state.
func NewSession(deps SessionDeps, conn *Conn) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.OpTimeout <= 0 {
		deps.OpTimeout = defaultOpTimeout
	}
	return &Session{
		deps: deps,
		log:  deps.Log.With("conn_id", conn.ID),
		conn: conn,
	}
}

// Conn returns the connection handle backing the session.
func (s *Session) Conn() *Conn { return s.conn }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the bound user, empty until identified.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle dispatches one validated client envelope. Returned errors are meant to be
// reported to the client; they never close the session.
func (s *Session) Handle(ctx context.Context, env v1.Envelope) error {
	if env.Type == v1.TypeIdentify {
		return s.identify(env)
	}

	s.mu.Lock()
	state, actor := s.state, s.userID
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return opErr("session.handle", ErrSessionClosed, "")
	case StateUnidentified:
		return opErr("session.handle", ErrNotIdentified, "identify first")
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.OpTimeout)
	defer cancel()

	switch env.Type {
	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		if err := decodePayload("session.message_send", env, &p); err != nil {
			return err
		}
		_, err := s.deps.Relay.Send(opCtx, actor, p.ReceiverID, p.Text)
		return err

	case v1.TypeMessageDelete:
		var p v1.MessageDeletePayload
		if err := decodePayload("session.message_delete", env, &p); err != nil {
			return err
		}
		_, err := s.deps.Relay.SoftDelete(opCtx, actor, p.MessageID)
		return err

	case v1.TypeMessageUndo:
		var p v1.MessageUndoPayload
		if err := decodePayload("session.message_undo", env, &p); err != nil {
			return err
		}
		_, err := s.deps.Relay.Undo(opCtx, actor, p.ReceiverID)
		return err

	case v1.TypeConversationHistoryFetch:
		var p v1.ConversationHistoryFetchPayload
		if err := decodePayload("session.history_fetch", env, &p); err != nil {
			return err
		}
		msgs, err := s.deps.Relay.History(opCtx, actor, p.PeerID)
		if err != nil {
			return err
		}
		s.reply(v1.TypeConversationHistoryChunk, v1.ConversationHistoryChunkPayload{
			PeerID:   p.PeerID,
			Messages: messagePayloads(msgs),
		})
		return nil

	case v1.TypeCallOffer, v1.TypeCallAnswer, v1.TypeICECandidate:
		var p v1.SignalRequestPayload
		if err := decodePayload("session."+env.Type, env, &p); err != nil {
			return err
		}
		switch env.Type {
		case v1.TypeCallOffer:
			s.deps.Signaling.ForwardOffer(opCtx, actor, p.To, p.Payload)
		case v1.TypeCallAnswer:
			s.deps.Signaling.ForwardAnswer(opCtx, actor, p.To, p.Payload)
		default:
			s.deps.Signaling.ForwardCandidate(opCtx, actor, p.To, p.Payload)
		}
		return nil

	default:
		return opErr("session.handle", ErrUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func (s *Session) identify(env v1.Envelope) error {
	const op = "session.identify"

	var p v1.IdentifyPayload
	if err := decodePayload(op, env, &p); err != nil {
		return err
	}
	userID, err := s.resolveUser(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return opErr(op, ErrSessionClosed, "")
	}
	replaced := s.deps.Registry.Bind(userID, s.conn)
	prev := s.userID
	s.state = StateIdentified
	s.userID = userID
	s.mu.Unlock()

	if replaced != nil && s.deps.CloseStaleOnRebind {
		replaced.CloseWithReason(ReasonSessionReplaced)
	}
	s.log.Info("session.identify", "user_id", userID, "previous_user_id", prev, "replaced", replaced != nil)

	s.reply(v1.TypeIdentifyAck, v1.IdentifyAckPayload{SessionID: s.conn.ID, UserID: userID})
	return nil
}

func (s *Session) resolveUser(p v1.IdentifyPayload) (string, error) {
	const op = "session.identify"

	claimed := strings.TrimSpace(p.UserID)
	if s.deps.Verifier == nil {
		if claimed == "" {
			return "", opErr(op, ErrInvalidInput, "missing user_id")
		}
		return claimed, nil
	}

	token := strings.TrimSpace(p.Token)
	if token == "" {
		return "", opErr(op, ErrUnauthorized, "missing token")
	}
	sub, err := s.deps.Verifier.Subject(token)
	if err != nil {
		return "", opErr(op, ErrUnauthorized, "invalid token")
	}
	if claimed != "" && claimed != sub {
		return "", opErr(op, ErrUnauthorized, "user_id does not match token")
	}
	return sub, nil
}

// Close unbinds the session and closes its connection. Idempotent.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	if userID, ok := s.deps.Registry.Unbind(s.conn); ok {
		s.log.Info("session.close", "user_id", userID, "reason", reason)
	}
	s.conn.CloseWithReason(reason)
}

func (s *Session) reply(typ string, payload any) {
	if !s.conn.Deliver(newEnvelope(typ, payload, time.Now().UTC())) {
		s.log.Debug("session.reply.drop", "type", typ)
	}
}

func decodePayload(op string, env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return opErr(op, ErrInvalidInput, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return opErr(op, ErrInvalidInput, "invalid payload")
	}
	return nil
}
