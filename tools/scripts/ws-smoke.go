// Package main is a CI-friendly WebSocket smoke test for a running Parley server.
//
// It checks:
//   - handshake and subprotocol selection
//   - identify/identify_ack for two users (dev user ids, or JWTs with -secret)
//   - message_send fan-out to receiver and sender
//   - conversation history fetch
//   - undo with message_status pushed to both sides
//   - call_offer forwarding
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"parley/cmd/security/token"
	v1 "parley/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "parley.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-alice", "First user id")
		userB   = flag.String("b", "smoke-bob", "Second user id")
		secret  = flag.String("secret", os.Getenv("PARLEY_JWT_SECRET"), "JWT secret; when set, identify with signed tokens")
		issuer  = flag.String("issuer", "parley", "JWT issuer")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	var tokens *token.Manager
	if strings.TrimSpace(*secret) != "" {
		m, err := token.NewManager(*secret, token.WithIssuer(*issuer))
		if err != nil {
			fatalf("token manager: %v", err)
		}
		tokens = m
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, tokens, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *userB, *wsURL, *origin, tokens, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("identified: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustWrite(root, a, v1.TypeMessageSend, v1.MessageSendPayload{ReceiverID: b.userID, Text: *text}, *timeout)
	got := mustReadMessageNew(root, b, *timeout)
	if got.SenderID != a.userID || got.ReceiverID != b.userID || got.Text != *text || got.Status != "sent" {
		fatalf("message_new mismatch on B: %+v", got)
	}
	echo := mustReadMessageNew(root, a, *timeout)
	if echo.ID != got.ID {
		fatalf("sender echo id mismatch: got=%q want=%q", echo.ID, got.ID)
	}

	mustWrite(root, b, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{PeerID: a.userID}, *timeout)
	chunk := decode[v1.ConversationHistoryChunkPayload](b.mustReadUntilType(root, v1.TypeConversationHistoryChunk, *timeout))
	if !containsMessage(chunk.Messages, got.ID) {
		fatalf("history on B is missing %s", got.ID)
	}

	mustWrite(root, a, v1.TypeMessageUndo, v1.MessageUndoPayload{ReceiverID: b.userID}, *timeout)
	for _, c := range []*smokeClient{a, b} {
		st := decode[v1.MessageStatusPayload](c.mustReadUntilType(root, v1.TypeMessageStatus, *timeout))
		if st.MessageID != got.ID || st.Status != "deleted" {
			fatalf("message_status mismatch (%s): %+v", c.name, st)
		}
	}

	mustWrite(root, a, v1.TypeCallOffer, v1.SignalRequestPayload{To: b.userID, Payload: json.RawMessage(`{"sdp":"smoke"}`)}, *timeout)
	offer := decode[v1.SignalPayload](b.mustReadUntilType(root, v1.TypeCallOffer, *timeout))
	if offer.From != a.userID {
		fatalf("call_offer from mismatch: got=%q want=%q", offer.From, a.userID)
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.userID, b.userID, got.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, tokens *token.Manager, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != defaultSubprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", sp, defaultSubprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	p := v1.IdentifyPayload{UserID: userID}
	if tokens != nil {
		raw, err := tokens.Issue(userID)
		if err != nil {
			fatalf("issue token (%s): %v", name, err)
		}
		p.Token = raw
	}
	mustWrite(parent, c, v1.TypeIdentify, p, stepTimeout)

	ack := decode[v1.IdentifyAckPayload](c.mustReadUntilType(parent, v1.TypeIdentifyAck, stepTimeout))
	if ack.UserID != userID || strings.TrimSpace(ack.SessionID) == "" {
		fatalf("identify_ack mismatch (%s): %+v", name, ack)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustReadMessageNew(parent context.Context, c *smokeClient, stepTimeout time.Duration) v1.MessagePayload {
	p := decode[v1.MessagePayload](c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout))
	if p.ID == "" || p.CreatedAt.IsZero() {
		fatalf("message_new missing id or created_at (%s): %+v", c.name, p)
	}
	return p
}

func containsMessage(msgs []v1.MessagePayload, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// mustReadUntilType returns the next envelope of wantType, failing on error
// envelopes and skipping anything else.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				ep := decode[v1.ErrorPayload](env)
				fatalf("server error (%s): code=%q msg=%q ref=%q", c.name, ep.Code, ep.Message, ep.Ref)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func decode[T any](env v1.Envelope) T {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return v
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
