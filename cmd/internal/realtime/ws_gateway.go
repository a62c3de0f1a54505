package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "parley/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "parley.realtime.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and hands validated envelopes to the connection's Session.
type WSGateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	deps    SessionDeps
	metrics *Metrics

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Registry, Relay and Signaling are required.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, deps SessionDeps, metrics *Metrics) (*WSGateway, error) {
	if deps.Registry == nil || deps.Relay == nil || deps.Signaling == nil {
		return nil, errors.New("realtime: gateway requires registry, relay and signaling")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	deps.Log = log
	deps.CloseStaleOnRebind = cfg.CloseStaleOnRebind
	deps.OpTimeout = cfg.OpTimeout

	return &WSGateway{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		metrics: metrics,
		// websocket.Accept enforces its own origin policy (same-host ok, cross-origin
		// needs OriginPatterns). Derive the patterns from the allow-list so both agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	if sp := ws.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	conn := NewConn(g.cfg.SendQueue)
	sess := NewSession(g.deps, conn)
	log := g.log.With("conn_id", conn.ID)

	g.metrics.connOpened()
	defer g.metrics.connClosed()
	log.Info("ws.open", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close conn.Send.
	// Presence is removed (inside sess.Close) before the handle is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close(reason)
			_ = ws.Close(code, reason)
			cancel()
			log.Info("ws.close", "user_id", sess.UserID(), "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				// Closed from outside the loop: replaced by a newer identify or server shutdown.
				shutdown(closeCodeFor(conn.Reason()), conn.Reason())
				return
			case env := <-conn.Send:
				if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(conn, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.rateLimited()
			g.trySendError(conn, "rate_limited", "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(conn, "bad_envelope", err.Error(), env.ID)
			continue readLoop
		}

		if err := sess.Handle(ctx, env); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				break readLoop
			}
			log.Debug("ws.event.fail", "type", env.Type, "err", err)
			g.trySendError(conn, ErrorCode(err), err.Error(), env.ID)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func closeCodeFor(reason string) websocket.StatusCode {
	if reason == ReasonSessionReplaced {
		return websocket.StatusPolicyViolation
	}
	return websocket.StatusGoingAway
}

func (g *WSGateway) trySendError(conn *Conn, code, msg, ref string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, Ref: ref}, time.Now().UTC())
	_ = conn.Deliver(env)
}

// ---- envelope IO ----

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			return nil
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allow-list into host patterns for
// websocket.Accept (matched with filepath.Match). "*" allows every host.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		// Accept compares against the full Origin host, port included.
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
