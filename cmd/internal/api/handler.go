// Package api exposes the message relay and presence over REST.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"parley/cmd/internal/realtime"
	v1 "parley/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const defaultMaxBodyBytes = 64 << 10

// Handler serves the /api routes.
type Handler struct {
	log      *slog.Logger
	relay    *realtime.MessageRelay
	registry *realtime.Registry

	verifier  realtime.TokenVerifier
	devHeader bool
	maxBody   int64

	validate *validator.Validate
}

// HandlerOption configures optional Handler behavior.
type HandlerOption func(*Handler)

// WithVerifier authenticates callers with bearer tokens.
func WithVerifier(v realtime.TokenVerifier) HandlerOption {
	return func(h *Handler) {
		if v != nil {
			h.verifier = v
		}
	}
}

// WithDevHeaderAuth trusts X-User-ID when no verifier is configured.
func WithDevHeaderAuth(on bool) HandlerOption {
	return func(h *Handler) { h.devHeader = on }
}

// WithMaxBodyBytes caps JSON request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler builds the REST handler on top of relay and registry.
func NewHandler(log *slog.Logger, relay *realtime.MessageRelay, registry *realtime.Registry, opts ...HandlerOption) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("api: nil relay")
	}
	if registry == nil {
		return nil, errors.New("api: nil registry")
	}
	if log == nil {
		log = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	h := &Handler{
		log:      log,
		relay:    relay,
		registry: registry,
		maxBody:  defaultMaxBodyBytes,
		validate: v,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts the /api routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/messages", h.handleSend)
		r.Get("/messages", h.handleHistory)
		r.Delete("/messages/{id}", h.handleDelete)
		r.Post("/messages/undo", h.handleUndo)
		r.Post("/messages/archive", h.handleArchive)

		r.Get("/presence/{userID}", h.handlePresence)
	})
}

// ---- handlers ----

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserIDFrom(r.Context())

	var req sendRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	m, err := h.relay.Send(r.Context(), actor, req.ReceiverID, req.Text)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m.Payload())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserIDFrom(r.Context())

	q := r.URL.Query()
	peer, err := resolvePeer(actor, q.Get("peer"), q.Get("user1"), q.Get("user2"))
	if err != nil {
		h.writeRelayError(w, err)
		return
	}

	msgs, err := h.relay.History(r.Context(), actor, peer)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		PeerID:   peer,
		Messages: lo.Map(msgs, func(m realtime.Message, _ int) v1.MessagePayload { return m.Payload() }),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserIDFrom(r.Context())

	m, err := h.relay.SoftDelete(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Payload())
}

func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserIDFrom(r.Context())

	var req undoRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	m, err := h.relay.Undo(r.Context(), actor, req.ReceiverID)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Payload())
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserIDFrom(r.Context())

	var req archiveRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	peer, err := resolvePeer(actor, req.PeerID, req.User1, req.User2)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}

	n, err := h.relay.Archive(r.Context(), actor, peer)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archiveResponse{PeerID: peer, Archived: n})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "user id is required")
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: userID, Online: h.registry.Online(userID)})
}

// ---- helpers ----

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.maxBody, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	return strings.Join(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s: %s", fe.Field(), fe.Tag())
	}), "; ")
}

// resolvePeer returns the other participant of the actor's conversation.
// An explicit peer wins; otherwise actor must be one of user1/user2.
func resolvePeer(actor, peer, user1, user2 string) (string, error) {
	const op = "api.peer"

	if peer = strings.TrimSpace(peer); peer != "" {
		return peer, nil
	}
	user1, user2 = strings.TrimSpace(user1), strings.TrimSpace(user2)
	if user1 == "" || user2 == "" {
		return "", realtime.OpError{Op: op, Kind: realtime.ErrInvalidInput, Msg: "peer (or user1 and user2) is required"}
	}
	switch actor {
	case user1:
		return user2, nil
	case user2:
		return user1, nil
	default:
		return "", realtime.OpError{Op: op, Kind: realtime.ErrForbidden, Msg: "caller is not a participant"}
	}
}

func (h *Handler) writeRelayError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := realtime.ErrorCode(err)

	msg := err.Error()
	var opErr realtime.OpError
	if errors.As(err, &opErr) && opErr.Msg != "" {
		msg = opErr.Msg
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("api.request.fail", "code", code, "err", err)
		msg = "service unavailable"
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeError(w, status, code, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, realtime.ErrWindowExpired):
		return http.StatusGone
	case errors.Is(err, realtime.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, realtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, realtime.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, realtime.ErrStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, realtime.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
