package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"parley/cmd/security/token"
)

// HeaderUserID carries the caller in dev header mode.
const HeaderUserID = "X-User-ID"

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFrom returns the authenticated user id stored by the auth middleware.
func UserIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

// authenticate resolves the caller from a bearer token or, when no verifier
// is configured and dev header auth is on, from X-User-ID.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.resolveCaller(r)
		if err != nil {
			h.log.Info("api.auth.reject", "path", r.URL.Path, "err", err)
			msg := "invalid token"
			if errors.Is(err, token.ErrExpiredToken) {
				msg = "token expired"
			} else if errors.Is(err, errMissingCredentials) {
				msg = err.Error()
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

var errMissingCredentials = errors.New("missing credentials")

func (h *Handler) resolveCaller(r *http.Request) (string, error) {
	if h.verifier != nil {
		raw := bearerToken(r)
		if raw == "" {
			return "", errMissingCredentials
		}
		return h.verifier.Subject(raw)
	}
	if h.devHeader {
		if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
			return id, nil
		}
	}
	return "", errMissingCredentials
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
