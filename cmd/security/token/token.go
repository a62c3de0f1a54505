package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MinSecretBytes is the minimum HS256 secret size.
	MinSecretBytes = 32

	// DefaultTTL is the lifetime of issued tokens.
	DefaultTTL = 15 * time.Minute
)

// Claims are the JWT claims carried by access tokens. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIssuer sets the iss claim on issued tokens and requires it on verified ones.
func WithIssuer(issuer string) Option {
	return func(m *Manager) { m.issuer = strings.TrimSpace(issuer) }
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for issuing and validation.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager for secret.
// Returns ErrSecretMissing for a blank secret and ErrSecretTooShort below MinSecretBytes.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}

	m := &Manager{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Issue signs a token for userID.
func (m *Manager) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("token: empty subject")
	}

	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates raw.
// Expired tokens return ErrExpiredToken; anything else invalid returns ErrInvalidToken.
func (m *Manager) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !tok.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject verifies raw and returns its subject (the user id).
func (m *Manager) Subject(raw string) (string, error) {
	claims, err := m.Verify(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
