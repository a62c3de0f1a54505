package app

import (
	"errors"
	"fmt"

	"parley/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//   - PARLEY_REQUIRE_AUTH=true needs PARLEY_JWT_SECRET.
//   - A configured secret must be at least token.MinSecretBytes long, auth required or not.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireAuth && cfg.JWTSecret == "" {
		return errors.New("security policy: PARLEY_REQUIRE_AUTH=true but PARLEY_JWT_SECRET is missing")
	}
	if cfg.JWTSecret == "" {
		return nil
	}

	if _, err := token.NewManager(cfg.JWTSecret); err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return errors.New("security policy: PARLEY_JWT_SECRET is blank")
		case errors.Is(err, token.ErrSecretTooShort):
			return fmt.Errorf("security policy: PARLEY_JWT_SECRET is too short (min %d bytes)", token.MinSecretBytes)
		default:
			return err
		}
	}
	return nil
}

// newVerifier returns the token manager, or nil when no secret is configured.
func newVerifier(cfg Config) (*token.Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	return token.NewManager(cfg.JWTSecret, token.WithIssuer(cfg.JWTIssuer), token.WithTTL(cfg.JWTTTL))
}
