package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	strong := strings.Repeat("s", 32)

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "dev mode", cfg: Config{}},
		{name: "auth without secret", cfg: Config{RequireAuth: true}, wantErr: "PARLEY_JWT_SECRET is missing"},
		{name: "short secret", cfg: Config{JWTSecret: "short"}, wantErr: "too short"},
		{name: "blank secret", cfg: Config{JWTSecret: "   "}, wantErr: "blank"},
		{name: "auth with strong secret", cfg: Config{RequireAuth: true, JWTSecret: strong}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSecurityConfig(tc.cfg)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
