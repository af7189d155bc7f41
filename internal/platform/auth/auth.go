// Package auth authenticates and authorizes operator requests to the
// orchestrator. Production mode verifies HMAC-signed identity headers
// from internal tooling; dev mode injects a fixed identity.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/platform/env"
)

type Mode string

const (
	ModeHeaders  Mode = "headers"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

type Config struct {
	Mode   Mode
	Secret string

	DevSubject string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("RAILYARD_AUTH_MODE", string(ModeHeaders))))
	var mode Mode
	switch modeRaw {
	case string(ModeHeaders):
		mode = ModeHeaders
	case string(ModeDev):
		mode = ModeDev
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("RAILYARD_AUTH_MODE must be one of: headers, dev, disabled (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:       mode,
		Secret:     env.String("RAILYARD_AUTH_SECRET", ""),
		DevSubject: env.String("RAILYARD_DEV_AUTH_SUBJECT", "dev-operator"),
		DevRoles:   ParseRoles(env.String("RAILYARD_DEV_AUTH_ROLES", RoleAdmin)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeHeaders:
		if strings.TrimSpace(c.Secret) == "" {
			return fmt.Errorf("RAILYARD_AUTH_SECRET is required when RAILYARD_AUTH_MODE=headers")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return fmt.Errorf("RAILYARD_DEV_AUTH_SUBJECT is required when RAILYARD_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return fmt.Errorf("RAILYARD_DEV_AUTH_ROLES must be non-empty when RAILYARD_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// NewAuthenticator builds the authenticator for the configured mode.
// Disabled mode returns nil; callers must skip the auth middleware.
func (c Config) NewAuthenticator() (Authenticator, error) {
	switch c.Mode {
	case ModeHeaders:
		return NewHeadersAuthenticator(c.Secret)
	case ModeDev:
		return DevAuthenticator{Subject: c.DevSubject, Roles: c.DevRoles}, nil
	case ModeDisabled:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
}

// DevAuthenticator accepts every request as a fixed identity. Local
// development only.
type DevAuthenticator struct {
	Subject string
	Roles   []string
}

func (a DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{Subject: a.Subject, Roles: a.Roles}, nil
}
