package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeToken    Mode = "token"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	WorkerTokenSecret string
	WorkerTokenTTL    time.Duration

	DevSubject string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("AUTH_MODE", string(ModeToken))))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeToken):
		mode = ModeToken
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be one of: oidc, token, disabled (got %q)", modeRaw)
	}

	tokenTTL, err := env.Duration("RUNQUEUE_WORKER_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:              mode,
		RolesClaim:        env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:        env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL:     env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:      env.String("OIDC_CLIENT_ID", ""),
		WorkerTokenSecret: env.String("RUNQUEUE_WORKER_TOKEN_SECRET", ""),
		WorkerTokenTTL:    tokenTTL,
		DevSubject:        env.String("DEV_AUTH_SUBJECT", "dev-operator"),
		DevRoles:          parseCSV(env.String("DEV_AUTH_ROLES", RoleAdmin)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("AUTH_EMAIL_CLAIM is required")
	}
	if c.WorkerTokenTTL <= 0 {
		return errors.New("RUNQUEUE_WORKER_TOKEN_TTL must be positive")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.WorkerTokenSecret) == "" {
			return errors.New("RUNQUEUE_WORKER_TOKEN_SECRET is required when AUTH_MODE=oidc")
		}
	case ModeToken:
		if len(strings.TrimSpace(c.WorkerTokenSecret)) < minSecretLength {
			return fmt.Errorf("RUNQUEUE_WORKER_TOKEN_SECRET must be at least %d characters when AUTH_MODE=token", minSecretLength)
		}
	case ModeDisabled:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=disabled")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=disabled")
		}
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
