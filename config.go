package connect

import (
	"log/slog"
	"time"

	"github.com/quillcms/connect/security"
)

// Default lifetimes applied when Config leaves them zero
const (
	DefaultAccessTokenTTL       = 1 * time.Hour
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultRequestTTL           = 10 * time.Minute
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
)

// Config holds the authorization server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the base URL of this server, used in discovery metadata
	// and for deciding whether to emit HSTS headers (required).
	Issuer string

	// SupportedScopes are the scopes advertised in discovery metadata.
	// Default: ["default"]. Scopes carry no authority of their own; real
	// authorization is delegated to the host capability model.
	SupportedScopes []string

	// AccessTokenTTL is the lifetime of issued access tokens.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// AuthorizationCodeTTL is the lifetime of authorization codes.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// RequestTTL is the lifetime of pending authorization requests
	// (the window between rendering the consent page and the decision).
	// Default: 10 minutes, never more.
	RequestTTL time.Duration

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// Proxy describes the reverse proxies in front of the server. Client
	// addresses for rate limiting and audit logs are resolved through it.
	Proxy security.ProxyTrust
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// RefreshTokenTTL is how long refresh tokens remain valid.
	// Default: 30 days. Values above 30 days are capped.
	RefreshTokenTTL time.Duration

	// MaxClientsPerIP limits dynamic registrations per IP to prevent DoS.
	// Zero means no limit (not recommended).
	MaxClientsPerIP int

	// DisableConsentAllowlist lets any authenticated host user approve
	// connections, skipping the persisted allow-list.
	// WARNING: The allow-list fails closed by default; an empty list means
	// nobody may approve. Only disable for single-operator installs.
	DisableConsentAllowlist bool

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// maxRefreshTokenTTL is the hard ceiling on refresh token lifetime
const maxRefreshTokenTTL = 30 * 24 * time.Hour

// withDefaults returns a copy of the config with defaults applied
func (c Config) withDefaults() Config {
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = []string{"default"}
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.RequestTTL <= 0 || c.RequestTTL > DefaultRequestTTL {
		c.RequestTTL = DefaultRequestTTL
	}
	if c.Security.RefreshTokenTTL <= 0 || c.Security.RefreshTokenTTL > maxRefreshTokenTTL {
		c.Security.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
