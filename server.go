// Package connect implements an OAuth 2.1-compatible authorization server
// and a permission-gated ability dispatch surface for a Quill CMS host.
//
// Third-party clients obtain delegated access through the authorization-code
// grant with mandatory PKCE (S256), then invoke host abilities through a
// bearer-authenticated RPC entry point. All issued credentials are opaque;
// only SHA-256 hashes are stored.
package connect

import (
	"fmt"
	"log/slog"

	"github.com/quillcms/connect/ability"
	"github.com/quillcms/connect/host"
	"github.com/quillcms/connect/instrumentation"
	"github.com/quillcms/connect/security"
	"github.com/quillcms/connect/storage"
)

// safeTruncate safely truncates a string to maxLen characters without panicking.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the authorization server logic: the authorization-code
// grant with PKCE, refresh rotation, dynamic registration, revocation, and
// bearer token validation. HTTP concerns live in Handler.
type Server struct {
	store    storage.Store
	sessions host.SessionResolver

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter
	Logger      *slog.Logger
	Config      Config

	dispatcher      *ability.Dispatcher
	instrumentation *instrumentation.Instrumentation
}

// NewServer creates a new authorization server over the given store.
// The session resolver identifies the authenticated host operator during
// consent; it is not consulted on any token-authenticated path.
func NewServer(config Config, store storage.Store, sessions host.SessionResolver) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session resolver is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	config = config.withDefaults()

	return &Server{
		store:    store,
		sessions: sessions,
		Config:   config,
		Logger:   config.Logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if s.dispatcher != nil {
		s.dispatcher.SetAuditor(aud)
	}
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetDispatcher attaches the ability dispatcher served under bearer auth
func (s *Server) SetDispatcher(d *ability.Dispatcher) {
	s.dispatcher = d
	if d != nil && s.Auditor != nil {
		d.SetAuditor(s.Auditor)
	}
}

// SetInstrumentation enables metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	if s.dispatcher != nil {
		s.dispatcher.SetInstrumentation(inst)
	}
}

// Dispatcher returns the attached ability dispatcher, or nil
func (s *Server) Dispatcher() *ability.Dispatcher {
	return s.dispatcher
}

// Store returns the backing store
func (s *Server) Store() storage.Store {
	return s.store
}

// Metadata returns the RFC 8414 authorization server metadata
func (s *Server) Metadata() *AuthorizationServerMetadata {
	base := s.Config.Issuer
	return &AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		RevocationEndpoint:                base + "/revoke",
		ScopesSupported:                   s.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post", "client_secret_basic"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// audit returns the auditor, or an inert one when auditing is off
func (s *Server) audit() *security.Auditor {
	if s.Auditor != nil {
		return s.Auditor
	}
	return security.NewAuditor(s.Logger, false)
}

// metrics returns the metrics holder, or nil when instrumentation is off
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}
