package connect

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/quillcms/connect/storage"
)

// maxClientNameLength bounds the display name stored from an
// unauthenticated registration request
const maxClientNameLength = 255

// RegisterClient handles RFC 7591 dynamic client registration. The request
// is unauthenticated; the per-IP cap and the handler-level rate limiter are
// the only brakes on mass registration. The plaintext secret appears in the
// response exactly once; only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, *OAuthError) {
	if req == nil {
		return nil, ErrInvalidRequest("request body is required")
	}

	if s.Config.Security.MaxClientsPerIP > 0 && clientIP != "" {
		if err := s.store.CheckIPLimit(ctx, clientIP, s.Config.Security.MaxClientsPerIP); err != nil {
			s.audit().LogRateLimitExceeded(clientIP, "")
			return nil, ErrRateLimitExceeded("registration limit reached for this address")
		}
	}

	for _, uri := range req.RedirectURIs {
		if oauthErr := validateRegistrationRedirectURI(uri); oauthErr != nil {
			return nil, oauthErr
		}
	}

	name := safeTruncate(req.ClientName, maxClientNameLength)

	confidential := req.ClientType != "public"
	var secret, secretHash string
	if confidential {
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			s.Logger.Error("Failed to hash client secret", "error", err)
			return nil, ErrServerError("failed to register client")
		}
		secretHash = string(hash)
	}

	now := time.Now()
	client := &storage.Client{
		ID:           uuid.NewString(),
		SecretHash:   secretHash,
		Name:         name,
		RedirectURIs: req.RedirectURIs,
		Confidential: confidential,
		CreatedAt:    now,
	}
	if err := s.store.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save client", "error", err)
		return nil, ErrServerError("failed to register client")
	}

	if clientIP != "" {
		if err := s.store.RecordClientIP(ctx, clientIP); err != nil {
			s.Logger.Warn("Failed to record registration IP", "error", err)
		}
	}

	clientType := "public"
	authMethod := "none"
	if confidential {
		clientType = "confidential"
		authMethod = "client_secret_post"
	}

	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, confidential)
	}
	s.audit().LogClientRegistered(client.ID, clientType, clientIP)
	s.Logger.Info("Client registered",
		"client_id", client.ID,
		"client_name", name,
		"client_type", clientType)

	return &ClientRegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              name,
		Scope:                   req.Scope,
		ClientType:              clientType,
	}, nil
}
