package connect

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/quillcms/connect/storage"
)

// ExchangeRequest carries the form parameters of a token endpoint call
type ExchangeRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
	ClientIP     string
}

// Grant is a validated bearer credential resolved to its principals
type Grant struct {
	TokenID  string
	UserID   string
	ClientID string
	Scope    string
}

// Exchange handles the token endpoint: authorization_code and refresh_token
// grants. Every failure is a typed *OAuthError shaped for an RFC 6749 JSON
// response.
func (s *Server) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, *OAuthError) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.Logger.Error("Failed to load client", "client_id", req.ClientID, "error", err)
		return nil, ErrServerError("failed to load client")
	}

	// Confidential clients authenticate with their secret on every exchange
	if client.Confidential {
		if req.ClientSecret == "" {
			return nil, ErrInvalidClient("client authentication required")
		}
		if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)) != nil {
			s.audit().LogAuthFailure("", client.ID, req.ClientIP, "client secret mismatch")
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, client, req)
	case "refresh_token":
		return s.exchangeRefreshToken(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType("grant_type must be authorization_code or refresh_token")
	}
}

// exchangeCode redeems an authorization code for a token pair.
// The code is consumed atomically; two racing redemptions yield exactly one
// success, and the loser is indistinguishable from an unknown code.
func (s *Server) exchangeCode(ctx context.Context, client *storage.Client, req ExchangeRequest) (*TokenResponse, *OAuthError) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required (PKCE)")
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, storage.HashToken(req.Code))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}
			s.audit().LogCodeReuse(client.ID, req.ClientIP)
			return nil, ErrInvalidGrant("authorization code already redeemed")
		case errors.Is(err, storage.ErrCodeNotFound):
			return nil, ErrInvalidGrant("invalid authorization code")
		default:
			s.Logger.Error("Failed to consume authorization code", "client_id", client.ID, "error", err)
			return nil, ErrServerError("failed to redeem authorization code")
		}
	}

	if code.ClientID != client.ID {
		s.audit().LogAuthFailure(code.UserID, client.ID, req.ClientIP, "authorization code client mismatch")
		return nil, ErrInvalidGrant("authorization code was not issued to this client")
	}
	if code.Expired(time.Now()) {
		return nil, ErrInvalidGrant("authorization code expired")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if !verifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx)
		}
		s.audit().LogAuthFailure(code.UserID, client.ID, req.ClientIP, "PKCE verification failed")
		return nil, ErrInvalidGrant("code_verifier does not match code_challenge")
	}

	resp, oauthErr := s.issueTokenPair(ctx, client.ID, code.UserID, code.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ID)
	}
	s.audit().LogTokenIssued(code.UserID, client.ID, req.ClientIP, code.Scope)
	s.Logger.Info("Authorization code exchanged",
		"client_id", client.ID,
		"user_id", code.UserID)

	return resp, nil
}

// exchangeRefreshToken rotates a refresh token: the presented token is
// consumed, its paired access token is revoked, and a fresh pair is issued.
// A stolen refresh token replayed after legitimate use fails here.
func (s *Server) exchangeRefreshToken(ctx context.Context, client *storage.Client, req ExchangeRequest) (*TokenResponse, *OAuthError) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	token, err := s.store.ConsumeRefreshToken(ctx, storage.HashToken(req.RefreshToken))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenConsumed):
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
			s.audit().LogTokenReuse("", client.ID, req.ClientIP)
			return nil, ErrInvalidGrant("refresh token already used")
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, ErrInvalidGrant("invalid refresh token")
		default:
			s.Logger.Error("Failed to consume refresh token", "client_id", client.ID, "error", err)
			return nil, ErrServerError("failed to rotate refresh token")
		}
	}

	if token.ClientID != client.ID {
		s.audit().LogAuthFailure(token.UserID, client.ID, req.ClientIP, "refresh token client mismatch")
		return nil, ErrInvalidGrant("refresh token was not issued to this client")
	}
	if token.Expired(time.Now()) {
		return nil, ErrInvalidGrant("refresh token expired")
	}

	// Rotation: the access token issued alongside the consumed refresh token
	// dies with it
	if err := s.store.RevokeAccessToken(ctx, token.AccessTokenID); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Error("Failed to revoke rotated access token",
			"client_id", client.ID,
			"access_token_id", token.AccessTokenID,
			"error", err)
		return nil, ErrServerError("failed to rotate token pair")
	}

	resp, oauthErr := s.issueTokenPair(ctx, client.ID, token.UserID, token.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ID)
	}
	s.audit().LogTokenRefreshed(token.UserID, client.ID, req.ClientIP)
	s.Logger.Info("Refresh token rotated",
		"client_id", client.ID,
		"user_id", token.UserID)

	return resp, nil
}

// issueTokenPair mints and persists a fresh access+refresh token pair
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope string) (*TokenResponse, *OAuthError) {
	now := time.Now()

	accessSecret := oauth2.GenerateVerifier()
	access := &storage.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(accessSecret),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.AccessTokenTTL),
	}
	if err := s.store.SaveAccessToken(ctx, access); err != nil {
		s.Logger.Error("Failed to save access token", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	refreshSecret := oauth2.GenerateVerifier()
	refresh := &storage.RefreshToken{
		TokenHash:     storage.HashToken(refreshSecret),
		AccessTokenID: access.ID,
		ClientID:      clientID,
		UserID:        userID,
		Scope:         scope,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.Config.Security.RefreshTokenTTL),
	}
	if err := s.store.SaveRefreshToken(ctx, refresh); err != nil {
		s.Logger.Error("Failed to save refresh token", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	return &TokenResponse{
		AccessToken:  accessSecret,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshSecret,
		Scope:        scope,
	}, nil
}

// ValidateToken resolves a bearer string to its grant. Absent, revoked, and
// expired tokens all fail invalid_token; expiry is checked independently of
// the revoked flag. Stateless beyond the store lookup.
func (s *Server) ValidateToken(ctx context.Context, token string) (*Grant, *OAuthError) {
	if token == "" {
		return nil, ErrInvalidToken("missing bearer token")
	}

	record, err := s.store.GetAccessTokenByHash(ctx, storage.HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidToken("invalid access token")
		}
		s.Logger.Error("Failed to load access token", "error", err)
		return nil, ErrServerError("failed to validate token")
	}
	if record.Revoked {
		return nil, ErrInvalidToken("access token revoked")
	}
	if record.Expired(time.Now()) {
		return nil, ErrInvalidToken("access token expired")
	}

	return &Grant{
		TokenID:  record.ID,
		UserID:   record.UserID,
		ClientID: record.ClientID,
		Scope:    record.Scope,
	}, nil
}

// Revoke handles RFC 7009 revocation: the presented token, access or refresh,
// is marked revoked. Unknown tokens are not an error; the endpoint always
// reports success so responses leak nothing about which tokens exist.
func (s *Server) Revoke(ctx context.Context, token, clientIP string) error {
	if token == "" {
		return nil
	}
	hash := storage.HashToken(token)

	if access, err := s.store.GetAccessTokenByHash(ctx, hash); err == nil {
		if err := s.store.RevokeAccessToken(ctx, access.ID); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return err
		}
		if m := s.metrics(); m != nil {
			m.RecordTokenRevocation(ctx, access.ClientID)
		}
		s.audit().LogTokenRevoked(access.UserID, access.ClientID, clientIP, "access_token")
		return nil
	}

	if err := s.store.RevokeRefreshTokenByHash(ctx, hash); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, "")
	}
	s.audit().LogTokenRevoked("", "", clientIP, "refresh_token")
	return nil
}

// RevokeConnection revokes every live token binding a user to a client.
// Backs the host's "disconnect this application" surface.
func (s *Server) RevokeConnection(ctx context.Context, userID, clientID string) (int, error) {
	revoked, err := s.store.RevokeTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.Logger.Info("Connection revoked",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}
