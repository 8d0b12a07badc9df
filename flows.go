package connect

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/quillcms/connect/host"
	"github.com/quillcms/connect/storage"
)

// AuthorizationParams carries the query parameters of a begin-authorization
// call (GET /authorize).
type AuthorizationParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// BeginAuthorization validates an authorization request and persists it as a
// pending consent handle.
//
// SECURITY: Any failure here is returned for in-page rendering, never as a
// redirect to the caller-supplied URI. Redirecting before the client and
// redirect URI are validated would turn the endpoint into an open redirector.
func (s *Server) BeginAuthorization(ctx context.Context, params AuthorizationParams) (*storage.AuthorizationRequest, *OAuthError) {
	if params.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.store.GetClient(ctx, params.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.Logger.Error("Failed to load client", "client_id", params.ClientID, "error", err)
		return nil, ErrServerError("failed to load client")
	}

	if err := s.validateRedirectURI(client, params.RedirectURI); err != nil {
		return nil, err
	}

	if params.ResponseType != "code" {
		return nil, ErrInvalidRequest("response_type must be code")
	}

	if params.CodeChallenge == "" {
		return nil, ErrInvalidRequest("code_challenge is required (PKCE)")
	}
	if params.CodeChallengeMethod != "S256" {
		return nil, ErrInvalidRequest("code_challenge_method must be S256")
	}
	if !validCodeChallenge(params.CodeChallenge) {
		return nil, ErrInvalidRequest("malformed code_challenge")
	}

	scope := params.Scope
	if scope == "" {
		scope = s.Config.SupportedScopes[0]
	}

	now := time.Now()
	request := &storage.AuthorizationRequest{
		ID:                  uuid.NewString(),
		ClientID:            client.ID,
		RedirectURI:         params.RedirectURI,
		Scope:               scope,
		State:               params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.RequestTTL),
	}

	if err := s.store.SaveAuthorizationRequest(ctx, request); err != nil {
		s.Logger.Error("Failed to save authorization request", "client_id", client.ID, "error", err)
		return nil, ErrServerError("failed to persist authorization request")
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ID)
	}
	s.Logger.Info("Authorization flow started",
		"client_id", client.ID,
		"request_id", request.ID,
		"scope", scope)

	return request, nil
}

// Decide consumes a pending consent handle with the operator's decision.
// On approval it mints an authorization code and returns the redirect URL
// carrying code and state; on denial it returns the redirect carrying
// error=access_denied. A non-nil *OAuthError means the failure must render
// in-page: the handle was invalid, the user was unauthenticated, or the user
// is not on the consent allow-list.
func (s *Server) Decide(ctx context.Context, requestID string, approved bool, user *host.User, clientIP string) (string, *OAuthError) {
	if user == nil {
		return "", ErrAccessDenied("authentication required")
	}

	request, err := s.store.GetAuthorizationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrRequestNotFound) {
			return "", ErrInvalidRequest("unknown or expired authorization request")
		}
		s.Logger.Error("Failed to load authorization request", "request_id", requestID, "error", err)
		return "", ErrServerError("failed to load authorization request")
	}
	if request.Expired(time.Now()) {
		return "", ErrInvalidRequest("unknown or expired authorization request")
	}

	// A handle is decided exactly once
	if err := s.store.DeleteAuthorizationRequest(ctx, requestID); err != nil {
		s.Logger.Warn("Failed to delete authorization request", "request_id", requestID, "error", err)
	}

	// The allow-list fails closed: empty list or a lookup failure means no
	// approval. Rendered in-page rather than redirected so the caller learns
	// nothing about allow-list membership.
	if !s.Config.Security.DisableConsentAllowlist {
		allowlist, err := s.store.ConsentAllowlist(ctx)
		if err != nil {
			s.Logger.Error("Failed to load consent allow-list", "error", err)
			return "", ErrAccessDenied("consent not permitted for this account")
		}
		if !slices.Contains(allowlist, user.ID) {
			s.audit().LogAuthFailure(user.ID, request.ClientID, clientIP, "user not on consent allow-list")
			return "", ErrAccessDenied("consent not permitted for this account")
		}
	}

	if m := s.metrics(); m != nil {
		m.RecordConsentDecided(ctx, request.ClientID, approved)
	}
	s.audit().LogConsentDecided(user.ID, request.ClientID, clientIP, approved)

	if !approved {
		s.Logger.Info("Authorization denied by user",
			"client_id", request.ClientID,
			"request_id", requestID)
		return redirectWithError(request.RedirectURI, ErrorCodeAccessDenied, "the resource owner denied the request", request.State), nil
	}

	code := oauth2.GenerateVerifier()
	now := time.Now()
	record := &storage.AuthorizationCode{
		CodeHash:            storage.HashToken(code),
		ClientID:            request.ClientID,
		UserID:              user.ID,
		RedirectURI:         request.RedirectURI,
		Scope:               request.Scope,
		CodeChallenge:       request.CodeChallenge,
		CodeChallengeMethod: request.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, record); err != nil {
		s.Logger.Error("Failed to save authorization code", "client_id", request.ClientID, "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	s.Logger.Info("Authorization code issued",
		"client_id", request.ClientID,
		"user_id", user.ID)

	return redirectWithCode(request.RedirectURI, code, request.State), nil
}

// redirectWithCode builds the success redirect carrying code and state
func redirectWithCode(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated at BeginAuthorization; this cannot happen
		// for stored requests.
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// redirectWithError builds a protocol error redirect (RFC 6749 section 4.1.2.1)
func redirectWithError(redirectURI, errorCode, description, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
