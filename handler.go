package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillcms/connect/ability"
	"github.com/quillcms/connect/instrumentation"
	"github.com/quillcms/connect/security"
)

const tokenTypeBearer = "Bearer"

// contextKey is the private type for request context values
type contextKey string

// grantContextKey carries the validated Grant through middleware
const grantContextKey contextKey = "connect_grant"

// GrantFromContext returns the Grant resolved by the RequireToken middleware
func GrantFromContext(ctx context.Context) (*Grant, bool) {
	grant, ok := ctx.Value(grantContextKey).(*Grant)
	return grant, ok
}

// Handler is the HTTP adapter over Server. It owns request parsing, response
// encoding, security headers, rate limiting, and HTTP metrics; all protocol
// decisions live in Server and the ability dispatcher.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.instrumentation != nil {
		h.tracer = server.instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers every endpoint on a stdlib mux. Daemons that want
// their own router can wire the Handle* methods directly instead.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.HandleAuthorize)
	mux.HandleFunc("/token", h.HandleToken)
	mux.HandleFunc("/revoke", h.HandleRevoke)
	mux.HandleFunc("/register", h.HandleRegister)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.HandleMetadata)
	mux.HandleFunc("/.well-known/oauth-authorization-server/connect", h.HandleMetadata)
	mux.Handle("/abilities", h.RequireToken(http.HandlerFunc(h.HandleAbilityList)))
	mux.Handle("/abilities/run", h.RequireToken(http.HandlerFunc(h.HandleAbilityRun)))
}

// clientIP extracts the caller address honoring the proxy trust settings
func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.Config.RateLimit.Proxy)
}

// checkRateLimit applies the per-IP limiter. Returns false when the request
// was rejected and a response already written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.server.RateLimiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.server.RateLimiter.Allow(ip) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", ip)
	if m := h.server.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.audit().LogRateLimitExceeded(ip, "")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return false
}

// HandleAuthorize serves the authorization endpoint: GET begins a flow and
// renders the consent page; POST submits the consent decision.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.beginAuthorize(w, r)
	case http.MethodPost:
		h.decideAuthorize(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) beginAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.checkRateLimit(w, r, "authorize") {
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	q := r.URL.Query()
	params := AuthorizationParams{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	request, oauthErr := h.server.BeginAuthorization(r.Context(), params)
	if oauthErr != nil {
		// In-page by design: the redirect URI is not trusted at this point
		h.recordHTTPMetrics("authorize", r.Method, oauthErr.Status, start)
		renderErrorPage(w, oauthErr)
		return
	}

	if _, ok := h.server.sessions.CurrentUser(r); !ok {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusForbidden, start)
		renderErrorPage(w, ErrAccessDenied("Sign in to your account, then retry the connection from the application."))
		return
	}

	clientName := request.ClientID
	if client, err := h.server.store.GetClient(r.Context(), request.ClientID); err == nil && client.Name != "" {
		clientName = client.Name
	}

	h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, start)
	renderConsentPage(w, consentPageData{
		ClientName: clientName,
		Scope:      request.Scope,
		RequestID:  request.ID,
	})
}

func (h *Handler) decideAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.checkRateLimit(w, r, "authorize") {
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, start)
		renderErrorPage(w, ErrInvalidRequest("malformed form body"))
		return
	}

	user, _ := h.server.sessions.CurrentUser(r)
	approved := r.PostFormValue("approve") == "yes"
	requestID := r.PostFormValue("request_id")

	redirect, oauthErr := h.server.Decide(r.Context(), requestID, approved, user, h.clientIP(r))
	if oauthErr != nil {
		h.recordHTTPMetrics("authorize", r.Method, oauthErr.Status, start)
		renderErrorPage(w, oauthErr)
		return
	}

	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, start)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HandleToken serves the token endpoint (authorization_code and
// refresh_token grants)
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r, "token") {
		return
	}

	ctx := r.Context()
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "oauth.token")
		defer span.End()
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrorCodeInvalidRequest, "malformed form body", http.StatusBadRequest)
		return
	}

	req := ExchangeRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		ClientIP:     h.clientIP(r),
	}
	// client_secret_basic support: Basic auth wins over form credentials
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrGrantType, req.GrantType),
			attribute.String(instrumentation.AttrClientID, req.ClientID),
		)
	}

	resp, oauthErr := h.server.Exchange(ctx, req)
	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, start)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics("token", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke serves RFC 7009 token revocation. Always 200 for well-formed
// requests, whether or not the token existed.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r, "revoke") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrorCodeInvalidRequest, "malformed form body", http.StatusBadRequest)
		return
	}

	if err := h.server.Revoke(r.Context(), r.PostFormValue("token"), h.clientIP(r)); err != nil {
		h.logger.Error("Token revocation failed", "error", err)
		h.recordHTTPMetrics("revoke", r.Method, http.StatusInternalServerError, start)
		h.writeError(w, ErrorCodeServerError, "failed to revoke token", http.StatusInternalServerError)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, start)
	w.WriteHeader(http.StatusOK)
}

// HandleRegister serves RFC 7591 dynamic client registration
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r, "register") {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrorCodeInvalidRequest, "malformed JSON body", http.StatusBadRequest)
		return
	}

	resp, oauthErr := h.server.RegisterClient(r.Context(), &req, h.clientIP(r))
	if oauthErr != nil {
		h.recordHTTPMetrics("register", r.Method, oauthErr.Status, start)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, start)
	h.writeJSON(w, http.StatusCreated, resp)
}

// HandleMetadata serves RFC 8414 authorization server metadata. Registered
// at the standard well-known path and the namespaced /connect alias.
func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	// Discovery metadata is static and safe to cache briefly
	w.Header().Set("Cache-Control", "public, max-age=3600")

	h.recordHTTPMetrics("metadata", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, h.server.Metadata())
}

// RequireToken is the bearer validation middleware. On success the resolved
// Grant is placed in the request context; every failure is invalid_token 401
// with a WWW-Authenticate challenge.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		grant, oauthErr := h.server.ValidateToken(r.Context(), token)
		if oauthErr != nil {
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
			return
		}

		ctx := context.WithValue(r.Context(), grantContextKey, grant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken pulls the bearer credential from the Authorization
// header, writing the 401 itself when absent or malformed
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		h.writeError(w, ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}

	return parts[1], true
}

// HandleAbilityList serves the enabled-ability catalog for the caller.
// Disabled abilities are omitted, not marked.
func (h *Handler) HandleAbilityList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dispatcher := h.server.Dispatcher()
	if dispatcher == nil {
		h.recordHTTPMetrics("abilities", r.Method, http.StatusNotFound, start)
		h.writeAbilityError(w, ability.ErrNotFound("abilities"))
		return
	}

	list, err := dispatcher.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list abilities", "error", err)
		h.recordHTTPMetrics("abilities", r.Method, http.StatusInternalServerError, start)
		h.writeError(w, ErrorCodeServerError, "failed to list abilities", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []ability.Descriptor{}
	}

	h.recordHTTPMetrics("abilities", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, map[string]any{"abilities": list})
}

// HandleAbilityRun serves the single RPC entry point for ability invocation
func (h *Handler) HandleAbilityRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	grant, ok := GrantFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "missing grant", http.StatusUnauthorized)
		return
	}

	dispatcher := h.server.Dispatcher()
	if dispatcher == nil {
		h.recordHTTPMetrics("abilities_run", r.Method, http.StatusNotFound, start)
		h.writeAbilityError(w, ability.ErrNotFound("abilities"))
		return
	}

	var req AbilityRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("abilities_run", r.Method, http.StatusBadRequest, start)
		h.writeAbilityError(w, ability.ErrInvalidArguments("malformed JSON body"))
		return
	}
	if req.Ability == "" {
		h.recordHTTPMetrics("abilities_run", r.Method, http.StatusBadRequest, start)
		h.writeAbilityError(w, ability.ErrInvalidArguments("ability name is required"))
		return
	}

	caller := ability.Caller{UserID: grant.UserID, ClientID: grant.ClientID}
	result, dispErr := dispatcher.Dispatch(r.Context(), caller, req.Ability, req.Arguments)
	if dispErr != nil {
		h.recordHTTPMetrics("abilities_run", r.Method, dispErr.Status, start)
		h.writeAbilityError(w, dispErr)
		return
	}

	h.recordHTTPMetrics("abilities_run", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, AbilityRunResponse{Result: result})
}

// writeJSON writes a JSON response with security headers
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an RFC 6749 shaped JSON error
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`%s error=%q, error_description=%q`, tokenTypeBearer, code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeAbilityError writes a dispatch error in the ability error shape
func (h *Handler) writeAbilityError(w http.ResponseWriter, dispErr *ability.Error) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dispErr.Status)
	_ = json.NewEncoder(w).Encode(AbilityErrorResponse{
		Error:   dispErr.Code,
		Message: dispErr.Message,
	})
}

// recordHTTPMetrics records per-endpoint request count and duration
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	m := h.server.metrics()
	if m == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000
	m.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
