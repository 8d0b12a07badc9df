// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quillcms/connect/storage"
)

const (
	// defaultRequestTTL bounds pending consent handles when the caller
	// supplies no expiry. Lookups still check the stored expiry; the cache
	// TTL only reclaims memory.
	defaultRequestTTL = 10 * time.Minute

	// tokenRetention is how long expired token rows are kept before the
	// janitor prunes them. Revoked-but-unexpired rows are never pruned;
	// connection history surfaces read them.
	tokenRetention = 7 * 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, and SettingsStore.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> registration count

	// Grant storage. Pending consent handles live in a TTL cache; codes and
	// tokens are keyed by secret hash.
	requests       *gocache.Cache
	codes          map[string]*storage.AuthorizationCode
	accessTokens   map[string]*storage.AccessToken // token hash -> token
	accessTokenIDs map[string]string               // token ID -> token hash
	refreshTokens  map[string]*storage.RefreshToken

	// Settings
	abilityOverrides map[string]bool
	consentAllowlist []string

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.FlowStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		clientsPerIP:     make(map[string]int),
		requests:         gocache.New(defaultRequestTTL, cleanupInterval),
		codes:            make(map[string]*storage.AuthorizationCode),
		accessTokens:     make(map[string]*storage.AccessToken),
		accessTokenIDs:   make(map[string]string),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		abilityOverrides: make(map[string]bool),
		cleanupInterval:  cleanupInterval,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger replaces the store's logger. Call before serving traffic.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired prunes expired authorization codes and long-expired tokens.
// Revoked rows inside the retention window stay readable for audit surfaces.
func (s *Store) cleanupExpired() {
	now := time.Now()
	cutoff := now.Add(-tokenRetention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var codes, tokens int
	for hash, code := range s.codes {
		if code.Expired(now) {
			delete(s.codes, hash)
			codes++
		}
	}
	for hash, token := range s.accessTokens {
		if token.Expired(now) && token.ExpiresAt.Before(cutoff) {
			delete(s.accessTokens, hash)
			delete(s.accessTokenIDs, token.ID)
			tokens++
		}
	}
	for hash, token := range s.refreshTokens {
		if token.Expired(now) && token.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, hash)
			tokens++
		}
	}

	if codes > 0 || tokens > 0 {
		s.logger.Debug("Cleaned up expired grants", "codes", codes, "tokens", tokens)
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ID] = &cp

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	cp := *client
	return &cp, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		clients = append(clients, &cp)
	}
	return clients, nil
}

// CheckIPLimit checks if an IP has reached the client registration limit
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.clientsPerIP[ip]
	if count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d clients)", ip, count, maxClientsPerIP)
	}
	return nil
}

// RecordClientIP increments the registration count for an IP address
func (s *Store) RecordClientIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationRequest persists a pending consent handle
func (s *Store) SaveAuthorizationRequest(ctx context.Context, request *storage.AuthorizationRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("invalid authorization request")
	}

	ttl := time.Until(request.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization request already expired")
	}

	cp := *request
	s.requests.Set(request.ID, &cp, ttl)
	return nil
}

// GetAuthorizationRequest retrieves a pending request by handle.
// The stored expiry is checked independently of the cache TTL.
func (s *Store) GetAuthorizationRequest(ctx context.Context, id string) (*storage.AuthorizationRequest, error) {
	v, ok := s.requests.Get(id)
	if !ok {
		return nil, storage.ErrRequestNotFound
	}

	request := v.(*storage.AuthorizationRequest)
	if request.Expired(time.Now()) {
		s.requests.Delete(id)
		return nil, storage.ErrRequestNotFound
	}

	cp := *request
	return &cp, nil
}

// DeleteAuthorizationRequest removes a pending request
func (s *Store) DeleteAuthorizationRequest(ctx context.Context, id string) error {
	s.requests.Delete(id)
	return nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.CodeHash] = &cp
	return nil
}

// ConsumeAuthorizationCode atomically marks an unconsumed code as revoked and
// returns it. The check and the flip happen under one write lock so two
// racing redemptions yield exactly one success.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if code.Revoked {
		s.logger.Warn("Authorization code reuse detected", "client_id", code.ClientID)
		return nil, storage.ErrCodeConsumed
	}

	code.Revoked = true
	cp := *code
	return &cp, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.ID == "" || token.TokenHash == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.accessTokens[token.TokenHash] = &cp
	s.accessTokenIDs[token.ID] = token.TokenHash
	return nil
}

// GetAccessTokenByHash retrieves an access token by its secret hash
func (s *Store) GetAccessTokenByHash(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	cp := *token
	return &cp, nil
}

// RevokeAccessToken marks an access token revoked by ID
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.accessTokenIDs[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	s.accessTokens[hash].Revoked = true
	return nil
}

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.refreshTokens[token.TokenHash] = &cp
	return nil
}

// ConsumeRefreshToken atomically marks an unconsumed refresh token as revoked
// and returns it.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if token.Revoked {
		s.logger.Warn("Refresh token reuse detected", "client_id", token.ClientID)
		return nil, storage.ErrTokenConsumed
	}

	token.Revoked = true
	cp := *token
	return &cp, nil
}

// RevokeRefreshTokenByHash marks a refresh token revoked without consuming it
func (s *Store) RevokeRefreshTokenByHash(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	token.Revoked = true
	return nil
}

// RevokeTokensForUserClient revokes all live tokens for a user+client pair
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.accessTokens {
		if token.UserID == userID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	for _, token := range s.refreshTokens {
		if token.UserID == userID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"count", revoked)
	}
	return revoked, nil
}

// ============================================================
// SettingsStore Implementation
// ============================================================

// AbilityOverrides returns the persisted enable/disable overrides
func (s *Store) AbilityOverrides(ctx context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overrides := make(map[string]bool, len(s.abilityOverrides))
	for name, enabled := range s.abilityOverrides {
		overrides[name] = enabled
	}
	return overrides, nil
}

// SetAbilityOverride persists an enable/disable override for an ability
func (s *Store) SetAbilityOverride(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("ability name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.abilityOverrides[name] = enabled
	return nil
}

// ConsentAllowlist returns the host user IDs permitted to complete consent
func (s *Store) ConsentAllowlist(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.consentAllowlist...), nil
}

// SetConsentAllowlist replaces the consent allow-list
func (s *Store) SetConsentAllowlist(ctx context.Context, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consentAllowlist = append([]string(nil), userIDs...)
	return nil
}
