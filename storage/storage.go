// Package storage defines interfaces for persisting OAuth clients, grants,
// tokens, and settings. It supports various backend implementations including
// in-memory and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers translate these
// into protocol-level errors; stores never shape HTTP responses themselves.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrRequestNotFound = errors.New("authorization request not found")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrCodeConsumed    = errors.New("authorization code already consumed")
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenConsumed   = errors.New("refresh token already consumed")
)

// ClientStore defines the interface for managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin surfaces)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// RecordClientIP increments the registration count for an IP address
	RecordClientIP(ctx context.Context, ip string) error
}

// FlowStore defines the interface for managing pending authorization requests
// and issued authorization codes.
type FlowStore interface {
	// SaveAuthorizationRequest persists a pending consent handle.
	// The handle expires at request.ExpiresAt regardless of any sweeper.
	SaveAuthorizationRequest(ctx context.Context, request *AuthorizationRequest) error

	// GetAuthorizationRequest retrieves a pending request by handle.
	// Returns ErrRequestNotFound if absent or expired.
	GetAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	// DeleteAuthorizationRequest removes a pending request once decided
	DeleteAuthorizationRequest(ctx context.Context, id string) error

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks an unconsumed code as revoked
	// and returns it. Returns ErrCodeNotFound if the hash is unknown and
	// ErrCodeConsumed if the code was already redeemed or revoked.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks; implementations use a conditional update with an
	// affected-row check, never a read followed by a write.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
}

// TokenStore defines the interface for managing access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessTokenByHash retrieves an access token by its secret hash.
	// Returns ErrTokenNotFound if absent. Revoked and expired rows are
	// returned as stored; the caller decides how to reject them.
	GetAccessTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked by ID.
	// Revocation is monotonic; revoking an already-revoked token is a no-op.
	RevokeAccessToken(ctx context.Context, id string) error

	// SaveRefreshToken saves an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken atomically marks an unconsumed refresh token as
	// revoked and returns it. Returns ErrTokenNotFound if the hash is unknown
	// and ErrTokenConsumed if the token was already rotated or revoked.
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh
	// attacks; two racing redemptions yield exactly one success.
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RevokeRefreshTokenByHash marks a refresh token revoked without
	// consuming it (RFC 7009 revocation requests)
	RevokeRefreshTokenByHash(ctx context.Context, tokenHash string) error

	// RevokeTokensForUserClient revokes all live tokens (access + refresh)
	// for a user+client pair. Returns the number of tokens revoked.
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Store combines every store interface. The memory and postgres
// implementations both satisfy it.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
	SettingsStore
}

// SettingsStore persists the two administrative settings that survive across
// restarts: ability enable/disable overrides and the consent allow-list.
type SettingsStore interface {
	// AbilityOverrides returns the persisted enable/disable overrides keyed
	// by ability name. Abilities absent from the map follow their
	// read/write default.
	AbilityOverrides(ctx context.Context) (map[string]bool, error)

	// SetAbilityOverride persists an enable/disable override for an ability
	SetAbilityOverride(ctx context.Context, name string, enabled bool) error

	// ConsentAllowlist returns the host user IDs permitted to complete
	// consent. An empty list means no user may approve a connection.
	ConsentAllowlist(ctx context.Context) ([]string, error)

	// SetConsentAllowlist replaces the consent allow-list
	SetConsentAllowlist(ctx context.Context, userIDs []string) error
}

// Client represents a registered OAuth client application.
type Client struct {
	ID               string
	SecretHash       string // bcrypt hash; empty for public clients
	Name             string
	RedirectURIs     []string
	WildcardRedirect bool   // accept any redirect URI; deliberate trust trade-off
	Confidential     bool   // true when a secret was issued
	OwnerUserID      string // optional host user that provisioned the client
	CreatedAt        time.Time
}

// AuthorizationRequest is a pending consent handle: the validated parameters
// of a begin-authorization call awaiting the owner's decision.
type AuthorizationRequest struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the request is past its hard TTL.
func (r *AuthorizationRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// AuthorizationCode represents an issued authorization code.
// Only the SHA-256 hash of the code secret is stored.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Revoked             bool
}

// Expired reports whether the code is past its expiry.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AccessToken represents an issued bearer credential.
// Only the SHA-256 hash of the token secret is stored.
type AccessToken struct {
	ID        string
	TokenHash string
	ClientID  string
	UserID    string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Expired reports whether the token is past its expiry.
// Expiry is checked independently of the revoked flag.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RefreshToken represents a renewal credential tied to the access token it
// was issued alongside. One-time use: consumption revokes it and the paired
// access token.
type RefreshToken struct {
	TokenHash     string
	AccessTokenID string
	ClientID      string
	UserID        string
	Scope         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Revoked       bool
}

// Expired reports whether the token is past its expiry.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
