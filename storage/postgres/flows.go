package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quillcms/connect/storage"
)

// SaveAuthorizationRequest persists a pending consent handle in the TTL
// cache. Handles are instance-local transients; the hard expiry stored on
// the request is still checked on every lookup.
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

// DeleteAuthorizationRequest removes a pending request.
func (s *Store) DeleteAuthorizationRequest(ctx context.Context, id string) error {
	s.requests.Delete(id)
	return nil
}

// SaveAuthorizationCode saves an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}

	const q = `
INSERT INTO oauth_auth_codes
(code_hash, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q,
		code.CodeHash, code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.CreatedAt, code.ExpiresAt, code.Revoked)
	return err
}

// ConsumeAuthorizationCode atomically marks an unconsumed code as revoked and
// returns it. The conditional UPDATE with RETURNING makes two racing
// redemptions yield exactly one success.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	const q = `
UPDATE oauth_auth_codes
SET revoked = TRUE
WHERE code_hash = $1 AND NOT revoked
RETURNING client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at`
	row := s.pool.QueryRow(ctx, q, codeHash)

	code := storage.AuthorizationCode{CodeHash: codeHash, Revoked: true}
	err := row.Scan(&code.ClientID, &code.UserID, &code.RedirectURI, &code.Scope,
		&code.CodeChallenge, &code.CodeChallengeMethod, &code.CreatedAt, &code.ExpiresAt)
	if err == nil {
		return &code, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Nothing was flipped: distinguish an unknown hash from a reused code.
	const qExists = `SELECT client_id FROM oauth_auth_codes WHERE code_hash = $1`
	var clientID string
	if err := s.pool.QueryRow(ctx, qExists, codeHash).Scan(&clientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, err
	}

	s.logger.Warn("Authorization code reuse detected", "client_id", clientID)
	return nil, storage.ErrCodeConsumed
}
