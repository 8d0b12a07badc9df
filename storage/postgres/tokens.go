package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillcms/connect/storage"
)

// SaveAccessToken saves an issued access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.ID == "" || token.TokenHash == "" {
		return fmt.Errorf("invalid access token")
	}

	const q = `
INSERT INTO oauth_access_tokens
(id, token_hash, client_id, user_id, scope, created_at, expires_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q,
		token.ID, token.TokenHash, token.ClientID, token.UserID,
		token.Scope, token.CreatedAt, token.ExpiresAt, token.Revoked)
	return err
}

// GetAccessTokenByHash retrieves an access token by its secret hash.
func (s *Store) GetAccessTokenByHash(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	const q = `
SELECT id, token_hash, client_id, user_id, scope, created_at, expires_at, revoked
FROM oauth_access_tokens
WHERE token_hash = $1`
	row := s.pool.QueryRow(ctx, q, tokenHash)

	var t storage.AccessToken
	if err := row.Scan(&t.ID, &t.TokenHash, &t.ClientID, &t.UserID,
		&t.Scope, &t.CreatedAt, &t.ExpiresAt, &t.Revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

// RevokeAccessToken marks an access token revoked by ID.
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	const q = `UPDATE oauth_access_tokens SET revoked = TRUE WHERE id = $1`
	ct, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// SaveRefreshToken saves an issued refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	const q = `
INSERT INTO oauth_refresh_tokens
(token_hash, access_token_id, client_id, user_id, scope, created_at, expires_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q,
		token.TokenHash, token.AccessTokenID, token.ClientID, token.UserID,
		token.Scope, token.CreatedAt, token.ExpiresAt, token.Revoked)
	return err
}

// ConsumeRefreshToken atomically marks an unconsumed refresh token as revoked
// and returns it.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	const q = `
UPDATE oauth_refresh_tokens
SET revoked = TRUE
WHERE token_hash = $1 AND NOT revoked
RETURNING access_token_id, client_id, user_id, scope, created_at, expires_at`
	row := s.pool.QueryRow(ctx, q, tokenHash)

	token := storage.RefreshToken{TokenHash: tokenHash, Revoked: true}
	err := row.Scan(&token.AccessTokenID, &token.ClientID, &token.UserID,
		&token.Scope, &token.CreatedAt, &token.ExpiresAt)
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	const qExists = `SELECT client_id FROM oauth_refresh_tokens WHERE token_hash = $1`
	var clientID string
	if err := s.pool.QueryRow(ctx, qExists, tokenHash).Scan(&clientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}

	s.logger.Warn("Refresh token reuse detected", "client_id", clientID)
	return nil, storage.ErrTokenConsumed
}

// RevokeRefreshTokenByHash marks a refresh token revoked without consuming it.
func (s *Store) RevokeRefreshTokenByHash(ctx context.Context, tokenHash string) error {
	const q = `UPDATE oauth_refresh_tokens SET revoked = TRUE WHERE token_hash = $1`
	ct, err := s.pool.Exec(ctx, q, tokenHash)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// RevokeTokensForUserClient revokes all live tokens for a user+client pair.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	const qAccess = `
UPDATE oauth_access_tokens SET revoked = TRUE
WHERE user_id = $1 AND client_id = $2 AND NOT revoked`
	const qRefresh = `
UPDATE oauth_refresh_tokens SET revoked = TRUE
WHERE user_id = $1 AND client_id = $2 AND NOT revoked`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ctAccess, err := tx.Exec(ctx, qAccess, userID, clientID)
	if err != nil {
		return 0, err
	}
	ctRefresh, err := tx.Exec(ctx, qRefresh, userID, clientID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	revoked := int(ctAccess.RowsAffected() + ctRefresh.RowsAffected())
	if revoked > 0 {
		s.logger.Info("Revoked tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"count", revoked)
	}
	return revoked, nil
}
