package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillcms/connect/storage"
)

// SaveClient saves a registered client, replacing any existing row.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	const q = `
INSERT INTO oauth_clients
(id, secret_hash, name, redirect_uris, wildcard_redirect, confidential, owner_user_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    secret_hash = EXCLUDED.secret_hash,
    name = EXCLUDED.name,
    redirect_uris = EXCLUDED.redirect_uris,
    wildcard_redirect = EXCLUDED.wildcard_redirect,
    confidential = EXCLUDED.confidential,
    owner_user_id = EXCLUDED.owner_user_id`
	_, err := s.pool.Exec(ctx, q,
		client.ID, client.SecretHash, client.Name, client.RedirectURIs,
		client.WildcardRedirect, client.Confidential, client.OwnerUserID, client.CreatedAt)
	if err != nil {
		s.logger.Error("Failed to save client", "client_id", client.ID, "error", err)
		return err
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	const q = `
SELECT id, secret_hash, name, redirect_uris, wildcard_redirect, confidential, owner_user_id, created_at
FROM oauth_clients
WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, clientID)

	var c storage.Client
	if err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &c.RedirectURIs,
		&c.WildcardRedirect, &c.Confidential, &c.OwnerUserID, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	const q = `
SELECT id, secret_hash, name, redirect_uris, wildcard_redirect, confidential, owner_user_id, created_at
FROM oauth_clients
ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		var c storage.Client
		if err := rows.Scan(&c.ID, &c.SecretHash, &c.Name, &c.RedirectURIs,
			&c.WildcardRedirect, &c.Confidential, &c.OwnerUserID, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// CheckIPLimit checks if an IP has reached the client registration limit.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	const q = `SELECT clients FROM oauth_client_ips WHERE ip = $1`
	var count int
	if err := s.pool.QueryRow(ctx, q, ip).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d clients)", ip, count, maxClientsPerIP)
	}
	return nil
}

// RecordClientIP increments the registration count for an IP address.
func (s *Store) RecordClientIP(ctx context.Context, ip string) error {
	const q = `
INSERT INTO oauth_client_ips (ip, clients) VALUES ($1, 1)
ON CONFLICT (ip) DO UPDATE SET clients = oauth_client_ips.clients + 1`
	_, err := s.pool.Exec(ctx, q, ip)
	return err
}
