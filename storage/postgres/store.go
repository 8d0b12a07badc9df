// Package postgres provides a PostgreSQL implementation of the storage
// interfaces backed by a pgx connection pool.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gocache "github.com/patrickmn/go-cache"

	"github.com/quillcms/connect/storage"
)

// Config tunes the underlying connection pool.
type Config struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a PostgreSQL implementation of all storage interfaces.
// Clients, codes, tokens, and settings persist in relational tables; pending
// consent handles are per-instance transients held in a TTL cache, matching
// their sub-ten-minute lifetime.
type Store struct {
	pool     *pgxpool.Pool
	requests *gocache.Cache
	logger   *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.FlowStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

// New creates a Store connected to the given DSN. The startup ping is
// non-blocking: a temporarily unreachable database logs a warning instead of
// failing, so the process can start ahead of its dependencies.
func New(ctx context.Context, dsn string, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Warn("Postgres startup ping failed", "error", err)
	} else {
		logger.Info("Postgres pool ready", "max_conns", pcfg.MaxConns)
	}

	return &Store{
		pool:     pool,
		requests: gocache.New(10*time.Minute, time.Minute),
		logger:   logger,
	}, nil
}

// Pool exposes the underlying pool for health checks and metrics.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
    id                TEXT PRIMARY KEY,
    secret_hash       TEXT NOT NULL DEFAULT '',
    name              TEXT NOT NULL DEFAULT '',
    redirect_uris     TEXT[] NOT NULL DEFAULT '{}',
    wildcard_redirect BOOLEAN NOT NULL DEFAULT FALSE,
    confidential      BOOLEAN NOT NULL DEFAULT FALSE,
    owner_user_id     TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS oauth_client_ips (
    ip      TEXT PRIMARY KEY,
    clients INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS oauth_auth_codes (
    code_hash             TEXT PRIMARY KEY,
    client_id             TEXT NOT NULL,
    user_id               TEXT NOT NULL,
    redirect_uri          TEXT NOT NULL,
    scope                 TEXT NOT NULL DEFAULT '',
    code_challenge        TEXT NOT NULL,
    code_challenge_method TEXT NOT NULL,
    created_at            TIMESTAMPTZ NOT NULL,
    expires_at            TIMESTAMPTZ NOT NULL,
    revoked               BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS oauth_access_tokens (
    id         TEXT PRIMARY KEY,
    token_hash TEXT NOT NULL UNIQUE,
    client_id  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    scope      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    revoked    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS oauth_access_tokens_user_client
    ON oauth_access_tokens (user_id, client_id);

CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
    token_hash      TEXT PRIMARY KEY,
    access_token_id TEXT NOT NULL,
    client_id       TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    revoked         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS oauth_refresh_tokens_user_client
    ON oauth_refresh_tokens (user_id, client_id);

CREATE TABLE IF NOT EXISTS connect_settings (
    key   TEXT PRIMARY KEY,
    value JSONB NOT NULL
);
`

// Migrate creates the schema if it does not exist. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}
