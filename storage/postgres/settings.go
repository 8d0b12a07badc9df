package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	settingAbilityOverrides = "ability_overrides"
	settingConsentAllowlist = "consent_allowlist"
)

func (s *Store) getSetting(ctx context.Context, key string, out any) error {
	const q = `SELECT value FROM connect_settings WHERE key = $1`
	var raw []byte
	if err := s.pool.QueryRow(ctx, q, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // absent settings keep their zero value
		}
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) putSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO connect_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err = s.pool.Exec(ctx, q, key, raw)
	return err
}

// AbilityOverrides returns the persisted enable/disable overrides.
func (s *Store) AbilityOverrides(ctx context.Context) (map[string]bool, error) {
	overrides := make(map[string]bool)
	if err := s.getSetting(ctx, settingAbilityOverrides, &overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

// SetAbilityOverride persists an enable/disable override for an ability.
// The read-modify-write runs in a transaction with the settings row locked.
func (s *Store) SetAbilityOverride(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("ability name cannot be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	overrides := make(map[string]bool)
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT value FROM connect_settings WHERE key = $1 FOR UPDATE`, settingAbilityOverrides).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &overrides); err != nil {
			return err
		}
	}

	overrides[name] = enabled
	updated, err := json.Marshal(overrides)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO connect_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := tx.Exec(ctx, q, settingAbilityOverrides, updated); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConsentAllowlist returns the host user IDs permitted to complete consent.
func (s *Store) ConsentAllowlist(ctx context.Context) ([]string, error) {
	var allowlist []string
	if err := s.getSetting(ctx, settingConsentAllowlist, &allowlist); err != nil {
		return nil, err
	}
	return allowlist, nil
}

// SetConsentAllowlist replaces the consent allow-list.
func (s *Store) SetConsentAllowlist(ctx context.Context, userIDs []string) error {
	if userIDs == nil {
		userIDs = []string{}
	}
	return s.putSetting(ctx, settingConsentAllowlist, userIDs)
}
