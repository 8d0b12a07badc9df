package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with .env/environment
// overrides for the secrets-shaped values.
type Config struct {
	Server struct {
		Addr              string `yaml:"addr"`
		Issuer            string `yaml:"issuer"`
		TrustProxy        bool   `yaml:"trust_proxy"`
		TrustedProxyCount int    `yaml:"trusted_proxy_count"`
	} `yaml:"server"`

	Storage struct {
		// Driver selects the backing store: "memory" or "postgres"
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxConns        int32  `yaml:"max_conns"`
			MinConns        int32  `yaml:"min_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Security struct {
		MaxClientsPerIP         int    `yaml:"max_clients_per_ip"`
		RefreshTokenTTL         string `yaml:"refresh_token_ttl"`
		DisableConsentAllowlist bool   `yaml:"disable_consent_allowlist"`
		AuditLogging            bool   `yaml:"audit_logging"`
	} `yaml:"security"`

	Rate struct {
		Enabled bool `yaml:"enabled"`
		Rate    int  `yaml:"rate"`
		Burst   int  `yaml:"burst"`
	} `yaml:"rate"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Logging struct {
		// Level: debug | info | warn | error
		Level string `yaml:"level"`
		// Format: text | json
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Host describes the development host directory: users, their sessions
	// and capabilities, and the consent allow-list. A production deployment
	// embeds the library and supplies its own host ports instead.
	Host struct {
		Users []struct {
			ID    string `yaml:"id"`
			Name  string `yaml:"name"`
			Email string `yaml:"email"`
		} `yaml:"users"`
		Sessions []struct {
			Cookie string `yaml:"cookie"`
			UserID string `yaml:"user_id"`
		} `yaml:"sessions"`
		Capabilities []struct {
			UserID string `yaml:"user_id"`
			Action string `yaml:"action"`
			Target string `yaml:"target"`
		} `yaml:"capabilities"`
		ConsentAllowlist []string `yaml:"consent_allowlist"`
	} `yaml:"host"`
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A .env file next to the process is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Storage.Driver = "memory"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment wins over YAML for deploy-varying values
	if v := os.Getenv("CONNECT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CONNECT_ISSUER"); v != "" {
		cfg.Server.Issuer = v
	}
	if v := os.Getenv("CONNECT_DSN"); v != "" {
		cfg.Storage.DSN = v
		cfg.Storage.Driver = "postgres"
	}

	if cfg.Server.Issuer == "" {
		cfg.Server.Issuer = "http://localhost" + cfg.Server.Addr
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		return nil, fmt.Errorf("storage driver postgres requires a dsn")
	}

	return cfg, nil
}

// RefreshTokenTTLDuration parses the configured refresh token lifetime.
// Zero means the library default.
func (c *Config) RefreshTokenTTLDuration() (time.Duration, error) {
	if c.Security.RefreshTokenTTL == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Security.RefreshTokenTTL)
}

// ConnMaxLifetimeDuration parses the configured pool connection lifetime
func (c *Config) ConnMaxLifetimeDuration() (time.Duration, error) {
	if c.Storage.Postgres.ConnMaxLifetime == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Storage.Postgres.ConnMaxLifetime)
}
