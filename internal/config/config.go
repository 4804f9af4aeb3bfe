package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
)

// Config holds all environment-based configuration for heroku-bridge.
type Config struct {
	// Upstream endpoints.
	SchemaURL    string `env:"HEROKU_SCHEMA_URL" envDefault:"https://api.heroku.com/schema"`
	APIBaseURL   string `env:"HEROKU_API_BASE_URL" envDefault:"https://api.heroku.com"`
	DocsURL      string `env:"HEROKU_DOCS_URL" envDefault:""`
	AcceptHeader string `env:"HEROKU_ACCEPT_HEADER" envDefault:"application/vnd.heroku+json; version=3"`

	// Catalog refresh and persistence.
	SchemaRefreshInterval time.Duration `env:"SCHEMA_REFRESH_INTERVAL" envDefault:"6h"`
	CatalogCachePath      string        `env:"CATALOG_CACHE_PATH"`

	// Execution policy.
	AllowWrites      bool          `env:"ALLOW_WRITES" envDefault:"false"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"2"`
	ReadCacheTTL     time.Duration `env:"READ_CACHE_TTL" envDefault:"30s"`
	MaxBodyBytes     int           `env:"EXECUTE_MAX_BODY_BYTES" envDefault:"262144"`
	BodyPreviewChars int           `env:"EXECUTE_BODY_PREVIEW_CHARS" envDefault:"2000"`

	// Caller identity and write confirmation.
	UserIDHeader       string `env:"USER_ID_HEADER" envDefault:"x-user-id"`
	WriteConfirmSecret string `env:"WRITE_CONFIRM_SECRET"`

	// Token store. The encryption key is either a base64 32-byte key or
	// an scrypt-derived passphrase+salt pair; exactly one must be set.
	TokenStorePath       string `env:"TOKEN_STORE_PATH"`
	EncryptionKey        string `env:"TOKEN_ENCRYPTION_KEY"`
	EncryptionPassphrase string `env:"TOKEN_ENCRYPTION_PASSPHRASE"`
	EncryptionSalt       string `env:"TOKEN_ENCRYPTION_SALT"`

	// Upstream OAuth client.
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthScope        string `env:"OAUTH_SCOPE" envDefault:"global"`
	OAuthAuthorizeURL string `env:"OAUTH_AUTHORIZE_URL" envDefault:"https://id.heroku.com/oauth/authorize"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL" envDefault:"https://id.heroku.com/oauth/token"`
	OAuthRedirectURI  string `env:"OAUTH_REDIRECT_URI"`

	// HTTP server.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.CatalogCachePath == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.CatalogCachePath = filepath.Join(dir, "catalog.json")
	}

	if cfg.TokenStorePath == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.TokenStorePath = filepath.Join(dir, "tokens.json")
	}

	cfg.UserIDHeader = strings.ToLower(strings.TrimSpace(cfg.UserIDHeader))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SchemaURL == "" {
		return fmt.Errorf("HEROKU_SCHEMA_URL must not be empty")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("HEROKU_API_BASE_URL must not be empty")
	}

	if c.WriteConfirmSecret == "" {
		return fmt.Errorf("WRITE_CONFIRM_SECRET is required")
	}

	if c.EncryptionKey == "" && c.EncryptionPassphrase == "" {
		return fmt.Errorf("one of TOKEN_ENCRYPTION_KEY or TOKEN_ENCRYPTION_PASSPHRASE is required")
	}

	if c.EncryptionKey != "" && c.EncryptionPassphrase != "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY and TOKEN_ENCRYPTION_PASSPHRASE are mutually exclusive")
	}

	if c.EncryptionPassphrase != "" && c.EncryptionSalt == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_SALT is required with TOKEN_ENCRYPTION_PASSPHRASE")
	}

	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}

	if c.OAuthClientSecret == "" {
		return fmt.Errorf("OAUTH_CLIENT_SECRET is required")
	}

	if c.OAuthRedirectURI == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URI is required")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}

	if c.UserIDHeader == "" {
		return fmt.Errorf("USER_ID_HEADER must not be empty")
	}

	return nil
}

// TokenKey resolves the token encryption key: a base64 key when
// TOKEN_ENCRYPTION_KEY is set, otherwise scrypt over the passphrase
// and salt.
func (c *Config) TokenKey() ([]byte, error) {
	if c.EncryptionKey != "" {
		key, err := crypto.ParseKey(c.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("parsing TOKEN_ENCRYPTION_KEY: %w", err)
		}

		return key, nil
	}

	key, err := crypto.DeriveKey(c.EncryptionPassphrase, c.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("deriving key from TOKEN_ENCRYPTION_PASSPHRASE: %w", err)
	}

	return key, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// defaultStateDir returns ~/.heroku-bridge/, creating nothing.
func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".heroku-bridge"), nil
}
