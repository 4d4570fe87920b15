package config

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/Paddione/projects-sub012/internal/keys"
	"github.com/Paddione/projects-sub012/internal/providers"
	"github.com/Paddione/projects-sub012/internal/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// maxAuthCodeTTL bounds AUTH_CODE_TTL; RFC 6749 recommends at most ten
// minutes for authorization codes.
const maxAuthCodeTTL = 10 * time.Minute

// Config holds all environment-based configuration for authd.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Public base URL. Used as the token issuer and to build endpoint
	// URLs in metadata and provider callbacks.
	IssuerURL string `env:"ISSUER_URL"`

	// Persistence for codes and revocations.
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"bolt"`
	BoltPath       string `env:"BOLT_PATH" envDefault:"./data/authd.db"`
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"authd:"`
	DatabaseURL    string `env:"DATABASE_URL"`
	AutoMigrate    bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// Signing key. Exactly one must be set.
	JWTSigningSecret  string `env:"JWT_SIGNING_SECRET"`
	JWTPrivateKeyPEM  string `env:"JWT_PRIVATE_KEY_PEM"`
	JWTPrivateKeyPath string `env:"JWT_PRIVATE_KEY_PATH"`

	AuthCodeTTL     time.Duration `env:"AUTH_CODE_TTL" envDefault:"90s"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	// Registered clients come from this YAML file, or from the
	// oauth_clients table when a SQL backend is used and this is empty.
	ClientsFile string `env:"CLIENTS_FILE"`

	LoginPath           string `env:"LOGIN_PATH" envDefault:"/auth/login"`
	SessionCookieSecure bool   `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	MetricsEnabled      bool   `env:"METRICS_ENABLED" envDefault:"true"`

	// Audit events go to this broker when set, otherwise to the log.
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"authd.events"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
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
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. A .env file is
// loaded first if present, then secrets from AWS Secrets Manager when
// AWS_SECRET_ID is set. Neither overrides variables already set.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	if err := loadAWSSecrets(ctx); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.IssuerURL = strings.TrimRight(cfg.IssuerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("ISSUER_URL is required")
	}

	u, err := url.Parse(c.IssuerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ISSUER_URL must be an absolute http(s) URL")
	}

	switch c.StoreBackend {
	case store.BackendMemory:
	case store.BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt backend")
		}
	case store.BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case store.BackendPostgres, store.BackendSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", c.StoreBackend)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, bolt, redis, postgres, sqlite, got %q", c.StoreBackend)
	}

	keySources := 0

	for _, v := range []string{c.JWTSigningSecret, c.JWTPrivateKeyPEM, c.JWTPrivateKeyPath} {
		if v != "" {
			keySources++
		}
	}

	if keySources != 1 {
		return fmt.Errorf("exactly one of JWT_SIGNING_SECRET, JWT_PRIVATE_KEY_PEM, JWT_PRIVATE_KEY_PATH must be set")
	}

	if c.JWTSigningSecret != "" && len(c.JWTSigningSecret) < 32 {
		return fmt.Errorf("JWT_SIGNING_SECRET must be at least 32 bytes")
	}

	if c.AuthCodeTTL <= 0 || c.AuthCodeTTL > maxAuthCodeTTL {
		return fmt.Errorf("AUTH_CODE_TTL must be positive and at most %s", maxAuthCodeTTL)
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}

	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}

	if c.SessionTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_TTL and SWEEP_INTERVAL must be positive")
	}

	if c.ClientsFile == "" && !c.SQLBackend() {
		return fmt.Errorf("CLIENTS_FILE is required unless STORE_BACKEND is postgres or sqlite")
	}

	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}

	if (c.GitHubClientID == "") != (c.GitHubClientSecret == "") {
		return fmt.Errorf("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET must be set together")
	}

	return nil
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SQLBackend reports whether the store backend is relational.
func (c *Config) SQLBackend() bool {
	return c.StoreBackend == store.BackendPostgres || c.StoreBackend == store.BackendSQLite
}

// StoreOptions returns the backend selection for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:     c.StoreBackend,
		BoltPath:    c.BoltPath,
		RedisURL:    c.RedisURL,
		RedisPrefix: c.RedisKeyPrefix,
		DatabaseURL: c.DatabaseURL,
		Migrate:     c.AutoMigrate,
	}
}

// SigningKeys loads the configured signing key.
func (c *Config) SigningKeys() (keys.Provider, error) {
	switch {
	case c.JWTSigningSecret != "":
		return keys.NewHMAC([]byte(c.JWTSigningSecret))
	case c.JWTPrivateKeyPEM != "":
		return keys.ParseRSA(c.JWTPrivateKeyPEM)
	default:
		return keys.LoadRSAFile(c.JWTPrivateKeyPath)
	}
}

// Providers builds the federated login providers that have credentials.
func (c *Config) Providers() providers.Set {
	var ps []providers.Provider

	if c.GoogleClientID != "" {
		ps = append(ps, providers.NewGoogle(providers.Config{
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
			RedirectURL:  c.IssuerURL + "/auth/google/callback",
		}))
	}

	if c.GitHubClientID != "" {
		ps = append(ps, providers.NewGitHub(providers.Config{
			ClientID:     c.GitHubClientID,
			ClientSecret: c.GitHubClientSecret,
			RedirectURL:  c.IssuerURL + "/auth/github/callback",
		}))
	}

	return providers.NewSet(ps...)
}
