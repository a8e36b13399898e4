// Package config loads application configuration from environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default brokerage endpoints.
const (
	DefaultKISLiveURL    = "https://openapi.koreainvestment.com:9443"
	DefaultKISSandboxURL = "https://openapivts.koreainvestment.com:29443"
)

const maxSyncConcurrency = 4

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	SyncInterval       time.Duration
	SyncConcurrency    int
	SyncUserTimeout    time.Duration
	PruneStaleHoldings bool

	// SecretKey is the 32-byte credential encryption key, nil when unset.
	SecretKey []byte

	JWTSecret []byte
	// JWTSecretGenerated is true when JWTSecret was generated for this process
	// only, so issued sessions do not survive a restart.
	JWTSecretGenerated bool
	AccessTokenTTL     time.Duration
	DevAuthBypass      bool

	KISLiveURL    string
	KISSandboxURL string
	// KISLocation interprets the wall-clock token expiry returned by the brokerage.
	KISLocation *time.Location
}

// HasSecretKey reports whether credential storage is enabled.
func (c *Config) HasSecretKey() bool {
	return c.SecretKey != nil
}

// Load reads configuration from environment variables and returns a validated
// Config. A .env file in the working directory is read first when present;
// variables already set in the environment take precedence over it.
//
// Optional variables with defaults: KISFOLIO_LISTEN_ADDR (127.0.0.1:8080),
// KISFOLIO_DB_PATH (kisfolio.db), KISFOLIO_LOG_LEVEL (info),
// KISFOLIO_SYNC_INTERVAL (1h), KISFOLIO_SYNC_CONCURRENCY (1),
// KISFOLIO_SYNC_USER_TIMEOUT (2m), KISFOLIO_PRUNE_STALE_HOLDINGS (true),
// KISFOLIO_ACCESS_TOKEN_TTL (30m), KISFOLIO_DEV_AUTH_BYPASS (false).
// KISFOLIO_SECRET_KEY (64 hex characters) and KISFOLIO_JWT_SECRET are optional.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:    stringVar("KISFOLIO_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:        stringVar("KISFOLIO_DB_PATH", "kisfolio.db"),
		KISLiveURL:    stringVar("KISFOLIO_KIS_LIVE_URL", DefaultKISLiveURL),
		KISSandboxURL: stringVar("KISFOLIO_KIS_SANDBOX_URL", DefaultKISSandboxURL),
		KISLocation:   time.Local,
	}

	var err error

	if cfg.LogLevel, err = logLevelVar("KISFOLIO_LOG_LEVEL", slog.LevelInfo); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = durationVar("KISFOLIO_SYNC_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SyncUserTimeout, err = durationVar("KISFOLIO_SYNC_USER_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL, err = durationVar("KISFOLIO_ACCESS_TOKEN_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SyncConcurrency, err = intVar("KISFOLIO_SYNC_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if cfg.SyncConcurrency < 1 || cfg.SyncConcurrency > maxSyncConcurrency {
		return nil, fmt.Errorf("KISFOLIO_SYNC_CONCURRENCY must be between 1 and %d, got %d",
			maxSyncConcurrency, cfg.SyncConcurrency)
	}
	if cfg.PruneStaleHoldings, err = boolVar("KISFOLIO_PRUNE_STALE_HOLDINGS", true); err != nil {
		return nil, err
	}
	if cfg.DevAuthBypass, err = boolVar("KISFOLIO_DEV_AUTH_BYPASS", false); err != nil {
		return nil, err
	}

	if v := os.Getenv("KISFOLIO_SECRET_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil || len(key) != 32 {
			return nil, errors.New("KISFOLIO_SECRET_KEY must be 64 hex characters (32 bytes)")
		}
		cfg.SecretKey = key
	}

	if v := os.Getenv("KISFOLIO_JWT_SECRET"); v != "" {
		cfg.JWTSecret = []byte(v)
	} else {
		cfg.JWTSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.JWTSecret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecretGenerated = true
	}

	if v := os.Getenv("KISFOLIO_KIS_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("KISFOLIO_KIS_TIMEZONE has invalid location %q: %w", v, err)
		}
		cfg.KISLocation = loc
	}

	return cfg, nil
}

func stringVar(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func intVar(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func boolVar(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

func logLevelVar(key string, def slog.Level) (slog.Level, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("%s has invalid level %q: %w", key, v, err)
	}
	return level, nil
}
