// Package config loads backend settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultMessageValidityDuration  = time.Minute
	DefaultTokenExpiryDuration      = 6 * time.Hour
	DefaultMaxPageSize              = 20
	DefaultMirrorsListURL           = "https://download.kiwix.org/mirrors.html"
	DefaultSchedulerSleepDuration   = 3 * time.Hour
	DefaultIdleWorkerDuration       = time.Hour
	DefaultExpireTestDuration       = 24 * time.Hour
	DefaultUnhealthyNoTestsDuration = 6 * time.Hour
)

// Config carries every backend setting sourced from the environment. Fields
// are populated unconditionally; each command checks the ones it needs.
type Config struct {
	PostgresURI string
	JWTSecret   string

	MessageValidityDuration time.Duration
	TokenExpiryDuration     time.Duration
	MaxPageSize             int

	MirrorsListURL  string
	ExcludedMirrors []string

	SchedulerSleepDuration   time.Duration
	IdleWorkerDuration       time.Duration
	ExpireTestDuration       time.Duration
	UnhealthyNoTestsDuration time.Duration

	// GeoIPASNDB optionally points at a MaxMind ASN database used to
	// enrich submitted results. Empty disables the lookup.
	GeoIPASNDB string
}

// Load reads the environment, honoring a .env file when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		PostgresURI:    os.Getenv("POSTGRES_URI"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		MirrorsListURL: envString("MIRRORS_LIST_URL", DefaultMirrorsListURL),
		GeoIPASNDB:     os.Getenv("GEOIP_ASN_DB"),
	}

	var err error
	if cfg.MessageValidityDuration, err = envDuration("MESSAGE_VALIDITY_DURATION", DefaultMessageValidityDuration); err != nil {
		return Config{}, err
	}
	if cfg.TokenExpiryDuration, err = envDuration("TOKEN_EXPIRY_DURATION", DefaultTokenExpiryDuration); err != nil {
		return Config{}, err
	}
	if cfg.MaxPageSize, err = envInt("MAX_PAGE_SIZE", DefaultMaxPageSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxPageSize < 1 {
		return Config{}, fmt.Errorf("MAX_PAGE_SIZE must be >= 1, got %d", cfg.MaxPageSize)
	}
	if cfg.SchedulerSleepDuration, err = envDuration("SCHEDULER_SLEEP_DURATION", DefaultSchedulerSleepDuration); err != nil {
		return Config{}, err
	}
	if cfg.IdleWorkerDuration, err = envDuration("IDLE_WORKER_DURATION", DefaultIdleWorkerDuration); err != nil {
		return Config{}, err
	}
	if cfg.ExpireTestDuration, err = envDuration("EXPIRE_TEST_DURATION", DefaultExpireTestDuration); err != nil {
		return Config{}, err
	}
	if cfg.UnhealthyNoTestsDuration, err = envDuration("UNHEALTHY_NO_TESTS_DURATION", DefaultUnhealthyNoTestsDuration); err != nil {
		return Config{}, err
	}

	cfg.ExcludedMirrors = splitList(os.Getenv("EXCLUDED_MIRRORS"))

	return cfg, nil
}

// RequirePostgres errors when the database URI is unset.
func (c Config) RequirePostgres() error {
	if c.PostgresURI == "" {
		return fmt.Errorf("POSTGRES_URI is required")
	}
	return nil
}

// RequireJWTSecret errors when the token signing secret is unset.
func (c Config) RequireJWTSecret() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
