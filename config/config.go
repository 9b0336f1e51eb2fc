package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"naskahsync/pkg/logger"
)

// Config is the process-wide configuration for the feed server and the
// sync engine. Engine packages take their own Config structs;
// session.ConfigFrom projects the timings onto them.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string
	CachePath   string

	IdleDebounce     time.Duration
	LiveDebounce     time.Duration
	ListDebounce     time.Duration
	RetryDelays      []time.Duration
	ResubscribeDelay time.Duration
	PresenceTTL      time.Duration
	CursorTTL        time.Duration
	CursorIdleExpiry time.Duration
	GuardWindow      time.Duration
	SaveInterval     time.Duration
}

// Default returns the configuration used when nothing is set in the environment.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		CachePath:        "naskah-cache.db",
		IdleDebounce:     500 * time.Millisecond,
		LiveDebounce:     200 * time.Millisecond,
		ListDebounce:     200 * time.Millisecond,
		RetryDelays:      []time.Duration{time.Second, 2 * time.Second},
		ResubscribeDelay: 3 * time.Second,
		PresenceTTL:      30 * time.Second,
		CursorTTL:        10 * time.Second,
		CursorIdleExpiry: 5 * time.Second,
		GuardWindow:      500 * time.Millisecond,
		SaveInterval:     10 * time.Second,
	}
}

// Load reads a .env file when present and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Sugar.Debug("No .env file found, using environment variables from OS")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, falling back to Default
// for every unset key.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := get("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := get("CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}
	cfg.JWTSecret = get("SUPABASE_JWT_SECRET")

	cfg.DatabaseURL = get("DATABASE_URL")
	if cfg.DatabaseURL == "" && get("host") != "" {
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=require",
			get("user"), get("password"), get("host"), get("port"), get("dbname"))
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"IDLE_DEBOUNCE", &cfg.IdleDebounce},
		{"LIVE_DEBOUNCE", &cfg.LiveDebounce},
		{"LIST_DEBOUNCE", &cfg.ListDebounce},
		{"RESUBSCRIBE_DELAY", &cfg.ResubscribeDelay},
		{"PRESENCE_TTL", &cfg.PresenceTTL},
		{"CURSOR_TTL", &cfg.CursorTTL},
		{"CURSOR_IDLE_EXPIRY", &cfg.CursorIdleExpiry},
		{"GUARD_WINDOW", &cfg.GuardWindow},
		{"SAVE_INTERVAL", &cfg.SaveInterval},
	}
	for _, d := range durations {
		v := get(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	// RETRY_DELAYS is a comma separated list, e.g. "1s,2s".
	if v := get("RETRY_DELAYS"); v != "" {
		var delays []time.Duration
		for _, part := range strings.Split(v, ",") {
			parsed, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				return cfg, fmt.Errorf("invalid RETRY_DELAYS: %w", err)
			}
			delays = append(delays, parsed)
		}
		cfg.RetryDelays = delays
	}
	return cfg, nil
}
