package session

import (
	"time"

	"naskahsync/config"
	"naskahsync/internal/autosave"
	"naskahsync/internal/cursor"
	"naskahsync/internal/presence"
	"naskahsync/internal/writer"
)

type Config struct {
	Autosave         autosave.Config
	Writer           writer.Config
	Presence         presence.Config
	Cursor           cursor.Config
	ResubscribeDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Autosave:         autosave.DefaultConfig(),
		Writer:           writer.DefaultConfig(),
		Presence:         presence.DefaultConfig(),
		Cursor:           cursor.DefaultConfig(),
		ResubscribeDelay: presence.DefaultConfig().ResubscribeDelay,
	}
}

// IsZero reports whether c was left unset.
func (c Config) IsZero() bool {
	return c.Autosave == (autosave.Config{}) &&
		len(c.Writer.Delays) == 0 && c.Writer.AttemptTimeout == 0 &&
		c.Presence == (presence.Config{}) &&
		c.Cursor == (cursor.Config{}) &&
		c.ResubscribeDelay == 0
}

// ConfigFrom projects process configuration onto the engine.
func ConfigFrom(c config.Config) Config {
	cfg := DefaultConfig()
	cfg.Autosave = autosave.Config{Idle: c.IdleDebounce, Live: c.LiveDebounce}
	cfg.Writer.Delays = append([]time.Duration(nil), c.RetryDelays...)
	cfg.Presence = presence.Config{TTL: c.PresenceTTL, ResubscribeDelay: c.ResubscribeDelay}
	cfg.Cursor = cursor.Config{TTL: c.CursorTTL, IdleExpiry: c.CursorIdleExpiry, ResubscribeDelay: c.ResubscribeDelay}
	cfg.ResubscribeDelay = c.ResubscribeDelay
	return cfg
}
