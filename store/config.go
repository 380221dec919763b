package store

import (
	"log/slog"
	"time"
)

// Config holds configuration for the Store.
type Config struct {
	// Logger receives debug logs for writes.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock supplies pivot timestamps.
	// Default: time.Now
	Clock func() time.Time

	// Events receives pivot lifecycle events. Nil disables publishing.
	Events Publisher
}

// DefaultConfig returns a Config with a default logger and the wall clock.
func DefaultConfig() Config {
	return Config{
		Logger: slog.Default(),
		Clock:  time.Now,
	}
}

// validate fills unset fields with defaults.
func (c *Config) validate() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
