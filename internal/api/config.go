// Package api serves the assetview HTTP API. Hosts resolve and render
// product images, mount long-lived slots, forward visibility changes and
// push regeneration events through it.
package api

import (
	"fmt"
	"time"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRenderTimeout   = 10 * time.Second

	// MaxBatchSize bounds the items of one resolve or visibility request
	MaxBatchSize = 500
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen string // address to listen on, e.g. ":8080"

	AllowedOrigins []string // CORS allowed origins

	// Timeouts
	ReadTimeout     time.Duration // Maximum duration for reading request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum time to wait for next request
	ShutdownTimeout time.Duration // Maximum time to wait for graceful shutdown
	RenderTimeout   time.Duration // Maximum time a render request waits for its slot to settle

	BodyLimit string // Maximum request body size (e.g., "1M", "10M")

	Debug bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8080",
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		RenderTimeout:   DefaultRenderTimeout,
		BodyLimit:       "1M",
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings.WebServer.Listen != "" {
		cfg.Listen = settings.WebServer.Listen
	}
	// a render waits for at most one retry cycle plus the probe itself
	if d := settings.Resolver.RetryDelay + 2*settings.Loader.FetchTimeout; d > cfg.RenderTimeout {
		cfg.RenderTimeout = d
	}
	cfg.Debug = settings.Debug
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}
	if c.RenderTimeout >= c.WriteTimeout {
		return fmt.Errorf("render timeout %s must be shorter than write timeout %s", c.RenderTimeout, c.WriteTimeout)
	}
	return nil
}

// String returns a human-readable representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf("Server Config: listen=%s, render_timeout=%s, debug=%v",
		c.Listen, c.RenderTimeout, c.Debug)
}
