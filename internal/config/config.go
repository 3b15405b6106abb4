// Package config loads the per-profile configuration: a TOML file with
// environment variable overrides on top.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"

	"github.com/mentorloop/coachchat/internal/errs"
)

// Config holds the daemon settings for one profile. TOML supplies the
// file form, COACHCHAT_* environment variables override it.
type Config struct {
	// ServerURL is the base URL of the messaging API, e.g.
	// https://chat.example.com/api.
	ServerURL string `toml:"server_url" env:"COACHCHAT_SERVER_URL"`
	// StreamURL overrides the base URL of the event stream when it is
	// served from a different host than the API. Empty means ServerURL.
	StreamURL string `toml:"stream_url" env:"COACHCHAT_STREAM_URL"`
	// Token authenticates both the API and the stream.
	Token string `toml:"token" env:"COACHCHAT_TOKEN"`
	// UserID is the viewing user's id; the store needs it to tell own
	// messages from remote ones.
	UserID string `toml:"user_id" env:"COACHCHAT_USER_ID"`

	// DefaultProfile names the profile used when no flag is given.
	DefaultProfile string `toml:"default_profile" env:"COACHCHAT_PROFILE"`

	// SendMaxAttempts bounds automatic send retries. Zero means the
	// built-in default.
	SendMaxAttempts int `toml:"send_max_attempts" env:"COACHCHAT_SEND_MAX_ATTEMPTS"`
	// TypingIdleSeconds is how long after the last keystroke a typing
	// burst ends.
	TypingIdleSeconds int `toml:"typing_idle_seconds" env:"COACHCHAT_TYPING_IDLE_SECONDS"`
	// PageSize is how many messages one history page requests.
	PageSize int `toml:"page_size" env:"COACHCHAT_PAGE_SIZE"`
}

// Load reads the TOML file at path, then applies environment overrides.
// A missing file is not an error; the environment alone can configure
// the daemon.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate reports whether the config can actually reach a server.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return &errs.ValidationError{Reason: "server_url is not set"}
	}
	if c.UserID == "" {
		return &errs.ValidationError{Reason: "user_id is not set"}
	}
	return nil
}

// TypingIdle returns the typing idle timeout as a duration.
func (c *Config) TypingIdle() time.Duration {
	return time.Duration(c.TypingIdleSeconds) * time.Second
}

// StreamBase returns the base URL the event stream dials: stream_url when
// set, the API server otherwise.
func (c *Config) StreamBase() string {
	if c.StreamURL != "" {
		return strings.TrimSuffix(c.StreamURL, "/")
	}
	return strings.TrimSuffix(c.ServerURL, "/")
}

func (c *Config) applyDefaults() {
	if c.SendMaxAttempts <= 0 {
		c.SendMaxAttempts = 3
	}
	if c.TypingIdleSeconds <= 0 {
		c.TypingIdleSeconds = 3
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
}
