package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.zynk/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	UserID         string `toml:"user_id"`
	DirectoryURL   string `toml:"directory_url"`
	TransportURL   string `toml:"transport_url"`

	// AckTimeoutSeconds bounds how long a sent message waits for a
	// server acknowledgment before it is marked failed.
	AckTimeoutSeconds int `toml:"ack_timeout_seconds"`

	// DirectoryTTLSeconds bounds how long a fetched public key is
	// served from the directory cache.
	DirectoryTTLSeconds int `toml:"directory_ttl_seconds"`

	// DecryptAttemptCap is the maximum number of retries for a message
	// that failed to decrypt before it is parked as undecryptable.
	DecryptAttemptCap int `toml:"decrypt_attempt_cap"`
}

// Default returns a config with all tunables at their defaults.
func Default() *Config {
	return &Config{
		DefaultSession:      "main",
		DirectoryURL:        "http://localhost:8080",
		TransportURL:        "ws://localhost:8081/events",
		AckTimeoutSeconds:   30,
		DirectoryTTLSeconds: 300,
		DecryptAttemptCap:   10,
	}
}

// AckTimeout returns the ack timeout as a duration, falling back to the
// default when unset.
func (c *Config) AckTimeout() time.Duration {
	if c.AckTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

// DirectoryTTL returns the directory cache TTL as a duration.
func (c *Config) DirectoryTTL() time.Duration {
	if c.DirectoryTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.DirectoryTTLSeconds) * time.Second
}

// AttemptCap returns the decryption retry cap, falling back to the
// default when unset.
func (c *Config) AttemptCap() int {
	if c.DecryptAttemptCap <= 0 {
		return 10
	}
	return c.DecryptAttemptCap
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
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
