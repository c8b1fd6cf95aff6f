package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.tgmirror/config.toml. A profile may carry its own
// config.toml with the same layout; unset keys keep their defaults.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	Client         ClientConfig `toml:"client"`
	Sync           SyncConfig   `toml:"sync"`
}

// ClientConfig controls how the telegram-cli process is spawned and talked to.
type ClientConfig struct {
	Binary         string   `toml:"binary"`
	PubKey         string   `toml:"pubkey"`
	Profile        string   `toml:"profile"`
	ExtraArgs      []string `toml:"extra_args"`
	StartTimeout   Duration `toml:"start_timeout"`
	StopTimeout    Duration `toml:"stop_timeout"`
	CommandTimeout Duration `toml:"command_timeout"`
	DialAttempts   int      `toml:"dial_attempts"`
	DialBackoff    Duration `toml:"dial_backoff"`
	Strict         bool     `toml:"strict"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PageSize    int  `toml:"page_size"`
	RetryPasses int  `toml:"retry_passes"`
	EventBuffer int  `toml:"event_buffer"`
	Force       bool `toml:"force"`
	BatchOnly   bool `toml:"batch_only"`
	Continuous  bool `toml:"continuous"`

	// MaxHoleSpan skips the hole pass of a namespace missing more ids.
	MaxHoleSpan int64 `toml:"max_hole_span"`
}

// Duration is a time.Duration written as a string ("30s", "3m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Client: ClientConfig{
			Binary:         "telegram-cli",
			StartTimeout:   Duration{30 * time.Second},
			StopTimeout:    Duration{5 * time.Second},
			CommandTimeout: Duration{180 * time.Second},
			DialAttempts:   10,
			DialBackoff:    Duration{500 * time.Millisecond},
		},
		Sync: SyncConfig{
			PageSize:    100,
			RetryPasses: 2,
			EventBuffer: 1024,
			MaxHoleSpan: 1_000_000,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the engine cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Client.Binary == "":
		return errors.New("client.binary must be set")
	case c.Client.StartTimeout.Duration <= 0:
		return errors.New("client.start_timeout must be positive")
	case c.Client.CommandTimeout.Duration <= 0:
		return errors.New("client.command_timeout must be positive")
	case c.Client.DialAttempts < 1:
		return errors.New("client.dial_attempts must be at least 1")
	case c.Sync.PageSize < 1:
		return errors.New("sync.page_size must be at least 1")
	case c.Sync.RetryPasses < 0:
		return errors.New("sync.retry_passes must not be negative")
	case c.Sync.EventBuffer < 1:
		return errors.New("sync.event_buffer must be at least 1")
	case c.Sync.MaxHoleSpan < 1:
		return errors.New("sync.max_hole_span must be at least 1")
	}
	return nil
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
