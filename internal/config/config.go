package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Retry tunes the session controller's reconnect policy.
type Retry struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseMS      int `toml:"base_ms"`
	CapMS       int `toml:"cap_ms"`
	LongRetryMS int `toml:"long_retry_ms"`
}

// Config represents the gateway's config.toml.
type Config struct {
	ListenAddr         string `toml:"listen_addr"`
	DataDir            string `toml:"data_dir"`
	RestoreWindowHours int    `toml:"restore_window_hours"`
	ChatPageSize       int    `toml:"chat_page_size"`
	MessagePageSize    int    `toml:"message_page_size"`
	Retry              Retry  `toml:"retry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:         ":3000",
		RestoreWindowHours: 24,
		ChatPageSize:       100,
		MessagePageSize:    200,
		Retry: Retry{
			MaxAttempts: 5,
			BaseMS:      2000,
			CapMS:       60000,
			LongRetryMS: 300000,
		},
	}
}

// Load reads config from the given path, applying defaults for unset fields.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.ChatPageSize <= 0 {
		cfg.ChatPageSize = Default().ChatPageSize
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = Default().MessagePageSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = Default().Retry
	}
	return cfg, nil
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
