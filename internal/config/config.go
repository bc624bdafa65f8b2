// Package config loads the engine's YAML configuration file.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig selects the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// LoopConfig tunes a background loop.
type LoopConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Backend is "memory", "nats" or "none".
	Backend string `yaml:"backend"`
	NATSURL string `yaml:"nats_url"`
}

// SecurityConfig hardens the persistence layer.
type SecurityConfig struct {
	// EncryptionKey is a base64-encoded 32-byte key. When set, user-authored
	// content is encrypted at rest with AES-256-GCM.
	EncryptionKey string `yaml:"encryption_key"`
	// FallbackKeys are previous encryption keys still accepted on reads,
	// enabling zero-downtime rotation.
	FallbackKeys []string `yaml:"fallback_keys"`
	// PIIPatterns are regular expressions matched against parameter and
	// metadata keys; matching values are masked before they reach the store.
	PIIPatterns []string `yaml:"pii_patterns"`
}

// ActiveKey decodes the configured encryption key. Empty when encryption is
// not configured.
func (s SecurityConfig) ActiveKey() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, nil
	}
	return decodeKey(s.EncryptionKey)
}

// FallbackKeyBytes decodes the configured fallback keys.
func (s SecurityConfig) FallbackKeyBytes() ([][]byte, error) {
	keys := make([][]byte, 0, len(s.FallbackKeys))
	for _, enc := range s.FallbackKeys {
		key, err := decodeKey(enc)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func decodeKey(enc string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("config: encryption key is not base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Config is the full engine configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	// ToolsPath points to a tools.yaml declaring process-backed tools.
	ToolsPath string         `yaml:"tools_path"`
	Store     StoreConfig    `yaml:"store"`
	Bus       BusConfig      `yaml:"bus"`
	Security  SecurityConfig `yaml:"security"`
	Executor  LoopConfig     `yaml:"executor"`
	Monitor   LoopConfig     `yaml:"monitor"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "stagehand",
			},
		},
		Bus:      BusConfig{Backend: "memory"},
		Executor: LoopConfig{Tick: 30 * time.Second},
		Monitor:  LoopConfig{Tick: 30 * time.Second},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case "memory", "nats", "none":
	default:
		return fmt.Errorf("config: unknown bus backend %q", c.Bus.Backend)
	}
	if c.Executor.Tick <= 0 || c.Monitor.Tick <= 0 {
		return fmt.Errorf("config: loop ticks must be positive")
	}
	if _, err := c.Security.ActiveKey(); err != nil {
		return err
	}
	if _, err := c.Security.FallbackKeyBytes(); err != nil {
		return err
	}
	for _, p := range c.Security.PIIPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config: bad pii pattern %q: %w", p, err)
		}
	}
	return nil
}
