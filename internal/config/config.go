// Package config loads the agent configuration from the environment and an
// optional YAML file.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/commands"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/reader"
	"github.com/SimplyPrint/tangem-agent/internal/sdk"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146

	EnvHost   = "TANGEM_AGENT_HOST"
	EnvPort   = "TANGEM_AGENT_PORT"
	EnvConfig = "TANGEM_AGENT_CONFIG"
)

type Config struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Reader  ReaderConfig  `yaml:"reader"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

type ReaderConfig struct {
	Backend        string        `yaml:"backend"`
	Name           string        `yaml:"name"`
	Connstring     string        `yaml:"connstring"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ExtendedLength bool          `yaml:"extended_length"`
}

type SessionConfig struct {
	AllowedCardTypes     []string `yaml:"allowed_card_types"`
	MaxWrongCardAttempts *int     `yaml:"max_wrong_card_attempts"`
	MaxPinAttempts       *int     `yaml:"max_pin_attempts"`
	IssuerPublicKey      string   `yaml:"issuer_public_key"`
	LinkedTerminal       *bool    `yaml:"linked_terminal"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Reader: ReaderConfig{
			Backend:      reader.BackendPCSC,
			PollInterval: reader.DefaultPollInterval,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load builds the configuration from TANGEM_AGENT_CONFIG (if set) and then
// applies the host and port overrides from the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvConfig)); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if host := strings.TrimSpace(os.Getenv(EnvHost)); host != "" {
		cfg.Host = host
	}
	if port := strings.TrimSpace(os.Getenv(EnvPort)); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config. Fields missing from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = resolvePath(filepath.Dir(path), cfg.Log.File)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config.port must be 1..65535, got %d", c.Port)
	}
	switch c.Reader.Backend {
	case reader.BackendPCSC, reader.BackendLibNFC, reader.BackendEmulator:
	default:
		return fmt.Errorf("config.reader.backend must be pcsc, libnfc or emulator, got %q", c.Reader.Backend)
	}
	if c.Reader.PollInterval < 0 {
		return fmt.Errorf("config.reader.poll_interval must not be negative")
	}
	if _, err := c.CardTypes(); err != nil {
		return err
	}
	if n := c.Session.MaxWrongCardAttempts; n != nil && *n < 1 {
		return fmt.Errorf("config.session.max_wrong_card_attempts must be >= 1")
	}
	if n := c.Session.MaxPinAttempts; n != nil && *n < 0 {
		return fmt.Errorf("config.session.max_pin_attempts must be >= 0")
	}
	if _, err := c.issuerKey(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	return nil
}

// Address returns the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CardTypes resolves allowed_card_types. An empty list allows every type.
func (c *Config) CardTypes() ([]card.Type, error) {
	if len(c.Session.AllowedCardTypes) == 0 {
		return card.AllTypes, nil
	}
	types := make([]card.Type, 0, len(c.Session.AllowedCardTypes))
	for _, name := range c.Session.AllowedCardTypes {
		t, err := card.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("config.session.allowed_card_types: %w", err)
		}
		types = append(types, t)
	}
	return types, nil
}

func (c *Config) issuerKey() ([]byte, error) {
	if c.Session.IssuerPublicKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Session.IssuerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("config.session.issuer_public_key: %w", err)
	}
	if len(key) != 33 && len(key) != 65 && len(key) != 32 {
		return nil, fmt.Errorf("config.session.issuer_public_key has unexpected length %d", len(key))
	}
	return key, nil
}

// SDK maps the session section onto the manager configuration. linked is the
// persisted user preference, used when the file does not pin the value.
func (c *Config) SDK(linked bool) sdk.Config {
	out := sdk.DefaultConfig()
	out.LinkedTerminal = linked
	if c.Session.LinkedTerminal != nil {
		out.LinkedTerminal = *c.Session.LinkedTerminal
	}
	if types, err := c.CardTypes(); err == nil {
		out.AllowedCardTypes = types
	}
	if c.Session.MaxWrongCardAttempts != nil {
		out.MaxWrongCardAttempts = *c.Session.MaxWrongCardAttempts
	}
	if c.Session.MaxPinAttempts != nil {
		out.MaxPinAttempts = *c.Session.MaxPinAttempts
	}
	if key, err := c.issuerKey(); err == nil {
		out.IssuerPublicKey = key
	}
	return out
}

// ReaderOptions returns the options for the configured backend.
func (c *Config) ReaderOptions() reader.Options {
	name := c.Reader.Name
	if c.Reader.Backend == reader.BackendLibNFC {
		name = c.Reader.Connstring
	}
	return reader.Options{
		Name:           name,
		PollInterval:   c.Reader.PollInterval,
		ExtendedLength: c.Reader.ExtendedLength,
	}
}

// LoadCardConfig reads a personalization config.
func LoadCardConfig(path string) (*commands.CardConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg commands.CardConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse card config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("card config %s: %w", path, err)
	}
	return &cfg, nil
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}
