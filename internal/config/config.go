// Package config loads, validates, and saves run configuration:
// scheduler options, credential profiles, and export settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mindwolf80/nice/internal/device"
)

// Config is the top-level nice configuration.
type Config struct {
	Defaults Options            `yaml:"defaults"`
	Profiles map[string]Profile `yaml:"profiles,omitempty"`
	Output   Output             `yaml:"output,omitempty"`
	History  History            `yaml:"history,omitempty"`
}

// Options holds the run configuration recognized by the engine.
// Bounds follow the scheduler contract: 1-50 workers, batches of 1-100.
type Options struct {
	MaxWorkers     int      `yaml:"max_workers" validate:"min=1,max=50"`
	BatchSize      int      `yaml:"batch_size" validate:"min=1,max=100"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	CommandTimeout Duration `yaml:"command_timeout"`
	RetryCount     int      `yaml:"retry_count" validate:"min=0,max=10"`
	Mode           string   `yaml:"mode" validate:"oneof=normal config"`
}

// Profile names a credential set. Passwords and enable secrets are
// resolved through environment variables so the config file never
// holds them in cleartext.
type Profile struct {
	Username        string `yaml:"username,omitempty"`
	PasswordEnv     string `yaml:"password_env,omitempty"`
	EnableSecretEnv string `yaml:"enable_secret_env,omitempty"`
}

// Output controls report export.
type Output struct {
	Dir     string   `yaml:"dir,omitempty"`
	Formats []string `yaml:"formats,omitempty"` // "csv", "txt"
}

// History controls the sqlite run-history store. An empty path
// disables persistence.
type History struct {
	Path string `yaml:"path,omitempty"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Defaults: Options{
			MaxWorkers:     10,
			BatchSize:      20,
			ConnectTimeout: Duration{15 * time.Second},
			CommandTimeout: Duration{30 * time.Second},
			RetryCount:     1,
			Mode:           string(device.ModeNormal),
		},
		Profiles: make(map[string]Profile),
		Output: Output{
			Dir:     filepath.Join("logs", "output"),
			Formats: []string{"csv"},
		},
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "nice", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "nice", "config.yaml")
}

// Load reads and parses a config YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path. If the file does
// not exist, it returns the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

var validate = validator.New()

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if _, err := device.ParseMode(c.Defaults.Mode); err != nil {
		return err
	}
	if c.Defaults.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("connect_timeout must be non-negative, got %s", c.Defaults.ConnectTimeout)
	}
	if c.Defaults.CommandTimeout.Duration < 0 {
		return fmt.Errorf("command_timeout must be non-negative, got %s", c.Defaults.CommandTimeout)
	}

	for name, p := range c.Profiles {
		if p.Username == "" {
			return fmt.Errorf("profile %q has no username", name)
		}
		if p.PasswordEnv == "" {
			return fmt.Errorf("profile %q has no password_env", name)
		}
	}

	for _, f := range c.Output.Formats {
		switch f {
		case "csv", "txt":
		default:
			return fmt.Errorf("invalid output format %q, must be one of: csv, txt", f)
		}
	}

	return nil
}

// ResolveCredentials resolves a profile name to concrete credentials.
// An empty name picks the profile literally named "default". The
// returned secrets must never be logged.
func (c *Config) ResolveCredentials(name string) (device.Credentials, error) {
	if name == "" {
		name = "default"
	}
	p, ok := c.Profiles[name]
	if !ok {
		return device.Credentials{}, fmt.Errorf("credential profile %q not found", name)
	}

	creds := device.Credentials{
		Username: p.Username,
		Password: os.Getenv(p.PasswordEnv),
	}
	if creds.Password == "" {
		return device.Credentials{}, fmt.Errorf("profile %q: environment variable %s is empty", name, p.PasswordEnv)
	}
	if p.EnableSecretEnv != "" {
		creds.EnableSecret = os.Getenv(p.EnableSecretEnv)
	}
	return creds, nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
// Paths like ~otheruser/... are returned unchanged since we cannot
// reliably resolve other users' home directories.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
