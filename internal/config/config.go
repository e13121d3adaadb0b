// Package config loads the application configuration: defaults first, then
// an optional YAML file, then flag overrides applied by the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

const (
	userConfigDir  = ".config/msteams-mcp"
	configFileName = "config.yaml"

	// DefaultListenAddr is the bind address for the streamable-http
	// transport.
	DefaultListenAddr = "localhost:8095"
)

// Config is the application configuration.
type Config struct {
	// ClientID is the public application client id used for token refresh
	// when the stored refresh-token record does not carry one.
	ClientID string `yaml:"clientId,omitempty"`

	// SessionPath is the session state file. Empty means the default under
	// the user config directory.
	SessionPath string `yaml:"sessionPath,omitempty"`

	Server  ServerConfig  `yaml:"server,omitempty"`
	Browser BrowserConfig `yaml:"browser,omitempty"`
	Refresh RefreshConfig `yaml:"refresh,omitempty"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	// Transport is stdio or streamable-http.
	Transport string `yaml:"transport,omitempty"`

	// ListenAddr is the bind address for the HTTP transport.
	ListenAddr string `yaml:"listenAddr,omitempty"`
}

// BrowserConfig configures the browser-driven refresh engine.
type BrowserConfig struct {
	// Enabled controls whether the server may escalate to a browser refresh.
	Enabled *bool `yaml:"enabled,omitempty"`

	// ProfileDir is the persistent browser profile directory. Empty means
	// the default under the user config directory.
	ProfileDir string `yaml:"profileDir,omitempty"`

	// Headless launches the browser without a window. Interactive login
	// always runs headed regardless.
	Headless *bool `yaml:"headless,omitempty"`

	// LoadTimeout bounds the initial page load.
	LoadTimeout time.Duration `yaml:"loadTimeout,omitempty"`
}

// RefreshConfig configures the refresh orchestrator.
type RefreshConfig struct {
	// FreshnessThreshold is the minimum remaining token lifetime served
	// without refreshing.
	FreshnessThreshold time.Duration `yaml:"freshnessThreshold,omitempty"`

	// ProviderTimeout bounds each identity provider call.
	ProviderTimeout time.Duration `yaml:"providerTimeout,omitempty"`
}

// DefaultConfigDir returns the user configuration directory.
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Default returns the built-in defaults.
func Default() Config {
	enabled := true
	headless := true
	return Config{
		Server: ServerConfig{
			Transport:  "stdio",
			ListenAddr: DefaultListenAddr,
		},
		Browser: BrowserConfig{
			Enabled:     &enabled,
			Headless:    &headless,
			LoadTimeout: 90 * time.Second,
		},
		Refresh: RefreshConfig{
			FreshnessThreshold: 10 * time.Minute,
			ProviderTimeout:    10 * time.Second,
		},
	}
}

// Load reads config.yaml from the given directory (default user config dir
// when empty), overlaying the defaults. A missing file is not an error.
func Load(configDir string) (Config, error) {
	cfg := Default()

	if configDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return cfg, err
		}
		configDir = dir
	}

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("Config", "No config.yaml at %s, using defaults", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	logging.Info("Config", "Loaded configuration from %s", path)
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "", "stdio", "streamable-http":
	default:
		return fmt.Errorf("server.transport must be stdio or streamable-http, got %q", c.Server.Transport)
	}

	if c.Server.Transport == "streamable-http" && c.Server.ListenAddr == "" {
		return errors.New("server.listenAddr is required for the streamable-http transport")
	}

	if c.Refresh.FreshnessThreshold < 0 {
		return errors.New("refresh.freshnessThreshold must not be negative")
	}
	if c.Refresh.ProviderTimeout < 0 {
		return errors.New("refresh.providerTimeout must not be negative")
	}
	if c.Browser.LoadTimeout < 0 {
		return errors.New("browser.loadTimeout must not be negative")
	}

	return nil
}

// BrowserEnabled reports whether the server may use the browser engine.
func (c *Config) BrowserEnabled() bool {
	return c.Browser.Enabled == nil || *c.Browser.Enabled
}

// BrowserHeadless reports whether automated refreshes run headless.
func (c *Config) BrowserHeadless() bool {
	return c.Browser.Headless == nil || *c.Browser.Headless
}

// ResolvedSessionPath returns the session file path, defaulting under the
// user config directory.
func (c *Config) ResolvedSessionPath() (string, error) {
	if c.SessionPath != "" {
		return c.SessionPath, nil
	}
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

// ResolvedProfileDir returns the browser profile directory, defaulting under
// the user config directory.
func (c *Config) ResolvedProfileDir() (string, error) {
	if c.Browser.ProfileDir != "" {
		return c.Browser.ProfileDir, nil
	}
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "browser-profile"), nil
}
