// Package config loads and validates the daemon configuration.
//
// Configuration comes from config.yml (searched in --config, $KRYPTON_HOME,
// /etc/krypton, then the working directory), overridden by KRYPTON_*
// environment variables. All knobs have defaults except the panel URL and
// the API key, which the panel issues at node registration.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// EnvPrefix is the environment variable prefix for overrides,
// e.g. KRYPTON_API_KEY overrides api.key.
const EnvPrefix = "KRYPTON"

// HomeEnv names the environment variable pointing at the config directory.
const HomeEnv = "KRYPTON_HOME"

// FileName is the daemon configuration file name.
const FileName = "config.yml"

// Config is the root daemon configuration.
type Config struct {
	Debug   bool          `mapstructure:"debug" yaml:"debug"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Panel   PanelConfig   `mapstructure:"panel" yaml:"panel"`
	Docker  DockerConfig  `mapstructure:"docker" yaml:"docker"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// APIConfig configures the HTTP listener and its authentication key.
type APIConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Key is the panel-issued daemon key checked against X-API-Key.
	Key string `mapstructure:"key" yaml:"key"`
}

// Addr returns the listen address in host:port form.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PanelConfig locates the upstream panel.
type PanelConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// DockerConfig tunes the connection to the container engine.
type DockerConfig struct {
	// Host overrides the engine endpoint (e.g. unix:///run/docker.sock).
	// Empty uses DOCKER_HOST or the default socket.
	Host string `mapstructure:"host" yaml:"host"`
	// Platform forces an image platform ("os/arch" or "os/arch/variant")
	// on pulls and container creates. Empty uses the engine default.
	Platform string `mapstructure:"platform" yaml:"platform"`
}

// StorageConfig holds filesystem locations owned by the daemon.
type StorageConfig struct {
	// DataDir holds the record database, the daemon lock, and log files.
	DataDir string `mapstructure:"dataDir" yaml:"dataDir"`
	// VolumesDir holds one directory per managed server.
	VolumesDir string `mapstructure:"volumesDir" yaml:"volumesDir"`
}

// DatabasePath returns the sqlite database location.
func (c StorageConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "krypton.db")
}

// LockPath returns the daemon singleton lock file location.
func (c StorageConfig) LockPath() string {
	return filepath.Join(c.DataDir, "krypton.lock")
}

// LogsDir returns the directory for rotated daemon logs.
func (c StorageConfig) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// SessionConfig bounds live websocket sessions.
type SessionConfig struct {
	// MaxConnectionsPerIP caps concurrent sessions per client address.
	// Zero disables the cap.
	MaxConnectionsPerIP int `mapstructure:"maxConnectionsPerIP" yaml:"maxConnectionsPerIP"`
}

// LoggingConfig configures the rotating file sink.
type LoggingConfig struct {
	FileEnabled *bool `mapstructure:"fileEnabled" yaml:"fileEnabled,omitempty"`
	MaxSizeMB   int   `mapstructure:"maxSizeMB" yaml:"maxSizeMB"`
	MaxAgeDays  int   `mapstructure:"maxAgeDays" yaml:"maxAgeDays"`
	MaxBackups  int   `mapstructure:"maxBackups" yaml:"maxBackups"`
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.API.Key == "" {
		return fmt.Errorf("api.key is required (set KRYPTON_API_KEY or api.key in %s)", FileName)
	}
	if c.Panel.URL == "" {
		return fmt.Errorf("panel.url is required")
	}
	u, err := url.Parse(c.Panel.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("panel.url %q is not an absolute URL", c.Panel.URL)
	}
	if !strings.HasPrefix(u.Scheme, "http") {
		return fmt.Errorf("panel.url scheme %q not supported", u.Scheme)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir is required")
	}
	if c.Storage.VolumesDir == "" {
		return fmt.Errorf("storage.volumesDir is required")
	}
	if c.Session.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("session.maxConnectionsPerIP must not be negative")
	}
	return nil
}
