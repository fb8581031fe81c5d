package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader reads the daemon configuration through viper.
type Loader struct {
	v *viper.Viper

	// explicitFile is the --config override, empty when unset.
	explicitFile string
}

// NewLoader constructs a Loader with defaults and environment binding in
// place. Load must be called before the configuration is usable.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

// setDefaults registers every configuration key so environment overrides
// resolve even without a config file on disk.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.key", "")
	v.SetDefault("panel.url", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.platform", "")
	v.SetDefault("storage.dataDir", "/var/lib/krypton")
	v.SetDefault("storage.volumesDir", "/var/lib/krypton/volumes")
	v.SetDefault("session.maxConnectionsPerIP", 0)
	v.SetDefault("logging.maxSizeMB", 50)
	v.SetDefault("logging.maxAgeDays", 7)
	v.SetDefault("logging.maxBackups", 3)
}

// AddFlags registers config-related flags and binds them into the loader.
func (l *Loader) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&l.explicitFile, "config", "", "Path to config.yml")
	if f := flags.Lookup("debug"); f != nil {
		// --debug beats the file value when passed.
		_ = l.v.BindPFlag("debug", f)
	}
}

// SetConfigFile forces a specific config file path (tests, --config).
func (l *Loader) SetConfigFile(path string) {
	l.explicitFile = path
}

// Load reads the config file (if present), applies environment overrides,
// and validates the result. A missing file is not an error since every
// value can come from defaults and environment.
func (l *Loader) Load() (*Config, error) {
	if l.explicitFile != "" {
		l.v.SetConfigFile(l.explicitFile)
	} else {
		l.v.SetConfigName(strings.TrimSuffix(FileName, ".yml"))
		l.v.SetConfigType("yml")
		if home := os.Getenv(HomeEnv); home != "" {
			l.v.AddConfigPath(home)
		}
		l.v.AddConfigPath("/etc/krypton")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.explicitFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FileUsed returns the path of the file Load read, or "" when none was found.
func (l *Loader) FileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file on change and invokes onChange with the
// freshly validated configuration. Invalid edits are reported through
// onError and the previous configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config, fsnotify.Event), onError func(error)) error {
	if l.v.ConfigFileUsed() == "" {
		return fmt.Errorf("watch requires a loaded config file")
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to parse config: %w", err))
			}
			return
		}
		if err := cfg.Validate(); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(&cfg, e)
	})
	l.v.WatchConfig()
	return nil
}
