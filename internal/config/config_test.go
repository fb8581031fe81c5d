package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9090
  key: secret-key
panel:
  url: https://panel.example.org
docker:
  platform: linux/amd64
storage:
  dataDir: /tmp/krypton-test
  volumesDir: /tmp/krypton-test/volumes
`)

	l := NewLoader()
	l.SetConfigFile(path)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "secret-key", cfg.API.Key)
	assert.Equal(t, "https://panel.example.org", cfg.Panel.URL)
	assert.Equal(t, "linux/amd64", cfg.Docker.Platform)
	assert.Empty(t, cfg.Docker.Host)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.Addr())
	assert.Equal(t, filepath.Join("/tmp/krypton-test", "krypton.db"), cfg.Storage.DatabasePath())
	assert.Equal(t, filepath.Join("/tmp/krypton-test", "krypton.lock"), cfg.Storage.LockPath())
	assert.False(t, cfg.Debug)
}

func TestLoader_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
api:
  key: from-file
panel:
  url: https://panel.example.org
`)

	t.Setenv("KRYPTON_API_KEY", "from-env")
	t.Setenv("KRYPTON_API_PORT", "7070")

	l := NewLoader()
	l.SetConfigFile(path)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.API.Key)
	assert.Equal(t, 7070, cfg.API.Port)
}

func TestLoader_MissingFileUsesEnv(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv("KRYPTON_API_KEY", "env-key")
	t.Setenv("KRYPTON_PANEL_URL", "http://localhost:3000")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.API.Key)
	assert.Equal(t, "http://localhost:3000", cfg.Panel.URL)
}

func TestLoader_ExplicitFileMissing(t *testing.T) {
	l := NewLoader()
	l.SetConfigFile(filepath.Join(t.TempDir(), "nope.yml"))

	_, err := l.Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			API:     APIConfig{Host: "0.0.0.0", Port: 8080, Key: "k"},
			Panel:   PanelConfig{URL: "https://panel.example.org"},
			Storage: StorageConfig{DataDir: "/var/lib/krypton", VolumesDir: "/var/lib/krypton/volumes"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.API.Key = "" },
			wantErr: "api.key",
		},
		{
			name:    "missing panel url",
			mutate:  func(c *Config) { c.Panel.URL = "" },
			wantErr: "panel.url",
		},
		{
			name:    "relative panel url",
			mutate:  func(c *Config) { c.Panel.URL = "panel.example.org" },
			wantErr: "absolute URL",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.Panel.URL = "ftp://panel.example.org" },
			wantErr: "scheme",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "out of range",
		},
		{
			name:    "negative session cap",
			mutate:  func(c *Config) { c.Session.MaxConnectionsPerIP = -1 },
			wantErr: "maxConnectionsPerIP",
		},
		{
			name:    "missing volumes dir",
			mutate:  func(c *Config) { c.Storage.VolumesDir = "" },
			wantErr: "volumesDir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
