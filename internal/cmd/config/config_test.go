package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalconfig "github.com/argon-foss/krypton/internal/config"
)

func TestNewCmdConfig(t *testing.T) {
	cmd := NewCmdConfig(internalconfig.NewLoader())

	assert.Equal(t, "config", cmd.Use)

	foundCheck := false
	for _, sub := range cmd.Commands() {
		if sub.Use == "check" {
			foundCheck = true
			break
		}
	}
	assert.True(t, foundCheck, "expected 'check' subcommand to be registered")
}

func TestCheckValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  host: 127.0.0.1
  port: 8080
  key: node-key-1
panel:
  url: http://panel.test
storage:
  dataDir: /var/lib/krypton
  volumesDir: /var/lib/krypton/volumes
`), 0o600))

	loader := internalconfig.NewLoader()
	loader.SetConfigFile(path)

	var out, errOut bytes.Buffer
	cmd := NewCmdConfig(loader)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"check"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "# configuration file: "+path)
	assert.Contains(t, out.String(), "host: 127.0.0.1")
	assert.Contains(t, out.String(), "port: 8080")
	assert.Contains(t, out.String(), "key: <redacted>")
	assert.NotContains(t, out.String(), "node-key-1", "the API key must not be printed")
	assert.Contains(t, errOut.String(), "Configuration is valid")
}

func TestCheckRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  key: node-key-1
panel:
  url: not-a-url
`), 0o600))

	loader := internalconfig.NewLoader()
	loader.SetConfigFile(path)

	cmd := NewCmdConfig(loader)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"check"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panel.url")
}
