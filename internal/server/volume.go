package server

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/argon-foss/krypton/internal/cargo"
	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/store"
	"github.com/argon-foss/krypton/internal/template"
)

// SanitizeID maps a server id to a filesystem- and container-name-safe
// form: any character outside [A-Za-z0-9._-] becomes an underscore.
func SanitizeID(id string) string {
	out := []byte(id)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// volumeDir is the host directory bind-mounted into the server's
// containers.
func (m *Manager) volumeDir(id string) string {
	return filepath.Join(m.volumesDir, SanitizeID(id))
}

// ensureVolume creates the volume directory.
func (m *Manager) ensureVolume(id string) (string, error) {
	dir := m.volumeDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// materializeConfigFiles renders each unit config file with the server's
// variables and writes it into the volume. Paths are confined the same way
// cargo targets are.
func (m *Manager) materializeConfigFiles(rec *store.Server) error {
	if len(rec.Files.Files) == 0 {
		return nil
	}
	volume := m.volumeDir(rec.ID)
	for _, cf := range rec.Files.Files {
		rel := cargo.SafeRelPath(cf.Path)
		if rel == "" || rel == "." {
			continue
		}
		content, err := template.RenderVariables(cf.Content, rec.Variables)
		if err != nil {
			return err
		}
		dest := filepath.Join(volume, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// removeVolume deletes the whole volume directory tree.
func (m *Manager) removeVolume(id string) error {
	return os.RemoveAll(m.volumeDir(id))
}

func logWithServer(id string) zerolog.Logger {
	return logger.WithServer(id)
}
