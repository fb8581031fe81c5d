// Package cargo downloads panel-declared auxiliary files into a server's
// volume directory.
package cargo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/store"
)

// fetchTimeout bounds a single download, connection through body read.
const fetchTimeout = 30 * time.Second

// Options configures a Fetcher.
type Options struct {
	// HTTPClient overrides the default client. Nil selects a client with
	// the standard fetch timeout.
	HTTPClient *http.Client
}

// Fetcher ships cargo files into volume directories.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{client: client}
}

// SafeRelPath confines a cargo target path to a relative path under the
// volume root. Leading traversal segments are stripped rather than
// rejected, so "../../etc/passwd" lands at "etc/passwd".
func SafeRelPath(p string) string {
	p = filepath.Clean("/" + filepath.FromSlash(p))
	return strings.TrimPrefix(p, string(filepath.Separator))
}

// Ship downloads every cargo entry into volumeDir. The first failure
// aborts the batch.
func (f *Fetcher) Ship(ctx context.Context, volumeDir string, files []store.CargoFile) error {
	for _, cf := range files {
		if err := f.fetch(ctx, volumeDir, cf); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, volumeDir string, cf store.CargoFile) error {
	rel := SafeRelPath(cf.TargetPath)
	if rel == "" || rel == "." {
		return fmt.Errorf("cargo %q: empty target path", cf.URL)
	}
	dest := filepath.Join(volumeDir, rel)

	logger.Debug().Str("url", cf.URL).Str("dest", dest).Msg("Fetching cargo")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cf.URL, nil)
	if err != nil {
		return fmt.Errorf("cargo %q: %w", cf.URL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("cargo %q: %w", cf.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cargo %q: unexpected status %s", cf.URL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("cargo %q: %w", cf.URL, err)
	}
	// A previous ship may have left the file read-only.
	if _, err := os.Stat(dest); err == nil {
		_ = os.Chmod(dest, 0o644)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("cargo %q: %w", cf.URL, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("cargo %q: %w", cf.URL, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("cargo %q: %w", cf.URL, err)
	}
	if cf.Properties.ReadOnly {
		if err := os.Chmod(dest, 0o444); err != nil {
			return fmt.Errorf("cargo %q: %w", cf.URL, err)
		}
	}
	return nil
}
