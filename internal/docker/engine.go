// Package docker is the daemon's gateway to the container engine. It owns
// every Docker SDK call: image pulls, container lifecycle, attach and log
// streams, stats, and exec.
//
// Containers created here carry identifying labels so the daemon can find
// and manage them across restarts without touching anything else running
// on the host engine.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/argon-foss/krypton/internal/logger"
)

const (
	// LabelServerID marks a container as managed and names its server.
	// The key is kept compatible with panel tooling that inspects
	// containers directly.
	LabelServerID = "pterodactyl.server.id"
	// LabelServerName carries the human-readable server name.
	LabelServerName = "pterodactyl.server.name"
)

// Options configures engine construction.
type Options struct {
	// Host overrides the engine endpoint. Empty means environment
	// discovery (DOCKER_HOST or the default socket).
	Host string

	// Platform forces an image platform ("os/arch" or "os/arch/variant")
	// on pulls and container creates. Empty uses the engine default.
	// Useful on mixed-architecture nodes running game images under
	// emulation.
	Platform string
}

// Engine wraps a Docker API client scoped to daemon-managed containers.
type Engine struct {
	cli *client.Client

	platform    *ocispec.Platform
	platformRef string
}

// NewEngine connects to the container engine and verifies it responds.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	platform, err := parsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, ErrEngineUnavailable(err)
	}
	ping, err := cli.Ping(ctx)
	if err != nil {
		cli.Close()
		return nil, ErrEngineUnavailable(err)
	}
	logger.Debug().
		Str("apiVersion", ping.APIVersion).
		Str("host", cli.DaemonHost()).
		Msg("Connected to container engine")
	return &Engine{cli: cli, platform: platform, platformRef: opts.Platform}, nil
}

// parsePlatform splits an "os/arch" or "os/arch/variant" specifier. Empty
// input means no platform override.
func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid platform %q", s)
		}
	}
	switch len(parts) {
	case 2:
		return &ocispec.Platform{OS: parts[0], Architecture: parts[1]}, nil
	case 3:
		return &ocispec.Platform{OS: parts[0], Architecture: parts[1], Variant: parts[2]}, nil
	}
	return nil, fmt.Errorf("invalid platform %q", s)
}

// Ping checks that the engine still responds.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return ErrEngineUnavailable(err)
	}
	return nil
}

// Close releases the underlying client.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// managedFilter scopes list operations to containers this daemon created.
func managedFilter(serverID string) filters.Args {
	f := filters.NewArgs()
	if serverID == "" {
		f.Add("label", LabelServerID)
	} else {
		f.Add("label", LabelServerID+"="+serverID)
	}
	return f
}

// FindByServerID locates a managed container by server id, running or not.
// It returns the empty string when no container exists.
func (e *Engine) FindByServerID(ctx context.Context, serverID string) (string, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managedFilter(serverID),
	})
	if err != nil {
		return "", ErrContainerOp("list", serverID, err)
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].ID, nil
}
