// Package server is the lifecycle controller. It owns the server record's
// state machine and coordinates the panel client, installer, cargo fetcher,
// and container gateway that act on it.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/argon-foss/krypton/internal/cargo"
	"github.com/argon-foss/krypton/internal/console"
	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/installer"
	"github.com/argon-foss/krypton/internal/panel"
	"github.com/argon-foss/krypton/internal/store"
	"github.com/argon-foss/krypton/internal/template"
)

// ContainerEngine is the slice of the container gateway the manager uses.
type ContainerEngine interface {
	PullImage(ctx context.Context, ref string) error
	CreateRuntimeContainer(ctx context.Context, spec docker.RuntimeContainer) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout *int) error
	KillContainer(ctx context.Context, id, signal string) error
	RestartContainer(ctx context.Context, id string, timeout *int) error
	RemoveContainer(ctx context.Context, id string, force, removeVolumes bool) error
	InspectContainer(ctx context.Context, id string) (docker.ContainerStatus, error)
	FindByServerID(ctx context.Context, serverID string) (string, error)
}

// PanelClient fetches authoritative server configuration.
type PanelClient interface {
	FetchConfig(ctx context.Context, serverID string) (*panel.ServerConfig, error)
}

// InstallRunner executes install jobs.
type InstallRunner interface {
	Run(ctx context.Context, job installer.Job) error
}

// CargoShipper downloads cargo files into a volume.
type CargoShipper interface {
	Ship(ctx context.Context, volumeDir string, files []store.CargoFile) error
}

// Broadcaster fans a console line out to live sessions. The manager also
// appends the line to the server's log ring before calling it.
type Broadcaster interface {
	Broadcast(serverID string, t console.LogType, line string)
}

// Manager drives server lifecycles. All public operations serialize
// per-server; operations on different servers run concurrently.
type Manager struct {
	store      *store.Store
	engine     ContainerEngine
	panel      PanelClient
	installer  InstallRunner
	cargo      CargoShipper
	rings      *console.Registry
	volumesDir string

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	broadcaster Broadcaster

	// background tracks async provisioning work for shutdown.
	background sync.WaitGroup
}

// Options wires a Manager.
type Options struct {
	Store      *store.Store
	Engine     ContainerEngine
	Panel      PanelClient
	Installer  InstallRunner
	Cargo      CargoShipper
	Rings      *console.Registry
	VolumesDir string
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	rings := opts.Rings
	if rings == nil {
		rings = console.NewRegistry()
	}
	return &Manager{
		store:      opts.Store,
		engine:     opts.Engine,
		panel:      opts.Panel,
		installer:  opts.Installer,
		cargo:      opts.Cargo,
		rings:      rings,
		volumesDir: opts.VolumesDir,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetBroadcaster attaches the session hub once it exists. Safe to call
// before any server operation runs.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcaster = b
}

// Rings exposes the log ring registry shared with the session hub.
func (m *Manager) Rings() *console.Registry {
	return m.rings
}

// Wait blocks until background provisioning work has drained.
func (m *Manager) Wait() {
	m.background.Wait()
}

// lock serializes operations for one server id.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// announce appends a console line to the server's ring and fans it out to
// any live sessions.
func (m *Manager) announce(serverID string, t console.LogType, line string) {
	m.rings.Ring(serverID).Append(console.Format(t, line))
	m.mu.Lock()
	b := m.broadcaster
	m.mu.Unlock()
	if b != nil {
		b.Broadcast(serverID, t, line)
	}
}

// daemonf announces a daemon-branded formatted line.
func (m *Manager) daemonf(serverID, format string, args ...any) {
	m.announce(serverID, console.LogDaemon, fmt.Sprintf(format, args...))
}

// setState transitions the persisted state, logging but not failing when
// the record write itself errors.
func (m *Manager) setState(ctx context.Context, id string, state store.State) {
	if err := m.store.UpdateState(ctx, id, state); err != nil {
		log := logWithServer(id)
		log.Error().Err(err).Str("state", string(state)).Msg("Could not persist state")
	}
}

// startupEnv renders STARTUP and assembles the runtime environment.
func startupEnv(rec *store.Server) ([]string, error) {
	startup, err := template.Render(rec.StartupCommand, rec.Variables, rec.Files.Cargo)
	if err != nil {
		return nil, err
	}
	env := []string{
		"TERM=xterm",
		"HOME=/home/container",
		"USER=container",
		"STARTUP=" + startup,
	}
	for _, v := range rec.Variables {
		env = append(env, template.EnvKey(v.Name)+"="+v.Value())
	}
	return env, nil
}

// runtimeSpec translates a record into the runtime container description.
func (m *Manager) runtimeSpec(rec *store.Server) (docker.RuntimeContainer, error) {
	env, err := startupEnv(rec)
	if err != nil {
		return docker.RuntimeContainer{}, err
	}
	return docker.RuntimeContainer{
		ServerID:      rec.ID,
		ServerName:    rec.Name,
		ContainerName: SanitizeID(rec.ID),
		Image:         rec.Image,
		MemoryBytes:   rec.MemoryLimit,
		CPUCores:      rec.CPULimit,
		VolumeDir:     m.volumeDir(rec.ID),
		BindAddress:   rec.Allocation.BindAddress,
		Port:          rec.Allocation.Port,
		Env:           env,
	}, nil
}

// shipCargo fetches cargo files into the volume, relying on the fetcher's
// own path confinement.
func (m *Manager) shipCargo(ctx context.Context, rec *store.Server, files []store.CargoFile) error {
	if len(files) == 0 {
		return nil
	}
	return m.cargo.Ship(ctx, m.volumeDir(rec.ID), files)
}

var _ ContainerEngine = (*docker.Engine)(nil)
var _ PanelClient = (*panel.Client)(nil)
var _ InstallRunner = (*installer.Installer)(nil)
var _ CargoShipper = (*cargo.Fetcher)(nil)
