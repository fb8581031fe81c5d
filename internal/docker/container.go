package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
	"github.com/google/shlex"

	"github.com/argon-foss/krypton/internal/logger"
)

// RuntimeContainer describes the long-lived game server container.
type RuntimeContainer struct {
	ServerID      string
	ServerName    string
	ContainerName string
	Image         string
	MemoryBytes   int64
	CPUCores      float64
	VolumeDir     string
	BindAddress   string
	Port          int
	Env           []string
}

// InstallContainer describes the one-shot privileged installer container.
// The server volume is its only mount; the staged workspace lives inside
// it at .installation/.
type InstallContainer struct {
	ServerID      string
	ServerName    string
	ContainerName string
	Image         string
	Entrypoint    string
	VolumeDir     string
	MemoryBytes   int64
	Env           []string
}

// ContainerStatus is the subset of inspect state the daemon acts on.
type ContainerStatus struct {
	ID        string
	Running   bool
	ExitCode  int
	OOMKilled bool
	StartedAt string
}

const (
	containerHome    = "/home/container"
	serverMount      = "/mnt/server"
	installScript    = serverMount + "/.installation/install.sh"
	cpuQuotaPeriod   = 100_000
	defaultInstaller = "bash"
)

func runtimeConfig(spec RuntimeContainer) (*container.Config, *container.HostConfig, error) {
	if spec.Port <= 0 || spec.Port > 65535 {
		return nil, nil, fmt.Errorf("invalid allocation port %d", spec.Port)
	}
	tcp := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	udp := nat.Port(fmt.Sprintf("%d/udp", spec.Port))
	binding := []nat.PortBinding{{
		HostIP:   spec.BindAddress,
		HostPort: fmt.Sprintf("%d", spec.Port),
	}}

	cfg := &container.Config{
		Image:        spec.Image,
		User:         "container",
		WorkingDir:   containerHome,
		Env:          spec.Env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: nat.PortSet{tcp: {}, udp: {}},
		Labels: map[string]string{
			LabelServerID:   spec.ServerID,
			LabelServerName: spec.ServerName,
		},
	}

	initOn := true
	host := &container.HostConfig{
		Binds:       []string{spec.VolumeDir + ":" + containerHome},
		NetworkMode: "bridge",
		PortBindings: nat.PortMap{
			tcp: binding,
			udp: binding,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Init:          &initOn,
		SecurityOpt:   []string{"no-new-privileges"},
		ReadonlyPaths: []string{
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
	if spec.MemoryBytes > 0 {
		host.Resources.Memory = spec.MemoryBytes
		host.Resources.MemorySwap = 2 * spec.MemoryBytes
	}
	if spec.CPUCores > 0 {
		host.Resources.CPUQuota = int64(spec.CPUCores * cpuQuotaPeriod)
		host.Resources.CPUPeriod = cpuQuotaPeriod
	}
	return cfg, host, nil
}

func installConfig(spec InstallContainer) (*container.Config, *container.HostConfig, error) {
	entrypoint := spec.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultInstaller
	}
	argv, err := shlex.Split(entrypoint)
	if err != nil || len(argv) == 0 {
		return nil, nil, fmt.Errorf("invalid install entrypoint %q: %w", spec.Entrypoint, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Entrypoint:   strslice.StrSlice(argv),
		Cmd:          []string{installScript},
		WorkingDir:   serverMount,
		Env:          spec.Env,
		Tty:          true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			LabelServerID:   spec.ServerID,
			LabelServerName: spec.ServerName,
		},
	}
	host := &container.HostConfig{
		Privileged:  true,
		AutoRemove:  true,
		NetworkMode: "host",
		Binds:       []string{spec.VolumeDir + ":" + serverMount + ":rw"},
	}
	if spec.MemoryBytes > 0 {
		host.Resources.Memory = spec.MemoryBytes
		host.Resources.MemorySwap = 2 * spec.MemoryBytes
	}
	return cfg, host, nil
}

// CreateRuntimeContainer creates (without starting) the game server
// container and returns its id.
func (e *Engine) CreateRuntimeContainer(ctx context.Context, spec RuntimeContainer) (string, error) {
	cfg, host, err := runtimeConfig(spec)
	if err != nil {
		return "", ErrContainerOp("create", spec.ServerID, err)
	}
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, e.platform, spec.ContainerName)
	if err != nil {
		return "", ErrContainerOp("create", spec.ServerID, err)
	}
	logger.Debug().
		Str("server", spec.ServerID).
		Str("container", resp.ID).
		Msg("Created runtime container")
	return resp.ID, nil
}

// CreateInstallContainer creates (without starting) the installer container.
func (e *Engine) CreateInstallContainer(ctx context.Context, spec InstallContainer) (string, error) {
	cfg, host, err := installConfig(spec)
	if err != nil {
		return "", ErrContainerOp("create", spec.ServerID, err)
	}
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, e.platform, spec.ContainerName)
	if err != nil {
		return "", ErrContainerOp("create", spec.ServerID, err)
	}
	logger.Debug().
		Str("server", spec.ServerID).
		Str("container", resp.ID).
		Msg("Created install container")
	return resp.ID, nil
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ErrContainerOp("start", id, err)
	}
	return nil
}

// StopContainer stops a container, escalating to SIGKILL after the timeout
// (seconds). A nil timeout uses the engine default.
func (e *Engine) StopContainer(ctx context.Context, id string, timeout *int) error {
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: timeout}); err != nil {
		return ErrContainerOp("stop", id, err)
	}
	return nil
}

// KillContainer sends a signal without any grace period.
func (e *Engine) KillContainer(ctx context.Context, id, signal string) error {
	if signal == "" {
		signal = "SIGKILL"
	}
	if err := e.cli.ContainerKill(ctx, id, signal); err != nil {
		return ErrContainerOp("kill", id, err)
	}
	return nil
}

// RestartContainer stops (with timeout seconds) and restarts a container.
func (e *Engine) RestartContainer(ctx context.Context, id string, timeout *int) error {
	if err := e.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: timeout}); err != nil {
		return ErrContainerOp("restart", id, err)
	}
	return nil
}

// RemoveContainer removes a container. Force kills a running container
// first; removeVolumes also drops its anonymous volumes. Removing an
// absent container is not an error.
func (e *Engine) RemoveContainer(ctx context.Context, id string, force, removeVolumes bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: removeVolumes,
	})
	if err != nil && !IsNotFound(err) {
		return ErrContainerOp("remove", id, err)
	}
	return nil
}

// InspectContainer returns the runtime state of a container.
func (e *Engine) InspectContainer(ctx context.Context, id string) (ContainerStatus, error) {
	resp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return ContainerStatus{}, err
		}
		return ContainerStatus{}, ErrContainerOp("inspect", id, err)
	}
	status := ContainerStatus{ID: resp.ID}
	if resp.State != nil {
		status.Running = resp.State.Running
		status.ExitCode = resp.State.ExitCode
		status.OOMKilled = resp.State.OOMKilled
		status.StartedAt = resp.State.StartedAt
	}
	return status, nil
}

// WaitExit blocks until the container stops and returns its exit code.
// With nextExit set the wait is registered for the next exit event, which
// must be requested before starting an auto-remove container.
func (e *Engine) WaitExit(ctx context.Context, id string, nextExit bool) (int64, error) {
	condition := container.WaitConditionNotRunning
	if nextExit {
		condition = container.WaitConditionNextExit
	}
	waitCh, errCh := e.cli.ContainerWait(ctx, id, condition)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return 0, ErrContainerOp("wait", id, fmt.Errorf("%s", res.Error.Message))
		}
		return res.StatusCode, nil
	case err := <-errCh:
		return 0, ErrContainerOp("wait", id, err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
