package docker

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/argon-foss/krypton/pkg/demux"
)

// AttachContainer attaches to a container's stdio. Set stdin for streams
// that will write console commands. Reads off resp.Reader carry the
// engine's stream framing when the container has no TTY; callers
// demultiplex. The attach never proxies signals.
func (e *Engine) AttachContainer(ctx context.Context, id string, stdin bool) (types.HijackedResponse, error) {
	resp, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  stdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, ErrContainerOp("attach", id, err)
	}
	return resp, nil
}

// ContainerLogs opens the container's log stream. tail limits how much
// history is replayed ("all" or a line count); follow keeps the stream
// open for new output.
func (e *Engine) ContainerLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	if tail == "" {
		tail = "all"
	}
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, ErrContainerOp("logs", id, err)
	}
	return rc, nil
}

// Exec runs a command inside a running container and returns its exit code
// and combined output.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string) (int, string, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", ErrContainerOp("exec", id, err)
	}
	resp, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, "", ErrContainerOp("exec", id, err)
	}
	defer resp.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, demux.NewReader(resp.Reader)); err != nil {
		return 0, "", ErrContainerOp("exec", id, err)
	}
	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, "", ErrContainerOp("exec", id, err)
	}
	return inspect.ExitCode, buf.String(), nil
}
