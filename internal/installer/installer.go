// Package installer runs a unit's one-shot install script inside a
// privileged throwaway container, staging its workspace inside the server
// volume and adjudicating success purely on the script's exit code.
package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/store"
	"github.com/argon-foss/krypton/pkg/demux"
)

// workspaceDir is the staging directory created inside the volume. It is
// removed after a successful install and preserved on failure.
const workspaceDir = ".installation"

// failureLogName is the log dump left at the volume root when the script
// fails.
const failureLogName = "installation.log"

// Engine is the slice of the container gateway the installer depends on.
type Engine interface {
	PullImage(ctx context.Context, ref string) error
	CreateInstallContainer(ctx context.Context, spec docker.InstallContainer) (string, error)
	StartContainer(ctx context.Context, id string) error
	ContainerLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error)
	WaitExit(ctx context.Context, id string, nextExit bool) (int64, error)
}

// ScriptError reports a non-zero install script exit.
type ScriptError struct {
	ExitCode int64
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("install script exited with code %d", e.ExitCode)
}

// Job describes one installation run. Script is the already-rendered
// install script; Variables feed exports and the container environment in
// raw form.
type Job struct {
	ServerID     string
	ServerName   string
	VolumeDir    string
	RuntimeImage string
	Install      store.InstallSpec
	Variables    []store.Variable
	MemoryBytes  int64

	// Sink receives each output line as the script runs. Optional.
	Sink func(line string)
}

// Installer stages and executes install jobs.
type Installer struct {
	engine Engine
}

// New creates an Installer on top of a container engine.
func New(engine Engine) *Installer {
	return &Installer{engine: engine}
}

// Run performs a full installation: stage the workspace, pull both images,
// run the install container to completion, then clean up (on success) or
// dump the log (on failure). Failures after the workspace exists leave it
// in place for inspection.
func (i *Installer) Run(ctx context.Context, job Job) error {
	log := logger.WithServer(job.ServerID)

	if err := stageWorkspace(job.VolumeDir, buildScript(job.Install.Script, job.Variables)); err != nil {
		return fmt.Errorf("stage install workspace: %w", err)
	}

	// Both images are needed: the installer image now and the runtime
	// image immediately after, and a server without its runtime image is
	// not installed in any useful sense.
	if err := i.engine.PullImage(ctx, job.Install.Image); err != nil {
		return err
	}
	if err := i.engine.PullImage(ctx, job.RuntimeImage); err != nil {
		return err
	}

	cid, err := i.engine.CreateInstallContainer(ctx, docker.InstallContainer{
		ServerID:      job.ServerID,
		ServerName:    job.ServerName,
		ContainerName: job.ServerID + "-installer",
		Image:         job.Install.Image,
		Entrypoint:    job.Install.Entrypoint,
		VolumeDir:     job.VolumeDir,
		MemoryBytes:   job.MemoryBytes,
		Env:           containerEnv(job.Variables),
	})
	if err != nil {
		return err
	}

	// The container auto-removes, so the wait must be registered for the
	// next exit event before start.
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := i.engine.WaitExit(ctx, cid, true)
		waitCh <- waitResult{code: code, err: err}
	}()

	if err := i.engine.StartContainer(ctx, cid); err != nil {
		return err
	}
	log.Info().Str("image", job.Install.Image).Msg("Install container started")

	buffered := i.streamOutput(ctx, cid, job.Sink)

	res := <-waitCh
	if res.err != nil {
		return res.err
	}
	if res.code != 0 {
		i.dumpFailureLog(job, res.code, buffered)
		log.Warn().Int64("exitCode", res.code).Msg("Install script failed")
		return &ScriptError{ExitCode: res.code}
	}

	if err := os.RemoveAll(filepath.Join(job.VolumeDir, workspaceDir)); err != nil {
		log.Warn().Err(err).Msg("Could not remove install workspace")
	}
	log.Info().Msg("Installation finished")
	return nil
}

type waitResult struct {
	code int64
	err  error
}

// streamOutput follows the container's output until it exits, forwarding
// lines to the sink and keeping a copy for the failure dump. The stream is
// raw bytes when the TTY is honored and framed when it is not; the demux
// reader absorbs both.
func (i *Installer) streamOutput(ctx context.Context, cid string, sink func(string)) []string {
	rc, err := i.engine.ContainerLogs(ctx, cid, true, "all")
	if err != nil {
		// A very short script can exit and auto-remove before the log
		// stream opens. The workspace log still catches the output.
		logger.Debug().Err(err).Str("container", cid).Msg("Install log stream unavailable")
		return nil
	}
	defer rc.Close()

	var (
		lines []string
		lb    demux.LineBuffer
		r     = demux.NewReader(rc)
		buf   = make([]byte, 32*1024)
	)
	emit := func(line string) {
		lines = append(lines, line)
		if sink != nil {
			sink(line)
		}
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Append(buf[:n]) {
				emit(line)
			}
		}
		if err != nil {
			break
		}
	}
	if rest, ok := lb.Flush(); ok {
		emit(rest)
	}
	return lines
}

// dumpFailureLog writes the script output to installation.log at the
// volume root, under a header naming the server, image, and exit code.
// The tee'd workspace log is preferred because it survives attach races;
// the streamed copy is the fallback.
func (i *Installer) dumpFailureLog(job Job, exitCode int64, streamed []string) {
	content, err := os.ReadFile(filepath.Join(job.VolumeDir, workspaceDir, "logs", "install.log"))
	if err != nil || len(content) == 0 {
		content = []byte(strings.Join(streamed, "\n") + "\n")
	}
	header := fmt.Sprintf(`Argon Server Installation Log

|
| Details
| ------------------------------
  Server ID:       %s
  Container Image: %s
  Result:          script failed with exit code %d
  Finished At:     %s

|
| Script Output
| ------------------------------
`, job.ServerID, job.Install.Image, exitCode, time.Now().UTC().Format(time.RFC3339))

	dest := filepath.Join(job.VolumeDir, failureLogName)
	if err := os.WriteFile(dest, append([]byte(header), content...), 0o644); err != nil {
		logger.Error().Err(err).Str("path", dest).Msg("Could not write installation log dump")
	}
}

// stageWorkspace creates .installation/{logs,temp,config} inside the
// volume and writes the generated install.sh.
func stageWorkspace(volumeDir, script string) error {
	ws := filepath.Join(volumeDir, workspaceDir)
	for _, sub := range []string{"logs", "temp", "config"} {
		if err := os.MkdirAll(filepath.Join(ws, sub), 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(ws, "install.sh"), []byte(script), 0o755)
}
