package docker

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// EngineError wraps a Docker engine failure with the operation that caused
// it. The API layer maps these to 500 responses; install and create flows
// inspect Op to pick their failure state.
type EngineError struct {
	Op      string
	Err     error
	Message string
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ErrEngineUnavailable reports that the Docker daemon cannot be reached.
func ErrEngineUnavailable(err error) *EngineError {
	return &EngineError{
		Op:      "connect",
		Err:     err,
		Message: "cannot connect to Docker daemon",
	}
}

// ErrPullFailed reports a failed image pull.
func ErrPullFailed(ref string, err error) *EngineError {
	return &EngineError{
		Op:      "pull",
		Err:     err,
		Message: fmt.Sprintf("failed to pull image %q", ref),
	}
}

// ErrContainerOp reports a failed container operation such as create,
// start, or stop.
func ErrContainerOp(op, containerID string, err error) *EngineError {
	return &EngineError{
		Op:      op,
		Err:     err,
		Message: fmt.Sprintf("container %s failed for %s", op, containerID),
	}
}

// IsPullFailure reports whether err is a failed image pull.
func IsPullFailure(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Op == "pull"
}

// IsNotFound reports whether err means the container (or other object) does
// not exist on the engine. Wrapped EngineErrors are unwrapped first.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}
