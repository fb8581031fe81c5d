package server

import (
	"fmt"

	"github.com/argon-foss/krypton/internal/store"
)

// InvalidTransitionError rejects a lifecycle action the current state does
// not permit.
type InvalidTransitionError struct {
	Action string
	From   store.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s server while %s", e.Action, e.From)
}

// IDMismatchError rejects an update whose body names a different server
// than the URL.
type IDMismatchError struct {
	PathID string
	BodyID string
}

func (e *IDMismatchError) Error() string {
	return fmt.Sprintf("body server id %q does not match %q", e.BodyID, e.PathID)
}
