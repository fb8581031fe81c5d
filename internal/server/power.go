package server

import (
	"context"
	"fmt"

	"github.com/argon-foss/krypton/internal/store"
)

// PowerAction is a client-requested container power transition.
type PowerAction string

const (
	PowerStart   PowerAction = "start"
	PowerStop    PowerAction = "stop"
	PowerRestart PowerAction = "restart"
	PowerKill    PowerAction = "kill"
)

// graceStopSeconds is the graceful window for stop and restart.
const graceStopSeconds = 30

// ParsePowerAction validates a raw action string.
func ParsePowerAction(s string) (PowerAction, error) {
	switch PowerAction(s) {
	case PowerStart, PowerStop, PowerRestart, PowerKill:
		return PowerAction(s), nil
	}
	return "", fmt.Errorf("unknown power action %q", s)
}

// checkPowerTransition gates actions on the persisted state. Kill stays
// legal while stopping so a hung graceful stop can be escalated.
func checkPowerTransition(action PowerAction, state store.State) error {
	allowed := false
	switch action {
	case PowerStart, PowerRestart:
		switch state {
		case store.StateStopped, store.StateInstalled, store.StateErrored,
			store.StateUpdateFailed, store.StateInstallFailed:
			allowed = true
		case store.StateRunning:
			allowed = action == PowerRestart
		}
	case PowerStop:
		switch state {
		case store.StateRunning, store.StateStarting:
			allowed = true
		}
	case PowerKill:
		switch state {
		case store.StateRunning, store.StateStarting, store.StateStopping:
			allowed = true
		}
	}
	if !allowed {
		return &InvalidTransitionError{Action: string(action), From: state}
	}
	return nil
}

// Power applies a power action and returns the resulting state. Every
// action clears the server's log ring: the next container instance starts
// with a fresh console.
func (m *Manager) Power(ctx context.Context, id string, action PowerAction) (store.State, error) {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := checkPowerTransition(action, rec.State); err != nil {
		return "", err
	}
	m.rings.Ring(id).Clear()

	var state store.State
	switch action {
	case PowerStart:
		state, err = m.powerStart(ctx, rec)
	case PowerStop:
		state, err = m.powerStop(ctx, rec)
	case PowerRestart:
		state, err = m.powerRestart(ctx, rec)
	case PowerKill:
		state, err = m.powerKill(ctx, rec)
	default:
		return "", fmt.Errorf("unknown power action %q", action)
	}
	if state != "" {
		m.setState(ctx, id, state)
	}
	if err != nil {
		return state, err
	}
	log := logWithServer(id)
	log.Info().Str("action", string(action)).Str("state", string(state)).Msg("Power action applied")
	return state, nil
}

// ensureContainer returns the runtime container id, creating the container
// from the record when none exists (the path taken after a reinstall).
func (m *Manager) ensureContainer(ctx context.Context, rec *store.Server) (string, error) {
	if rec.HasContainer() {
		return *rec.ContainerID, nil
	}
	spec, err := m.runtimeSpec(rec)
	if err != nil {
		return "", err
	}
	cid, err := m.engine.CreateRuntimeContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	rec.ContainerID = &cid
	if err := m.store.SetContainerID(ctx, rec.ID, &cid); err != nil {
		return "", err
	}
	return cid, nil
}

func (m *Manager) powerStart(ctx context.Context, rec *store.Server) (store.State, error) {
	cid, err := m.ensureContainer(ctx, rec)
	if err != nil {
		return store.StateErrored, err
	}
	m.setState(ctx, rec.ID, store.StateStarting)
	if err := m.engine.StartContainer(ctx, cid); err != nil {
		return store.StateErrored, err
	}
	return store.StateRunning, nil
}

func (m *Manager) powerStop(ctx context.Context, rec *store.Server) (store.State, error) {
	if !rec.HasContainer() {
		return store.StateStopped, nil
	}
	m.setState(ctx, rec.ID, store.StateStopping)
	timeout := graceStopSeconds
	if err := m.engine.StopContainer(ctx, *rec.ContainerID, &timeout); err != nil {
		return store.StateErrored, err
	}
	return store.StateStopped, nil
}

func (m *Manager) powerRestart(ctx context.Context, rec *store.Server) (store.State, error) {
	if !rec.HasContainer() {
		return m.powerStart(ctx, rec)
	}
	m.setState(ctx, rec.ID, store.StateStarting)
	timeout := graceStopSeconds
	if err := m.engine.RestartContainer(ctx, *rec.ContainerID, &timeout); err != nil {
		return store.StateErrored, err
	}
	return store.StateRunning, nil
}

func (m *Manager) powerKill(ctx context.Context, rec *store.Server) (store.State, error) {
	if !rec.HasContainer() {
		return store.StateStopped, nil
	}
	if err := m.engine.KillContainer(ctx, *rec.ContainerID, "SIGKILL"); err != nil {
		return store.StateErrored, err
	}
	return store.StateStopped, nil
}
