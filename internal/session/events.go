package session

import (
	"encoding/json"

	"github.com/argon-foss/krypton/internal/store"
)

// Frames are JSON envelopes {event, data} in both directions.
const (
	// Inbound events.
	EventSendCommand = "send_command"
	EventPowerAction = "power_action"
	EventHeartbeat   = "heartbeat"

	// Outbound events.
	EventAuthSuccess   = "auth_success"
	EventConsoleOutput = "console_output"
	EventStats         = "stats"
	EventPowerStatus   = "power_status"
	EventHeartbeatAck  = "heartbeat_ack"
	EventError         = "error"
)

// maxPayloadBytes caps every inbound and outbound message.
const maxPayloadBytes = 50 * 1024

// Frame is the inbound envelope. Data stays raw until the event name picks
// a shape for it.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type authSuccessPayload struct {
	State store.State `json:"state"`
}

type consolePayload struct {
	Message string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type powerStatusPayload struct {
	Status string      `json:"status"`
	Action string      `json:"action"`
	State  store.State `json:"state,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// powerActionRequest is the power_action data shape. Clients send either
// {action} or the bare action string.
type powerActionRequest struct {
	Action string `json:"action"`
}

func decodePowerAction(data json.RawMessage) string {
	var req powerActionRequest
	if err := json.Unmarshal(data, &req); err == nil && req.Action != "" {
		return req.Action
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		return raw
	}
	return ""
}
