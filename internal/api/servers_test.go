package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argon-foss/krypton/internal/server"
	"github.com/argon-foss/krypton/internal/store"
)

const createBody = `{
	"serverId": "srv-1",
	"validationToken": "tok-abc",
	"name": "Lobby",
	"memoryLimit": 1073741824,
	"cpuLimit": 2,
	"allocation": {"bindAddress": "0.0.0.0", "port": 25565}
}`

func TestCreateServer(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.request(t, http.MethodPost, "/api/v1/servers", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "srv-1", body["id"])
	assert.Equal(t, "Lobby", body["name"])
	assert.Equal(t, "installing", body["state"])
	assert.Equal(t, "tok-abc", body["validationToken"])

	got := rig.lc.lastCreate
	assert.Equal(t, "srv-1", got.ServerID)
	assert.Equal(t, "tok-abc", got.ValidationToken)
	assert.Equal(t, int64(1073741824), got.MemoryLimit)
	assert.Equal(t, float64(2), got.CPULimit)
	assert.Equal(t, store.Allocation{BindAddress: "0.0.0.0", Port: 25565}, got.Allocation)
}

func TestCreateServerValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "malformed json",
			body: `{"serverId": `,
			want: "invalid JSON request body",
		},
		{
			name: "missing server id",
			body: `{"validationToken":"t","name":"n","memoryLimit":1,"cpuLimit":1,"allocation":{"bindAddress":"0.0.0.0","port":1}}`,
			want: "field serverId failed required validation",
		},
		{
			name: "missing token",
			body: `{"serverId":"s","name":"n","memoryLimit":1,"cpuLimit":1,"allocation":{"bindAddress":"0.0.0.0","port":1}}`,
			want: "field validationToken failed required validation",
		},
		{
			name: "port out of range",
			body: `{"serverId":"s","validationToken":"t","name":"n","memoryLimit":1,"cpuLimit":1,"allocation":{"bindAddress":"0.0.0.0","port":70000}}`,
			want: "field port failed lte validation",
		},
		{
			name: "negative memory",
			body: `{"serverId":"s","validationToken":"t","name":"n","memoryLimit":-5,"cpuLimit":1,"allocation":{"bindAddress":"0.0.0.0","port":1}}`,
			want: "field memoryLimit failed gt validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newAPIRig(t)
			resp := rig.request(t, http.MethodPost, "/api/v1/servers", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, decodeBody(t, resp)["error"])
			assert.Empty(t, rig.lc.lastCreate.ServerID, "manager must not be called")
		})
	}
}

func TestCreateServerDuplicateID(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.createErr = errors.New("UNIQUE constraint failed: servers.id")

	resp := rig.request(t, http.MethodPost, "/api/v1/servers", createBody)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "UNIQUE constraint")
}

func TestCreateServerRejectsOversizeBody(t *testing.T) {
	rig := newAPIRig(t)

	padding := strings.Repeat("x", maxRequestBodySize+1)
	body := fmt.Sprintf(`{"serverId":"s","name":"%s"}`, padding)
	resp := rig.request(t, http.MethodPost, "/api/v1/servers", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()
}

func TestListServers(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.records = []store.Server{
		{ID: "a", Name: "Alpha", State: store.StateRunning},
		{ID: "b", Name: "Beta", State: store.StateStopped},
	}

	resp := rig.request(t, http.MethodGet, "/api/v1/servers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []store.Server
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	resp.Body.Close()
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, store.StateStopped, records[1].State)
}

func TestListServersEmptyIsArray(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.request(t, http.MethodGet, "/api/v1/servers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestGetServer(t *testing.T) {
	rig := newAPIRig(t)
	cid := "cid-1"
	rig.lc.detail = &server.Detail{
		Server: store.Server{ID: "srv-1", Name: "Lobby", State: store.StateRunning, ContainerID: &cid},
		Status: &server.LiveStatus{Running: true, StartedAt: "2026-08-25T10:00:00Z"},
		Logs:   []string{"line one", "line two"},
	}

	resp := rig.request(t, http.MethodGet, "/api/v1/servers/srv-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "srv-1", body["id"])
	assert.Equal(t, "running", body["state"])
	status, ok := body["status"].(map[string]any)
	require.True(t, ok, "detail must carry the live status block")
	assert.Equal(t, true, status["running"])
	assert.Len(t, body["logs"], 2)
}

func TestGetServerNotFound(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.detailErr = store.ErrNotFound

	resp := rig.request(t, http.MethodGet, "/api/v1/servers/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "server not found", decodeBody(t, resp)["error"])
}

func TestUpdateServer(t *testing.T) {
	rig := newAPIRig(t)

	body := `{"serverId":"srv-1","name":"Renamed","memoryLimit":2147483648,"unitChanged":true,"dockerImage":"ghcr.io/argon/java:21"}`
	resp := rig.request(t, http.MethodPatch, "/api/v1/servers/srv-1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody(t, resp)
	assert.Equal(t, "Server updated successfully", got["message"])
	srv, ok := got["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Renamed", srv["name"])

	assert.Equal(t, "srv-1", rig.lc.lastUpdateID)
	req := rig.lc.lastUpdate
	assert.Equal(t, "srv-1", req.ID)
	require.NotNil(t, req.MemoryLimit)
	assert.Equal(t, int64(2147483648), *req.MemoryLimit)
	require.NotNil(t, req.Image)
	assert.Equal(t, "ghcr.io/argon/java:21", *req.Image)
	assert.True(t, req.UnitChanged)
	assert.Nil(t, req.CPULimit)
}

func TestUpdateServerIDMismatch(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.updateErr = &server.IDMismatchError{PathID: "srv-1", BodyID: "srv-2"}

	resp := rig.request(t, http.MethodPatch, "/api/v1/servers/srv-1", `{"serverId":"srv-2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "does not match")
}

func TestUpdateServerNotFound(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.updateErr = store.ErrNotFound

	resp := rig.request(t, http.MethodPatch, "/api/v1/servers/ghost", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteServer(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.request(t, http.MethodDelete, "/api/v1/servers/srv-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Equal(t, "srv-1", rig.lc.lastDeleteID)
}

func TestDeleteServerGoneIs404(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.deleteErr = store.ErrNotFound

	resp := rig.request(t, http.MethodDelete, "/api/v1/servers/srv-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReinstall(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/reinstall", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Reinstallation started", decodeBody(t, resp)["message"])
	assert.Equal(t, "srv-1", rig.lc.lastReinstallID)
}

func TestReinstallDuringInstallFails(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.reinstallErr = &server.InvalidTransitionError{Action: "reinstall", From: store.StateInstalling}

	resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/reinstall", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "cannot reinstall")
}

func TestShipCargo(t *testing.T) {
	rig := newAPIRig(t)

	body := `{"cargo":[
		{"url":"https://files.example.org/server.jar","targetPath":"server.jar","properties":{"readonly":true}},
		{"url":"https://files.example.org/eula.txt","targetPath":"eula.txt"}
	]}`
	resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/cargo/ship", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Shipped 2 cargo file(s)", decodeBody(t, resp)["message"])

	assert.Equal(t, "srv-1", rig.lc.lastCargoID)
	require.Len(t, rig.lc.lastCargo, 2)
	assert.Equal(t, "server.jar", rig.lc.lastCargo[0].TargetPath)
	assert.True(t, rig.lc.lastCargo[0].Properties.ReadOnly)
}

func TestShipCargoBadShape(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing cargo key", body: `{}`},
		{name: "cargo not an array", body: `{"cargo":"server.jar"}`},
		{name: "empty cargo list", body: `{"cargo":[]}`},
		{name: "entry without url", body: `{"cargo":[{"targetPath":"a.txt"}]}`},
		{name: "entry without target path", body: `{"cargo":[{"url":"https://x.example/a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newAPIRig(t)
			resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/cargo/ship", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
			assert.Empty(t, rig.lc.lastCargoID, "manager must not be called")
		})
	}
}

func TestPowerAction(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.powerState = store.StateRunning

	resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/power/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Server is now running", decodeBody(t, resp)["message"])
	assert.Equal(t, server.PowerStart, rig.lc.lastPower)
	assert.Equal(t, "srv-1", rig.lc.lastPowerID)
}

func TestPowerActionUnknown(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/power/explode", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "unknown power action")
	assert.Empty(t, rig.lc.lastPowerID, "manager must not be called")
}

func TestPowerActionGatedTransition(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.powerErr = &server.InvalidTransitionError{Action: "start", From: store.StateInstalling}

	resp := rig.request(t, http.MethodPost, "/api/v1/servers/srv-1/power/start", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "cannot start")
}

func TestPowerActionNotFound(t *testing.T) {
	rig := newAPIRig(t)
	rig.lc.powerErr = store.ErrNotFound

	resp := rig.request(t, http.MethodPost, "/api/v1/servers/ghost/power/stop", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
