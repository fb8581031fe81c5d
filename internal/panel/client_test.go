package panel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configJSON = `{
	"name": "Lobby",
	"image": "ghcr.io/parkervcp/yolks:java_21",
	"memoryLimit": 2048,
	"cpuLimit": 1.5,
	"startupCommand": "java -jar server.jar --port %server_port%",
	"variables": [
		{"name": "Server Port", "defaultValue": "25565", "rules": "string|max:5"}
	],
	"install": {"image": "debian:bookworm-slim", "entrypoint": "bash", "script": "echo hi"},
	"allocation": {"bindAddress": "0.0.0.0", "port": 25565},
	"configFiles": [{"path": "eula.txt", "content": "eula=true"}],
	"cargo": [{"url": "https://example.com/x", "targetPath": "x", "properties": {"readonly": true}}],
	"sftpEnabled": true
}`

func newTestClient(serverURL string) *Client {
	c := New(Options{AppURL: serverURL})
	c.backoffUnit = time.Millisecond
	return c
}

func TestFetchConfig(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(configJSON))
	}))
	defer srv.Close()

	cfg, err := newTestClient(srv.URL).FetchConfig(context.Background(), "srv-1")
	require.NoError(t, err)

	assert.Equal(t, "/api/servers/srv-1/config", gotPath)
	assert.Equal(t, "Lobby", cfg.Name)
	assert.Equal(t, int64(2048), cfg.MemoryLimit)
	assert.Equal(t, 1.5, cfg.CPULimit)
	require.Len(t, cfg.Variables, 1)
	assert.Equal(t, "Server Port", cfg.Variables[0].Name)
	assert.Equal(t, "debian:bookworm-slim", cfg.Install.Image)
	assert.Equal(t, 25565, cfg.Allocation.Port)
	require.Len(t, cfg.Cargo, 1)
	assert.True(t, cfg.Cargo[0].Properties.ReadOnly)
	assert.True(t, cfg.SftpEnabled)
}

func TestFetchConfigRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(configJSON))
	}))
	defer srv.Close()

	cfg, err := newTestClient(srv.URL).FetchConfig(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "Lobby", cfg.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchConfigExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchConfig(context.Background(), "srv-1")
	require.Error(t, err)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchConfigTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(srv.URL).FetchConfig(context.Background(), "srv-1")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestFetchConfigCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{AppURL: srv.URL})
	c.backoffUnit = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.FetchConfig(ctx, "srv-1")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestValidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/servers/srv-1/validate/tok-9", r.URL.Path)
		assert.Equal(t, "Bearer tok-9", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"validated": true,
			"server": {
				"id": 42,
				"name": "Lobby",
				"internalId": "srv-1",
				"node": {"id": 7, "name": "node-1", "fqdn": "n1.example.com", "port": 8080}
			}
		}`))
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).ValidateToken(context.Background(), "srv-1", "tok-9")
	require.True(t, res.Validated)
	assert.Equal(t, "42", res.Server.ID)
	assert.Equal(t, "srv-1", res.Server.InternalID)
	assert.Equal(t, "n1.example.com", res.Server.Node.FQDN)
	assert.Equal(t, 8080, res.Server.Node.Port)
}

func TestValidateTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"validated": false}`))
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).ValidateToken(context.Background(), "srv-1", "bad")
	assert.False(t, res.Validated)
}

func TestValidateTokenFailuresAreUnvalidated(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer srv.Close()
		assert.False(t, newTestClient(srv.URL).ValidateToken(context.Background(), "s", "t").Validated)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{not json`))
		}))
		defer srv.Close()
		assert.False(t, newTestClient(srv.URL).ValidateToken(context.Background(), "s", "t").Validated)
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		assert.False(t, newTestClient(srv.URL).ValidateToken(context.Background(), "s", "t").Validated)
	})
}
