// Package session serves the live console socket: one authenticated
// session per client connection, each tailing container logs, sampling
// stats, and forwarding commands and power actions for a single server.
package session

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/gorilla/websocket"

	"github.com/argon-foss/krypton/internal/console"
	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/panel"
	"github.com/argon-foss/krypton/internal/server"
	"github.com/argon-foss/krypton/internal/store"
)

// broadcastCap bounds emissions per broadcast invocation so one noisy
// server cannot amplify output across an unbounded audience.
const broadcastCap = 10

// Controller is the slice of the lifecycle manager sessions drive.
type Controller interface {
	Get(ctx context.Context, id string) (*store.Server, error)
	Power(ctx context.Context, id string, action server.PowerAction) (store.State, error)
}

// StreamEngine is the slice of the container gateway sessions consume.
type StreamEngine interface {
	InspectContainer(ctx context.Context, id string) (docker.ContainerStatus, error)
	StatsOneShot(ctx context.Context, id string) (docker.Stats, error)
	ContainerLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error)
	AttachContainer(ctx context.Context, id string, stdin bool) (types.HijackedResponse, error)
}

// TokenValidator checks a session token against the panel.
type TokenValidator interface {
	ValidateToken(ctx context.Context, serverID, token string) panel.ValidateResult
}

// Hub owns every live session plus the shared validation cache and the
// per-address connection counter. It satisfies http.Handler for the
// upgrade endpoint and the manager's Broadcaster for daemon announcements.
type Hub struct {
	controller Controller
	engine     StreamEngine
	validator  TokenValidator
	rings      *console.Registry
	cache      *ValidationCache
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[string]*Session
	ipCounts map[string]int
	ipLimit  int

	rootCtx  context.Context
	rootStop context.CancelFunc
}

// Options wires a Hub.
type Options struct {
	Controller Controller
	Engine     StreamEngine
	Validator  TokenValidator
	Rings      *console.Registry

	// MaxConnectionsPerIP bounds concurrent sessions per client address.
	// Zero or negative disables the bound.
	MaxConnectionsPerIP int
}

// NewHub creates a Hub and starts its cache sweeper.
func NewHub(opts Options) *Hub {
	ctx, stop := context.WithCancel(context.Background())
	h := &Hub{
		controller: opts.Controller,
		engine:     opts.Engine,
		validator:  opts.Validator,
		rings:      opts.Rings,
		cache:      NewValidationCache(validationTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel frontend connects from arbitrary origins; the
			// token is the credential, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]map[string]*Session),
		ipCounts: make(map[string]int),
		ipLimit:  opts.MaxConnectionsPerIP,
		rootCtx:  ctx,
		rootStop: stop,
	}
	go h.sweepLoop()
	return h
}

// SetConnectionLimit replaces the per-address session bound. Applies to new
// connections only.
func (h *Hub) SetConnectionLimit(limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ipLimit = limit
}

// ServeHTTP upgrades the connection and runs the session to completion.
// Auth failures are reported through websocket close codes, not HTTP
// statuses, because the upgrade has already happened.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serverID := sanitizeID(r.URL.Query().Get("server"))
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	ip := clientIP(r.RemoteAddr)
	if !h.acquireIP(ip) {
		closeConn(conn, websocket.ClosePolicyViolation, "too many connections from this address")
		return
	}
	defer h.releaseIP(ip)

	if serverID == "" || token == "" {
		closeConn(conn, websocket.ClosePolicyViolation, "missing server id or token")
		return
	}

	s := newSession(h, conn, serverID)
	defer s.teardown()
	s.run(token)
}

// authorize resolves a credential pair through the cache, falling back to
// the panel. Only confirmed verdicts are cached; a rejected or unreachable
// panel leaves the next attempt free to retry.
func (h *Hub) authorize(ctx context.Context, serverID, token string) bool {
	if verdict, ok := h.cache.Get(serverID, token); ok {
		return verdict
	}
	res := h.validator.ValidateToken(ctx, serverID, token)
	if res.Validated {
		h.cache.Put(serverID, token, true)
	}
	return res.Validated
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.sessions[s.serverID]
	if !ok {
		peers = make(map[string]*Session)
		h.sessions[s.serverID] = peers
	}
	peers[s.id] = s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.sessions[s.serverID]
	if !ok {
		return
	}
	delete(peers, s.id)
	if len(peers) == 0 {
		delete(h.sessions, s.serverID)
	}
}

// SessionCount reports live authenticated sessions for one server.
func (h *Hub) SessionCount(serverID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[serverID])
}

func (h *Hub) snapshot(serverID string) []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.sessions[serverID]
	out := make([]*Session, 0, len(peers))
	for _, s := range peers {
		out = append(out, s)
	}
	return out
}

func (h *Hub) snapshotAll() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Session
	for _, peers := range h.sessions {
		for _, s := range peers {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast fans a formatted console line out to the server's sessions.
// The manager appends the line to the ring before calling this.
func (h *Hub) Broadcast(serverID string, t console.LogType, line string) {
	h.fanOut(serverID, console.Format(t, line))
}

// announceDaemon appends a daemon line to the ring and fans it out; used
// for hub-originated notices such as power transitions.
func (h *Hub) announceDaemon(serverID, line string) {
	formatted := console.Format(console.LogDaemon, line)
	h.rings.Ring(serverID).Append(formatted)
	h.fanOut(serverID, formatted)
}

func (h *Hub) fanOut(serverID, message string) {
	peers := h.snapshot(serverID)
	for i, s := range peers {
		if i >= broadcastCap {
			logger.Warn().
				Str("server", serverID).
				Int("sessions", len(peers)).
				Int("cap", broadcastCap).
				Msg("Broadcast capped; remaining sessions skipped")
			return
		}
		s.send(EventConsoleOutput, consolePayload{Message: message})
	}
}

func (h *Hub) acquireIP(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipLimit > 0 && h.ipCounts[ip] >= h.ipLimit {
		return false
	}
	h.ipCounts[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipCounts[ip] <= 1 {
		delete(h.ipCounts, ip)
		return
	}
	h.ipCounts[ip]--
}

// sweepLoop expires validation cache entries once per minute.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.rootCtx.Done():
			return
		case <-ticker.C:
			if n := h.cache.Sweep(); n > 0 {
				logger.Debug().Int("expired", n).Msg("Swept validation cache")
			}
		}
	}
}

// Shutdown closes every session with a going-away frame and stops the
// sweeper. Safe to call once during daemon shutdown.
func (h *Hub) Shutdown() {
	h.rootStop()
	for _, s := range h.snapshotAll() {
		s.closeWith(websocket.CloseGoingAway, "daemon shutting down")
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

var _ http.Handler = (*Hub)(nil)
var _ server.Broadcaster = (*Hub)(nil)
var _ Controller = (*server.Manager)(nil)
var _ StreamEngine = (*docker.Engine)(nil)
var _ TokenValidator = (*panel.Client)(nil)
