package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/server"
	"github.com/argon-foss/krypton/pkg/demux"
)

const (
	authTimeout     = 5 * time.Second
	authTailLines   = 10
	writeTimeout    = 10 * time.Second
	reattachDelay   = 5 * time.Second
	burstLimit      = 10
	burstWindow     = 100 * time.Millisecond
	commandTimeout  = 5 * time.Second
	stdinFlushDelay = 100 * time.Millisecond
)

// Session is one authenticated client connection. Three activities share
// it: the inbound reader (owns the heartbeat clock), the log attacher
// (owns the stream handle), and the stats sampler (owns its rate state).
// Outbound writes from all three funnel through send.
type Session struct {
	id       string
	serverID string
	hub      *Hub
	conn     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	// lastHeartbeat is unix milliseconds, updated by the reader and ping
	// handler, read by anyone.
	lastHeartbeat atomic.Int64

	// rearm wakes the attacher immediately after a power start or restart.
	rearm chan struct{}

	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, serverID string) *Session {
	ctx, cancel := context.WithCancel(h.rootCtx)
	s := &Session{
		id:       uuid.NewString(),
		serverID: serverID,
		hub:      h,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		rearm:    make(chan struct{}, 1),
	}
	s.touchHeartbeat()
	return s
}

func (s *Session) log() zerolog.Logger {
	return logger.WithServer(s.serverID).With().Str("session", s.id).Logger()
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixMilli())
}

// LastHeartbeat reports when the client last showed signs of life.
func (s *Session) LastHeartbeat() time.Time {
	return time.UnixMilli(s.lastHeartbeat.Load())
}

// run authenticates and then serves the connection until the client goes
// away. It blocks; the caller owns the connection lifecycle.
func (s *Session) run(token string) {
	authCtx, cancelAuth := context.WithTimeout(s.ctx, authTimeout)
	validated := s.hub.authorize(authCtx, s.serverID, token)
	timedOut := errors.Is(authCtx.Err(), context.DeadlineExceeded)
	cancelAuth()

	if !validated {
		if timedOut {
			s.closeWith(websocket.CloseTryAgainLater, "authentication timed out")
		} else {
			s.closeWith(websocket.ClosePolicyViolation, "token rejected")
		}
		return
	}

	rec, err := s.hub.controller.Get(s.ctx, s.serverID)
	if err != nil {
		s.closeWith(websocket.CloseInternalServerErr, "unknown server")
		return
	}
	if !rec.HasContainer() {
		s.closeWith(websocket.CloseInternalServerErr, "server has no container")
		return
	}

	for _, line := range s.hub.rings.Ring(s.serverID).Tail(authTailLines) {
		s.send(EventConsoleOutput, consolePayload{Message: line})
	}
	s.pushStats(&samplerState{})
	s.send(EventAuthSuccess, authSuccessPayload{State: rec.State})

	s.hub.register(s)
	defer s.hub.unregister(s)
	log := s.log()
	log.Info().Msg("Session authenticated")

	go s.runAttacher()
	go s.runSampler()

	s.readLoop()
}

// readLoop pumps inbound frames until the connection dies. Every inbound
// message counts as a heartbeat.
func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	s.conn.SetPingHandler(func(appData string) error {
		s.touchHeartbeat()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.send(EventError, errorPayload{Message: "payload too large"})
				log := s.log()
				log.Warn().Msg("Inbound message over payload cap")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log := s.log()
				log.Debug().Err(err).Msg("Session read ended")
			}
			return
		}
		s.touchHeartbeat()
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.send(EventError, errorPayload{Message: "malformed frame"})
		return
	}
	switch frame.Event {
	case EventHeartbeat:
		s.send(EventHeartbeatAck, nil)
	case EventSendCommand:
		var raw string
		if err := json.Unmarshal(frame.Data, &raw); err != nil {
			s.send(EventError, errorPayload{Message: "send_command expects a string"})
			return
		}
		cmd := cleanCommand(raw)
		if cmd == "" {
			return
		}
		if err := s.forwardCommand(cmd); err != nil {
			log := s.log()
			log.Warn().Err(err).Msg("Could not forward command")
			s.send(EventError, errorPayload{Message: "could not deliver command"})
		}
	case EventPowerAction:
		s.handlePower(decodePowerAction(frame.Data))
	default:
		s.send(EventError, errorPayload{Message: "unknown event " + frame.Event})
	}
}

// forwardCommand writes one command line to the container's stdin through a
// short-lived attach. The attach carries stdin only; signals are never
// proxied. Closing the write side after a brief delay flushes the engine's
// buffer without tearing down the container's output stream.
func (s *Session) forwardCommand(cmd string) error {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	rec, err := s.hub.controller.Get(ctx, s.serverID)
	if err != nil {
		return err
	}
	if !rec.HasContainer() {
		return errors.New("server has no container")
	}
	resp, err := s.hub.engine.AttachContainer(ctx, *rec.ContainerID, true)
	if err != nil {
		return err
	}
	defer resp.Close()

	if _, err := resp.Conn.Write([]byte(cmd + "\n")); err != nil {
		return err
	}
	timer := time.NewTimer(stdinFlushDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timer.C:
	}
	return resp.CloseWrite()
}

func (s *Session) handlePower(raw string) {
	action, err := server.ParsePowerAction(raw)
	if err != nil {
		s.send(EventPowerStatus, powerStatusPayload{Status: "error", Action: raw, Error: err.Error()})
		return
	}
	state, err := s.hub.controller.Power(s.ctx, s.serverID, action)
	if err != nil {
		s.send(EventPowerStatus, powerStatusPayload{Status: "error", Action: string(action), State: state, Error: err.Error()})
		return
	}
	// The response must reach the client before any output from the new
	// container instance, so reply first and re-arm the attacher last.
	s.send(EventPowerStatus, powerStatusPayload{Status: "success", Action: string(action), State: state})
	s.hub.announceDaemon(s.serverID, powerAnnouncement(action))
	if action == server.PowerStart || action == server.PowerRestart {
		s.rearmAttacher()
	}
}

func powerAnnouncement(action server.PowerAction) string {
	switch action {
	case server.PowerStart:
		return "Starting server"
	case server.PowerStop:
		return "Stopping server"
	case server.PowerRestart:
		return "Restarting server"
	case server.PowerKill:
		return "Killing server process"
	}
	return string(action)
}

// rearmAttacher makes the attacher drop its current stream and re-attach
// right away instead of waiting out the retry delay.
func (s *Session) rearmAttacher() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// runAttacher keeps a follow-logs stream attached for the life of the
// session, re-attaching after errors and power restarts.
func (s *Session) runAttacher() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		streamCtx, cancelStream := context.WithCancel(s.ctx)
		interrupted := make(chan bool, 1)
		go func() {
			select {
			case <-s.rearm:
				cancelStream()
				interrupted <- true
			case <-streamCtx.Done():
				interrupted <- false
			}
		}()

		s.attachOnce(streamCtx)
		cancelStream()
		if <-interrupted {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.rearm:
		case <-time.After(reattachDelay):
		}
	}
}

// attachOnce streams container logs until the stream ends or the context is
// canceled. Returning without error handling is intentional: the caller
// retries regardless of why the stream stopped.
func (s *Session) attachOnce(ctx context.Context) {
	rec, err := s.hub.controller.Get(ctx, s.serverID)
	if err != nil || !rec.HasContainer() {
		return
	}
	rc, err := s.hub.engine.ContainerLogs(ctx, *rec.ContainerID, true, "0")
	if err != nil {
		log := s.log()
		log.Debug().Err(err).Msg("Could not attach log stream")
		return
	}
	go func() {
		<-ctx.Done()
		rc.Close()
	}()
	defer rc.Close()

	reader := demux.NewReader(rc)
	var lines demux.LineBuffer
	guard := &burstGuard{limit: burstLimit, window: burstWindow}
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, line := range lines.Append(buf[:n]) {
				s.emitLine(line, guard)
			}
		}
		if err != nil {
			if tail, ok := lines.Flush(); ok {
				s.emitLine(tail, guard)
			}
			return
		}
	}
}

// emitLine applies the per-line pipeline: trim, branding rewrite, size
// check, burst guard, ring append, send.
func (s *Session) emitLine(line string, guard *burstGuard) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	line = strings.ReplaceAll(line, "pterodactyl", "argon")
	if len(line) > maxPayloadBytes {
		log := s.log()
		log.Warn().Int("bytes", len(line)).Msg("Dropping oversized console line")
		return
	}
	if !guard.allow(time.Now()) {
		return
	}
	s.hub.rings.Ring(s.serverID).Append(line)
	s.send(EventConsoleOutput, consolePayload{Message: line})
}

// burstGuard drops lines beyond the limit inside one window. Single-writer;
// owned by the attacher.
type burstGuard struct {
	limit  int
	window time.Duration
	start  time.Time
	count  int
}

func (g *burstGuard) allow(now time.Time) bool {
	if now.Sub(g.start) > g.window {
		g.start = now
		g.count = 0
	}
	g.count++
	return g.count <= g.limit
}

type samplerState struct {
	prev   *docker.Stats
	prevAt time.Time
}

// runSampler pushes a stats frame every two seconds until the session ends.
func (s *Session) runSampler() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	st := &samplerState{}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pushStats(st)
		}
	}
}

func (s *Session) pushStats(st *samplerState) {
	ctx, cancel := context.WithTimeout(s.ctx, statsInterval)
	defer cancel()

	rec, err := s.hub.controller.Get(ctx, s.serverID)
	if err != nil {
		return
	}
	if !rec.HasContainer() {
		st.prev = nil
		s.send(EventStats, StatsPayload{State: rec.State})
		return
	}
	status, err := s.hub.engine.InspectContainer(ctx, *rec.ContainerID)
	if err != nil || !status.Running {
		st.prev = nil
		s.send(EventStats, StatsPayload{State: rec.State})
		return
	}
	cur, err := s.hub.engine.StatsOneShot(ctx, *rec.ContainerID)
	if err != nil {
		log := s.log()
		log.Debug().Err(err).Msg("Could not sample stats")
		return
	}
	now := time.Now()
	payload := buildStats(rec.State, cur, st.prev, now.Sub(st.prevAt))
	st.prev = &cur
	st.prevAt = now
	s.send(EventStats, payload)
}

// send marshals and writes one frame. Oversized frames are dropped with an
// error frame in their place. A failed write cancels the session so the
// attacher and sampler unwind.
func (s *Session) send(event string, data any) {
	buf, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		log := s.log()
		log.Error().Err(err).Str("event", event).Msg("Could not encode frame")
		return
	}
	if len(buf) > maxPayloadBytes {
		log := s.log()
		log.Warn().Str("event", event).Int("bytes", len(buf)).Msg("Dropping oversized outbound frame")
		if event != EventError {
			s.send(EventError, errorPayload{Message: "payload too large"})
		}
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		s.cancel()
	}
}

// closeWith sends a close frame once and tears the session down.
func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	})
	s.cancel()
	_ = s.conn.Close()
}

// teardown releases the session without sending a close frame; used when
// the client already went away.
func (s *Session) teardown() {
	s.cancel()
	_ = s.conn.Close()
}
