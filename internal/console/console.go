// Package console is the log substrate shared by the lifecycle controller,
// the installer, and live sessions: typed line formatting plus a bounded
// per-server ring of recent output.
package console

import (
	"regexp"
	"sync"
)

// LogType classifies a console line for client-side coloring.
type LogType int

const (
	LogInfo LogType = iota
	LogSuccess
	LogError
	LogWarning
	LogDaemon
)

// DaemonPrefix marks lines originating from the daemon rather than the
// game server process.
const DaemonPrefix = "[Krypton Daemon]"

// ANSI color sequences per log type. Formatting is cosmetic only; rings
// store the formatted line and clients may strip the escapes freely.
const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

func (t LogType) String() string {
	switch t {
	case LogSuccess:
		return "success"
	case LogError:
		return "error"
	case LogWarning:
		return "warning"
	case LogDaemon:
		return "daemon"
	default:
		return "info"
	}
}

// Format colors a line for its type. Daemon lines additionally carry the
// daemon prefix so clients can tell daemon chatter from server output.
func Format(t LogType, line string) string {
	switch t {
	case LogSuccess:
		return ansiGreen + line + ansiReset
	case LogError:
		return ansiRed + line + ansiReset
	case LogWarning:
		return ansiYellow + line + ansiReset
	case LogDaemon:
		return ansiYellow + DaemonPrefix + " " + line + ansiReset
	default:
		return ansiCyan + line + ansiReset
	}
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripANSI removes color escapes from a formatted line.
func StripANSI(line string) string {
	return ansiPattern.ReplaceAllString(line, "")
}

// RingCapacity is the per-server bound on retained console lines.
const RingCapacity = 100

// Ring is a bounded FIFO of recent console lines for one server.
// Exact adjacent duplicates are dropped. Safe for concurrent use; no
// method performs I/O while holding the lock.
type Ring struct {
	mu      sync.Mutex
	entries []string
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Append adds a line, evicting the oldest entry when full. It reports
// whether the line was stored (false for an adjacent duplicate).
func (r *Ring) Append(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.entries); n > 0 && r.entries[n-1] == line {
		return false
	}
	if len(r.entries) == RingCapacity {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:RingCapacity-1]
	}
	r.entries = append(r.entries, line)
	return true
}

// Tail returns up to n of the most recent lines, oldest first.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]string, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// Len reports the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops all retained lines. Power actions clear the ring so a fresh
// container instance starts with an empty console.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}

// Registry hands out per-server rings, creating them on first use.
type Registry struct {
	mu    sync.Mutex
	rings map[string]*Ring
}

// NewRegistry returns an empty ring registry.
func NewRegistry() *Registry {
	return &Registry{rings: make(map[string]*Ring)}
}

// Ring returns the ring for a server id, creating it if needed.
func (g *Registry) Ring(serverID string) *Ring {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rings[serverID]
	if !ok {
		r = NewRing()
		g.rings[serverID] = r
	}
	return r
}

// Remove discards a server's ring. Called when the server is deleted.
func (g *Registry) Remove(serverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rings, serverID)
}
