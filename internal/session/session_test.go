package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/argon-foss/krypton/internal/server"
)

func TestBurstGuard(t *testing.T) {
	base := time.Now()
	guard := &burstGuard{limit: 10, window: 100 * time.Millisecond}

	for i := 0; i < 10; i++ {
		assert.True(t, guard.allow(base), "line %d fits the window", i+1)
	}
	assert.False(t, guard.allow(base), "the eleventh line is dropped")
	assert.False(t, guard.allow(base.Add(100*time.Millisecond)), "still inside the window")
	assert.True(t, guard.allow(base.Add(101*time.Millisecond)), "a fresh window admits lines again")
	assert.True(t, guard.allow(base.Add(102*time.Millisecond)))
}

func TestPowerAnnouncement(t *testing.T) {
	assert.Equal(t, "Starting server", powerAnnouncement(server.PowerStart))
	assert.Equal(t, "Stopping server", powerAnnouncement(server.PowerStop))
	assert.Equal(t, "Restarting server", powerAnnouncement(server.PowerRestart))
	assert.Equal(t, "Killing server process", powerAnnouncement(server.PowerKill))
}
