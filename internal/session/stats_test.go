package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/store"
)

func TestBuildStatsFirstSample(t *testing.T) {
	cur := docker.Stats{
		CPUTotal:    1000,
		CPUSystem:   10000,
		OnlineCPUs:  2,
		MemoryUsage: 512 * 1024 * 1024,
		MemoryLimit: 1024 * 1024 * 1024,
		NetworkRx:   4096,
		NetworkTx:   2048,
	}

	payload := buildStats(store.StateRunning, cur, nil, 0)

	assert.Equal(t, store.StateRunning, payload.State)
	require.NotNil(t, payload.CPUPercent)
	assert.Zero(t, *payload.CPUPercent, "no previous sample means no CPU delta")
	require.NotNil(t, payload.Memory)
	assert.Equal(t, uint64(512*1024*1024), payload.Memory.Used)
	assert.Equal(t, uint64(1024*1024*1024), payload.Memory.Limit)
	assert.InDelta(t, 50.0, payload.Memory.Percent, 0.001)
	require.NotNil(t, payload.Network)
	assert.Equal(t, uint64(4096), payload.Network.RxBytes)
	assert.Zero(t, payload.Network.RxRate)
	assert.Zero(t, payload.Network.TxRate)
}

func TestBuildStatsRates(t *testing.T) {
	prev := &docker.Stats{NetworkRx: 1000, NetworkTx: 500}
	cur := docker.Stats{NetworkRx: 5000, NetworkTx: 500, MemoryLimit: 1}

	payload := buildStats(store.StateRunning, cur, prev, 2*time.Second)

	require.NotNil(t, payload.Network)
	assert.InDelta(t, 2000.0, payload.Network.RxRate, 0.001, "4000 bytes over two seconds")
	assert.Zero(t, payload.Network.TxRate)
}

func TestBuildStatsCounterReset(t *testing.T) {
	// A restarted container reports counters below the previous sample.
	prev := &docker.Stats{CPUTotal: 9000, CPUSystem: 90000, NetworkRx: 9000}
	cur := docker.Stats{CPUTotal: 100, CPUSystem: 95000, OnlineCPUs: 4, NetworkRx: 10}

	payload := buildStats(store.StateRunning, cur, prev, 2*time.Second)

	require.NotNil(t, payload.CPUPercent)
	assert.Zero(t, *payload.CPUPercent)
	assert.Zero(t, payload.Network.RxRate)
}

func TestCPUPercent(t *testing.T) {
	tests := []struct {
		name string
		cur  docker.Stats
		prev *docker.Stats
		want float64
	}{
		{
			name: "no previous sample",
			cur:  docker.Stats{CPUTotal: 500, CPUSystem: 1000},
			prev: nil,
			want: 0,
		},
		{
			name: "plain delta",
			cur:  docker.Stats{CPUTotal: 1200, CPUSystem: 20000, OnlineCPUs: 2},
			prev: &docker.Stats{CPUTotal: 1000, CPUSystem: 10000},
			want: 4, // 200/10000 * 2 cpus * 100
		},
		{
			name: "capped at one hundred",
			cur:  docker.Stats{CPUTotal: 9000, CPUSystem: 11000, OnlineCPUs: 8},
			prev: &docker.Stats{CPUTotal: 1000, CPUSystem: 10000},
			want: 100,
		},
		{
			name: "idle system clock",
			cur:  docker.Stats{CPUTotal: 2000, CPUSystem: 10000, OnlineCPUs: 2},
			prev: &docker.Stats{CPUTotal: 1000, CPUSystem: 10000},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cpuPercent(tt.cur, tt.prev), 0.001)
		})
	}
}

func TestUsagePercent(t *testing.T) {
	assert.Zero(t, usagePercent(100, 0), "zero limit never divides")
	assert.InDelta(t, 25.0, usagePercent(256, 1024), 0.001)
}

func TestCounterDelta(t *testing.T) {
	assert.Equal(t, uint64(5), counterDelta(15, 10))
	assert.Equal(t, uint64(0), counterDelta(10, 15), "reset counters clamp to zero")
	assert.Equal(t, uint64(0), counterDelta(7, 7))
}
