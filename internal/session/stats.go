package session

import (
	"time"

	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/store"
)

// statsInterval is the sampler period.
const statsInterval = 2 * time.Second

// MemoryStats is the memory block of a stats frame.
type MemoryStats struct {
	Used    uint64  `json:"used"`
	Limit   uint64  `json:"limit"`
	Percent float64 `json:"percent"`
}

// NetworkStats carries absolute transfer counters plus byte-per-second
// rates relative to the previous sample.
type NetworkStats struct {
	RxBytes uint64  `json:"rx_bytes"`
	TxBytes uint64  `json:"tx_bytes"`
	RxRate  float64 `json:"rx_rate"`
	TxRate  float64 `json:"tx_rate"`
}

// StatsPayload is the stats event body. A container that is not running
// reports only its state.
type StatsPayload struct {
	State      store.State   `json:"state"`
	CPUPercent *float64      `json:"cpu_percent,omitempty"`
	Memory     *MemoryStats  `json:"memory,omitempty"`
	Network    *NetworkStats `json:"network,omitempty"`
}

// buildStats derives a stats frame from the current sample and the previous
// one. With no previous sample the CPU percentage and transfer rates are
// zero; counters that moved backwards (container restart) also read as zero.
func buildStats(state store.State, cur docker.Stats, prev *docker.Stats, elapsed time.Duration) StatsPayload {
	cpu := cpuPercent(cur, prev)
	payload := StatsPayload{
		State:      state,
		CPUPercent: &cpu,
		Memory: &MemoryStats{
			Used:    cur.MemoryUsage,
			Limit:   cur.MemoryLimit,
			Percent: usagePercent(cur.MemoryUsage, cur.MemoryLimit),
		},
		Network: &NetworkStats{
			RxBytes: cur.NetworkRx,
			TxBytes: cur.NetworkTx,
		},
	}
	if prev != nil && elapsed > 0 {
		secs := elapsed.Seconds()
		payload.Network.RxRate = float64(counterDelta(cur.NetworkRx, prev.NetworkRx)) / secs
		payload.Network.TxRate = float64(counterDelta(cur.NetworkTx, prev.NetworkTx)) / secs
	}
	return payload
}

func cpuPercent(cur docker.Stats, prev *docker.Stats) float64 {
	if prev == nil {
		return 0
	}
	dTotal := counterDelta(cur.CPUTotal, prev.CPUTotal)
	dSystem := counterDelta(cur.CPUSystem, prev.CPUSystem)
	if dSystem == 0 {
		return 0
	}
	pct := float64(dTotal) / float64(dSystem) * float64(cur.OnlineCPUs) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

func usagePercent(used, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
