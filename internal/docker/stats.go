package docker

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types/container"
)

// Stats is a single resource usage sample. CPU fields are raw cumulative
// counters; percentage math needs two samples and lives with the sampler.
type Stats struct {
	CPUTotal    uint64
	CPUSystem   uint64
	OnlineCPUs  uint32
	MemoryUsage uint64
	MemoryLimit uint64
	NetworkRx   uint64
	NetworkTx   uint64
}

// StatsOneShot collects a single non-streaming stats sample.
func (e *Engine) StatsOneShot(ctx context.Context, id string) (Stats, error) {
	reader, err := e.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return Stats{}, ErrContainerOp("stats", id, err)
	}
	defer reader.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&raw); err != nil {
		return Stats{}, ErrContainerOp("stats", id, err)
	}
	return translateStats(raw), nil
}

func translateStats(raw container.StatsResponse) Stats {
	online := raw.CPUStats.OnlineCPUs
	if online == 0 {
		online = uint32(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	var rx, tx uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return Stats{
		CPUTotal:    raw.CPUStats.CPUUsage.TotalUsage,
		CPUSystem:   raw.CPUStats.SystemUsage,
		OnlineCPUs:  online,
		MemoryUsage: memoryUsed(raw.MemoryStats),
		MemoryLimit: raw.MemoryStats.Limit,
		NetworkRx:   rx,
		NetworkTx:   tx,
	}
}

// memoryUsed discounts reclaimable page cache the way the engine CLI does,
// handling both cgroup v1 and v2 stat names.
func memoryUsed(m container.MemoryStats) uint64 {
	for _, key := range []string{"total_inactive_file", "inactive_file", "cache"} {
		if v, ok := m.Stats[key]; ok && v < m.Usage {
			return m.Usage - v
		}
	}
	return m.Usage
}
