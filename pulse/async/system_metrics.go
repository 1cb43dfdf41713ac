package async

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/crmpulse/errors"
)

// SystemMetrics is a snapshot of worker usage and host memory
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Slots currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured slots
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// getMemoryStats returns current host memory in bytes
var getMemoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// SystemMetrics returns current worker usage and host memory. Memory fields are
// zero when the host doesn't report them.
func (wp *WorkerPool) SystemMetrics() SystemMetrics {
	m := SystemMetrics{
		WorkersActive: wp.Running(),
		WorkersTotal:  wp.cfg.Workers,
	}

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}
	return m
}
