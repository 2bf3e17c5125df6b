package monitoring

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is a point-in-time view of host resources, reported by the
// hub's own server.get_metrics handler and the health endpoint.
type SystemSnapshot struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemUsedBytes   uint64  `json:"memUsedBytes"`
	MemTotalBytes  uint64  `json:"memTotalBytes"`
	MemUsedPercent float64 `json:"memUsedPercent"`
	Goroutines     int     `json:"goroutines"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
}

// SystemMonitor samples host CPU and memory via gopsutil.
type SystemMonitor struct {
	startedAt time.Time
}

// NewSystemMonitor returns a monitor anchored at the current time.
func NewSystemMonitor() *SystemMonitor {
	return &SystemMonitor{startedAt: time.Now()}
}

// Snapshot samples the host. Sampling errors degrade to zero values rather
// than failing the caller; metrics consumers treat zeros as "unknown".
func (s *SystemMonitor) Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedBytes = vm.Used
		snap.MemTotalBytes = vm.Total
		snap.MemUsedPercent = vm.UsedPercent
	}
	return snap
}
