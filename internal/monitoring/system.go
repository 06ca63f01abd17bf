package monitoring

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is the payload of the /health endpoint.
type SystemSnapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Goroutines       int     `json:"goroutines"`
	ProcessMemoryMB  float64 `json:"process_memory_mb"`
	SystemMemoryUsed float64 `json:"system_memory_used_percent"`
	CPUPercent       float64 `json:"cpu_percent"`
}

var startedAt = time.Now()

// Snapshot gathers process and host stats. Collection failures leave the
// affected fields at zero rather than failing the health check.
func Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			snap.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.SystemMemoryUsed = vmem.UsedPercent
	}

	// Non-blocking sample; interval 0 reports usage since the last call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	return snap
}
