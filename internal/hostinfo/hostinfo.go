// Package hostinfo snapshots the machine the orchestrator or worker runs
// on. The snapshot is advisory: it feeds the health endpoint and startup
// logs, never scheduling decisions.
package hostinfo

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot describes the host at one point in time. Fields that could not
// be collected are zero.
type Snapshot struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	DiskTotalGB   uint64  `json:"disk_total_gb"`
	DiskFreeGB    uint64  `json:"disk_free_gb"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Collect gathers a snapshot. Collection failures degrade to zero values
// instead of failing the caller.
func Collect() Snapshot {
	snap := Snapshot{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
	}

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.KernelVersion = info.KernelVersion
		snap.UptimeSeconds = info.Uptime
	}
	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotalMB = v.Total / 1024 / 1024
		snap.MemoryUsedMB = v.Used / 1024 / 1024
	}
	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	}
	if d, err := disk.Usage("/"); err == nil {
		snap.DiskTotalGB = d.Total / 1024 / 1024 / 1024
		snap.DiskFreeGB = d.Free / 1024 / 1024 / 1024
	}

	return snap
}
