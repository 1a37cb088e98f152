// Package metrics collects host resource utilization for heartbeat reports.
// Values are attached to rpc.HeartbeatPayload.Metrics so the server can
// surface them without defining its own sampling logic.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Collect returns a snapshot of current host resource usage as percentages
// (0-100). A failed sample for one dimension does not prevent the others
// from being reported — the key is simply omitted.
func Collect() map[string]float64 {
	out := make(map[string]float64, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["mem_percent"] = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out["disk_percent"] = du.UsedPercent
	}

	return out
}
