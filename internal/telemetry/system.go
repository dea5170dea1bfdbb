package telemetry

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const gib = 1024 * 1024 * 1024

// SystemStats is a host snapshot reported by the health endpoint. Generation is
// disk and memory heavy, so operators watch these next to the queue size.
type SystemStats struct {
	CPUs          int     `json:"cpus"`
	Load1         float64 `json:"load1"`
	MemTotalGB    float64 `json:"mem_total_gb"`
	MemUsedRatio  float64 `json:"mem_used_ratio"`
	ProcessRSSGB  float64 `json:"process_rss_gb"`
	OutputDiskGB  float64 `json:"output_disk_free_gb"`
	OutputDiskUse float64 `json:"output_disk_used_ratio"`
}

// CollectSystemStats samples the host. Fields that cannot be read stay zero.
func CollectSystemStats(ctx context.Context, outputDir string) SystemStats {
	out := SystemStats{CPUs: runtime.NumCPU()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemTotalGB = float64(vm.Total) / gib
		out.MemUsedRatio = vm.UsedPercent / 100.0
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.ProcessRSSGB = float64(pm.RSS) / gib
		}
	}
	if outputDir == "" {
		outputDir = "."
	}
	if du, err := disk.UsageWithContext(ctx, outputDir); err == nil && du.Total > 0 {
		out.OutputDiskGB = float64(du.Free) / gib
		out.OutputDiskUse = du.UsedPercent / 100.0
	}
	return out
}
