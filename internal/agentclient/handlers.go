package agentclient

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// handleEcho returns the payload unchanged. The round trip exercises
// the full submit/assign/complete path, which is what it exists for.
func handleEcho(ctx context.Context, unit WorkUnit) (any, error) {
	return map[string]any{"echo": unit.Payload}, nil
}

// handleSleep blocks for payload.duration_sec (capped by the unit
// deadline), honoring cancellation.
func handleSleep(ctx context.Context, unit WorkUnit) (any, error) {
	seconds, _ := unit.Payload["duration_sec"].(float64)
	if seconds < 0 {
		return nil, fmt.Errorf("duration_sec must be non-negative, got %v", seconds)
	}
	d := time.Duration(seconds * float64(time.Second))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept_sec": seconds}, nil
}

// handleSystemInfo reports host facts plus a utilization snapshot.
func handleSystemInfo(ctx context.Context, unit WorkUnit) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info := map[string]any{
		"hostname":   hostname,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"go_version": runtime.Version(),
	}

	if cpuPct, memPct, err := sampleLoad(ctx); err == nil {
		info["cpu_percent"] = cpuPct
		info["memory_percent"] = memPct
	}
	return info, nil
}

// sampleLoad reads host CPU and memory utilization as percentages.
// A zero interval compares against the counters from the previous call,
// so the first sample after start reads 0.
func sampleLoad(ctx context.Context) (cpuPct, memPct float64, err error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("agentclient: sample cpu: %w", err)
	}
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("agentclient: sample memory: %w", err)
	}
	return cpuPct, vm.UsedPercent, nil
}
