// Package metrics samples local host resource usage (cpu, mem) for the
// heartbeat emitter.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is a point-in-time host resource reading.
type Sample struct {
	CPUPercent float64
	MemPercent float64
}

// sampleWindow is how long cpu.Percent blocks measuring CPU utilization
// over. Short enough not to delay the heartbeat tick noticeably.
const sampleWindow = 200 * time.Millisecond

// Collect samples current CPU and memory utilization. Errors from either
// reading are non-fatal — a zero value is reported and the error is
// returned for the caller to log, matching the heartbeat emitter's
// best-effort sampling.
func Collect(ctx context.Context) (Sample, error) {
	var s Sample
	var firstErr error

	percents, err := cpu.PercentWithContext(ctx, sampleWindow, false)
	if err != nil {
		firstErr = err
	} else if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		s.MemPercent = vm.UsedPercent
	}

	return s, firstErr
}
