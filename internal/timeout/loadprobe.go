package timeout

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPULoadProbe derives a load factor from recent CPU utilization, grounded
// on the gopsutil/v4 dependency the pack's leptonai-gpud example pulls in
// for host telemetry.
//
// Utilization below 50% yields 1.0 (no adjustment); above that it scales
// linearly up to 2.0 at 100% busy, so a saturated host gets up to double
// the computed timeout.
type CPULoadProbe struct{}

// NewCPULoadProbe constructs a CPULoadProbe.
func NewCPULoadProbe() *CPULoadProbe { return &CPULoadProbe{} }

func (p *CPULoadProbe) LoadFactor(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 1.0, fmt.Errorf("cpu probe: %w", err)
	}
	if len(percents) == 0 {
		return 1.0, nil
	}

	busy := percents[0]
	if busy <= 50 {
		return 1.0, nil
	}
	return 1.0 + (busy-50)/50, nil
}

// GPULoadProbe is an extension point for factoring GPU contention into the
// estimate. No GPU telemetry dependency is wired yet — nothing in
// SPEC_FULL.md schedules GPU-bound work — so this stays unimplemented
// rather than carrying an unused import.
type GPULoadProbe struct{}
