// Package timeout is the Timeout Estimator (TE): it turns a task
// description and historical execution data into a concrete deadline for
// one session, per spec.md §4.4.
package timeout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/pkg/taskdesc"
)

// HistoryStore looks up recently observed durations for a task fingerprint.
// A nil store (no backing Redis) is treated the same as "no history".
type HistoryStore interface {
	// Durations returns up to n most recent completion durations recorded
	// for fingerprint, most recent first. An empty slice means no history.
	Durations(ctx context.Context, fingerprint string, n int) ([]time.Duration, error)
	// Record appends a completed duration for fingerprint.
	Record(ctx context.Context, fingerprint string, d time.Duration) error
}

// LoadProbe reports a multiplier (>= 1.0) reflecting current host
// contention; it's applied to the estimate so a loaded host gets a longer
// deadline than an idle one (spec.md §4.4).
type LoadProbe interface {
	LoadFactor(ctx context.Context) (float64, error)
}

const (
	baseTimeout         = 30 * time.Second
	perTokenCoefficient = 15 * time.Millisecond // k in base + k*expected_tokens
	historySampleSize   = 10
)

// Estimator computes a deadline for a task descriptor.
type Estimator struct {
	log     *zap.Logger
	history HistoryStore
	load    LoadProbe

	minTimeout time.Duration
	maxTimeout time.Duration
}

// New builds an Estimator. history and load may be nil to disable those
// inputs (falling back to the base+k*tokens heuristic at load factor 1.0).
func New(log *zap.Logger, history HistoryStore, load LoadProbe, minTimeout, maxTimeout time.Duration) *Estimator {
	return &Estimator{
		log:        log,
		history:    history,
		load:       load,
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

// Estimate returns the deadline to apply to the task described by d.
//
// Precedence, per spec.md §4.4:
//  1. An explicit override is clamped to [min, max] and returned as-is —
//     history and load never widen or shrink an explicit choice beyond
//     the clamp.
//  2. Otherwise, start from base + k*expected_tokens, take the max of
//     that and the historical median (if any), multiply by the current
//     load factor, then clamp to [min, max].
func (e *Estimator) Estimate(ctx context.Context, d *taskdesc.Descriptor) time.Duration {
	if d.TimeoutOverride > 0 {
		return clamp(d.TimeoutOverride, e.minTimeout, e.maxTimeout)
	}

	estimate := baseTimeout + time.Duration(d.EstimateTokens())*perTokenCoefficient

	if e.history != nil {
		if med, ok := e.historicalMedian(ctx, d.Fingerprint()); ok && med > estimate {
			estimate = med
		}
	}

	factor := 1.0
	if e.load != nil {
		if f, err := e.load.LoadFactor(ctx); err != nil {
			e.log.Warn("load probe failed; assuming no contention", zap.Error(err))
		} else if f > factor {
			factor = f
		}
	}
	estimate = time.Duration(float64(estimate) * factor)

	return clamp(estimate, e.minTimeout, e.maxTimeout)
}

// RecordOutcome feeds a completed execution's actual duration back into the
// history store, so future estimates for the same fingerprint improve.
func (e *Estimator) RecordOutcome(ctx context.Context, d *taskdesc.Descriptor, actual time.Duration) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(ctx, d.Fingerprint(), actual); err != nil {
		e.log.Warn("failed to record execution duration", zap.Error(err))
	}
}

func (e *Estimator) historicalMedian(ctx context.Context, fingerprint string) (time.Duration, bool) {
	durations, err := e.history.Durations(ctx, fingerprint, historySampleSize)
	if err != nil {
		e.log.Warn("history store lookup failed", zap.Error(err))
		return 0, false
	}
	if len(durations) == 0 {
		return 0, false
	}
	return median(durations), true
}

func median(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
