package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/pkg/taskdesc"
)

type fakeHistoryStore struct {
	durations []time.Duration
	err       error
	recorded  []time.Duration
}

func (f *fakeHistoryStore) Durations(ctx context.Context, fingerprint string, n int) ([]time.Duration, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.durations, nil
}

func (f *fakeHistoryStore) Record(ctx context.Context, fingerprint string, d time.Duration) error {
	f.recorded = append(f.recorded, d)
	return nil
}

type fakeLoadProbe struct {
	factor float64
	err    error
}

func (f *fakeLoadProbe) LoadFactor(ctx context.Context) (float64, error) {
	return f.factor, f.err
}

func TestEstimateHonorsExplicitOverrideClampedToBounds(t *testing.T) {
	e := New(zap.NewNop(), nil, nil, 5*time.Second, 60*time.Second)

	d := &taskdesc.Descriptor{Command: "echo hi", TimeoutOverride: 500 * time.Second}
	assert.Equal(t, 60*time.Second, e.Estimate(context.Background(), d))

	d2 := &taskdesc.Descriptor{Command: "echo hi", TimeoutOverride: 1 * time.Second}
	assert.Equal(t, 5*time.Second, e.Estimate(context.Background(), d2))
}

func TestEstimateUsesBasePlusTokenHeuristicWithoutHistoryOrLoad(t *testing.T) {
	e := New(zap.NewNop(), nil, nil, 0, time.Hour)

	d := &taskdesc.Descriptor{Command: "echo hi", ExpectedOutputTokens: 1000}
	got := e.Estimate(context.Background(), d)
	want := baseTimeout + 1000*perTokenCoefficient
	assert.Equal(t, want, got)
}

func TestEstimateTakesMaxOfHeuristicAndHistoricalMedian(t *testing.T) {
	history := &fakeHistoryStore{durations: []time.Duration{
		10 * time.Second, 500 * time.Second, 20 * time.Second,
	}}
	e := New(zap.NewNop(), history, nil, 0, time.Hour)

	d := &taskdesc.Descriptor{Command: "echo hi", ExpectedOutputTokens: 1}
	got := e.Estimate(context.Background(), d)
	// median of {10, 20, 500}s is 20s, still less than the near-zero-token
	// heuristic (~baseTimeout); history must never pull the estimate down.
	assert.GreaterOrEqual(t, got, baseTimeout)

	historyHigh := &fakeHistoryStore{durations: []time.Duration{
		600 * time.Second, 700 * time.Second, 650 * time.Second,
	}}
	e2 := New(zap.NewNop(), historyHigh, nil, 0, time.Hour)
	got2 := e2.Estimate(context.Background(), d)
	assert.Equal(t, 650*time.Second, got2, "median of {600,650,700}s should win over the tiny heuristic")
}

func TestEstimateAppliesLoadFactorMultiplier(t *testing.T) {
	probe := &fakeLoadProbe{factor: 2.0}
	e := New(zap.NewNop(), nil, probe, 0, time.Hour)

	d := &taskdesc.Descriptor{Command: "echo hi", ExpectedOutputTokens: 1000}
	got := e.Estimate(context.Background(), d)
	base := baseTimeout + 1000*perTokenCoefficient
	assert.Equal(t, time.Duration(float64(base)*2.0), got)
}

func TestEstimateIgnoresLoadFactorBelowOne(t *testing.T) {
	probe := &fakeLoadProbe{factor: 0.3}
	e := New(zap.NewNop(), nil, probe, 0, time.Hour)

	d := &taskdesc.Descriptor{Command: "echo hi", ExpectedOutputTokens: 1000}
	got := e.Estimate(context.Background(), d)
	want := baseTimeout + 1000*perTokenCoefficient
	assert.Equal(t, want, got, "a load factor under 1.0 must never shrink the estimate")
}

func TestEstimateClampsFinalResultToBounds(t *testing.T) {
	probe := &fakeLoadProbe{factor: 100.0}
	e := New(zap.NewNop(), nil, probe, time.Second, 45*time.Second)

	d := &taskdesc.Descriptor{Command: "echo hi", ExpectedOutputTokens: 1000}
	got := e.Estimate(context.Background(), d)
	assert.Equal(t, 45*time.Second, got)
}

func TestRecordOutcomeFeedsHistoryStore(t *testing.T) {
	history := &fakeHistoryStore{}
	e := New(zap.NewNop(), history, nil, 0, time.Hour)

	d := &taskdesc.Descriptor{Command: "go test ./..."}
	e.RecordOutcome(context.Background(), d, 42*time.Second)

	assert.Equal(t, []time.Duration{42 * time.Second}, history.recorded)
}

func TestRecordOutcomeNoOpsWithoutHistoryStore(t *testing.T) {
	e := New(zap.NewNop(), nil, nil, 0, time.Hour)
	d := &taskdesc.Descriptor{Command: "go test ./..."}
	assert.NotPanics(t, func() { e.RecordOutcome(context.Background(), d, time.Second) })
}
