package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/pkg/taskdesc"
)

func TestRunOnlyInvokesHooksBoundToTheRequestedPoint(t *testing.T) {
	b := New(zap.NewNop(), []Spec{
		{Point: PointPreExecute, Command: "exit 0"},
		{Point: PointPostExecute, Command: "exit 0"},
	})

	var outcomes []Outcome
	for o := range b.Run(context.Background(), PointPreExecute, &taskdesc.Descriptor{Command: "echo hi"}) {
		outcomes = append(outcomes, o)
	}

	require.Len(t, outcomes, 1)
	assert.Equal(t, PointPreExecute, outcomes[0].Point)
}

func TestRunClosesChannelImmediatelyWhenNoHooksMatch(t *testing.T) {
	b := New(zap.NewNop(), []Spec{{Point: PointPostExecute, Command: "exit 0"}})

	ch := b.Run(context.Background(), PointPreExecute, &taskdesc.Descriptor{})
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must already be closed when nothing matches")
	case <-time.After(time.Second):
		t.Fatal("Run must not block when no hooks are bound to the point")
	}
}

func TestRunReportsFailureAsWarningNotError(t *testing.T) {
	b := New(zap.NewNop(), []Spec{{Point: PointError, Command: "exit 1"}})

	var outcome Outcome
	for o := range b.Run(context.Background(), PointError, &taskdesc.Descriptor{}) {
		outcome = o
	}

	require.Error(t, outcome.Err)
	assert.NotEmpty(t, outcome.Warning())
}

func TestRunInvokesMultipleMatchingHooksConcurrently(t *testing.T) {
	b := New(zap.NewNop(), []Spec{
		{Point: PointPostExecute, Command: "sleep 0.2"},
		{Point: PointPostExecute, Command: "sleep 0.2"},
	})

	start := time.Now()
	var outcomes []Outcome
	for o := range b.Run(context.Background(), PointPostExecute, &taskdesc.Descriptor{}) {
		outcomes = append(outcomes, o)
	}
	elapsed := time.Since(start)

	require.Len(t, outcomes, 2)
	// if run serially this would take >= 400ms; concurrently it should
	// finish well under that.
	assert.Less(t, elapsed, 350*time.Millisecond)
}

func TestRunRespectsPerHookTimeout(t *testing.T) {
	b := New(zap.NewNop(), []Spec{
		{Point: PointPreExecute, Command: "sleep 5", Timeout: 100 * time.Millisecond},
	})

	var outcome Outcome
	for o := range b.Run(context.Background(), PointPreExecute, &taskdesc.Descriptor{}) {
		outcome = o
	}
	assert.Error(t, outcome.Err)
}
