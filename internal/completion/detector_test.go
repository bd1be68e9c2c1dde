package completion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveIgnoresSubstringOfMarker(t *testing.T) {
	d := New(DefaultRuleSet())

	// "undone" contains "done" but must never trip a marker defined as
	// a bare word (spec.md §4.3).
	early := d.Observe("the task is undone yet", time.Now())
	assert.Nil(t, early)
	assert.False(t, d.SuccessDetected())
}

func TestObserveMatchesPunctuationDelimitedMarker(t *testing.T) {
	d := New(DefaultRuleSet())

	early := d.Observe("=== DONE ===", time.Now())
	require.NotNil(t, early)
	assert.True(t, d.SuccessDetected())
}

func TestObserveOnlyLatchesFirstSuccessMarker(t *testing.T) {
	d := New(DefaultRuleSet())

	first := d.Observe("RESULT:::OK", time.Now())
	require.NotNil(t, first)

	second := d.Observe("TASK COMPLETE", time.Now())
	assert.Nil(t, second, "success must latch only on the first marker seen")
}

func TestObserveExtractsArtifactPath(t *testing.T) {
	d := New(DefaultRuleSet())

	d.Observe("file created at /tmp/out/report.json", time.Now())
	artifacts := d.Artifacts()
	require.Len(t, artifacts, 1)
	assert.Equal(t, "/tmp/out/report.json", artifacts[0].Path)
}

func TestFailureMarkerSetsAdvisoryFlagWithoutStoppingDetection(t *testing.T) {
	d := New(DefaultRuleSet())

	d.Observe("RESULT:::FAIL", time.Now())
	assert.True(t, d.FailureAdvised())
	assert.False(t, d.SuccessDetected())
}

func TestTimeSavedMSClampsToZero(t *testing.T) {
	d := New(DefaultRuleSet())

	seenAt := time.Now()
	d.Observe("TASK COMPLETE", seenAt)

	// Querying "now" before the marker time (clock skew, or a caller that
	// races ahead) must never yield a negative saving.
	assert.Equal(t, int64(0), d.TimeSavedMS(seenAt.Add(-5*time.Second)))

	later := seenAt.Add(250 * time.Millisecond)
	assert.Equal(t, int64(250), d.TimeSavedMS(later))
}

func TestTimeSavedMSIsZeroWithoutSuccess(t *testing.T) {
	d := New(DefaultRuleSet())
	assert.Equal(t, int64(0), d.TimeSavedMS(time.Now()))
}

func TestNewRuleSetRejectsInvalidPattern(t *testing.T) {
	_, err := NewRuleSet([]string{`(unclosed`}, nil, "")
	assert.Error(t, err)
}
