package partial

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/internal/procmgr"
)

func TestRepairReturnsValidJSONUnmodified(t *testing.T) {
	raw, ok := Repair(`{"status":"ok","count":3}`)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"ok","count":3}`, string(raw))
}

func TestRepairBalancesTruncatedObject(t *testing.T) {
	raw, ok := Repair(`{"status":"ok","items":["a","b"`)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"ok","items":["a","b"]}`, string(raw))
}

func TestRepairBalancesTruncatedMidString(t *testing.T) {
	raw, ok := Repair(`{"message":"partial outp`)
	require.True(t, ok)
	var v map[string]any
	require.NoError(t, json.Unmarshal(raw, &v))
}

func TestRepairBalancesTrailingComma(t *testing.T) {
	raw, ok := Repair(`{"a":1,"b":2,`)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(raw))
}

func TestRepairFailsOnEmptyInput(t *testing.T) {
	_, ok := Repair("   ")
	assert.False(t, ok)
}

func TestRepairFailsOnUnrecoverableGarbage(t *testing.T) {
	_, ok := Repair("not json at all, just prose output from a shell command")
	assert.False(t, ok)
}

func TestConfineArtifactPathRejectsTraversal(t *testing.T) {
	_, err := ConfineArtifactPath("/sessions/abc", "../../etc/passwd")
	assert.Error(t, err)
}

func TestConfineArtifactPathRejectsAbsoluteOverride(t *testing.T) {
	_, err := ConfineArtifactPath("/sessions/abc", "/etc/passwd")
	assert.Error(t, err)
}

func TestConfineArtifactPathAllowsNestedPath(t *testing.T) {
	clean, err := ConfineArtifactPath("/sessions/abc", "out/report.json")
	require.NoError(t, err)
	assert.Equal(t, "/sessions/abc/out/report.json", clean)
}

func TestAssembleOnTimeoutSignalsCancelAndTagsSentinel(t *testing.T) {
	proc, err := procmgr.Spawn(context.Background(), zap.NewNop(), procmgr.Spec{Command: "sleep 30"}, 500*time.Millisecond)
	require.NoError(t, err)

	drained := make(chan struct{})
	close(drained)

	a := New(zap.NewNop())
	res := a.Assemble(context.Background(), proc, drained, "partial output so far", ReasonTimeout, false)

	assert.True(t, res.Partial)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, sentinelSuffix, res.ArtifactSuffix)
	assert.Equal(t, "partial output so far", res.RawOutput)

	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Assemble must terminate the still-running process group")
	}
}

func TestAssembleGivesUpAfterDrainGraceElapses(t *testing.T) {
	proc, err := procmgr.Spawn(context.Background(), zap.NewNop(), procmgr.Spec{Command: "exit 0"}, time.Second)
	require.NoError(t, err)
	<-proc.Done()

	never := make(chan struct{}) // never closes — forces the grace-period path

	a := New(zap.NewNop())
	start := time.Now()
	res := a.Assemble(context.Background(), proc, never, "buf", ReasonCancelled, false)
	elapsed := time.Since(start)

	assert.True(t, res.Partial)
	assert.GreaterOrEqual(t, elapsed, DrainGrace)
	assert.Less(t, elapsed, DrainGrace+2*time.Second)
}

func TestAssembleWithStructuredRepairPopulatesOutputSummary(t *testing.T) {
	proc, err := procmgr.Spawn(context.Background(), zap.NewNop(), procmgr.Spec{Command: "exit 0"}, time.Second)
	require.NoError(t, err)
	<-proc.Done()

	drained := make(chan struct{})
	close(drained)

	a := New(zap.NewNop())
	res := a.Assemble(context.Background(), proc, drained, `{"status":"ok"`, ReasonTimeout, true)

	assert.JSONEq(t, `{"status":"ok"}`, string(res.OutputSummary))
	assert.Zero(t, res.TimeoutAfterMS)
}
