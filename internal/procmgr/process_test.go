package procmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSpawnAndExit(t *testing.T) {
	p, err := Spawn(context.Background(), zap.NewNop(), Spec{Command: "exit 0"}, 2*time.Second)
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	exit := p.Wait()
	assert.Equal(t, 0, exit.ExitCode)
	assert.False(t, exit.Signaled)
}

func TestSpawnNonzeroExit(t *testing.T) {
	p, err := Spawn(context.Background(), zap.NewNop(), Spec{Command: "exit 7"}, 2*time.Second)
	require.NoError(t, err)

	<-p.Done()
	exit := p.Wait()
	assert.Equal(t, 7, exit.ExitCode)
}

func TestCancelIsIdempotent(t *testing.T) {
	p, err := Spawn(context.Background(), zap.NewNop(), Spec{Command: "sleep 30"}, 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, p.Signal(ControlCancel))
	require.NoError(t, p.Signal(ControlCancel)) // repeating must not error or double-kill

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated after CANCEL")
	}
}

func TestResumeWhileRunningIsNoOp(t *testing.T) {
	p, err := Spawn(context.Background(), zap.NewNop(), Spec{Command: "sleep 1"}, time.Second)
	require.NoError(t, err)
	defer func() { _ = p.Signal(ControlCancel) }()

	// RESUME is only valid from `paused`; issuing it while running is a no-op.
	require.NoError(t, p.Signal(ControlResume))
	assert.Equal(t, StateRunning, p.State())
}

func TestPauseThenCancelDeliversSignal(t *testing.T) {
	p, err := Spawn(context.Background(), zap.NewNop(), Spec{Command: "sleep 30"}, 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, p.Signal(ControlPause))
	assert.Equal(t, StatePaused, p.State())

	require.NoError(t, p.Signal(ControlCancel))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("CANCEL on a paused group must still terminate it (via an implicit CONT)")
	}
}

func TestSpawnFailure(t *testing.T) {
	_, err := Spawn(context.Background(), zap.NewNop(), Spec{Command: "exit 0", Cwd: "/no/such/directory"}, time.Second)
	assert.Error(t, err)
}
