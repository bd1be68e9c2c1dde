package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateEnforcesMaxSessionsCap(t *testing.T) {
	m := New(zap.NewNop(), 2, time.Hour)
	defer m.Shutdown(context.Background())

	s1, err := m.Create()
	require.NoError(t, err)
	_, err = m.Create()
	require.NoError(t, err)

	_, err = m.Create()
	assert.ErrorIs(t, err, ErrSessionLimit)

	m.Destroy(context.Background(), s1.ID)
	_, err = m.Create()
	assert.NoError(t, err, "destroying a session must free its slot for reuse")
}

func TestGetFindsLiveSessionAndMissesDestroyed(t *testing.T) {
	m := New(zap.NewNop(), 5, time.Hour)
	defer m.Shutdown(context.Background())

	s, err := m.Create()
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	m.Destroy(context.Background(), s.ID)
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
}

func TestActiveCountTracksCreateAndDestroy(t *testing.T) {
	m := New(zap.NewNop(), 5, time.Hour)
	defer m.Shutdown(context.Background())

	assert.Equal(t, 0, m.ActiveCount())
	s, err := m.Create()
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveCount())

	m.Destroy(context.Background(), s.ID)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestIdleReaperDestroysStaleSessions(t *testing.T) {
	m := New(zap.NewNop(), 5, 60*time.Millisecond)
	defer m.Shutdown(context.Background())

	s, err := m.Create()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := m.Get(s.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "idle reaper should have destroyed the stale session")
}

func TestTouchPreventsIdleReap(t *testing.T) {
	m := New(zap.NewNop(), 5, 150*time.Millisecond)
	defer m.Shutdown(context.Background())

	s, err := m.Create()
	require.NoError(t, err)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Touch()
		time.Sleep(20 * time.Millisecond)
	}

	_, ok := m.Get(s.ID)
	assert.True(t, ok, "a session touched more often than the idle timeout must survive")
}

func TestShutdownDestroysAllSessions(t *testing.T) {
	m := New(zap.NewNop(), 5, time.Hour)

	_, err := m.Create()
	require.NoError(t, err)
	_, err = m.Create()
	require.NoError(t, err)

	m.Shutdown(context.Background())
	assert.Equal(t, 0, m.ActiveCount())
}

func TestBeginExecutionAllowsExactlyOnePerSession(t *testing.T) {
	m := New(zap.NewNop(), 5, time.Hour)
	defer m.Shutdown(context.Background())

	s, err := m.Create()
	require.NoError(t, err)

	assert.True(t, s.BeginExecution(nil, nil, nil))
	assert.False(t, s.BeginExecution(nil, nil, nil), "a second execute on the same session must be rejected")
	assert.True(t, s.HasExecuted())
}

func TestRequestCancelIsIdempotentAndObservable(t *testing.T) {
	s := newSession(uuid.New())

	select {
	case <-s.CancelRequested():
		t.Fatal("must not be signalled before RequestCancel")
	default:
	}

	s.RequestCancel()
	s.RequestCancel() // must not panic on double-close

	select {
	case <-s.CancelRequested():
	default:
		t.Fatal("CancelRequested channel must be closed after RequestCancel")
	}
}
