package eventsourcing

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsarahq/meepo/events"
)

func newTestPC(t *testing.T, strict bool) (*RedisPrepareCommit, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	pc, err := NewRedisPrepareCommit("redis://"+mr.Addr(), RedisPrepareCommitOptions{
		Strict:    strict,
		Namespace: Static("test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc, mr
}

func TestPrepareCommitLifecycle(t *testing.T) {
	pc, mr := newTestPC(t, false)

	es := events.NewEventSet()
	es.Add("test_write", "1")
	es.Add("test_write", "2")
	es.Add("test_update", "3")

	ok, err := pc.Prepare("tid-1", es)
	require.NoError(t, err)
	assert.True(t, ok)

	phase, err := pc.PhaseOf("tid-1")
	require.NoError(t, err)
	assert.Equal(t, PhasePrepare, phase)

	pending, err := pc.PrepareInfo(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"tid-1"}, pending)

	stored, err := pc.SessionInfo("tid-1")
	require.NoError(t, err)
	assert.True(t, es.Equal(stored))

	ok, err = pc.Commit("tid-1")
	require.NoError(t, err)
	assert.True(t, ok)

	phase, err = pc.PhaseOf("tid-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCommit, phase)

	pending, err = pc.PrepareInfo(0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// the event set lingers with a TTL for diagnostics
	assert.Greater(t, int64(mr.TTL("test:session_prepare:tid-1")), int64(0))
}

func TestRollbackLeavesPendingSet(t *testing.T) {
	pc, _ := newTestPC(t, false)

	es := events.NewEventSet()
	es.Add("test_write", "1")

	ok, err := pc.Prepare("tid-2", es)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pc.Rollback("tid-2")
	require.NoError(t, err)
	assert.True(t, ok)

	phase, err := pc.PhaseOf("tid-2")
	require.NoError(t, err)
	assert.Equal(t, PhaseCommit, phase)
}

func TestPrepareEmptyEventSet(t *testing.T) {
	pc, _ := newTestPC(t, false)

	ok, err := pc.Prepare("tid-3", events.NewEventSet())
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := pc.SessionInfo("tid-3")
	require.NoError(t, err)
	assert.True(t, stored.Empty())
}

func TestLenientSwallowsErrors(t *testing.T) {
	pc, mr := newTestPC(t, false)
	mr.Close()

	es := events.NewEventSet()
	es.Add("test_write", "1")

	ok, err := pc.Prepare("tid-4", es)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStrictPropagatesErrors(t *testing.T) {
	pc, mr := newTestPC(t, true)
	mr.Close()

	es := events.NewEventSet()
	es.Add("test_write", "1")

	_, err := pc.Prepare("tid-5", es)
	assert.Error(t, err)

	_, err = pc.Commit("tid-5")
	assert.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "prepare", PhasePrepare.String())
	assert.Equal(t, "commit", PhaseCommit.String())
}
