package scheduler

import (
	"testing"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingExecutor completes a behavior after a configurable number of runs.
type countingExecutor struct {
	runs       map[uint64]int
	doneAfter  map[uint64]int
	started    map[uint64]bool
	ended      map[uint64]bool
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{
		runs:      make(map[uint64]int),
		doneAfter: make(map[uint64]int),
		started:   make(map[uint64]bool),
		ended:     make(map[uint64]bool),
	}
}

func (e *countingExecutor) Execute(b *types.Behavior) (bool, error) {
	e.runs[b.ID]++
	n, ok := e.doneAfter[b.ID]
	if !ok {
		return true, nil
	}
	return e.runs[b.ID] >= n, nil
}

func (e *countingExecutor) OnBehaviorStart(b *types.Behavior) { e.started[b.ID] = true }
func (e *countingExecutor) OnBehaviorEnd(b *types.Behavior)   { e.ended[b.ID] = true }

func fixedClock(ms int64) func() int64 {
	return func() int64 { return ms }
}

func TestOneShotCompletesAfterOneInvocation(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	id, err := s.Add("greet", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)

	ran, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	b, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.BehaviorDone, b.Status)
	assert.True(t, exec.started[id])
	assert.True(t, exec.ended[id])

	// A Done behavior is never re-eligible.
	ran, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
}

func TestCyclicNeverCompletesSpontaneously(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	id, err := s.Add("loop", types.BehaviorCyclic, types.BehaviorConfig{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Tick()
		require.NoError(t, err)
	}

	b, _ := s.Get(id)
	assert.Equal(t, types.BehaviorReady, b.Status)
	assert.Equal(t, uint64(5), b.RunCount)
}

func TestTickerReschedulesByInterval(t *testing.T) {
	exec := newCountingExecutor()
	now := int64(0)
	s := New("test-agent", exec, func() int64 { return now })

	id, err := s.Add("heartbeat", types.BehaviorTicker, types.BehaviorConfig{IntervalMS: 100})
	require.NoError(t, err)

	ran, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, ran, "first tick always eligible since next_run_ms starts at zero")

	ran, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, ran, "not yet due")

	now = 150
	ran, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	b, _ := s.Get(id)
	assert.Equal(t, int64(250), b.NextRunMS)
}

func TestWakerCompletesAfterFiring(t *testing.T) {
	exec := newCountingExecutor()
	now := int64(0)
	s := New("test-agent", exec, func() int64 { return now })

	id, err := s.Add("reminder", types.BehaviorWaker, types.BehaviorConfig{DelayMS: 500})
	require.NoError(t, err)

	// Simulate the host setting the initial deadline at add time.
	s.mu.Lock()
	s.behaviors[id].NextRunMS = 500
	s.mu.Unlock()

	ran, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, ran, "not due yet")

	now = 500
	ran, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	b, _ := s.Get(id)
	assert.Equal(t, types.BehaviorDone, b.Status)
}

func TestSequentialRunsSubsInOrder(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	sub1, err := s.Add("step1", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)
	sub2, err := s.Add("step2", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)

	seq, err := s.Add("pipeline", types.BehaviorSequential, types.BehaviorConfig{SubIDs: []uint64{sub1, sub2}})
	require.NoError(t, err)

	// Tick 1: the sequential's sub-at-index tree runs sub1 to completion.
	_, err = s.Tick()
	require.NoError(t, err)
	b1, _ := s.Get(sub1)
	assert.Equal(t, types.BehaviorDone, b1.Status)

	seqB, _ := s.Get(seq)
	assert.Equal(t, types.BehaviorReady, seqB.Status, "still has sub2 pending")

	_, err = s.Tick()
	require.NoError(t, err)
	b2, _ := s.Get(sub2)
	assert.Equal(t, types.BehaviorDone, b2.Status)

	seqB, _ = s.Get(seq)
	assert.Equal(t, types.BehaviorDone, seqB.Status)
}

func TestParallelCompletionAny(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	sub1, err := s.Add("race1", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)
	sub2, err := s.Add("race2", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)

	par, err := s.Add("race", types.BehaviorParallel, types.BehaviorConfig{
		SubIDs:     []uint64{sub1, sub2},
		Completion: types.CompletionAny,
	})
	require.NoError(t, err)

	_, err = s.Tick()
	require.NoError(t, err)

	parB, _ := s.Get(par)
	assert.Equal(t, types.BehaviorDone, parB.Status, "completion=any is satisfied once either sub is done")
}

func TestParallelCompletionAll(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	sub1, err := s.Add("a", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)
	sub2, err := s.Add("b", types.BehaviorOneShot, types.BehaviorConfig{})
	require.NoError(t, err)

	par, err := s.Add("both", types.BehaviorParallel, types.BehaviorConfig{
		SubIDs:     []uint64{sub1, sub2},
		Completion: types.CompletionAll,
	})
	require.NoError(t, err)

	_, err = s.Tick()
	require.NoError(t, err)

	parB, _ := s.Get(par)
	assert.Equal(t, types.BehaviorDone, parB.Status, "both one-shot subs ran in the same tick")
}

func TestFSMTransitionsOnEvent(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	id, err := s.Add("conversation", types.BehaviorFSM, types.BehaviorConfig{
		InitialState: "idle",
		Transitions: []types.FSMTransition{
			{From: "idle", Event: "request", To: "waiting"},
			{From: "waiting", Event: "reply", To: "done"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.FireEvent(id, "request"))
	b, _ := s.Get(id)
	assert.Equal(t, "waiting", b.FSMState)

	require.NoError(t, s.FireEvent(id, "reply"))
	b, _ = s.Get(id)
	assert.Equal(t, "done", b.FSMState)

	err = s.FireEvent(id, "reply")
	assert.Error(t, err, "no outgoing transition from a terminal state")
}

func TestFSMCompletesWhenNoOutgoingTransition(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	id, err := s.Add("conversation", types.BehaviorFSM, types.BehaviorConfig{
		InitialState: "idle",
		Transitions: []types.FSMTransition{
			{From: "idle", Event: "go", To: "terminal"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.FireEvent(id, "go"))
	_, err = s.Tick()
	require.NoError(t, err)

	b, _ := s.Get(id)
	assert.Equal(t, types.BehaviorDone, b.Status)
}

func TestAddRejectsUnknownSubID(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	_, err := s.Add("bad", types.BehaviorSequential, types.BehaviorConfig{SubIDs: []uint64{999}})
	assert.Error(t, err)
}

func TestEmptyMailboxTickRunsNoBehaviors(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	ran, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	exec := newCountingExecutor()
	s := New("test-agent", exec, fixedClock(0))

	id, err := s.Add("loop", types.BehaviorCyclic, types.BehaviorConfig{})
	require.NoError(t, err)
	_, err = s.Tick()
	require.NoError(t, err)

	snap := s.Snapshot()

	restored := New("test-agent", exec, fixedClock(0))
	restored.Restore(snap)

	b, ok := restored.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), b.RunCount)
	assert.Equal(t, types.BehaviorReady, b.Status)
}
