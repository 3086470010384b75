package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/rs/zerolog"
)

// Executor invokes the guest's execute callback for a behavior and reports
// whether the behavior is now done. It is supplied by the agent task, which
// owns the guest instance; the scheduler never calls into the guest itself.
type Executor interface {
	// Execute runs one invocation of behavior b and returns done.
	Execute(b *types.Behavior) (done bool, err error)
	// OnBehaviorStart is invoked exactly once per behavior, on first eligibility.
	OnBehaviorStart(b *types.Behavior)
	// OnBehaviorEnd is invoked once, when a behavior transitions to Done.
	OnBehaviorEnd(b *types.Behavior)
}

// Scheduler drives one agent's behaviors on a single logical thread. It owns
// every types.Behavior by id; composite behaviors (Sequential, Parallel)
// reference their children by id rather than by pointer so the owned set
// stays a flat map and cannot form a reference cycle.
type Scheduler struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	nextID     uint64
	order      []uint64 // insertion order, for deterministic tick iteration
	behaviors  map[uint64]*types.Behavior
	executor   Executor
	nowMS      func() int64
}

// New creates a behavior scheduler for a single agent. nowMS supplies the
// monotonic clock used for Ticker/Waker eligibility and rescheduling; agents
// pass a wrapper over time.Now so tests can inject a fake clock.
func New(agentName string, executor Executor, nowMS func() int64) *Scheduler {
	return &Scheduler{
		logger:    log.WithAgent(agentName),
		behaviors: make(map[uint64]*types.Behavior),
		executor:  executor,
		nowMS:     nowMS,
	}
}

// Add registers a new behavior and returns its agent-local id. Sequential and
// Parallel configs must reference only ids already known to the scheduler and
// must not introduce a cycle; composites form a DAG by construction since a
// sub id can only be an earlier Add's return value.
func (s *Scheduler) Add(name string, kind types.BehaviorKind, cfg types.BehaviorConfig) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range cfg.SubIDs {
		if _, ok := s.behaviors[sub]; !ok {
			return 0, fmt.Errorf("scheduler: unknown sub-behavior id %d", sub)
		}
	}

	s.nextID++
	id := s.nextID

	b := &types.Behavior{
		ID:     id,
		Name:   name,
		Kind:   kind,
		Status: types.BehaviorReady,
		Config: cfg,
	}
	if kind == types.BehaviorFSM {
		b.FSMState = cfg.InitialState
	}
	if kind == types.BehaviorParallel {
		b.ParallelCompleted = make(map[uint64]bool, len(cfg.SubIDs))
	}

	s.behaviors[id] = b
	s.order = append(s.order, id)

	s.logger.Debug().Uint64("behavior_id", id).Str("name", name).Str("kind", string(kind)).Msg("behavior added")
	return id, nil
}

// Remove drops a behavior from the scheduler. It is the caller's
// responsibility to ensure no live composite still references it.
func (s *Scheduler) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.behaviors, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the current behavior state for id.
func (s *Scheduler) Get(id uint64) (types.Behavior, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.behaviors[id]
	if !ok {
		return types.Behavior{}, false
	}
	return *b, true
}

// FireEvent applies an FSM transition synchronously: fsm_event(event)
// follows (current_state, event) -> next_state or fails if no such edge
// exists. It completes before the caller's invocation returns, per the
// ordering contract on FSM behaviors.
func (s *Scheduler) FireEvent(id uint64, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.behaviors[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown behavior id %d", id)
	}
	if b.Kind != types.BehaviorFSM {
		return fmt.Errorf("scheduler: behavior %d is not an FSM", id)
	}
	for _, t := range b.Config.Transitions {
		if t.From == b.FSMState && t.Event == event {
			b.FSMState = t.To
			return nil
		}
	}
	return fmt.Errorf("scheduler: no transition from state %q on event %q", b.FSMState, event)
}

// Block marks a behavior ineligible for Tick until Restart is called.
// Blocking an already-blocked behavior is a no-op; an unknown or
// already-done id is an error.
func (s *Scheduler) Block(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.behaviors[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown behavior id %d", id)
	}
	if b.Status == types.BehaviorDone {
		return fmt.Errorf("scheduler: behavior %d is already done", id)
	}
	b.Status = types.BehaviorBlocked
	return nil
}

// Restart clears a Blocked behavior's status so it becomes eligible again on
// the next Tick. It is an error to restart a behavior that isn't blocked.
func (s *Scheduler) Restart(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.behaviors[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown behavior id %d", id)
	}
	if b.Status != types.BehaviorBlocked {
		return fmt.Errorf("scheduler: behavior %d is not blocked", id)
	}
	b.Status = types.BehaviorReady
	return nil
}

// FSMState returns the current state of an FSM behavior.
func (s *Scheduler) FSMState(id uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.behaviors[id]
	if !ok {
		return "", fmt.Errorf("scheduler: unknown behavior id %d", id)
	}
	if b.Kind != types.BehaviorFSM {
		return "", fmt.Errorf("scheduler: behavior %d is not an FSM", id)
	}
	return b.FSMState, nil
}

// List returns a copy of every behavior currently registered, in insertion
// order.
func (s *Scheduler) List() []types.Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Behavior, 0, len(s.order))
	for _, id := range s.order {
		if b, ok := s.behaviors[id]; ok {
			out = append(out, *b)
		}
	}
	return out
}

// Tick runs one scheduling cycle: advance timers, compute the eligible set in
// insertion order, run each eligible behavior exactly once, and retire any
// behavior that completed. It returns the number of behaviors invoked, which
// is zero for an agent with an empty mailbox and nothing else to do.
func (s *Scheduler) Tick() (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMS()
	ran := 0

	for _, id := range append([]uint64(nil), s.order...) {
		b, ok := s.behaviors[id]
		if !ok || b.Status == types.BehaviorDone {
			continue
		}
		if !s.eligible(b, now) {
			continue
		}

		if !b.Started {
			s.executor.OnBehaviorStart(b)
			b.Started = true
		}
		b.Status = types.BehaviorRunning

		done, err := s.executor.Execute(b)
		if err != nil {
			return ran, fmt.Errorf("behavior %d (%s): %w", id, b.Name, err)
		}

		b.RunCount++
		b.LastRunMS = now
		ran++
		metrics.BehaviorTicksTotal.WithLabelValues(string(b.Kind)).Inc()

		s.settle(b, now, done)

		if b.Status == types.BehaviorDone {
			s.executor.OnBehaviorEnd(b)
		} else {
			b.Status = types.BehaviorReady
		}
	}

	return ran, nil
}

// eligible reports whether b should run this tick, per the kind table.
func (s *Scheduler) eligible(b *types.Behavior, now int64) bool {
	if b.Status == types.BehaviorBlocked {
		return false
	}
	switch b.Kind {
	case types.BehaviorOneShot:
		return b.RunCount == 0
	case types.BehaviorCyclic:
		return true
	case types.BehaviorTicker:
		return now >= b.NextRunMS
	case types.BehaviorWaker:
		return now >= b.NextRunMS
	case types.BehaviorSequential:
		sub := s.sequentialCurrent(b)
		return sub != nil && (sub.Status == types.BehaviorDone || s.eligible(sub, now))
	case types.BehaviorParallel:
		for _, sid := range b.Config.SubIDs {
			if b.ParallelCompleted[sid] {
				continue
			}
			if sub, ok := s.behaviors[sid]; ok && (sub.Status == types.BehaviorDone || s.eligible(sub, now)) {
				return true
			}
		}
		return false
	case types.BehaviorFSM:
		return true
	default:
		return false
	}
}

// settle applies kind-specific post-invocation bookkeeping and updates b's
// status to Done when the kind's completion rule is satisfied.
func (s *Scheduler) settle(b *types.Behavior, now int64, done bool) {
	switch b.Kind {
	case types.BehaviorOneShot:
		if done {
			b.Status = types.BehaviorDone
		}
	case types.BehaviorCyclic:
		// never completes spontaneously
	case types.BehaviorTicker:
		b.NextRunMS = now + b.Config.IntervalMS
	case types.BehaviorWaker:
		if done {
			b.Status = types.BehaviorDone
		}
	case types.BehaviorSequential:
		sub := s.sequentialCurrent(b)
		if sub != nil && sub.Status == types.BehaviorDone {
			b.SequentialIndex++
		}
		if b.SequentialIndex >= len(b.Config.SubIDs) {
			b.Status = types.BehaviorDone
		}
	case types.BehaviorParallel:
		for _, sid := range b.Config.SubIDs {
			if sub, ok := s.behaviors[sid]; ok && sub.Status == types.BehaviorDone {
				b.ParallelCompleted[sid] = true
			}
		}
		if s.parallelSatisfied(b) {
			b.Status = types.BehaviorDone
		}
	case types.BehaviorFSM:
		if !s.fsmHasOutgoing(b) {
			b.Status = types.BehaviorDone
		}
	}
}

func (s *Scheduler) sequentialCurrent(b *types.Behavior) *types.Behavior {
	if b.SequentialIndex >= len(b.Config.SubIDs) {
		return nil
	}
	id := b.Config.SubIDs[b.SequentialIndex]
	return s.behaviors[id]
}

func (s *Scheduler) parallelSatisfied(b *types.Behavior) bool {
	completed := 0
	for _, sid := range b.Config.SubIDs {
		if b.ParallelCompleted[sid] {
			completed++
		}
	}
	switch b.Config.Completion {
	case types.CompletionAll:
		return completed == len(b.Config.SubIDs)
	case types.CompletionAny:
		return completed >= 1
	case types.CompletionN:
		return completed >= b.Config.CompletionN
	default:
		return false
	}
}

func (s *Scheduler) fsmHasOutgoing(b *types.Behavior) bool {
	for _, t := range b.Config.Transitions {
		if t.From == b.FSMState {
			return true
		}
	}
	return false
}

// Snapshot captures the scheduler's host-structural state for migration and
// persistence. It does not capture guest linear memory; the agent task
// combines this with the guest's own snapshot.
func (s *Scheduler) Snapshot() types.SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := types.SchedulerSnapshot{NextBehaviorID: s.nextID}
	for _, id := range s.order {
		snap.Behaviors = append(snap.Behaviors, *s.behaviors[id])
	}
	return snap
}

// Restore installs a previously captured scheduler state, replacing whatever
// behaviors are currently registered.
func (s *Scheduler) Restore(snap types.SchedulerSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID = snap.NextBehaviorID
	s.behaviors = make(map[uint64]*types.Behavior, len(snap.Behaviors))
	s.order = s.order[:0]

	behaviors := append([]types.Behavior(nil), snap.Behaviors...)
	sort.Slice(behaviors, func(i, j int) bool { return behaviors[i].ID < behaviors[j].ID })

	for i := range behaviors {
		b := behaviors[i]
		s.behaviors[b.ID] = &b
		s.order = append(s.order, b.ID)
	}
}
