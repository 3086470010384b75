// Package agent drives a single agent's task loop: on every tick it
// drains the mailbox into the guest, advances the behavior scheduler,
// and flushes whatever the guest queued to its outbox to the router.
// Everything inside one tick runs on a single goroutine: the guest
// never observes concurrent host callbacks.
package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/protocol"
	"github.com/agentmesh/mesh/pkg/scheduler"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/rs/zerolog"
)

// OutboundRouter delivers one guest-originated message to its receivers.
type OutboundRouter interface {
	Route(ctx context.Context, msg types.Message) error
}

// GuestRuntime is the subset of *sandbox.Runtime a Task drives. It is
// an interface so the tick loop can be exercised with a fake guest in
// tests without instantiating real WebAssembly.
type GuestRuntime interface {
	CallInit(ctx context.Context) error
	CallTick(ctx context.Context) (bool, error)
	CallShutdown(ctx context.Context) error
	DeliverMessage(msg types.Message)
	DrainOutbox() []types.Message
	RequestShutdown()
	Snapshot() (*types.AgentSnapshot, error)
	ModuleHash() [32]byte
	Close(ctx context.Context) error
}

// Task owns one agent's runtime and scheduler and runs its tick loop on
// a single goroutine. Messages arrive through Deliver and are drained
// into the guest on the next tick; nothing else touches the runtime
// concurrently.
type Task struct {
	id        types.AgentId
	runtime   GuestRuntime
	sched     *scheduler.Scheduler
	router    OutboundRouter
	registry  *protocol.Registry
	logger    zerolog.Logger
	tickEvery time.Duration

	mailbox    chan types.Message
	stopCh     chan struct{}
	doneCh     chan struct{}
	quiesceReq chan chan error

	migrating atomic.Bool
}

// New creates a Task around an already-instantiated runtime. sched must
// have been constructed with a scheduler.Executor that calls back into
// runtime (see NewGuestExecutor).
func New(id types.AgentId, runtime GuestRuntime, sched *scheduler.Scheduler, router OutboundRouter, tickEvery time.Duration) *Task {
	return &Task{
		id:        id,
		runtime:   runtime,
		sched:     sched,
		router:    router,
		registry:  protocol.NewRegistry(),
		logger:    log.WithAgent(id.Name),
		tickEvery: tickEvery,
		mailbox:    make(chan types.Message, 256),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		quiesceReq: make(chan chan error),
	}
}

// Deliver enqueues msg for delivery on the next tick. It never blocks
// the router: a full mailbox drops the message and the caller observes
// a ResourceExhausted error, matching the router's fire-and-forget
// delivery contract.
func (t *Task) Deliver(msg types.Message) error {
	select {
	case t.mailbox <- msg:
		return nil
	default:
		return errs.New(errs.ResourceExhausted, "agent mailbox full: "+t.id.Name)
	}
}

// Run drives the tick loop until ctx is cancelled or Stop is called.
func (t *Task) Run(ctx context.Context) error {
	defer close(t.doneCh)

	if err := t.runtime.CallInit(ctx); err != nil {
		return errs.Wrap(errs.Fatal, "guest init failed", err)
	}

	ticker := time.NewTicker(t.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.shutdown(context.Background())
		case <-t.stopCh:
			return t.shutdown(context.Background())
		case <-ticker.C:
			if err := t.tick(ctx); err != nil {
				return err
			}
		case resp := <-t.quiesceReq:
			// Serialized with periodic ticks by construction: both
			// branches are served by this same select loop, so a
			// migration's quiesce tick never overlaps a regular one.
			resp <- t.tick(ctx)
		}
	}
}

// tick drains the mailbox, runs one scheduler tick, and flushes the
// outbox. This is the single place per agent where the guest is
// invoked; everything here is serialized on Run's goroutine.
func (t *Task) tick(ctx context.Context) error {
	t.drainMailbox()

	if _, err := t.sched.Tick(); err != nil {
		t.logger.Warn().Err(err).Msg("scheduler tick failed")
	}

	cont, err := t.runtime.CallTick(ctx)
	if err != nil {
		return errs.Wrap(errs.Fatal, "guest run() trapped", err)
	}
	if !cont {
		return t.shutdown(ctx)
	}

	t.flushOutbox(ctx)
	return nil
}

func (t *Task) drainMailbox() {
	for {
		select {
		case msg := <-t.mailbox:
			t.stepAndDeliver(msg)
		default:
			return
		}
	}
}

// stepAndDeliver consults the protocol registry before the guest ever
// sees a conversation message, per the registry's role as the
// conversation-state gate on the inbound path. A message naming no
// conversation (e.g. a one-off inform) bypasses the registry entirely.
// A message that fails its state machine's transition table, or whose
// conversation's deadline has already elapsed, is dropped: the guest
// never observes it, and any auto-reply the outcome carries is routed
// on the task's behalf.
func (t *Task) stepAndDeliver(msg types.Message) {
	if msg.ConversationID == "" {
		t.runtime.DeliverMessage(msg)
		return
	}

	outcome, err := t.registry.Step(msg)
	if err != nil {
		t.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("protocol violation, dropping message")
		return
	}
	if outcome.Kind == protocol.OutcomeFailed {
		t.logger.Warn().Str("conversation_id", msg.ConversationID).Str("reason", outcome.Reason).Msg("conversation force-completed, dropping message")
		return
	}

	t.runtime.DeliverMessage(msg)

	if outcome.Kind == protocol.OutcomeRespond && outcome.Response != nil {
		if err := t.router.Route(context.Background(), *outcome.Response); err != nil {
			t.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("protocol auto-reply routing failed")
		}
	}
}

func (t *Task) flushOutbox(ctx context.Context) {
	for _, msg := range t.runtime.DrainOutbox() {
		if err := t.router.Route(ctx, msg); err != nil {
			t.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("outbound routing failed")
		}
	}
}

// Stop requests a graceful shutdown: the current tick completes, the
// mailbox is drained once more with the shutdown flag visible to the
// guest, call_shutdown runs, and the task exits.
func (t *Task) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Task) shutdown(ctx context.Context) error {
	t.runtime.RequestShutdown()
	t.drainMailbox()
	if err := t.runtime.CallShutdown(ctx); err != nil {
		return errs.Wrap(errs.Fatal, "guest shutdown failed", err)
	}
	return nil
}

// Quiesce runs one more tick so in-flight host calls settle before a
// snapshot is taken, per the migration protocol's second step. Callers
// must have already called SetMigrating(true) so no new messages are
// delivered to this agent in the meantime. The tick itself runs on
// Run's goroutine, not the caller's, so it can never overlap a
// periodic tick already in flight.
func (t *Task) Quiesce(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case t.quiesceReq <- resp:
	case <-t.doneCh:
		return errs.New(errs.Fatal, "agent task already stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMigrating marks the agent as mid-migration; the supervisor stops
// delivering new messages to it once this is set, per the migration
// protocol's first step.
func (t *Task) SetMigrating(v bool) { t.migrating.Store(v) }

// IsMigrating reports whether the agent is currently being migrated.
func (t *Task) IsMigrating() bool { return t.migrating.Load() }

// Snapshot quiesces nothing by itself; callers must have already
// stopped delivering messages and ticked once to let in-flight host
// calls settle before calling this.
func (t *Task) Snapshot() (*types.AgentSnapshot, error) {
	return t.runtime.Snapshot()
}

// ModuleHash returns the guest module's content hash.
func (t *Task) ModuleHash() [32]byte { return t.runtime.ModuleHash() }

// Close releases the underlying runtime's resources.
func (t *Task) Close(ctx context.Context) error {
	return t.runtime.Close(ctx)
}
