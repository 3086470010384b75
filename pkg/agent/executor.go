package agent

import (
	"context"

	"github.com/agentmesh/mesh/pkg/sandbox"
	"github.com/agentmesh/mesh/pkg/types"
)

// GuestExecutor adapts a sandbox.Runtime to scheduler.Executor, so the
// scheduler can drive behavior execution without importing sandbox
// itself.
type GuestExecutor struct {
	runtime *sandbox.Runtime
	ctx     context.Context
}

// NewGuestExecutor creates a scheduler.Executor bound to runtime. ctx
// bounds every guest call the scheduler triggers for the lifetime of
// the executor; callers construct a fresh one per tick if they need
// per-tick cancellation.
func NewGuestExecutor(ctx context.Context, runtime *sandbox.Runtime) *GuestExecutor {
	return &GuestExecutor{runtime: runtime, ctx: ctx}
}

func (e *GuestExecutor) Execute(b *types.Behavior) (bool, error) {
	return e.runtime.CallExecuteBehavior(e.ctx, b.ID)
}

func (e *GuestExecutor) OnBehaviorStart(b *types.Behavior) {
	_ = e.runtime.CallOnBehaviorStart(e.ctx, b.ID)
}

func (e *GuestExecutor) OnBehaviorEnd(b *types.Behavior) {
	_ = e.runtime.CallOnBehaviorEnd(e.ctx, b.ID)
}
