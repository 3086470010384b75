// Package sandbox hosts untrusted guest WebAssembly modules on top of
// wazero, mediates every guest side effect through a capability-gated
// host import surface, and supports full-state snapshot/restore for
// live migration.
//
// wazero has no native fuel-metering primitive, so a guest invocation's
// "fuel" budget is approximated by wall-clock: max_execution_time_ms
// becomes a context.WithTimeout around the call, and a timeout is
// surfaced as the same fuel_exhausted error a true fuel counter would
// produce. This is a deliberate simplification, not a silent gap: a
// CPU-bound guest that never yields runs for up to the full timeout
// before it traps, rather than being killed mid-instruction.
package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Capability names a single host function a guest module may be granted
// access to. A module whose declared imports exceed granted
// capabilities is rejected at Instantiate time.
type Capability string

const (
	CapMessaging Capability = "messaging"
	CapLifecycle Capability = "lifecycle"
	CapLogging   Capability = "logging"
	CapStorage   Capability = "storage"
	CapTiming    Capability = "timing"
	CapMigration Capability = "migration"
	CapBehaviors Capability = "behaviors"
)

// Preset capability sets, named per the deployment profiles operators
// pick from when spawning an agent.
var (
	PresetUntrusted = []Capability{CapMessaging, CapLogging}
	PresetTrustedLocal = []Capability{
		CapMessaging, CapLifecycle, CapLogging, CapStorage, CapTiming, CapBehaviors,
	}
	PresetFull = []Capability{
		CapMessaging, CapLifecycle, CapLogging, CapStorage, CapTiming, CapMigration, CapBehaviors,
	}
)

// BehaviorHost is the subset of an agent's behavior scheduler that the
// behaviors capability's host imports reach into. It is defined purely
// in terms of pkg/types so this package never imports pkg/scheduler;
// *scheduler.Scheduler satisfies it structurally, with zero adapter
// code, because its method set already matches.
type BehaviorHost interface {
	Add(name string, kind types.BehaviorKind, cfg types.BehaviorConfig) (uint64, error)
	Remove(id uint64)
	Block(id uint64) error
	Restart(id uint64) error
	FireEvent(id uint64, event string) error
	FSMState(id uint64) (string, error)
	List() []types.Behavior
}

// Limits bounds a guest instance's resource consumption.
type Limits struct {
	MaxExecutionTimeMS int64
	MaxMemoryBytes      uint32 // in units of wasm pages on the wazero side
	StorageQuotaBytes   int64
}

// HostState is the mutable, host-owned state a guest's imports read and
// write: mailbox, outbox, storage, timers, registered services. It is
// the sole side-effect surface for the guest; nothing the guest does
// reaches the outside world except through these fields.
type HostState struct {
	mu               sync.Mutex
	Mailbox          []types.Message
	Outbox           []types.Message
	Storage          map[string][]byte
	storageBytes     int64
	Timers           map[uint64]time.Time
	nextTimerID      uint64
	Services         map[string]string
	ShutdownRequested bool
	Migrating        bool
	CurrentNode      string
}

func newHostState() *HostState {
	return &HostState{
		Storage: make(map[string][]byte),
		Timers:  make(map[uint64]time.Time),
		Services: make(map[string]string),
	}
}

// Runtime hosts one guest module instance.
type Runtime struct {
	agentID     types.AgentId
	moduleBytes []byte
	moduleHash  [32]byte
	caps        map[Capability]bool
	limits      Limits

	rt       wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module

	host      *HostState
	behaviors BehaviorHost
	logger    zerolog.Logger
}

// SetBehaviorHost wires the agent's behavior scheduler into the
// behaviors capability's host imports. Until this is called,
// add_behavior and the rest of the behaviors capability set return
// StatusNotFound rather than reaching a nil scheduler.
func (r *Runtime) SetBehaviorHost(h BehaviorHost) {
	r.behaviors = h
}

// Instantiate compiles and instantiates moduleBytes under caps and
// limits. A module whose imports are not all covered by caps is
// rejected without ever reaching the guest.
func Instantiate(ctx context.Context, agentID types.AgentId, moduleBytes []byte, caps []Capability, limits Limits) (*Runtime, error) {
	capSet := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}

	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MaxMemoryBytes > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(limits.MaxMemoryBytes)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	compiled, err := rt.CompileModule(ctx, moduleBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, errs.Wrap(errs.InvalidInput, "invalid guest module", err)
	}

	for _, imp := range compiled.ImportedFunctions() {
		modName, _, _ := imp.Import()
		if !capSet[Capability(modName)] {
			rt.Close(ctx)
			return nil, errs.New(errs.InvalidInput, fmt.Sprintf("module imports ungranted capability %q", modName))
		}
	}

	r := &Runtime{
		agentID:     agentID,
		moduleBytes: moduleBytes,
		moduleHash:  sha256.Sum256(moduleBytes),
		caps:        capSet,
		limits:      limits,
		rt:          rt,
		compiled:    compiled,
		host:        newHostState(),
		logger:      log.WithAgent(agentID.Name),
	}

	hostModule := r.buildHostModule(rt)
	if _, err := hostModule.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, errs.Wrap(errs.Fatal, "failed to instantiate host module", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		rt.Close(ctx)
		return nil, errs.Wrap(errs.InvalidInput, "failed to instantiate guest module", err)
	}
	r.mod = mod

	return r, nil
}

// withFuel runs fn under a context deadline derived from
// max_execution_time_ms, translating a deadline-exceeded into the
// fuel_exhausted error a real fuel counter would produce.
func (r *Runtime) withFuel(ctx context.Context, entryPoint string, fn func(ctx context.Context) error) error {
	timeout := time.Duration(r.limits.MaxExecutionTimeMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(cctx)
	if cctx.Err() == context.DeadlineExceeded {
		metrics.FuelExhaustedTotal.Inc()
		metrics.GuestInvocationsTotal.WithLabelValues(entryPoint, "fuel_exhausted").Inc()
		return errs.New(errs.ResourceExhausted, "fuel_exhausted")
	}
	if err != nil {
		metrics.GuestInvocationsTotal.WithLabelValues(entryPoint, "trap").Inc()
		return errs.Wrap(errs.ResourceExhausted, "guest call trapped", err)
	}
	metrics.GuestInvocationsTotal.WithLabelValues(entryPoint, "ok").Inc()
	return nil
}

// CallInit invokes the guest's required init export.
func (r *Runtime) CallInit(ctx context.Context) error {
	return r.withFuel(ctx, "init", func(cctx context.Context) error {
		fn := r.mod.ExportedFunction("init")
		if fn == nil {
			return errs.New(errs.InvalidInput, "module has no init export")
		}
		_, err := fn.Call(cctx)
		return err
	})
}

// CallTick invokes the guest's required run export. A false result
// requests shutdown.
func (r *Runtime) CallTick(ctx context.Context) (bool, error) {
	var cont bool
	err := r.withFuel(ctx, "run", func(cctx context.Context) error {
		fn := r.mod.ExportedFunction("run")
		if fn == nil {
			return errs.New(errs.InvalidInput, "module has no run export")
		}
		results, err := fn.Call(cctx)
		if err != nil {
			return err
		}
		cont = len(results) > 0 && results[0] != 0
		return nil
	})
	return cont, err
}

// CallShutdown invokes the guest's required shutdown export.
func (r *Runtime) CallShutdown(ctx context.Context) error {
	return r.withFuel(ctx, "shutdown", func(cctx context.Context) error {
		fn := r.mod.ExportedFunction("shutdown")
		if fn == nil {
			return nil // shutdown is required by contract but tolerate its absence defensively
		}
		_, err := fn.Call(cctx)
		return err
	})
}

// CallExecuteBehavior invokes the guest's optional execute_behavior
// export for one scheduler tick of behavior id, reporting whether the
// behavior is now done. Guests that don't export it never see
// behavior-scoped callbacks; the scheduler then treats every tick as
// not-done, which is only correct for behaviors driven purely through
// handle_message. Behavior id is passed as a bare i64: name resolution
// is the guest's own responsibility, since there is no shared
// string-marshaling convention between host and guest exports here.
func (r *Runtime) CallExecuteBehavior(ctx context.Context, id uint64) (bool, error) {
	fn := r.mod.ExportedFunction("execute_behavior")
	if fn == nil {
		return false, nil
	}
	var done bool
	err := r.withFuel(ctx, "execute_behavior", func(cctx context.Context) error {
		results, err := fn.Call(cctx, id)
		if err != nil {
			return err
		}
		done = len(results) > 0 && results[0] != 0
		return nil
	})
	return done, err
}

// CallOnBehaviorStart invokes the guest's optional on_behavior_start
// export, if present.
func (r *Runtime) CallOnBehaviorStart(ctx context.Context, id uint64) error {
	fn := r.mod.ExportedFunction("on_behavior_start")
	if fn == nil {
		return nil
	}
	return r.withFuel(ctx, "on_behavior_start", func(cctx context.Context) error {
		_, err := fn.Call(cctx, id)
		return err
	})
}

// CallOnBehaviorEnd invokes the guest's optional on_behavior_end
// export, if present.
func (r *Runtime) CallOnBehaviorEnd(ctx context.Context, id uint64) error {
	fn := r.mod.ExportedFunction("on_behavior_end")
	if fn == nil {
		return nil
	}
	return r.withFuel(ctx, "on_behavior_end", func(cctx context.Context) error {
		_, err := fn.Call(cctx, id)
		return err
	})
}

// DeliverMessage appends msg to the guest-visible mailbox.
func (r *Runtime) DeliverMessage(msg types.Message) {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.Mailbox = append(r.host.Mailbox, msg)
}

// DrainOutbox returns and clears everything the guest queued for
// sending since the last drain.
func (r *Runtime) DrainOutbox() []types.Message {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	out := r.host.Outbox
	r.host.Outbox = nil
	return out
}

// RequestShutdown sets the flag the guest and supervisor both observe.
func (r *Runtime) RequestShutdown() {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.ShutdownRequested = true
}

// Snapshot captures linear memory, globals, and host-state. Host-state
// is captured structurally, not as raw bytes, so a future host-side
// layout change doesn't invalidate prior snapshots of the same module.
func (r *Runtime) Snapshot() (*types.AgentSnapshot, error) {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()

	mem := r.mod.Memory()
	var linear []byte
	if mem != nil {
		if buf, ok := mem.Read(0, mem.Size()); ok {
			linear = append([]byte(nil), buf...)
		}
	}

	var globals []uint64
	for i := uint32(0); ; i++ {
		g := r.mod.ExportedGlobal(fmt.Sprintf("g%d", i))
		if g == nil {
			break
		}
		globals = append(globals, g.Get())
	}

	storage := make(map[string][]byte, len(r.host.Storage))
	for k, v := range r.host.Storage {
		storage[k] = append([]byte(nil), v...)
	}

	return &types.AgentSnapshot{
		AgentID:      r.agentID,
		ModuleHash:   r.moduleHash,
		LinearMemory: linear,
		GuestGlobals: globals,
		Storage:      storage,
		PendingMessages: append([]types.Message(nil), r.host.Mailbox...),
	}, nil
}

// Restore installs a previously captured snapshot. It must be called
// after Instantiate with the same module; a hash mismatch is a Fatal
// error per the migration-atomicity invariant (source verifies
// snapshot.module_hash == local_module_hash before handing off).
func (r *Runtime) Restore(snap *types.AgentSnapshot) error {
	if snap.ModuleHash != r.moduleHash {
		return errs.New(errs.Fatal, "snapshot module_hash does not match instantiated module")
	}

	r.host.mu.Lock()
	defer r.host.mu.Unlock()

	if mem := r.mod.Memory(); mem != nil && len(snap.LinearMemory) > 0 {
		mem.Write(0, snap.LinearMemory)
	}
	for i, v := range snap.GuestGlobals {
		g := r.mod.ExportedGlobal(fmt.Sprintf("g%d", i))
		if g != nil {
			if mut, ok := g.(api.MutableGlobal); ok {
				mut.Set(v)
			}
		}
	}

	r.host.Storage = make(map[string][]byte, len(snap.Storage))
	for k, v := range snap.Storage {
		r.host.Storage[k] = append([]byte(nil), v...)
	}
	r.host.Mailbox = append([]types.Message(nil), snap.PendingMessages...)

	return nil
}

// ModuleHash returns the SHA-256 digest of the instantiated module.
func (r *Runtime) ModuleHash() [32]byte { return r.moduleHash }

// Close releases the wazero runtime and everything it owns.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}
