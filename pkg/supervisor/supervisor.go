// Package supervisor owns agent lifecycle on one node: spawning tasks,
// applying restart policy on failure, and driving the live-migration
// handoff with the replicated directory.
package supervisor

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/agent"
	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/events"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/rs/zerolog"
)

// DirectoryClient is the slice of the replicated directory the
// supervisor needs to commit a migration handoff.
type DirectoryClient interface {
	MigrateAgent(name, fromNode, toNode string, capabilities []string) error
}

// MigrationTarget accepts a restored agent on the receiving node. This
// module implements it only in tests: pkg/transport's Envelope carries
// ACL messages only, so there is no cross-node target here.
type MigrationTarget interface {
	Restore(ctx context.Context, snapshot *types.AgentSnapshot, moduleBytes []byte) error
}

type managed struct {
	task        *agent.Task
	restart     RestartStrategy
	moduleBytes []byte
	capabilities []string
	cancel      context.CancelFunc
	runDone     chan struct{}
}

// Supervisor owns every agent task running on this node.
type Supervisor struct {
	mu     sync.RWMutex
	nodeID string
	agents map[string]*managed

	directory DirectoryClient
	events    *events.Broker
	logger    zerolog.Logger
}

// New creates a Supervisor for nodeID, committing migrations through
// directory and publishing lifecycle events to broker.
func New(nodeID string, directory DirectoryClient, broker *events.Broker) *Supervisor {
	return &Supervisor{
		nodeID:    nodeID,
		agents:    make(map[string]*managed),
		directory: directory,
		events:    broker,
		logger:    log.WithNodeID(nodeID),
	}
}

// Spawn starts task under restart supervision. moduleBytes and
// capabilities are retained so a future migration can hand them to the
// target node without re-fetching them.
func (s *Supervisor) Spawn(name string, task *agent.Task, moduleBytes []byte, capabilities []string, restart RestartStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m := &managed{
		task:         task,
		restart:      restart,
		moduleBytes:  moduleBytes,
		capabilities: capabilities,
		cancel:       cancel,
		runDone:      make(chan struct{}),
	}
	s.agents[name] = m
	s.events.Publish(&events.Event{Type: events.EventAgentSpawned, AgentID: name, NodeID: s.nodeID})

	go s.supervise(ctx, name, m)
}

// supervise runs task.Run and, on a non-nil error, consults the restart
// strategy: it either respawns after the reported delay or gives up and
// removes the agent.
func (s *Supervisor) supervise(ctx context.Context, name string, m *managed) {
	defer close(m.runDone)

	for {
		err := m.task.Run(ctx)
		if err == nil {
			return // clean shutdown, not a failure
		}
		if ctx.Err() != nil {
			return // cancelled by Stop
		}

		s.logger.Error().Err(err).Str("agent", name).Msg("agent task failed")
		s.events.PublishFatal(name, s.nodeID, err.Error(), nil)

		restart, delay := m.restart.Next(time.Now())
		metrics.AgentRestartsTotal.WithLabelValues(m.restart.Name()).Inc()
		if !restart {
			s.mu.Lock()
			delete(s.agents, name)
			s.mu.Unlock()
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		s.events.Publish(&events.Event{Type: events.EventAgentRestarted, AgentID: name, NodeID: s.nodeID})
	}
}

// Stop cancels name's task and waits for its run loop to exit.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	m, ok := s.agents[name]
	if ok {
		delete(s.agents, name)
	}
	s.mu.Unlock()

	if !ok {
		return errs.New(errs.InvalidInput, "no such agent: "+name)
	}

	m.task.Stop()
	m.cancel()
	<-m.runDone
	s.events.Publish(&events.Event{Type: events.EventAgentStopped, AgentID: name, NodeID: s.nodeID})
	return nil
}

// Deliver hands msg to name's mailbox unless the agent is mid-migration,
// in which case it is rejected so the caller's protocol layer can retry
// against the new owner once the directory reflects the handoff.
func (s *Supervisor) Deliver(name string, msg types.Message) error {
	s.mu.RLock()
	m, ok := s.agents[name]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.InvalidInput, "no such agent: "+name)
	}
	if m.task.IsMigrating() {
		return errs.New(errs.Transient, "agent is migrating: "+name)
	}
	return m.task.Deliver(msg)
}

// DeliverLocal satisfies router.LocalDeliverer: it reports whether name
// is hosted on this node at all, so the router can fall through to the
// directory for anything it doesn't own. A locally-hosted agent that
// rejects the message (full mailbox, mid-migration) still counts as
// handled here — the message isn't the router's concern to retry
// elsewhere once it resolves to this node.
func (s *Supervisor) DeliverLocal(name string, msg types.Message) bool {
	s.mu.RLock()
	_, ok := s.agents[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.Deliver(name, msg); err != nil {
		s.logger.Warn().Err(err).Str("agent", name).Msg("local delivery failed")
	}
	return true
}

// Migrate runs the live-migration handoff documented in the migration
// protocol: mark migrating, quiesce, snapshot, verify the module hash,
// hand the snapshot to target, and only then commit the atomic
// unregister/register pair to the directory. Any failure before the
// directory commit reverts is_migrating so the source keeps owning the
// agent; the caller is responsible for retrying.
func (s *Supervisor) Migrate(ctx context.Context, name, toNode string, target MigrationTarget) error {
	s.mu.RLock()
	m, ok := s.agents[name]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.InvalidInput, "no such agent: "+name)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MigrationDuration)

	m.task.SetMigrating(true)
	revert := func() { m.task.SetMigrating(false) }

	if err := m.task.Quiesce(ctx); err != nil {
		revert()
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		return errs.Wrap(errs.Fatal, "quiesce before migration failed", err)
	}

	snap, err := m.task.Snapshot()
	if err != nil {
		revert()
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		return errs.Wrap(errs.Fatal, "snapshot for migration failed", err)
	}

	hash := m.task.ModuleHash()
	if !bytes.Equal(snap.ModuleHash[:], hash[:]) {
		revert()
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		return errs.New(errs.Fatal, "module hash mismatch on migration snapshot")
	}

	if err := target.Restore(ctx, snap, m.moduleBytes); err != nil {
		revert()
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		s.events.Publish(&events.Event{Type: events.EventMigrationFailed, AgentID: name, NodeID: s.nodeID})
		return errs.Wrap(errs.Transient, "target failed to accept migration", err)
	}

	if err := s.directory.MigrateAgent(name, s.nodeID, toNode, m.capabilities); err != nil {
		revert()
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		s.events.Publish(&events.Event{Type: events.EventMigrationFailed, AgentID: name, NodeID: s.nodeID})
		return errs.Wrap(errs.Transient, "directory commit failed", err)
	}

	// Atomic commit succeeded: the target now owns name. Discard the
	// local instance; any message still queued at source after this
	// point is the router's concern to re-resolve through the
	// directory, not this supervisor's.
	if err := s.Stop(name); err != nil {
		s.logger.Warn().Err(err).Str("agent", name).Msg("failed to discard source instance after migration")
	}

	metrics.MigrationsTotal.WithLabelValues("success").Inc()
	s.events.Publish(&events.Event{Type: events.EventMigrationDone, AgentID: name, NodeID: s.nodeID})
	return nil
}
