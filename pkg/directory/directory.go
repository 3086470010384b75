package directory

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/storage"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures a Directory's raft node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// raftConfig passes ElectionTimeoutMin to raft as HeartbeatTimeout,
	// ElectionTimeoutMax as ElectionTimeout, and HeartbeatInterval as
	// LeaderLeaseTimeout; the election timeout is not sampled from
	// [ElectionTimeoutMin, ElectionTimeoutMax] by this package.
	// HeartbeatInterval must stay strictly below ElectionTimeoutMin.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

func (c *Config) withDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 500 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 1000 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 250 * time.Millisecond
	}
}

// Directory is the cluster-wide replicated agent/service location map.
type Directory struct {
	cfg    Config
	raft   *raft.Raft
	fsm    *FSM
	store  storage.Store
	logger zerolog.Logger
}

// New creates a Directory with its raft node not yet started.
func New(cfg Config, store storage.Store) *Directory {
	cfg.withDefaults()
	return &Directory{
		cfg:    cfg,
		fsm:    NewFSM(store),
		store:  store,
		logger: log.WithNodeID(cfg.NodeID),
	}
}

func (d *Directory) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(d.cfg.NodeID)
	rc.HeartbeatTimeout = d.cfg.ElectionTimeoutMin
	rc.ElectionTimeout = d.cfg.ElectionTimeoutMax
	rc.LeaderLeaseTimeout = d.cfg.HeartbeatInterval
	return rc
}

func (d *Directory) newRaft() (*raft.Raft, raft.Transport, error) {
	addr, err := net.ResolveTCPAddr("tcp", d.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(d.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(d.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(d.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(d.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(d.raftConfig(), d.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft node: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand-new single-node cluster with this directory
// as the only member.
func (d *Directory) Bootstrap() error {
	r, transport, err := d.newRaft()
	if err != nil {
		return err
	}
	d.raft = r

	cfg := raft.Configuration{Servers: []raft.Server{
		{ID: raft.ServerID(d.cfg.NodeID), Address: transport.LocalAddr()},
	}}
	if err := d.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts raft without bootstrapping; the node takes part in the
// cluster once the existing leader admits it with AddVoter.
func (d *Directory) Join() error {
	r, _, err := d.newRaft()
	if err != nil {
		return err
	}
	d.raft = r
	return nil
}

// AddVoter is called on the current leader to admit a new node. Per
// spec, membership changes are single-step: one node added or removed
// per committed configuration entry.
func (d *Directory) AddVoter(nodeID, addr string) error {
	if d.raft.State() != raft.Leader {
		return errs.New(errs.Transient, "not the leader")
	}
	return d.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// RemoveServer is called on the current leader to evict a node.
func (d *Directory) RemoveServer(nodeID string) error {
	if d.raft.State() != raft.Leader {
		return errs.New(errs.Transient, "not the leader")
	}
	return d.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds leadership.
func (d *Directory) IsLeader() bool {
	leader := d.raft.State() == raft.Leader
	if leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	return leader
}

func (d *Directory) apply(op Op, data interface{}) error {
	if !d.IsLeader() {
		return errs.New(errs.Transient, "directory write must go through the leader")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "failed to encode directory command", err)
	}
	cmd := Command{Op: op, Data: raw}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "failed to encode directory command", err)
	}

	timer := metrics.NewTimer()
	future := d.raft.Apply(encoded, 10*time.Second)
	timer.ObserveDuration(metrics.RaftApplyDuration)

	if err := future.Error(); err != nil {
		return errs.Wrap(errs.Transient, "raft apply failed", err)
	}
	if res := future.Response(); res != nil {
		if resErr, ok := res.(error); ok {
			return resErr
		}
	}
	return nil
}

// RegisterAgent upserts the directory's record of which node owns name.
func (d *Directory) RegisterAgent(name, nodeID string, capabilities []string) error {
	return d.apply(OpRegisterAgent, registerAgentData{Name: name, NodeID: nodeID, Capabilities: capabilities})
}

// UnregisterAgent removes name's directory entry; missing is a no-op.
func (d *Directory) UnregisterAgent(name string) error {
	return d.apply(OpUnregisterAgent, unregisterAgentData{Name: name})
}

// RegisterService registers provider as serving serviceType.
func (d *Directory) RegisterService(serviceType, name string, provider types.AgentId, nodeID string, properties map[string]string) error {
	return d.apply(OpRegisterService, registerServiceData{
		ServiceType: serviceType, Name: name, Provider: provider, NodeID: nodeID, Properties: properties,
	})
}

// UnregisterService removes the (serviceType, provider) entry.
func (d *Directory) UnregisterService(serviceType, provider string) error {
	return d.apply(OpUnregisterService, unregisterServiceData{ServiceType: serviceType, Provider: provider})
}

// MigrateAgent commits the unregister-from-source and register-on-target
// halves of a live migration as a single log entry, so the directory
// never shows the agent on two nodes or on none.
func (d *Directory) MigrateAgent(name, fromNode, toNode string, capabilities []string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MigrationDuration)

	err := d.apply(OpMigrateAgent, migrateAgentData{
		Name: name, FromNode: fromNode, ToNode: toNode, Capabilities: capabilities,
	})
	if err != nil {
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.MigrationsTotal.WithLabelValues("success").Inc()
	return nil
}

// QueryAgent performs a linearizable read of name's directory entry.
// Reads are served locally after confirming leadership via a raft
// barrier. On a follower the barrier fails and QueryAgent returns a
// Transient error; the read is not forwarded to the leader.
func (d *Directory) QueryAgent(name string) (*types.DirectoryAgentEntry, error) {
	if err := d.raft.Barrier(5 * time.Second).Error(); err != nil {
		return nil, errs.Wrap(errs.Transient, "leadership confirmation failed", err)
	}
	entry, err := d.store.GetDirectoryAgent(name)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "agent not found", err)
	}
	metrics.DirectoryAgentsTotal.Set(float64(len(mustList(d.store))))
	return entry, nil
}

// RegisterNode records nodeID's transport dial address so peers can
// resolve it through NodeAddr. Called by a bootstrapping node for
// itself and by the leader when it admits a joining node.
func (d *Directory) RegisterNode(nodeID, addr string) error {
	return d.apply(OpRegisterNode, registerNodeData{NodeID: nodeID, Addr: addr})
}

// NodeAddr resolves nodeID to its transport dial address, satisfying
// transport.AddressResolver. Unlike QueryAgent it skips the leadership
// barrier: node addresses change far less often than agent placement,
// and a stale address only costs a redial, not an incorrect route.
func (d *Directory) NodeAddr(nodeID string) (string, error) {
	addr, ok := d.fsm.NodeAddr(nodeID)
	if !ok {
		return "", errs.New(errs.InvalidInput, "no known address for node "+nodeID)
	}
	return addr, nil
}

// QueryServices returns all providers of serviceType.
func (d *Directory) QueryServices(serviceType string) ([]*types.DirectoryServiceEntry, error) {
	all, err := d.store.ListDirectoryServices()
	if err != nil {
		return nil, err
	}
	var out []*types.DirectoryServiceEntry
	for _, s := range all {
		if s.ServiceType == serviceType {
			out = append(out, s)
		}
	}
	return out, nil
}

func mustList(store storage.Store) []*types.DirectoryAgentEntry {
	entries, err := store.ListDirectoryAgents()
	if err != nil {
		return nil
	}
	return entries
}

// Shutdown gracefully stops the raft node.
func (d *Directory) Shutdown() error {
	if d.raft == nil {
		return nil
	}
	return d.raft.Shutdown().Error()
}
