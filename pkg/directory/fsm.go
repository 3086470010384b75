// Package directory implements the cluster-wide replicated directory:
// a leader-elected raft log applied to an in-memory (and BoltDB-backed)
// map of agent locations and service providers. Router and supervisor
// consult it to resolve names and to commit atomic migration handoffs.
package directory

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/agentmesh/mesh/pkg/storage"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/hashicorp/raft"
)

// Op names one directory state-machine operation, applied in log order.
type Op string

const (
	OpRegisterAgent     Op = "register_agent"
	OpUnregisterAgent   Op = "unregister_agent"
	OpRegisterService   Op = "register_service"
	OpUnregisterService Op = "unregister_service"
	// OpMigrateAgent atomically unregisters an agent from its source
	// node and registers it on the target in a single committed log
	// entry, so the directory never shows the agent on two nodes or on
	// none between those two halves.
	OpMigrateAgent Op = "migrate_agent"
	// OpRegisterNode records a node's transport dial address so peers
	// can resolve a directory entry's NodeID to an address for
	// pkg/transport. It is replicated alongside agent/service state
	// rather than read from static config, since membership changes
	// (a node rejoining with a new address) need the same consistency
	// guarantees as agent location.
	OpRegisterNode Op = "register_node"
)

// Command is the tagged payload carried by every log entry: Op selects
// how Data is interpreted.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

type registerAgentData struct {
	Name         string   `json:"name"`
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
}

type unregisterAgentData struct {
	Name string `json:"name"`
}

type registerServiceData struct {
	ServiceType string            `json:"service_type"`
	Name        string            `json:"name"`
	Provider    types.AgentId     `json:"provider"`
	NodeID      string            `json:"node_id"`
	Properties  map[string]string `json:"properties"`
}

type unregisterServiceData struct {
	ServiceType string `json:"service_type"`
	Provider    string `json:"provider"`
}

type migrateAgentData struct {
	Name         string   `json:"name"`
	FromNode     string   `json:"from_node"`
	ToNode       string   `json:"to_node"`
	Capabilities []string `json:"capabilities"`
}

type registerNodeData struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// FSM implements raft.FSM over a storage.Store. Apply and Restore are
// the only mutators; all reads it drives are servable without a log replay
// because every applied entry is written through to the store.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
	nodes map[string]string
}

// NewFSM creates a directory FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store, nodes: make(map[string]string)}
}

// NodeAddr returns the transport dial address last registered for
// nodeID, or false if none is known yet.
func (f *FSM) NodeAddr(nodeID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	addr, ok := f.nodes[nodeID]
	return addr, ok
}

// Apply applies one committed raft.Log entry to the directory.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("directory: failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpRegisterAgent:
		var d registerAgentData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.PutDirectoryAgent(&types.DirectoryAgentEntry{
			Name: d.Name, NodeID: d.NodeID, Capabilities: d.Capabilities,
		})

	case OpUnregisterAgent:
		var d unregisterAgentData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.DeleteDirectoryAgent(d.Name)

	case OpRegisterService:
		var d registerServiceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		// First remove any prior entry with the same (service_type, provider).
		if err := f.store.DeleteDirectoryService(d.ServiceType, d.Provider.Name); err != nil {
			return err
		}
		return f.store.PutDirectoryService(&types.DirectoryServiceEntry{
			ServiceType: d.ServiceType, Name: d.Name, Provider: d.Provider,
			NodeID: d.NodeID, Properties: d.Properties,
		})

	case OpUnregisterService:
		var d unregisterServiceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.DeleteDirectoryService(d.ServiceType, d.Provider)

	case OpMigrateAgent:
		var d migrateAgentData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		if err := f.store.DeleteDirectoryAgent(d.Name); err != nil {
			return err
		}
		return f.store.PutDirectoryAgent(&types.DirectoryAgentEntry{
			Name: d.Name, NodeID: d.ToNode, Capabilities: d.Capabilities,
		})

	case OpRegisterNode:
		var d registerNodeData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		f.nodes[d.NodeID] = d.Addr
		return nil

	default:
		return fmt.Errorf("directory: unknown op %q", cmd.Op)
	}
}

// Snapshot captures the full directory state for raft's snapshotting.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	agents, err := f.store.ListDirectoryAgents()
	if err != nil {
		return nil, err
	}
	services, err := f.store.ListDirectoryServices()
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]string, len(f.nodes))
	for k, v := range f.nodes {
		nodes[k] = v
	}
	return &fsmSnapshot{Agents: agents, Services: services, Nodes: nodes}, nil
}

// Restore installs a snapshot, superseding all preceding log entries.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.store.ListDirectoryAgents()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if err := f.store.DeleteDirectoryAgent(e.Name); err != nil {
			return err
		}
	}
	for _, a := range snap.Agents {
		if err := f.store.PutDirectoryAgent(a); err != nil {
			return err
		}
	}

	existingSvc, err := f.store.ListDirectoryServices()
	if err != nil {
		return err
	}
	for _, s := range existingSvc {
		if err := f.store.DeleteDirectoryService(s.ServiceType, s.Provider.Name); err != nil {
			return err
		}
	}
	for _, s := range snap.Services {
		if err := f.store.PutDirectoryService(s); err != nil {
			return err
		}
	}

	f.nodes = make(map[string]string, len(snap.Nodes))
	for k, v := range snap.Nodes {
		f.nodes[k] = v
	}

	return nil
}

type fsmSnapshot struct {
	Agents   []*types.DirectoryAgentEntry   `json:"agents"`
	Services []*types.DirectoryServiceEntry `json:"services"`
	Nodes    map[string]string              `json:"nodes"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

func (s *fsmSnapshot) Release() {}
