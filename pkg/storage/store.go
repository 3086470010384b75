// Package storage defines the durable-state interface backing the
// replicated directory's FSM and per-agent snapshots, plus a BoltDB-backed
// implementation.
package storage

import "github.com/agentmesh/mesh/pkg/types"

// Store defines the interface for node-local durable state. A node's
// directory FSM writes through it on every applied log entry so directory
// reads are servable without a log replay, and pkg/security keeps the
// cluster CA in it. The agent-snapshot methods have no caller in this
// module outside the Store implementations.
type Store interface {
	// Directory: agent location entries
	PutDirectoryAgent(entry *types.DirectoryAgentEntry) error
	GetDirectoryAgent(name string) (*types.DirectoryAgentEntry, error)
	ListDirectoryAgents() ([]*types.DirectoryAgentEntry, error)
	DeleteDirectoryAgent(name string) error

	// Directory: service provider entries
	PutDirectoryService(entry *types.DirectoryServiceEntry) error
	ListDirectoryServices() ([]*types.DirectoryServiceEntry, error)
	DeleteDirectoryService(serviceType, provider string) error

	// Agent snapshots
	SaveAgentSnapshot(snap *types.AgentSnapshot) error
	LoadAgentSnapshot(name string) (*types.AgentSnapshot, error)
	DeleteAgentSnapshot(name string) error
	ListAgentSnapshots() ([]string, error)

	// Certificate authority material for peer mTLS
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
