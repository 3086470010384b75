package directory

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory storage.Store for FSM tests; it needs
// none of BoltDB's durability since these tests only exercise Apply.
type memStore struct {
	agents   map[string]*types.DirectoryAgentEntry
	services map[string]*types.DirectoryServiceEntry
}

func newMemStore() *memStore {
	return &memStore{
		agents:   make(map[string]*types.DirectoryAgentEntry),
		services: make(map[string]*types.DirectoryServiceEntry),
	}
}

func (m *memStore) PutDirectoryAgent(e *types.DirectoryAgentEntry) error {
	m.agents[e.Name] = e
	return nil
}
func (m *memStore) GetDirectoryAgent(name string) (*types.DirectoryAgentEntry, error) {
	e, ok := m.agents[name]
	if !ok {
		return nil, errNotFound
	}
	return e, nil
}
func (m *memStore) ListDirectoryAgents() ([]*types.DirectoryAgentEntry, error) {
	var out []*types.DirectoryAgentEntry
	for _, e := range m.agents {
		out = append(out, e)
	}
	return out, nil
}
func (m *memStore) DeleteDirectoryAgent(name string) error {
	delete(m.agents, name)
	return nil
}
func (m *memStore) PutDirectoryService(e *types.DirectoryServiceEntry) error {
	m.services[e.ServiceType+"/"+e.Provider.Name] = e
	return nil
}
func (m *memStore) ListDirectoryServices() ([]*types.DirectoryServiceEntry, error) {
	var out []*types.DirectoryServiceEntry
	for _, e := range m.services {
		out = append(out, e)
	}
	return out, nil
}
func (m *memStore) DeleteDirectoryService(serviceType, provider string) error {
	delete(m.services, serviceType+"/"+provider)
	return nil
}
func (m *memStore) SaveAgentSnapshot(*types.AgentSnapshot) error       { return nil }
func (m *memStore) LoadAgentSnapshot(string) (*types.AgentSnapshot, error) { return nil, errNotFound }
func (m *memStore) DeleteAgentSnapshot(string) error                  { return nil }
func (m *memStore) ListAgentSnapshots() ([]string, error)             { return nil, nil }
func (m *memStore) SaveCA([]byte) error                               { return nil }
func (m *memStore) GetCA() ([]byte, error)                            { return nil, errNotFound }
func (m *memStore) Close() error                                      { return nil }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func applyCmd(t *testing.T, fsm *FSM, op Op, data interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	encoded, err := json.Marshal(Command{Op: op, Data: raw})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: encoded})
}

func TestFSMRegisterAndUnregisterAgent(t *testing.T) {
	store := newMemStore()
	fsm := NewFSM(store)

	res := applyCmd(t, fsm, OpRegisterAgent, registerAgentData{Name: "alice", NodeID: "node-1"})
	assert.Nil(t, res)

	entry, err := store.GetDirectoryAgent("alice")
	require.NoError(t, err)
	assert.Equal(t, "node-1", entry.NodeID)

	res = applyCmd(t, fsm, OpUnregisterAgent, unregisterAgentData{Name: "alice"})
	assert.Nil(t, res)
	_, err = store.GetDirectoryAgent("alice")
	assert.Error(t, err)
}

func TestFSMMigrateAgentIsAtomic(t *testing.T) {
	store := newMemStore()
	fsm := NewFSM(store)

	applyCmd(t, fsm, OpRegisterAgent, registerAgentData{Name: "bob", NodeID: "node-1"})
	applyCmd(t, fsm, OpMigrateAgent, migrateAgentData{Name: "bob", FromNode: "node-1", ToNode: "node-2"})

	entry, err := store.GetDirectoryAgent("bob")
	require.NoError(t, err)
	assert.Equal(t, "node-2", entry.NodeID, "exactly one node owns the agent after migration")
}

func TestFSMRegisterServiceReplacesPriorEntry(t *testing.T) {
	store := newMemStore()
	fsm := NewFSM(store)

	provider := types.AgentId{Name: "worker-1"}
	applyCmd(t, fsm, OpRegisterService, registerServiceData{
		ServiceType: "translate", Name: "v1", Provider: provider, NodeID: "node-1",
	})
	applyCmd(t, fsm, OpRegisterService, registerServiceData{
		ServiceType: "translate", Name: "v2", Provider: provider, NodeID: "node-1",
	})

	services, err := store.ListDirectoryServices()
	require.NoError(t, err)
	assert.Len(t, services, 1, "only one active entry per (service_type, provider)")
	assert.Equal(t, "v2", services[0].Name)
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	store := newMemStore()
	fsm := NewFSM(store)
	applyCmd(t, fsm, OpRegisterAgent, registerAgentData{Name: "carol", NodeID: "node-3"})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &fakeSink{Buffer: &buf}
	require.NoError(t, snap.(*fsmSnapshot).Persist(sink))

	restoreStore := newMemStore()
	restoreFSM := NewFSM(restoreStore)
	require.NoError(t, restoreFSM.Restore(io.NopCloser(&buf)))

	entry, err := restoreStore.GetDirectoryAgent("carol")
	require.NoError(t, err)
	assert.Equal(t, "node-3", entry.NodeID)
}

func TestFSMRegisterNodeResolvesAddr(t *testing.T) {
	fsm := NewFSM(newMemStore())

	_, ok := fsm.NodeAddr("node-1")
	assert.False(t, ok)

	res := applyCmd(t, fsm, OpRegisterNode, registerNodeData{NodeID: "node-1", Addr: "10.0.0.1:7000"})
	assert.Nil(t, res)

	addr, ok := fsm.NodeAddr("node-1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", addr)
}

type fakeSink struct{ *bytes.Buffer }

func (f *fakeSink) ID() string          { return "snap-1" }
func (f *fakeSink) Cancel() error       { return nil }
func (f *fakeSink) Close() error        { return nil }
