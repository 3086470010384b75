package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocal struct {
	delivered map[string][]types.Message
	has       map[string]bool
}

func newFakeLocal(names ...string) *fakeLocal {
	has := make(map[string]bool)
	for _, n := range names {
		has[n] = true
	}
	return &fakeLocal{delivered: make(map[string][]types.Message), has: has}
}

func (f *fakeLocal) DeliverLocal(name string, msg types.Message) bool {
	if !f.has[name] {
		return false
	}
	f.delivered[name] = append(f.delivered[name], msg)
	return true
}

type fakeDirectory struct {
	entries map[string]*types.DirectoryAgentEntry
	calls   int
}

func (f *fakeDirectory) QueryAgent(name string) (*types.DirectoryAgentEntry, error) {
	f.calls++
	e, ok := f.entries[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return e, nil
}

type fakeForwarder struct {
	forwarded []string
}

func (f *fakeForwarder) Forward(ctx context.Context, nodeID string, msg types.Message) error {
	f.forwarded = append(f.forwarded, nodeID)
	return nil
}

func testMsg(receiver string) types.Message {
	return types.Message{Receivers: []types.AgentId{{Name: receiver}}}
}

func TestRouteDeliversLocallyWhenPresent(t *testing.T) {
	local := newFakeLocal("alice")
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Minute)

	err := r.Route(context.Background(), testMsg("alice"))
	require.NoError(t, err)
	assert.Len(t, local.delivered["alice"], 1)
	assert.Equal(t, 0, dir.calls)
	assert.Empty(t, fwd.forwarded)
}

func TestRouteFallsBackToDirectoryThenCaches(t *testing.T) {
	local := newFakeLocal()
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{
		"bob": {Name: "bob", NodeID: "node-2"},
	}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Minute)

	require.NoError(t, r.Route(context.Background(), testMsg("bob")))
	assert.Equal(t, []string{"node-2"}, fwd.forwarded)
	assert.Equal(t, 1, dir.calls)

	require.NoError(t, r.Route(context.Background(), testMsg("bob")))
	assert.Equal(t, 1, dir.calls, "second route should hit the cache, not the directory")
	assert.Equal(t, []string{"node-2", "node-2"}, fwd.forwarded)
}

func TestRouteExpiresCacheEntryAfterTTL(t *testing.T) {
	local := newFakeLocal()
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{
		"carol": {Name: "carol", NodeID: "node-3"},
	}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Millisecond)

	require.NoError(t, r.Route(context.Background(), testMsg("carol")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Route(context.Background(), testMsg("carol")))
	assert.Equal(t, 2, dir.calls)
}

func TestRouteReturnsErrorForUnknownReceiver(t *testing.T) {
	local := newFakeLocal()
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Minute)

	err := r.Route(context.Background(), testMsg("ghost"))
	assert.Error(t, err)
}

func TestRouteAttemptsAllReceiversDespiteOneFailure(t *testing.T) {
	local := newFakeLocal("alice")
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Minute)

	msg := types.Message{Receivers: []types.AgentId{{Name: "ghost"}, {Name: "alice"}}}
	err := r.Route(context.Background(), msg)
	assert.Error(t, err)
	assert.Len(t, local.delivered["alice"], 1, "valid receiver still gets delivery despite the other failing")
}

func TestInvalidateEvictsCacheEntry(t *testing.T) {
	local := newFakeLocal()
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{
		"dave": {Name: "dave", NodeID: "node-4"},
	}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Minute)

	require.NoError(t, r.Route(context.Background(), testMsg("dave")))
	assert.Equal(t, 1, dir.calls)

	r.Invalidate("dave")
	require.NoError(t, r.Route(context.Background(), testMsg("dave")))
	assert.Equal(t, 2, dir.calls, "invalidated entry must be re-fetched from the directory")
}

func TestRouteExplicitRemoteAddressBypassesLocalAndDirectory(t *testing.T) {
	local := newFakeLocal()
	dir := &fakeDirectory{entries: map[string]*types.DirectoryAgentEntry{}}
	fwd := &fakeForwarder{}
	r := New(local, dir, fwd, time.Minute)

	err := r.Route(context.Background(), testMsg("erin@cluster-b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster-b"}, fwd.forwarded)
	assert.Equal(t, 0, dir.calls)
}
