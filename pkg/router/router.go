// Package router decides, for each outbound message, whether to deliver
// locally or forward to a peer node: local index first, then a
// TTL-bounded directory cache, then a replicated directory read.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/acl"
	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/rs/zerolog"
)

// LocalDeliverer hands a message to a locally-hosted agent's mailbox.
// It reports whether the named agent is active locally.
type LocalDeliverer interface {
	DeliverLocal(agentName string, msg types.Message) bool
}

// DirectoryReader resolves an agent name to its owning node via the
// replicated directory.
type DirectoryReader interface {
	QueryAgent(name string) (*types.DirectoryAgentEntry, error)
}

// PeerForwarder sends a message to a named node's peer transport.
// Forwarding is fire-and-forget at the router; reliability is the
// sending protocol's responsibility.
type PeerForwarder interface {
	Forward(ctx context.Context, nodeID string, msg types.Message) error
}

type cacheEntry struct {
	nodeID    string
	cachedAt  time.Time
}

// Router is node-local; it holds no state shared across nodes beyond
// what it learns from the directory.
type Router struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration

	local     LocalDeliverer
	directory DirectoryReader
	forwarder PeerForwarder
	logger    zerolog.Logger
}

// New creates a Router with the given cache TTL for directory lookups.
func New(local LocalDeliverer, directory DirectoryReader, forwarder PeerForwarder, ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Router{
		cache:     make(map[string]cacheEntry),
		ttl:       ttl,
		local:     local,
		directory: directory,
		forwarder: forwarder,
		logger:    log.WithComponent("router"),
	}
}

// ErrReceiverNotFound is returned when neither the local index, cache,
// nor a directory read can resolve a receiver.
type ErrReceiverNotFound struct{ Name string }

func (e ErrReceiverNotFound) Error() string { return "router: receiver not found: " + e.Name }

// Route delivers msg to every entry in msg.Receivers, resolving each
// independently. It returns the first resolution error encountered, but
// always attempts every receiver first (a message is delivered
// identically to every receiver, so one bad address must not prevent
// delivery to the others).
func (r *Router) Route(ctx context.Context, msg types.Message) error {
	var firstErr error
	for _, receiver := range msg.Receivers {
		if err := r.routeOne(ctx, receiver, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) routeOne(ctx context.Context, receiver types.AgentId, msg types.Message) error {
	name, remote := acl.ParseName(receiver.Name)
	if remote != "" {
		// An explicit remote address bypasses the local index and
		// directory entirely; the transport dials it directly.
		err := r.forwarder.Forward(ctx, remote, msg)
		r.observe("remote_explicit", err)
		return err
	}

	if r.local.DeliverLocal(name, msg) {
		r.observe("local", nil)
		return nil
	}

	if nodeID, ok := r.cacheGet(name); ok {
		err := r.forwarder.Forward(ctx, nodeID, msg)
		r.observe("cached", err)
		return err
	}

	entry, err := r.directory.QueryAgent(name)
	if err != nil {
		r.observe("not_found", err)
		return errs.Wrap(errs.InvalidInput, "receiver not found", ErrReceiverNotFound{Name: name})
	}

	r.cachePut(name, entry.NodeID)
	err = r.forwarder.Forward(ctx, entry.NodeID, msg)
	r.observe("directory", err)
	return err
}

func (r *Router) observe(route string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RouterDeliveriesTotal.WithLabelValues(route, outcome).Inc()
}

func (r *Router) cacheGet(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[name]
	if !ok || time.Since(e.cachedAt) >= r.ttl {
		return "", false
	}
	return e.nodeID, true
}

func (r *Router) cachePut(name, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = cacheEntry{nodeID: nodeID, cachedAt: time.Now()}
	metrics.RouterCacheSize.Set(float64(len(r.cache)))
}

// Invalidate evicts name from the directory cache. Called on every
// applied log entry that mentions the cached name, so a stale forward
// target can't outlive the directory update that moved the agent.
func (r *Router) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
	metrics.RouterCacheSize.Set(float64(len(r.cache)))
}
