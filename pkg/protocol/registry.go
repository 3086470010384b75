package protocol

import (
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/acl"
	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/types"
)

// conversationEntry pairs a conversation's state machine with the
// deadline sourced from the first message that carried one. A deadline
// observed after it has already passed force-completes the
// conversation without ever reaching the machine.
type conversationEntry struct {
	machine  Machine
	deadline *time.Time
}

// Registry is one agent's conversation-id -> state machine map, consulted
// before every guest dispatch. A conversation is created on first
// message bearing a new id that names a known protocol and removed once
// its machine reaches a terminal state.
type Registry struct {
	mu      sync.Mutex
	byConvo map[string]*conversationEntry
}

// NewRegistry creates an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{byConvo: make(map[string]*conversationEntry)}
}

// Step looks up (or creates) the conversation named by msg's
// conversation_id, validates and processes msg against it, and retires
// the conversation once its machine reaches a terminal state.
//
// A conversation whose ReplyBy deadline has already passed by the time
// the next message arrives is force-completed as Outcome{Kind:
// OutcomeFailed, Reason: "deadline_exceeded"} instead of being stepped
// through its machine; msg is not applied and the conversation is
// retired.
func (r *Registry) Step(msg types.Message) (Outcome, error) {
	if msg.ConversationID == "" {
		return Outcome{}, errs.New(errs.InvalidInput, "message has no conversation_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConvo[msg.ConversationID]
	if ok && acl.Expired(types.Conversation{Deadline: entry.deadline}, time.Now()) {
		delete(r.byConvo, msg.ConversationID)
		return Outcome{Kind: OutcomeFailed, Reason: "deadline_exceeded"}, nil
	}

	if !ok {
		nm, err := New(Name(msg.Protocol))
		if err != nil {
			return Outcome{}, err
		}
		entry = &conversationEntry{machine: nm, deadline: msg.ReplyBy}
		r.byConvo[msg.ConversationID] = entry
	} else if entry.deadline == nil {
		entry.deadline = msg.ReplyBy
	}

	outcome, err := entry.machine.Process(msg)
	if entry.machine.IsComplete() || entry.machine.IsFailed() {
		delete(r.byConvo, msg.ConversationID)
	}
	return outcome, err
}

// Get returns the machine for an existing conversation, if any.
func (r *Registry) Get(conversationID string) (Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byConvo[conversationID]
	if !ok {
		return nil, false
	}
	return entry.machine, true
}

// Put installs a machine under conversationID, for restoring a snapshot
// or for tests that need a specific starting configuration (e.g. an
// auction with a non-zero reserve price).
func (r *Registry) Put(conversationID string, m Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConvo[conversationID] = &conversationEntry{machine: m}
}

// Remove drops a conversation's machine, e.g. after a deadline expiry
// forces it to Failed externally.
func (r *Registry) Remove(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConvo, conversationID)
}

// Len reports how many conversations are currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConvo)
}
