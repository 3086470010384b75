// Package acl provides construction and addressing helpers for FIPA-ACL
// messages and the per-conversation bookkeeping record. The protocol
// state machines in pkg/protocol consume these types directly; nothing
// here understands protocol semantics.
package acl

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/google/uuid"
)

// NewMessage constructs an immutable Message with a fresh id. Callers
// must not mutate the returned value's Receivers slice afterward since a
// Message is delivered identically to every receiver.
func NewMessage(perf types.Performative, sender types.AgentId, receivers []types.AgentId, content []byte) types.Message {
	return types.Message{
		ID:           uuid.NewString(),
		Performative: perf,
		Sender:       &sender,
		Receivers:    append([]types.AgentId(nil), receivers...),
		Content:      content,
	}
}

// Reply builds a response to msg addressed back to its sender (or
// ReplyTo, if set), preserving the conversation id and setting
// InReplyTo to the original message's ReplyWith (falling back to its
// id).
func Reply(msg types.Message, from types.AgentId, perf types.Performative, content []byte) types.Message {
	target := msg.Sender
	if msg.ReplyTo != nil {
		target = msg.ReplyTo
	}
	var receivers []types.AgentId
	if target != nil {
		receivers = []types.AgentId{*target}
	}

	inReplyTo := msg.ReplyWith
	if inReplyTo == "" {
		inReplyTo = msg.ID
	}

	reply := NewMessage(perf, from, receivers, content)
	reply.Protocol = msg.Protocol
	reply.ConversationID = msg.ConversationID
	reply.InReplyTo = inReplyTo
	return reply
}

// ParseName splits an agent address of the form "name", "name@platform",
// or "name@scheme://host:port" into its local name and remote part. The
// remote part is empty for a bare local-cluster name.
func ParseName(addr string) (name, remote string) {
	idx := strings.IndexByte(addr, '@')
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

// IsLocalClusterName reports whether addr names an agent within the
// local logical cluster, i.e. carries no "@platform" or "@scheme://"
// suffix.
func IsLocalClusterName(addr string) bool {
	_, remote := ParseName(addr)
	return remote == ""
}

// NewConversation starts owner-side bookkeeping for a fresh
// conversation id. The caller supplies the initial protocol state name;
// pkg/protocol machines define what that name means.
func NewConversation(id, protocol string, role types.ConversationRole, initialState string, deadline *time.Time) types.Conversation {
	return types.Conversation{
		ID:        id,
		Protocol:  protocol,
		Role:      role,
		State:     initialState,
		Deadline:  deadline,
		CreatedAt: time.Now(),
	}
}

// Append records msg in the conversation's append-only history.
func Append(conv *types.Conversation, msg types.Message) {
	conv.MessageHistory = append(conv.MessageHistory, msg)
}

// Expired reports whether conv's deadline, if any, has passed as of now.
func Expired(conv types.Conversation, now time.Time) bool {
	return conv.Deadline != nil && now.After(*conv.Deadline)
}

// ErrUnknownProtocol is returned when a message names a protocol with no
// registered state machine.
type ErrUnknownProtocol struct{ Protocol string }

func (e ErrUnknownProtocol) Error() string {
	return fmt.Sprintf("acl: unknown protocol %q", e.Protocol)
}
