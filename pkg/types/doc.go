/*
Package types defines the core data structures shared across the mesh
runtime.

This package contains the fundamental types that represent the system's
domain model: agent identities, ACL messages, conversations, behaviors,
agent snapshots, and the replicated directory's entries. These types are
used by every other package for state management, message passing, and
scheduling.

# Core Types

Agent Identity and Messaging:
  - AgentId: name, transport addresses, and resolver hints for an agent
  - Message: an immutable FIPA-ACL message
  - Performative: the speech-act kind of a Message
  - Conversation: owner-side state for one conversation_id

Behavior Scheduling:
  - Behavior: a scheduled unit of guest work
  - BehaviorKind: OneShot, Cyclic, Ticker, Waker, Sequential, Parallel, FSM
  - BehaviorConfig: kind-specific parameters
  - SchedulerSnapshot: the structural capture of one agent's scheduler

Snapshot and Migration:
  - AgentSnapshot: the complete, restorable state of one agent
  - MigrationRecord: one entry in an agent's migration history

Replicated Directory:
  - DirectoryAgentEntry: where an agent currently lives
  - DirectoryServiceEntry: a registered service provider
  - LogEntry: one entry of the replicated log

All types are designed to be serializable (JSON for persistence and
snapshots) and safe to copy by value where small, with pointers reserved
for update-in-place call sites.
*/
package types
