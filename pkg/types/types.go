// Package types holds the shared data model for the mesh runtime: agent
// identities, ACL messages, conversations, behaviors, snapshots, and the
// replicated-directory entries. Nothing in this package talks to the
// network or disk; it is pure data plus small helpers.
package types

import "time"

// AgentId identifies an agent uniquely within a logical cluster.
type AgentId struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
	Resolvers []string `json:"resolvers"`
}

// Performative is the FIPA-ACL speech-act kind of a Message.
type Performative string

const (
	PerfAcceptProposal Performative = "accept-proposal"
	PerfAgree          Performative = "agree"
	PerfCancel         Performative = "cancel"
	PerfCFP            Performative = "cfp"
	PerfFailure        Performative = "failure"
	PerfInform         Performative = "inform"
	PerfInformDone     Performative = "inform-done"
	PerfInformIf       Performative = "inform-if"
	PerfInformRef      Performative = "inform-ref"
	PerfInformResult   Performative = "inform-result"
	PerfNotUnderstood  Performative = "not-understood"
	PerfPropose        Performative = "propose"
	PerfProxy          Performative = "proxy"
	PerfQueryIf        Performative = "query-if"
	PerfQueryRef       Performative = "query-ref"
	PerfRefuse         Performative = "refuse"
	PerfRejectProposal Performative = "reject-proposal"
	PerfRequest        Performative = "request"
	PerfSubscribe      Performative = "subscribe"
)

// Message is an immutable FIPA-ACL message. Once constructed it is
// delivered identically to every entry in Receivers.
type Message struct {
	ID             string            `json:"id"`
	Performative   Performative      `json:"performative"`
	Sender         *AgentId          `json:"sender,omitempty"`
	Receivers      []AgentId         `json:"receivers"`
	ReplyTo        *AgentId          `json:"reply_to,omitempty"`
	Protocol       string            `json:"protocol,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	InReplyTo      string            `json:"in_reply_to,omitempty"`
	ReplyWith      string            `json:"reply_with,omitempty"`
	ReplyBy        *time.Time        `json:"reply_by,omitempty"`
	Language       string            `json:"language,omitempty"`
	Encoding       string            `json:"encoding,omitempty"`
	Ontology       string            `json:"ontology,omitempty"`
	Content        []byte            `json:"content,omitempty"`
	UserProperties map[string]string `json:"user_properties,omitempty"`
}

// ConversationRole is the side of the interaction an agent plays.
type ConversationRole string

const (
	RoleInitiator   ConversationRole = "initiator"
	RoleParticipant ConversationRole = "participant"
	RoleBroker      ConversationRole = "broker"
)

// Conversation is the owner-side bookkeeping for one conversation_id.
// History is append-only; lifetime ends when the protocol state machine
// reaches a terminal state.
type Conversation struct {
	ID              string
	Protocol        string
	Role            ConversationRole
	State           string
	MessageHistory  []Message
	Participants    []AgentId
	Deadline        *time.Time
	CreatedAt       time.Time
	ProtocolPayload []byte // serialize_state() output, opaque to this package
}

// BehaviorKind names a JADE-style behavior composition strategy.
type BehaviorKind string

const (
	BehaviorOneShot    BehaviorKind = "one_shot"
	BehaviorCyclic     BehaviorKind = "cyclic"
	BehaviorTicker     BehaviorKind = "ticker"
	BehaviorWaker      BehaviorKind = "waker"
	BehaviorSequential BehaviorKind = "sequential"
	BehaviorParallel   BehaviorKind = "parallel"
	BehaviorFSM        BehaviorKind = "fsm"
)

// BehaviorStatus is the scheduler-owned lifecycle state of a Behavior.
type BehaviorStatus string

const (
	BehaviorReady   BehaviorStatus = "ready"
	BehaviorRunning BehaviorStatus = "running"
	BehaviorBlocked BehaviorStatus = "blocked"
	BehaviorDone    BehaviorStatus = "done"
)

// CompletionPolicy governs when a Parallel behavior completes.
type CompletionPolicy string

const (
	CompletionAll CompletionPolicy = "all"
	CompletionAny CompletionPolicy = "any"
	CompletionN   CompletionPolicy = "n"
)

// FSMTransition is one edge of a behavior's FSM config: firing Event while
// in From moves to To.
type FSMTransition struct {
	From  string
	Event string
	To    string
}

// BehaviorConfig carries the kind-specific parameters of a Behavior. Only
// the fields relevant to Kind are populated.
type BehaviorConfig struct {
	IntervalMS      int64            // Ticker
	DelayMS         int64            // Waker
	SubIDs          []uint64         // Sequential, Parallel
	Completion      CompletionPolicy // Parallel
	CompletionN     int              // Parallel, when Completion == CompletionN
	InitialState    string           // FSM
	Transitions     []FSMTransition  // FSM
}

// Behavior is a scheduled unit of guest work, owned exclusively by its
// agent's scheduler. ID is monotonic per agent.
type Behavior struct {
	ID                uint64
	Name              string
	Kind              BehaviorKind
	Status            BehaviorStatus
	Config            BehaviorConfig
	LastRunMS         int64
	NextRunMS         int64
	RunCount          uint64
	FSMState          string
	SequentialIndex   int
	ParallelCompleted map[uint64]bool
	Started           bool
}

// AgentSnapshot is the complete, restorable state of one agent. Restoring
// it into a fresh runtime with the same module must yield behaviorally
// identical observables to the runtime it was taken from.
type AgentSnapshot struct {
	AgentID               AgentId
	ModuleHash            [32]byte
	ModuleBytes           []byte // optional; Task.Snapshot leaves it empty, and Supervisor.Migrate passes module bytes to Restore separately
	LinearMemory          []byte
	GuestGlobals          []uint64
	Storage               map[string][]byte
	Conversations         map[string]Conversation
	PendingMessages       []Message
	BehaviorSchedulerState SchedulerSnapshot
	MigrationHistory      []MigrationRecord
}

// SchedulerSnapshot is the host-structural (not byte) capture of the
// behavior scheduler's state.
type SchedulerSnapshot struct {
	NextBehaviorID uint64
	Behaviors      []Behavior
}

// MigrationRecord is one entry in an agent's migration history.
type MigrationRecord struct {
	FromNode  string
	ToNode    string
	StartedAt time.Time
	Completed bool
}

// DirectoryAgentEntry is the directory's record of where an agent lives.
type DirectoryAgentEntry struct {
	Name         string
	NodeID       string
	Capabilities []string
	UpdatedAt    time.Time
}

// DirectoryServiceEntry is the directory's record of one service provider.
type DirectoryServiceEntry struct {
	ServiceType  string
	Name         string
	Provider     AgentId
	NodeID       string
	Properties   map[string]string
	RegisteredAt time.Time
}

// LogPayloadKind tags the payload carried by a replicated LogEntry.
type LogPayloadKind string

const (
	LogPayloadBlank            LogPayloadKind = "blank"
	LogPayloadStateOp          LogPayloadKind = "state_op"
	LogPayloadMembershipChange LogPayloadKind = "membership_change"
)

// LogEntry is one entry of the replicated directory's log.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Kind    LogPayloadKind
	Payload []byte
}
