package transport

import "github.com/agentmesh/mesh/pkg/types"

// Envelope is the wire frame carried between nodes: every ACL message
// forwarded off-node rides inside one, tagged with its source/target
// and a sequence number taken from one counter per sending Client,
// shared across every peer it sends to. The receiver does not check it.
type Envelope struct {
	SourceNode  string        `json:"source_node"`
	TargetNode  string        `json:"target_node"`
	Sequence    uint64        `json:"sequence"`
	TimestampMS int64         `json:"timestamp_ms"`
	Payload     types.Message `json:"payload"`
}

// Ack is the Send RPC's response; delivery itself is fire-and-forget,
// so Ack only confirms the envelope reached the peer's handler.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
