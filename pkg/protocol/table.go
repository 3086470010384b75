package protocol

import (
	"encoding/json"

	"github.com/agentmesh/mesh/pkg/types"
)

type transition struct {
	from string
	perf types.Performative
	to   string
}

// tableState classifies a state as non-terminal, a Complete terminal, or
// a Failed terminal.
type tableState struct {
	complete bool
	failed   bool
}

// tableMachine drives any protocol whose behavior is fully described by
// a static (state, performative) -> state table: Request, Query,
// Subscribe, and Contract-Net use it bare. Iterated Contract-Net,
// Brokering, and Recruiting carry extra round/response/candidate state
// the table alone can't express, so they wrap this engine; the auctions
// implement Machine directly.
type tableMachine struct {
	protocol    Name
	state       string
	transitions []transition
	terminals   map[string]tableState
}

func (m *tableMachine) Validate(msg types.Message) error {
	for _, t := range m.transitions {
		if t.from == m.state && t.perf == msg.Performative {
			return nil
		}
	}
	return invalidTransition(m.protocol, m.state, msg.Performative)
}

// step finds the destination state for msg.Performative from the
// current state, or returns ok=false.
func (m *tableMachine) step(perf types.Performative) (string, bool) {
	for _, t := range m.transitions {
		if t.from == m.state && t.perf == perf {
			return t.to, true
		}
	}
	return "", false
}

func (m *tableMachine) IsComplete() bool {
	return m.terminals[m.state].complete
}

func (m *tableMachine) IsFailed() bool {
	return m.terminals[m.state].failed
}

func (m *tableMachine) ExpectedPerformatives() []types.Performative {
	var out []types.Performative
	seen := make(map[types.Performative]bool)
	for _, t := range m.transitions {
		if t.from == m.state && !seen[t.perf] {
			seen[t.perf] = true
			out = append(out, t.perf)
		}
	}
	return out
}

type tableSnapshot struct {
	State string `json:"state"`
}

func (m *tableMachine) SerializeState() ([]byte, error) {
	return json.Marshal(tableSnapshot{State: m.state})
}

func (m *tableMachine) restore(data []byte) error {
	var snap tableSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.state = snap.State
	return nil
}
