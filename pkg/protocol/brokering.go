package protocol

import (
	"encoding/json"

	"github.com/agentmesh/mesh/pkg/types"
)

// brokeringMachine implements the FIPA Brokering protocol:
//
//	NotStarted -proxy-> ProxyReceived -request-> Forwarding
//	Forwarding -(agree|refuse|inform-result|failure)-> WaitingResponses
//	WaitingResponses -inform-> Completed
//	no positive response received -> Failed
type brokeringMachine struct {
	tableMachine
	sawPositive bool
}

func newBrokeringMachine() *brokeringMachine {
	return &brokeringMachine{tableMachine: tableMachine{
		protocol: Brokering,
		state:    "NotStarted",
		transitions: []transition{
			{"NotStarted", types.PerfProxy, "ProxyReceived"},
			{"ProxyReceived", types.PerfRequest, "Forwarding"},
			{"Forwarding", types.PerfAgree, "WaitingResponses"},
			{"Forwarding", types.PerfRefuse, "WaitingResponses"},
			{"Forwarding", types.PerfInformResult, "WaitingResponses"},
			{"Forwarding", types.PerfFailure, "WaitingResponses"},
			{"WaitingResponses", types.PerfInform, "Completed"},
		},
		terminals: map[string]tableState{
			"Completed": {complete: true},
			"Failed":    {failed: true},
		},
	}}
}

func (m *brokeringMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}

	if m.state == "Forwarding" && (msg.Performative == types.PerfAgree || msg.Performative == types.PerfInformResult) {
		m.sawPositive = true
	}

	next, _ := m.step(msg.Performative)
	m.state = next

	if m.state == "Completed" && !m.sawPositive {
		m.state = "Failed"
		recordTransition(Brokering, "no_positive_response")
		return Outcome{Kind: OutcomeFailed, Reason: "no positive response from any forwarded recipient"}, nil
	}

	switch {
	case m.IsComplete():
		recordTransition(Brokering, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	default:
		recordTransition(Brokering, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}

type brokeringSnapshot struct {
	State       string `json:"state"`
	SawPositive bool   `json:"saw_positive"`
}

func (m *brokeringMachine) SerializeState() ([]byte, error) {
	return json.Marshal(brokeringSnapshot{State: m.state, SawPositive: m.sawPositive})
}

// recruitingMachine implements the FIPA Recruiting protocol:
//
//	NotStarted -proxy-> ProxyReceived -query-ref-> Searching
//	Searching -(inform|inform-ref)-> CandidatesFound -inform-> Completed
//	zero candidates found -> NoCandidates
type recruitingMachine struct {
	tableMachine
	candidateCount int
}

func newRecruitingMachine() *recruitingMachine {
	return &recruitingMachine{tableMachine: tableMachine{
		protocol: Recruiting,
		state:    "NotStarted",
		transitions: []transition{
			{"NotStarted", types.PerfProxy, "ProxyReceived"},
			{"ProxyReceived", types.PerfQueryRef, "Searching"},
			{"Searching", types.PerfInform, "CandidatesFound"},
			{"Searching", types.PerfInformRef, "CandidatesFound"},
			{"CandidatesFound", types.PerfInform, "Completed"},
		},
		terminals: map[string]tableState{
			"Completed":    {complete: true},
			"NoCandidates": {failed: true},
		},
	}}
}

// RecordCandidates sets the number of candidates found during Searching,
// consulted when the machine reaches CandidatesFound to decide whether
// it should instead terminate in NoCandidates.
func (m *recruitingMachine) RecordCandidates(n int) { m.candidateCount = n }

func (m *recruitingMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}
	next, _ := m.step(msg.Performative)
	m.state = next

	if m.state == "CandidatesFound" && m.candidateCount == 0 {
		m.state = "NoCandidates"
		recordTransition(Recruiting, "no_candidates")
		return Outcome{Kind: OutcomeFailed, Reason: "zero candidates found"}, nil
	}

	switch {
	case m.IsComplete():
		recordTransition(Recruiting, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	default:
		recordTransition(Recruiting, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}

type recruitingSnapshot struct {
	State          string `json:"state"`
	CandidateCount int    `json:"candidate_count"`
}

func (m *recruitingMachine) SerializeState() ([]byte, error) {
	return json.Marshal(recruitingSnapshot{State: m.state, CandidateCount: m.candidateCount})
}
