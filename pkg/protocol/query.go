package protocol

import "github.com/agentmesh/mesh/pkg/types"

// queryMachine implements the FIPA Query protocol:
//
//	NotStarted -query-if|query-ref-> Queried -agree-> Agreed -inform-if|inform-ref|inform-result-> Completed
//	Queried -refuse-> Refused
//	Agreed -failure-> Failed
type queryMachine struct{ tableMachine }

func newQueryMachine() *queryMachine {
	m := &queryMachine{tableMachine{
		protocol: Query,
		state:    "NotStarted",
		transitions: []transition{
			{"NotStarted", types.PerfQueryIf, "Queried"},
			{"NotStarted", types.PerfQueryRef, "Queried"},
			{"Queried", types.PerfAgree, "Agreed"},
			{"Queried", types.PerfRefuse, "Refused"},
			{"Agreed", types.PerfInformIf, "Completed"},
			{"Agreed", types.PerfInformRef, "Completed"},
			{"Agreed", types.PerfInformResult, "Completed"},
			{"Agreed", types.PerfFailure, "Failed"},
		},
		terminals: map[string]tableState{
			"Completed": {complete: true},
			"Refused":   {complete: true},
			"Failed":    {failed: true},
		},
	}}
	return m
}

func (m *queryMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}
	next, _ := m.step(msg.Performative)
	m.state = next

	switch {
	case m.IsComplete():
		recordTransition(Query, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	case m.IsFailed():
		recordTransition(Query, "failed")
		return Outcome{Kind: OutcomeFailed, Reason: string(msg.Performative)}, nil
	default:
		recordTransition(Query, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}
