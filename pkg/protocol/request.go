package protocol

import "github.com/agentmesh/mesh/pkg/types"

// requestMachine implements the FIPA Request protocol:
//
//	NotStarted -request-> Requested -agree-> Agreed -inform-done|inform-result-> Completed
//	Requested -refuse-> Refused
//	Agreed -failure-> Failed
//	any -cancel-> Cancelled
type requestMachine struct{ tableMachine }

func newRequestMachine() *requestMachine {
	m := &requestMachine{tableMachine{
		protocol: Request,
		state:    "NotStarted",
		transitions: []transition{
			{"NotStarted", types.PerfRequest, "Requested"},
			{"Requested", types.PerfAgree, "Agreed"},
			{"Requested", types.PerfRefuse, "Refused"},
			{"Agreed", types.PerfInformDone, "Completed"},
			{"Agreed", types.PerfInformResult, "Completed"},
			{"Agreed", types.PerfFailure, "Failed"},
			{"NotStarted", types.PerfCancel, "Cancelled"},
			{"Requested", types.PerfCancel, "Cancelled"},
			{"Agreed", types.PerfCancel, "Cancelled"},
		},
		terminals: map[string]tableState{
			"Completed": {complete: true},
			"Refused":   {complete: true},
			"Failed":    {failed: true},
			"Cancelled": {failed: true},
		},
	}}
	return m
}

func (m *requestMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}
	next, _ := m.step(msg.Performative)
	m.state = next

	switch {
	case m.IsComplete():
		recordTransition(Request, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	case m.IsFailed():
		recordTransition(Request, "failed")
		return Outcome{Kind: OutcomeFailed, Reason: string(msg.Performative)}, nil
	default:
		recordTransition(Request, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}
