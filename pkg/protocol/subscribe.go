package protocol

import "github.com/agentmesh/mesh/pkg/types"

// subscribeMachine implements the FIPA Subscribe protocol:
//
//	NotStarted -subscribe-> Subscribed -agree-> Agreed -inform-result-> Active
//	Active -inform-result-> Active (self-loop, one per notification)
//	Active -failure-> Failed
//	any -cancel-> Cancelled
//
// Active has no completion rule of its own: a subscription stays live
// until the subscriber cancels or the publisher fails it, mirroring a
// Cyclic behavior rather than a one-shot exchange.
type subscribeMachine struct{ tableMachine }

func newSubscribeMachine() *subscribeMachine {
	m := &subscribeMachine{tableMachine{
		protocol: Subscribe,
		state:    "NotStarted",
		transitions: []transition{
			{"NotStarted", types.PerfSubscribe, "Subscribed"},
			{"Subscribed", types.PerfAgree, "Agreed"},
			{"Subscribed", types.PerfRefuse, "Refused"},
			{"Agreed", types.PerfInformResult, "Active"},
			{"Active", types.PerfInformResult, "Active"},
			{"Active", types.PerfFailure, "Failed"},
			{"NotStarted", types.PerfCancel, "Cancelled"},
			{"Subscribed", types.PerfCancel, "Cancelled"},
			{"Agreed", types.PerfCancel, "Cancelled"},
			{"Active", types.PerfCancel, "Cancelled"},
		},
		terminals: map[string]tableState{
			"Refused":   {complete: true},
			"Failed":    {failed: true},
			"Cancelled": {failed: true},
		},
	}}
	return m
}

func (m *subscribeMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}
	next, _ := m.step(msg.Performative)
	m.state = next

	switch {
	case m.IsComplete():
		recordTransition(Subscribe, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	case m.IsFailed():
		recordTransition(Subscribe, "failed")
		return Outcome{Kind: OutcomeFailed, Reason: string(msg.Performative)}, nil
	case m.state == "Active":
		recordTransition(Subscribe, "notification")
		return Outcome{Kind: OutcomeRespond}, nil
	default:
		recordTransition(Subscribe, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}
