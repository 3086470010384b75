package protocol

import (
	"encoding/json"

	"github.com/agentmesh/mesh/pkg/types"
)

// contractNetMachine implements the FIPA Contract-Net protocol:
//
//	NotStarted -cfp-> CfpSent -propose|refuse-> ProposalsReceived
//	ProposalsReceived -accept-proposal-> InExecution -inform-done|inform-result-> Completed
//	ProposalsReceived -reject-proposal-> Rejected
//	InExecution -failure-> Failed
type contractNetMachine struct{ tableMachine }

func newContractNetMachine() *contractNetMachine {
	return &contractNetMachine{tableMachine{
		protocol: ContractNet,
		state:    "NotStarted",
		transitions: []transition{
			{"NotStarted", types.PerfCFP, "CfpSent"},
			{"CfpSent", types.PerfPropose, "ProposalsReceived"},
			{"CfpSent", types.PerfRefuse, "ProposalsReceived"},
			{"ProposalsReceived", types.PerfAcceptProposal, "InExecution"},
			{"ProposalsReceived", types.PerfRejectProposal, "Rejected"},
			{"InExecution", types.PerfInformDone, "Completed"},
			{"InExecution", types.PerfInformResult, "Completed"},
			{"InExecution", types.PerfFailure, "Failed"},
		},
		terminals: map[string]tableState{
			"Completed": {complete: true},
			"Rejected":  {complete: true},
			"Failed":    {failed: true},
		},
	}}
}

func (m *contractNetMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}
	next, _ := m.step(msg.Performative)
	m.state = next

	switch {
	case m.IsComplete():
		recordTransition(ContractNet, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	case m.IsFailed():
		recordTransition(ContractNet, "failed")
		return Outcome{Kind: OutcomeFailed, Reason: string(msg.Performative)}, nil
	default:
		recordTransition(ContractNet, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}

// iteratedContractNetMachine extends Contract-Net with a
// reject-proposal -> Revising -> cfp -> CfpSent loop bounded by
// maxRounds. Exhausting the round budget without an accepted proposal
// terminates in NoAgreement rather than looping forever.
type iteratedContractNetMachine struct {
	tableMachine
	round    int
	maxRound int
}

func newIteratedContractNetMachine(maxRounds int) *iteratedContractNetMachine {
	return &iteratedContractNetMachine{
		tableMachine: tableMachine{
			protocol: IteratedContractNet,
			state:    "NotStarted",
			transitions: []transition{
				{"NotStarted", types.PerfCFP, "CfpSent"},
				{"CfpSent", types.PerfPropose, "ProposalsReceived"},
				{"CfpSent", types.PerfRefuse, "ProposalsReceived"},
				{"ProposalsReceived", types.PerfAcceptProposal, "InExecution"},
				{"ProposalsReceived", types.PerfRejectProposal, "Revising"},
				{"Revising", types.PerfCFP, "CfpSent"},
				{"InExecution", types.PerfInformDone, "Completed"},
				{"InExecution", types.PerfInformResult, "Completed"},
				{"InExecution", types.PerfFailure, "Failed"},
			},
			terminals: map[string]tableState{
				"Completed":   {complete: true},
				"Failed":      {failed: true},
				"NoAgreement": {failed: true},
			},
		},
		maxRound: maxRounds,
	}
}

func (m *iteratedContractNetMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}
	next, _ := m.step(msg.Performative)

	if m.state == "ProposalsReceived" && msg.Performative == types.PerfRejectProposal {
		m.round++
		if m.round >= m.maxRound {
			m.state = "NoAgreement"
			recordTransition(IteratedContractNet, "no_agreement")
			return Outcome{Kind: OutcomeFailed, Reason: "max_rounds exhausted without agreement"}, nil
		}
	}
	m.state = next

	switch {
	case m.IsComplete():
		recordTransition(IteratedContractNet, "complete")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	case m.IsFailed():
		recordTransition(IteratedContractNet, "failed")
		return Outcome{Kind: OutcomeFailed, Reason: string(msg.Performative)}, nil
	default:
		recordTransition(IteratedContractNet, "continue")
		return Outcome{Kind: OutcomeContinue}, nil
	}
}

type iteratedSnapshot struct {
	State    string `json:"state"`
	Round    int    `json:"round"`
	MaxRound int    `json:"max_round"`
}

func (m *iteratedContractNetMachine) SerializeState() ([]byte, error) {
	return json.Marshal(iteratedSnapshot{State: m.state, Round: m.round, MaxRound: m.maxRound})
}
