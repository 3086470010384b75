// Package protocol implements the per-conversation FIPA interaction
// state machines: Request, Query, Contract-Net, Iterated Contract-Net,
// English Auction, Dutch Auction, Subscribe, Brokering, and Recruiting.
// Each machine validates every inbound message against its transition
// table before the message reaches guest code, and reports a typed
// outcome so the agent host can decide whether to invoke the guest,
// send a reply, or drop the message.
package protocol

import (
	"fmt"

	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/types"
)

// OutcomeKind is the result of processing one message against a
// conversation's state machine.
type OutcomeKind string

const (
	OutcomeContinue OutcomeKind = "continue"
	OutcomeRespond  OutcomeKind = "respond"
	OutcomeComplete OutcomeKind = "complete"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is returned by Process.
type Outcome struct {
	Kind     OutcomeKind
	Response *types.Message // optional reply for Kind == OutcomeRespond; the built-in machines leave it nil
	Result   []byte         // set when Kind == OutcomeComplete
	Reason   string         // set when Kind == OutcomeFailed
}

// Machine is the common contract every protocol state machine satisfies.
type Machine interface {
	// Validate reports whether msg is a legal next message given the
	// machine's current state, without mutating it.
	Validate(msg types.Message) error
	// Process validates, then applies msg's effect and advances state.
	Process(msg types.Message) (Outcome, error)
	IsComplete() bool
	IsFailed() bool
	// ExpectedPerformatives advertises what the peer may legally send next.
	ExpectedPerformatives() []types.Performative
	// SerializeState returns an opaque, deterministic encoding of the
	// machine's state for inclusion in an agent snapshot.
	SerializeState() ([]byte, error)
}

// Name identifies which protocol a conversation runs.
type Name string

const (
	Request              Name = "request"
	Query                Name = "query"
	ContractNet           Name = "contract-net"
	IteratedContractNet   Name = "iterated-contract-net"
	EnglishAuction        Name = "english-auction"
	DutchAuction          Name = "dutch-auction"
	Subscribe             Name = "subscribe"
	Brokering             Name = "brokering"
	Recruiting            Name = "recruiting"
)

// InvalidTransition reports an illegal (state, performative) pair. It is
// always a errs.ProtocolViolation: the message is dropped, a structured
// warning is emitted, and conversation state is left unchanged.
type InvalidTransition struct {
	Protocol Name
	From     string
	Perf     types.Performative
}

func (e InvalidTransition) Error() string {
	return fmt.Sprintf("protocol %s: no transition from state %q on performative %q", e.Protocol, e.From, e.Perf)
}

func invalidTransition(protocol Name, from string, perf types.Performative) error {
	metrics.ProtocolViolationsTotal.WithLabelValues(string(protocol)).Inc()
	return errs.Wrap(errs.ProtocolViolation, "invalid protocol transition", InvalidTransition{Protocol: protocol, From: from, Perf: perf})
}

func recordTransition(protocol Name, outcome string) {
	metrics.ProtocolTransitionsTotal.WithLabelValues(string(protocol), outcome).Inc()
}

// New constructs the state machine for name in its NotStarted state. An
// unknown protocol name is an InvalidInput error, reported to the caller
// and never retried.
func New(name Name) (Machine, error) {
	switch name {
	case Request:
		return newRequestMachine(), nil
	case Query:
		return newQueryMachine(), nil
	case ContractNet:
		return newContractNetMachine(), nil
	case IteratedContractNet:
		return newIteratedContractNetMachine(defaultMaxRounds), nil
	case EnglishAuction:
		return newEnglishAuctionMachine(0, 0), nil
	case DutchAuction:
		return newDutchAuctionMachine(0, 0, 0), nil
	case Subscribe:
		return newSubscribeMachine(), nil
	case Brokering:
		return newBrokeringMachine(), nil
	case Recruiting:
		return newRecruitingMachine(), nil
	default:
		return nil, errs.New(errs.InvalidInput, fmt.Sprintf("unknown protocol %q", name))
	}
}

const defaultMaxRounds = 10
