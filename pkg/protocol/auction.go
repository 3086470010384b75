package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh/mesh/pkg/types"
)

// englishAuctionMachine implements the FIPA English Auction protocol:
//
//	NotStarted -inform-> Announced -propose-> Bidding
//	Bidding -accept-proposal|reject-proposal-> Bidding
//	Bidding -inform-> Completed
//	reserve unmet at close -> Failed
//
// A propose below currentBid+bidIncrement is rejected without a state
// transition: the message is acknowledged but the auction stays put.
type englishAuctionMachine struct {
	state         string
	currentBid    int64
	bidIncrement  int64
	reservePrice  int64
	winningBidder *types.AgentId
}

func newEnglishAuctionMachine(bidIncrement, reservePrice int64) *englishAuctionMachine {
	return &englishAuctionMachine{
		state:        "NotStarted",
		bidIncrement: bidIncrement,
		reservePrice: reservePrice,
	}
}

// NewEnglishAuction constructs an English-auction machine with explicit
// increment and reserve, for callers that configure an auction before
// the first message arrives.
func NewEnglishAuction(bidIncrement, reservePrice int64) Machine {
	return newEnglishAuctionMachine(bidIncrement, reservePrice)
}

func (m *englishAuctionMachine) Validate(msg types.Message) error {
	switch m.state {
	case "NotStarted":
		if msg.Performative == types.PerfInform {
			return nil
		}
	case "Announced":
		if msg.Performative == types.PerfPropose {
			return nil
		}
	case "Bidding":
		switch msg.Performative {
		case types.PerfPropose, types.PerfAcceptProposal, types.PerfRejectProposal, types.PerfInform:
			return nil
		}
	}
	return invalidTransition(EnglishAuction, m.state, msg.Performative)
}

func (m *englishAuctionMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}

	switch m.state {
	case "NotStarted":
		m.state = "Announced"
		recordTransition(EnglishAuction, "announced")
		return Outcome{Kind: OutcomeContinue}, nil

	case "Announced", "Bidding":
		switch msg.Performative {
		case types.PerfPropose:
			bid := bidAmount(msg)
			if bid < m.currentBid+m.bidIncrement {
				// Below minimum acceptable bid: acknowledged, no transition.
				recordTransition(EnglishAuction, "bid_rejected")
				return Outcome{Kind: OutcomeRespond}, nil
			}
			m.state = "Bidding"
			m.currentBid = bid
			m.winningBidder = msg.Sender
			recordTransition(EnglishAuction, "bid_accepted")
			return Outcome{Kind: OutcomeContinue}, nil

		case types.PerfAcceptProposal, types.PerfRejectProposal:
			recordTransition(EnglishAuction, "continue")
			return Outcome{Kind: OutcomeContinue}, nil

		case types.PerfInform:
			if m.currentBid < m.reservePrice {
				m.state = "Failed"
				recordTransition(EnglishAuction, "reserve_unmet")
				return Outcome{Kind: OutcomeFailed, Reason: "reserve price unmet"}, nil
			}
			m.state = "Completed"
			recordTransition(EnglishAuction, "complete")
			return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
		}
	}

	return Outcome{Kind: OutcomeContinue}, nil
}

func bidAmount(msg types.Message) int64 {
	if v, ok := msg.UserProperties["bid_amount"]; ok {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	return 0
}

func (m *englishAuctionMachine) IsComplete() bool { return m.state == "Completed" }
func (m *englishAuctionMachine) IsFailed() bool   { return m.state == "Failed" }

func (m *englishAuctionMachine) ExpectedPerformatives() []types.Performative {
	switch m.state {
	case "NotStarted":
		return []types.Performative{types.PerfInform}
	case "Announced":
		return []types.Performative{types.PerfPropose}
	case "Bidding":
		return []types.Performative{types.PerfPropose, types.PerfAcceptProposal, types.PerfRejectProposal, types.PerfInform}
	default:
		return nil
	}
}

type englishAuctionSnapshot struct {
	State        string `json:"state"`
	CurrentBid   int64  `json:"current_bid"`
	BidIncrement int64  `json:"bid_increment"`
	ReservePrice int64  `json:"reserve_price"`
}

func (m *englishAuctionMachine) SerializeState() ([]byte, error) {
	return json.Marshal(englishAuctionSnapshot{
		State:        m.state,
		CurrentBid:   m.currentBid,
		BidIncrement: m.bidIncrement,
		ReservePrice: m.reservePrice,
	})
}

// dutchAuctionMachine implements the FIPA Dutch Auction protocol:
//
//	NotStarted -cfp-> Descending (each cfp announces a new, lower price)
//	Descending -propose-> BidReceived -accept-proposal-> Sold (sale price = round price)
//	price <= reserve without a bid -> Unsold
type dutchAuctionMachine struct {
	state        string
	startPrice   int64
	priceStep    int64
	reservePrice int64
	currentPrice int64
	salePrice    int64
}

func newDutchAuctionMachine(startPrice, priceStep, reservePrice int64) *dutchAuctionMachine {
	return &dutchAuctionMachine{
		state:        "NotStarted",
		startPrice:   startPrice,
		priceStep:    priceStep,
		reservePrice: reservePrice,
		currentPrice: startPrice,
	}
}

// NewDutchAuction constructs a Dutch-auction machine with explicit
// pricing parameters.
func NewDutchAuction(startPrice, priceStep, reservePrice int64) Machine {
	return newDutchAuctionMachine(startPrice, priceStep, reservePrice)
}

func (m *dutchAuctionMachine) Validate(msg types.Message) error {
	switch m.state {
	case "NotStarted", "Descending":
		switch msg.Performative {
		case types.PerfCFP, types.PerfPropose:
			return nil
		}
	case "BidReceived":
		if msg.Performative == types.PerfAcceptProposal {
			return nil
		}
	}
	return invalidTransition(DutchAuction, m.state, msg.Performative)
}

func (m *dutchAuctionMachine) Process(msg types.Message) (Outcome, error) {
	if err := m.Validate(msg); err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
	}

	switch msg.Performative {
	case types.PerfCFP:
		if m.state == "Descending" {
			m.currentPrice -= m.priceStep
		}
		m.state = "Descending"
		if m.currentPrice <= m.reservePrice {
			m.state = "Unsold"
			recordTransition(DutchAuction, "unsold")
			return Outcome{Kind: OutcomeFailed, Reason: "price reached reserve without a bid"}, nil
		}
		recordTransition(DutchAuction, "descend")
		return Outcome{Kind: OutcomeContinue}, nil

	case types.PerfPropose:
		m.state = "BidReceived"
		recordTransition(DutchAuction, "bid_received")
		return Outcome{Kind: OutcomeContinue}, nil

	case types.PerfAcceptProposal:
		m.salePrice = m.currentPrice
		m.state = "Sold"
		recordTransition(DutchAuction, "sold")
		return Outcome{Kind: OutcomeComplete, Result: msg.Content}, nil
	}

	return Outcome{Kind: OutcomeContinue}, nil
}

func (m *dutchAuctionMachine) IsComplete() bool { return m.state == "Sold" }
func (m *dutchAuctionMachine) IsFailed() bool   { return m.state == "Unsold" }

func (m *dutchAuctionMachine) ExpectedPerformatives() []types.Performative {
	switch m.state {
	case "NotStarted", "Descending":
		return []types.Performative{types.PerfCFP, types.PerfPropose}
	case "BidReceived":
		return []types.Performative{types.PerfAcceptProposal}
	default:
		return nil
	}
}

type dutchAuctionSnapshot struct {
	State        string `json:"state"`
	CurrentPrice int64  `json:"current_price"`
	ReservePrice int64  `json:"reserve_price"`
	SalePrice    int64  `json:"sale_price"`
}

func (m *dutchAuctionMachine) SerializeState() ([]byte, error) {
	return json.Marshal(dutchAuctionSnapshot{
		State:        m.state,
		CurrentPrice: m.currentPrice,
		ReservePrice: m.reservePrice,
		SalePrice:    m.salePrice,
	})
}
