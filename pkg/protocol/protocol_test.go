package protocol

import (
	"testing"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(perf types.Performative) types.Message {
	return types.Message{ID: "m1", Performative: perf, ConversationID: "c1"}
}

func TestRequestHappyPath(t *testing.T) {
	m := newRequestMachine()

	o, err := m.Process(msg(types.PerfRequest))
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, o.Kind)

	o, err = m.Process(msg(types.PerfAgree))
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, o.Kind)

	o, err = m.Process(msg(types.PerfInformDone))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, o.Kind)
	assert.True(t, m.IsComplete())
}

func TestRequestInvalidTransitionDropsMessage(t *testing.T) {
	m := newRequestMachine()
	_, err := m.Process(msg(types.PerfInformDone))
	assert.Error(t, err)
	assert.False(t, m.IsComplete())
	assert.Equal(t, "NotStarted", m.state, "state unchanged after a rejected message")
}

func TestContractNetRejectedProposal(t *testing.T) {
	m := newContractNetMachine()
	_, err := m.Process(msg(types.PerfCFP))
	require.NoError(t, err)
	_, err = m.Process(msg(types.PerfPropose))
	require.NoError(t, err)
	o, err := m.Process(msg(types.PerfRejectProposal))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, o.Kind)
	assert.Equal(t, "Rejected", m.state)
}

func TestIteratedContractNetExhaustsToNoAgreement(t *testing.T) {
	m := newIteratedContractNetMachine(2)

	_, err := m.Process(msg(types.PerfCFP))
	require.NoError(t, err)
	_, err = m.Process(msg(types.PerfPropose))
	require.NoError(t, err)
	_, err = m.Process(msg(types.PerfRejectProposal))
	require.NoError(t, err)
	assert.Equal(t, "Revising", m.state)

	_, err = m.Process(msg(types.PerfCFP))
	require.NoError(t, err)
	_, err = m.Process(msg(types.PerfPropose))
	require.NoError(t, err)
	o, err := m.Process(msg(types.PerfRejectProposal))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, o.Kind)
	assert.Equal(t, "NoAgreement", m.state)
	assert.True(t, m.IsFailed())
}

func TestEnglishAuctionRejectsBidBelowIncrement(t *testing.T) {
	m := newEnglishAuctionMachine(10, 0)
	_, err := m.Process(msg(types.PerfInform))
	require.NoError(t, err)

	low := msg(types.PerfPropose)
	low.UserProperties = map[string]string{"bid_amount": "5"}
	o, err := m.Process(low)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRespond, o.Kind)
	assert.Equal(t, int64(0), m.currentBid, "bid below current+increment does not shift state")

	good := msg(types.PerfPropose)
	good.UserProperties = map[string]string{"bid_amount": "15"}
	_, err = m.Process(good)
	require.NoError(t, err)
	assert.Equal(t, int64(15), m.currentBid)
}

func TestDutchAuctionUnsoldAtReserve(t *testing.T) {
	m := newDutchAuctionMachine(100, 50, 50)

	o, err := m.Process(msg(types.PerfCFP))
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, o.Kind, "first cfp announces the start price")

	o, err = m.Process(msg(types.PerfCFP))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, o.Kind)
	assert.Equal(t, "Unsold", m.state)
	assert.True(t, m.IsFailed())
}

func TestDutchAuctionSoldAtRoundPrice(t *testing.T) {
	m := newDutchAuctionMachine(100, 10, 50)

	_, err := m.Process(msg(types.PerfCFP))
	require.NoError(t, err)
	_, err = m.Process(msg(types.PerfPropose))
	require.NoError(t, err)
	o, err := m.Process(msg(types.PerfAcceptProposal))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, o.Kind)
	assert.Equal(t, int64(100), m.salePrice)
}

func TestRecruitingZeroCandidates(t *testing.T) {
	m := newRecruitingMachine()
	_, err := m.Process(msg(types.PerfProxy))
	require.NoError(t, err)
	_, err = m.Process(msg(types.PerfQueryRef))
	require.NoError(t, err)
	m.RecordCandidates(0)
	o, err := m.Process(msg(types.PerfInform))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, o.Kind)
	assert.Equal(t, "NoCandidates", m.state)
}

func TestRegistryRetiresTerminalConversations(t *testing.T) {
	r := NewRegistry()

	m1 := msg(types.PerfRequest)
	m1.Protocol = string(Request)
	_, err := r.Step(m1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	m2 := msg(types.PerfAgree)
	m2.Protocol = string(Request)
	_, err = r.Step(m2)
	require.NoError(t, err)

	m3 := msg(types.PerfInformDone)
	m3.Protocol = string(Request)
	o, err := r.Step(m3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, o.Kind)
	assert.Equal(t, 0, r.Len(), "terminal conversation is retired from the registry")
}
