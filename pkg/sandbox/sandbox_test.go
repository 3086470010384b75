package sandbox

import (
	"testing"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/stretchr/testify/assert"
)

func msgForTest() types.Message {
	return types.Message{ID: "m1", Content: []byte("hi")}
}

func TestCapabilityPresetsAreDistinct(t *testing.T) {
	assert.Less(t, len(PresetUntrusted), len(PresetTrustedLocal))
	assert.Less(t, len(PresetTrustedLocal), len(PresetFull))
	assert.Contains(t, PresetFull, CapMigration)
	assert.NotContains(t, PresetUntrusted, CapMigration)
	assert.NotContains(t, PresetTrustedLocal, CapMigration)
}

func TestCheckCapDeniesUngranted(t *testing.T) {
	r := &Runtime{caps: map[Capability]bool{CapLogging: true}}
	assert.Equal(t, StatusOK, r.checkCap(CapLogging))
	assert.Equal(t, StatusCapabilityDenied, r.checkCap(CapStorage))
}

func TestDeliverMessageAppendsToMailbox(t *testing.T) {
	r := &Runtime{host: newHostState()}
	r.DeliverMessage(msgForTest())
	assert.Len(t, r.host.Mailbox, 1)
}

func TestDrainOutboxClearsAfterRead(t *testing.T) {
	r := &Runtime{host: newHostState()}
	r.host.Outbox = append(r.host.Outbox, msgForTest())

	out := r.DrainOutbox()
	assert.Len(t, out, 1)
	assert.Empty(t, r.host.Outbox)
}
