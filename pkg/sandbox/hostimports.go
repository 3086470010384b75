package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Status codes returned in-band to the guest. A denied capability never
// traps; it returns StatusCapabilityDenied so the guest can branch on it.
const (
	StatusOK               int32 = 0
	StatusCapabilityDenied int32 = 1
	StatusNotFound         int32 = 2
	StatusQuotaExceeded    int32 = 3
)

// readString copies the UTF-8 string of length bytes at ptr out of guest
// linear memory.
func readString(mod api.Module, ptr, length uint32) (string, bool) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// writeBytes copies data into guest linear memory by calling the
// guest's own exported malloc, mirroring the allocator-owned-by-guest
// convention: the guest is responsible for eventually freeing the
// returned pointer. It is the only way a host function can hand
// variable-length data back across the boundary, since wazero gives
// the host no memory of its own to lend the guest a pointer into.
func writeBytes(mod api.Module, data []byte) (ptr, size uint32, ok bool) {
	if len(data) == 0 {
		return 0, 0, true
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, 0, false
	}
	results, err := malloc.Call(context.Background(), uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, 0, false
	}
	p := uint32(results[0])
	if p == 0 || !mod.Memory().Write(p, data) {
		return 0, 0, false
	}
	return p, uint32(len(data)), true
}

// guestMessage is the host/guest JSON wire format for send_message and
// receive_message. Receivers are bare agent names; the host resolves
// addressing and always stamps Sender itself on the outbound path, so a
// guest can never spoof its own identity.
type guestMessage struct {
	Performative   types.Performative `json:"performative"`
	Receivers      []string           `json:"receivers,omitempty"`
	Protocol       string             `json:"protocol,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	InReplyTo      string             `json:"in_reply_to,omitempty"`
	ReplyWith      string             `json:"reply_with,omitempty"`
	Content        []byte             `json:"content,omitempty"`
}

// guestBehaviorSpec is the host/guest JSON wire format for add_behavior.
type guestBehaviorSpec struct {
	Name   string               `json:"name"`
	Kind   types.BehaviorKind   `json:"kind"`
	Config types.BehaviorConfig `json:"config"`
}

// buildHostModule registers every capability-gated host function the
// guest may import, under the module name matching its Capability.
func (r *Runtime) buildHostModule(rt wazero.Runtime) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().
		WithFunc(r.hostSendMessage).
		Export("send_message")
	b.NewFunctionBuilder().
		WithFunc(r.hostHasMessages).
		Export("has_messages")
	b.NewFunctionBuilder().
		WithFunc(r.hostReceiveMessage).
		Export("receive_message")

	b.NewFunctionBuilder().
		WithFunc(r.hostRequestShutdown).
		Export("request_shutdown")
	b.NewFunctionBuilder().
		WithFunc(r.hostIsShutdownRequested).
		Export("is_shutdown_requested")
	b.NewFunctionBuilder().
		WithFunc(r.hostGetAgentID).
		Export("get_agent_id")

	b.NewFunctionBuilder().
		WithFunc(r.hostLog).
		Export("log")

	b.NewFunctionBuilder().
		WithFunc(r.hostStore).
		Export("store")
	b.NewFunctionBuilder().
		WithFunc(r.hostLoad).
		Export("load")
	b.NewFunctionBuilder().
		WithFunc(r.hostDelete).
		Export("delete")

	b.NewFunctionBuilder().
		WithFunc(r.hostWallNowMS).
		Export("wall_now_ms")
	b.NewFunctionBuilder().
		WithFunc(r.hostMonotonicNowNS).
		Export("monotonic_now_ns")
	b.NewFunctionBuilder().
		WithFunc(r.hostSetTimer).
		Export("set_timer")
	b.NewFunctionBuilder().
		WithFunc(r.hostCancelTimer).
		Export("cancel_timer")

	b.NewFunctionBuilder().
		WithFunc(r.hostIsMigrating).
		Export("is_migrating")
	b.NewFunctionBuilder().
		WithFunc(r.hostGetCurrentNode).
		Export("get_current_node")

	b.NewFunctionBuilder().
		WithFunc(r.hostAddBehavior).
		Export("add_behavior")
	b.NewFunctionBuilder().
		WithFunc(r.hostRemoveBehavior).
		Export("remove_behavior")
	b.NewFunctionBuilder().
		WithFunc(r.hostBlockBehavior).
		Export("block_behavior")
	b.NewFunctionBuilder().
		WithFunc(r.hostRestartBehavior).
		Export("restart_behavior")
	b.NewFunctionBuilder().
		WithFunc(r.hostFSMEvent).
		Export("fsm_event")
	b.NewFunctionBuilder().
		WithFunc(r.hostFSMCurrentState).
		Export("fsm_current_state")
	b.NewFunctionBuilder().
		WithFunc(r.hostListBehaviors).
		Export("list_behaviors")

	return b
}

func (r *Runtime) checkCap(cap Capability) int32 {
	if !r.caps[cap] {
		return StatusCapabilityDenied
	}
	return StatusOK
}

func (r *Runtime) hostSendMessage(ctx context.Context, mod api.Module, payloadPtr, payloadLen uint32) int32 {
	if s := r.checkCap(CapMessaging); s != StatusOK {
		return s
	}
	raw, ok := mod.Memory().Read(payloadPtr, payloadLen)
	if !ok {
		return StatusNotFound
	}
	var gm guestMessage
	if err := json.Unmarshal(raw, &gm); err != nil {
		return StatusNotFound
	}

	receivers := make([]types.AgentId, 0, len(gm.Receivers))
	for _, name := range gm.Receivers {
		receivers = append(receivers, types.AgentId{Name: name})
	}

	msg := types.Message{
		ID:             uuid.NewString(),
		Performative:   gm.Performative,
		Sender:         &r.agentID,
		Receivers:      receivers,
		Protocol:       gm.Protocol,
		ConversationID: gm.ConversationID,
		InReplyTo:      gm.InReplyTo,
		ReplyWith:      gm.ReplyWith,
		Content:        gm.Content,
	}

	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.Outbox = append(r.host.Outbox, msg)
	return StatusOK
}

func (r *Runtime) hostHasMessages(ctx context.Context, mod api.Module) int32 {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	if len(r.host.Mailbox) > 0 {
		return 1
	}
	return 0
}

// hostReceiveMessage pops the oldest mailbox entry and copies it, JSON
// encoded, into guest memory via the malloc-and-write convention. An
// empty mailbox returns StatusNotFound rather than a zero-length
// message, so the guest can distinguish "nothing to read" from a
// genuinely empty payload.
func (r *Runtime) hostReceiveMessage(ctx context.Context, mod api.Module) (status int32, ptr uint32, length uint32) {
	if s := r.checkCap(CapMessaging); s != StatusOK {
		return s, 0, 0
	}

	r.host.mu.Lock()
	if len(r.host.Mailbox) == 0 {
		r.host.mu.Unlock()
		return StatusNotFound, 0, 0
	}
	msg := r.host.Mailbox[0]
	r.host.Mailbox = r.host.Mailbox[1:]
	r.host.mu.Unlock()

	encoded, err := json.Marshal(msg)
	if err != nil {
		return StatusNotFound, 0, 0
	}
	p, n, ok := writeBytes(mod, encoded)
	if !ok {
		return StatusNotFound, 0, 0
	}
	return StatusOK, p, n
}

func (r *Runtime) hostRequestShutdown(ctx context.Context, mod api.Module) {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.ShutdownRequested = true
}

func (r *Runtime) hostIsShutdownRequested(ctx context.Context, mod api.Module) int32 {
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	if r.host.ShutdownRequested {
		return 1
	}
	return 0
}

// hostGetAgentID copies this agent's own name into guest memory.
func (r *Runtime) hostGetAgentID(ctx context.Context, mod api.Module) (status int32, ptr uint32, length uint32) {
	if s := r.checkCap(CapLifecycle); s != StatusOK {
		return s, 0, 0
	}
	p, n, ok := writeBytes(mod, []byte(r.agentID.Name))
	if !ok {
		return StatusNotFound, 0, 0
	}
	return StatusOK, p, n
}

func (r *Runtime) hostLog(ctx context.Context, mod api.Module, level, textPtr, textLen uint32) {
	if r.checkCap(CapLogging) != StatusOK {
		return
	}
	text, ok := readString(mod, textPtr, textLen)
	if !ok {
		return
	}
	ev := r.logger.Info()
	switch level {
	case 0:
		ev = r.logger.Debug()
	case 2:
		ev = r.logger.Warn()
	case 3:
		ev = r.logger.Error()
	}
	ev.Msg(text)
}

func (r *Runtime) hostStore(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	if s := r.checkCap(CapStorage); s != StatusOK {
		return s
	}
	key, ok1 := readString(mod, keyPtr, keyLen)
	val, ok2 := mod.Memory().Read(valPtr, valLen)
	if !ok1 || !ok2 {
		return StatusNotFound
	}

	r.host.mu.Lock()
	defer r.host.mu.Unlock()

	prevSize := int64(len(r.host.Storage[key]))
	newTotal := r.host.storageBytes - prevSize + int64(len(val))
	if r.limits.StorageQuotaBytes > 0 && newTotal > r.limits.StorageQuotaBytes {
		// Exceeding quota fails without a partial write.
		return StatusQuotaExceeded
	}

	r.host.storageBytes = newTotal
	r.host.Storage[key] = append([]byte(nil), val...)
	return StatusOK
}

// hostLoad copies the stored value for key into guest memory via the
// malloc-and-write convention, so load(key) actually returns data
// instead of merely confirming the key's presence.
func (r *Runtime) hostLoad(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) (status int32, ptr uint32, length uint32) {
	if s := r.checkCap(CapStorage); s != StatusOK {
		return s, 0, 0
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return StatusNotFound, 0, 0
	}

	r.host.mu.Lock()
	val, ok := r.host.Storage[key]
	r.host.mu.Unlock()
	if !ok {
		return StatusNotFound, 0, 0
	}

	p, n, ok := writeBytes(mod, val)
	if !ok {
		return StatusNotFound, 0, 0
	}
	return StatusOK, p, n
}

func (r *Runtime) hostDelete(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) int32 {
	if s := r.checkCap(CapStorage); s != StatusOK {
		return s
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return StatusNotFound
	}
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.storageBytes -= int64(len(r.host.Storage[key]))
	delete(r.host.Storage, key)
	return StatusOK
}

func (r *Runtime) hostWallNowMS(ctx context.Context, mod api.Module) int64 {
	return time.Now().UnixMilli()
}

func (r *Runtime) hostMonotonicNowNS(ctx context.Context, mod api.Module) int64 {
	return time.Now().UnixNano()
}

func (r *Runtime) hostSetTimer(ctx context.Context, mod api.Module, delayMS int64) int64 {
	if r.checkCap(CapTiming) != StatusOK {
		return -1
	}
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	r.host.nextTimerID++
	id := r.host.nextTimerID
	r.host.Timers[id] = time.Now().Add(time.Duration(delayMS) * time.Millisecond)
	return int64(id)
}

func (r *Runtime) hostCancelTimer(ctx context.Context, mod api.Module, id int64) int32 {
	if s := r.checkCap(CapTiming); s != StatusOK {
		return s
	}
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	delete(r.host.Timers, uint64(id))
	return StatusOK
}

func (r *Runtime) hostIsMigrating(ctx context.Context, mod api.Module) int32 {
	if r.checkCap(CapMigration) != StatusOK {
		return 0
	}
	r.host.mu.Lock()
	defer r.host.mu.Unlock()
	if r.host.Migrating {
		return 1
	}
	return 0
}

// hostGetCurrentNode copies HostState.CurrentNode into guest memory.
// No code assigns CurrentNode, so the guest receives an empty string.
func (r *Runtime) hostGetCurrentNode(ctx context.Context, mod api.Module) (status int32, ptr uint32, length uint32) {
	if s := r.checkCap(CapMigration); s != StatusOK {
		return s, 0, 0
	}
	r.host.mu.Lock()
	node := r.host.CurrentNode
	r.host.mu.Unlock()

	p, n, ok := writeBytes(mod, []byte(node))
	if !ok {
		return StatusNotFound, 0, 0
	}
	return StatusOK, p, n
}

// hostAddBehavior decodes a guestBehaviorSpec and registers it with the
// agent's behavior scheduler, returning the new behavior's id.
func (r *Runtime) hostAddBehavior(ctx context.Context, mod api.Module, specPtr, specLen uint32) (status int32, id uint64) {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s, 0
	}
	if r.behaviors == nil {
		return StatusNotFound, 0
	}
	raw, ok := mod.Memory().Read(specPtr, specLen)
	if !ok {
		return StatusNotFound, 0
	}
	var spec guestBehaviorSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return StatusNotFound, 0
	}
	bid, err := r.behaviors.Add(spec.Name, spec.Kind, spec.Config)
	if err != nil {
		return StatusNotFound, 0
	}
	return StatusOK, bid
}

func (r *Runtime) hostRemoveBehavior(ctx context.Context, mod api.Module, id uint64) int32 {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s
	}
	if r.behaviors == nil {
		return StatusNotFound
	}
	r.behaviors.Remove(id)
	return StatusOK
}

func (r *Runtime) hostBlockBehavior(ctx context.Context, mod api.Module, id uint64) int32 {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s
	}
	if r.behaviors == nil {
		return StatusNotFound
	}
	if err := r.behaviors.Block(id); err != nil {
		return StatusNotFound
	}
	return StatusOK
}

func (r *Runtime) hostRestartBehavior(ctx context.Context, mod api.Module, id uint64) int32 {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s
	}
	if r.behaviors == nil {
		return StatusNotFound
	}
	if err := r.behaviors.Restart(id); err != nil {
		return StatusNotFound
	}
	return StatusOK
}

func (r *Runtime) hostFSMEvent(ctx context.Context, mod api.Module, id uint64, eventPtr, eventLen uint32) int32 {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s
	}
	if r.behaviors == nil {
		return StatusNotFound
	}
	event, ok := readString(mod, eventPtr, eventLen)
	if !ok {
		return StatusNotFound
	}
	if err := r.behaviors.FireEvent(id, event); err != nil {
		return StatusNotFound
	}
	return StatusOK
}

func (r *Runtime) hostFSMCurrentState(ctx context.Context, mod api.Module, id uint64) (status int32, ptr uint32, length uint32) {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s, 0, 0
	}
	if r.behaviors == nil {
		return StatusNotFound, 0, 0
	}
	state, err := r.behaviors.FSMState(id)
	if err != nil {
		return StatusNotFound, 0, 0
	}
	p, n, ok := writeBytes(mod, []byte(state))
	if !ok {
		return StatusNotFound, 0, 0
	}
	return StatusOK, p, n
}

// hostListBehaviors copies a JSON array of every registered behavior's
// current state into guest memory.
func (r *Runtime) hostListBehaviors(ctx context.Context, mod api.Module) (status int32, ptr uint32, length uint32) {
	if s := r.checkCap(CapBehaviors); s != StatusOK {
		return s, 0, 0
	}
	if r.behaviors == nil {
		return StatusNotFound, 0, 0
	}
	encoded, err := json.Marshal(r.behaviors.List())
	if err != nil {
		return StatusNotFound, 0, 0
	}
	p, n, ok := writeBytes(mod, encoded)
	if !ok {
		return StatusNotFound, 0, 0
	}
	return StatusOK, p, n
}
