package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/mesh/pkg/types"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	env := &Envelope{
		SourceNode:  "node-a",
		TargetNode:  "node-b",
		Sequence:    7,
		TimestampMS: 12345,
		Payload:     types.Message{ID: "m1", Performative: types.PerfInform},
	}

	codec := jsonCodec{}
	data, err := codec.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, env.SourceNode, decoded.SourceNode)
	assert.Equal(t, env.Payload.ID, decoded.Payload.ID)
}

type capturingHandler struct {
	mu       sync.Mutex
	received []*Envelope
}

func (h *capturingHandler) HandleEnvelope(ctx context.Context, env *Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, env)
	return nil
}

type staticResolver map[string]string

func (r staticResolver) NodeAddr(nodeID string) (string, error) {
	addr, ok := r[nodeID]
	if !ok {
		return "", assert.AnError
	}
	return addr, nil
}

func TestSendDeliversEnvelopeOverRealListener(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := &capturingHandler{}
	srv := NewServer("node-b", handler, nil)
	go srv.grpc.Serve(lis)
	defer srv.Stop()

	client := NewClient("node-a", staticResolver{"node-b": lis.Addr().String()}, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := types.Message{ID: "m1", Performative: types.PerfInform, Content: []byte("ping")}
	require.NoError(t, client.Forward(ctx, "node-b", msg))

	assert.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "m1", handler.received[0].Payload.ID)
	assert.Equal(t, "node-a", handler.received[0].SourceNode)
}

func TestForwardToUnknownNodeFails(t *testing.T) {
	client := NewClient("node-a", staticResolver{}, nil)
	defer client.Close()

	err := client.Forward(context.Background(), "node-x", types.Message{ID: "m1"})
	assert.Error(t, err)
}

type fakeAdmin struct {
	accept bool
	last   *JoinRequest
}

func (a *fakeAdmin) HandleJoin(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	a.last = req
	if !a.accept {
		return &JoinResponse{Accepted: false, Reason: "not the leader"}, nil
	}
	return &JoinResponse{Accepted: true}, nil
}

func TestRequestJoinRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	admin := &fakeAdmin{accept: true}
	srv := NewServer("node-leader", &capturingHandler{}, nil)
	srv.RegisterAdmin(admin)
	go srv.grpc.Serve(lis)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := RequestJoin(ctx, lis.Addr().String(), nil, &JoinRequest{
		NodeID: "node-new", RaftAddr: "127.0.0.1:7001", TransportAddr: "127.0.0.1:7700",
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	require.NotNil(t, admin.last)
	assert.Equal(t, "node-new", admin.last.NodeID)
}

func TestForwardTripsBreakerAfterRepeatedFailures(t *testing.T) {
	// No listener on this address: every dial's RPC fails immediately,
	// so repeated Forward calls accumulate consecutive failures on the
	// same node's breaker.
	client := NewClient("node-a", staticResolver{"node-b": "127.0.0.1:1"}, nil)
	defer client.Close()

	var lastErr error
	for i := 0; i < int(breakerMaxFailures)+1; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		lastErr = client.Forward(ctx, "node-b", types.Message{ID: "m1"})
		cancel()
		assert.Error(t, lastErr)
	}

	assert.Equal(t, gobreaker.StateOpen, client.breakerFor("node-b").State())
}
