package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	breakerMaxFailures uint32        = 5
	breakerOpenTimeout time.Duration = 30 * time.Second
)

// newBreaker trips after breakerMaxFailures consecutive failed sends to
// nodeID, so a node that's down stops being hammered on every outbound
// message instead of each router.Route call paying a fresh dial/RPC
// timeout.
func newBreaker(nodeID string) *gobreaker.CircuitBreaker[*Ack] {
	logger := log.WithComponent("transport")
	return gobreaker.NewCircuitBreaker[*Ack](gobreaker.Settings{
		Name:        "peer:" + nodeID,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("peer circuit breaker state change")
		},
	})
}

// AddressResolver maps a node ID to its transport dial address. The
// directory's agent entries carry node IDs, not addresses, so the
// client needs this alongside pkg/directory to forward a message.
type AddressResolver interface {
	NodeAddr(nodeID string) (string, error)
}

// Client dials peer nodes lazily and caches connections by node ID. It
// implements router.PeerForwarder.
type Client struct {
	mu         sync.Mutex
	conns      map[string]*grpc.ClientConn
	breakers   map[string]*gobreaker.CircuitBreaker[*Ack]
	resolver   AddressResolver
	tlsConfig  *tls.Config
	sequence   uint64
	sourceNode string
}

// NewClient creates a Client that dials peers resolved through
// resolver. tlsConfig is typically built with security.ClientTLSConfig;
// pass nil to dial insecure, as the tests do and as agentd does when
// transport TLS is disabled.
func NewClient(sourceNode string, resolver AddressResolver, tlsConfig *tls.Config) *Client {
	return &Client{
		conns:      make(map[string]*grpc.ClientConn),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*Ack]),
		resolver:   resolver,
		tlsConfig:  tlsConfig,
		sourceNode: sourceNode,
	}
}

func (c *Client) breakerFor(nodeID string) *gobreaker.CircuitBreaker[*Ack] {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[nodeID]
	if !ok {
		b = newBreaker(nodeID)
		c.breakers[nodeID] = b
	}
	return b
}

func (c *Client) connFor(nodeID string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[nodeID]; ok {
		return conn, nil
	}

	addr, err := c.resolver.NodeAddr(nodeID)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "no known address for node "+nodeID, err)
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "failed to dial node "+nodeID, err)
	}
	c.conns[nodeID] = conn
	return conn, nil
}

// Forward sends msg to nodeID's transport server and satisfies
// router.PeerForwarder. Delivery is fire-and-forget: a successful RPC
// only confirms the peer accepted the envelope, not that any receiver's
// mailbox was reached — retry and timeout are the sending protocol's
// job, not this client's.
func (c *Client) Forward(ctx context.Context, nodeID string, msg types.Message) error {
	conn, err := c.connFor(nodeID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sequence++
	seq := c.sequence
	c.mu.Unlock()

	env := &Envelope{
		SourceNode:  c.sourceNode,
		TargetNode:  nodeID,
		Sequence:    seq,
		TimestampMS: time.Now().UnixMilli(),
		Payload:     msg,
	}

	ack, err := c.breakerFor(nodeID).Execute(func() (*Ack, error) {
		ack := new(Ack)
		if err := conn.Invoke(ctx, "/mesh.Transport/Send", env, ack); err != nil {
			return nil, err
		}
		return ack, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errs.Wrap(errs.Transient, "peer circuit open: "+nodeID, err)
		}
		return errs.Wrap(errs.Transient, "envelope send failed", err)
	}
	if !ack.Accepted {
		return errs.New(errs.ProtocolViolation, fmt.Sprintf("peer rejected envelope: %s", ack.Reason))
	}
	return nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
