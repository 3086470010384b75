// Package transport carries ACL messages between nodes over gRPC: a
// single Send RPC framed with a hand-authored JSON codec (the retrieved
// examples don't ship protoc-generated stubs for this service), secured
// with the mTLS material pkg/security issues per node.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/agentmesh/mesh/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Server listens for inbound envelopes from peer nodes.
type Server struct {
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer creates a Server that dispatches every received envelope to
// handler. tlsConfig is typically built with security.ServerTLSConfig;
// pass nil to serve without TLS, as the tests do and as agentd does when
// transport TLS is disabled.
func NewServer(nodeID string, handler Handler, tlsConfig *tls.Config) *Server {
	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))

	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(&serviceDesc, &server{handler: handler})

	return &Server{
		grpc:   grpcServer,
		logger: log.WithNodeID(nodeID),
	}
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("transport server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
