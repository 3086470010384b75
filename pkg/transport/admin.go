package transport

import (
	"context"
	"crypto/tls"

	"github.com/agentmesh/mesh/pkg/errs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// JoinRequest is sent by a new node to the current directory leader to
// request admission to the cluster.
type JoinRequest struct {
	NodeID        string `json:"node_id"`
	RaftAddr      string `json:"raft_addr"`
	TransportAddr string `json:"transport_addr"`
}

// JoinResponse reports whether the leader admitted the requesting node.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// AdminHandler processes cluster-membership admin requests. The
// directory leader is the only node that can actually admit a voter;
// a follower's AdminHandler implementation returns Accepted=false with
// a reason pointing the caller at the leader.
type AdminHandler interface {
	HandleJoin(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
}

type adminServer struct {
	handler AdminHandler
}

func (s *adminServer) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	return s.handler.HandleJoin(ctx, req)
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JoinRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*adminServer).Join(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mesh.Admin/Join"}
	handlerFn := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*adminServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, req, info, handlerFn)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "mesh.Admin",
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/admin.go",
}

// RegisterAdmin adds the cluster-membership admin service to the
// server's existing gRPC listener. Must be called before Start.
func (s *Server) RegisterAdmin(handler AdminHandler) {
	s.grpc.RegisterService(&adminServiceDesc, &adminServer{handler: handler})
}

// RequestJoin dials addr directly (bypassing the directory resolver,
// since a node requesting to join has no directory entries yet) and
// asks its admin service to admit this node into the cluster. The
// addressed node is expected to be the current leader, or one that will
// redirect by returning Accepted=false with a reason.
func RequestJoin(ctx context.Context, addr string, tlsConfig *tls.Config, req *JoinRequest) (*JoinResponse, error) {
	var creds credentials.TransportCredentials
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "failed to dial join target "+addr, err)
	}
	defer conn.Close()

	resp := new(JoinResponse)
	if err := conn.Invoke(ctx, "/mesh.Admin/Join", req, resp); err != nil {
		return nil, errs.Wrap(errs.Transient, "join request failed", err)
	}
	return resp, nil
}
