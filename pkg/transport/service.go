package transport

import (
	"context"

	"google.golang.org/grpc"
)

// Handler receives envelopes forwarded by a peer node. Implementations
// hand the payload to the local router for local-index/mailbox
// delivery; delivery itself stays fire-and-forget from the transport's
// point of view.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *Envelope) error
}

// server is the concrete type the generated-style ServiceDesc dispatches
// to; it adapts a Handler to the single Send RPC.
type server struct {
	handler Handler
}

func (s *server) Send(ctx context.Context, env *Envelope) (*Ack, error) {
	if err := s.handler.HandleEnvelope(ctx, env); err != nil {
		return &Ack{Accepted: false, Reason: err.Error()}, nil
	}
	return &Ack{Accepted: true}, nil
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	env := new(Envelope)
	if err := dec(env); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*server).Send(ctx, env)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mesh.Transport/Send"}
	handlerFn := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*server).Send(ctx, req.(*Envelope))
	}
	return interceptor(ctx, env, info, handlerFn)
}

// serviceDesc is hand-authored in place of a protoc-generated
// ServiceDesc: one unary method, Send, framed with jsonCodec instead of
// wire-format protobuf.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "mesh.Transport",
	HandlerType: (*server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/service.go",
}
