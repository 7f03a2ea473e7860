package grpcbus

import (
	"context"

	"google.golang.org/grpc"

	"github.com/bridgevalidator/node/pkg/wire"
)

// Ack is the empty acknowledgement the Send RPC returns.
type Ack struct{}

// EnvelopeServer is the service a party's gRPC listener implements: receive
// one wire.Envelope per call. Hand-written in place of a protoc-generated
// interface (see codec.go).
type EnvelopeServer interface {
	Send(ctx context.Context, env *wire.Envelope) (*Ack, error)
}

// EnvelopeClient is the client stub a peer dial produces.
type EnvelopeClient interface {
	Send(ctx context.Context, env *wire.Envelope, opts ...grpc.CallOption) (*Ack, error)
}

type envelopeClient struct {
	cc *grpc.ClientConn
}

// NewEnvelopeClient wraps an established connection.
func NewEnvelopeClient(cc *grpc.ClientConn) EnvelopeClient {
	return &envelopeClient{cc: cc}
}

func (c *envelopeClient) Send(ctx context.Context, env *wire.Envelope, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	opts = append(opts, grpc.CallCustomCodec(jsonCodec{}))
	if err := c.cc.Invoke(ctx, "/transport.Envelope/Send", env, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Envelope_Send_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvelopeServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/transport.Envelope/Send"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvelopeServer).Send(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// envelopeServiceDesc is the hand-written equivalent of a protoc-generated
// grpc.ServiceDesc for the single-method Envelope service.
var envelopeServiceDesc = grpc.ServiceDesc{
	ServiceName: "transport.Envelope",
	HandlerType: (*EnvelopeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: _Envelope_Send_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bridgevalidator/transport/envelope",
}

// RegisterEnvelopeServer registers srv against s the way generated code
// would.
func RegisterEnvelopeServer(s *grpc.Server, srv EnvelopeServer) {
	s.RegisterService(&envelopeServiceDesc, srv)
}
