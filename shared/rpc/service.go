package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC fully-qualified service name, matching the pattern
// protoc-gen-go-grpc would derive from a "fleetmesh.hub" package declaration.
const ServiceName = "fleetmesh.hub.Hub"

// sessionStreamName is the method name for the single bidirectional RPC.
const sessionStreamName = "Session"

// HubServer is implemented by internal/hub to handle one Envelope stream per
// agent connection. It plays the role a protoc-generated XxxServer interface
// would play, hand-written because no .proto toolchain runs in this repo.
type HubServer interface {
	Session(stream Hub_SessionServer) error
}

// Hub_SessionServer is the server-side view of the bidirectional stream.
type Hub_SessionServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}

// Hub_SessionClient is the client-side view of the bidirectional stream.
type Hub_SessionClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type hubSessionServerStream struct {
	grpc.ServerStream
}

func (x *hubSessionServerStream) Send(e *Envelope) error {
	return x.ServerStream.SendMsg(e)
}

func (x *hubSessionServerStream) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := x.ServerStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(HubServer).Session(&hubSessionServerStream{stream})
}

// ServiceDesc is the hand-written equivalent of the grpc.ServiceDesc a
// protoc-gen-go-grpc run over a "service Hub { rpc Session(...) }" IDL would
// emit. RegisterHubServer/NewHubClient below play the matching generated
// registration/constructor role.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HubServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    sessionStreamName,
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleetmesh/hub.proto",
}

// RegisterHubServer registers an implementation of HubServer with a gRPC
// server. It does not force a codec: each RPC uses the codec named by the
// content subtype the client sends.
func RegisterHubServer(s *grpc.Server, srv HubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// hubClient implements a thin client over the Session stream, the hand-written
// analogue of a protoc-generated XxxClient.
type hubClient struct {
	cc *grpc.ClientConn
}

// NewHubClient returns a client for the Hub service on cc. The returned
// client always negotiates the envelope codec via CallContentSubtype.
func NewHubClient(cc *grpc.ClientConn) HubClient {
	return &hubClient{cc: cc}
}

// HubClient is the hand-written analogue of a protoc-generated XxxClient
// interface, exposing the single bidirectional Session RPC.
type HubClient interface {
	Session(ctx context.Context, opts ...grpc.CallOption) (Hub_SessionClient, error)
}

func (c *hubClient) Session(ctx context.Context, opts ...grpc.CallOption) (Hub_SessionClient, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/"+sessionStreamName, opts...)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "rpc: opening session stream: %v", err)
	}
	return &hubSessionClientStream{stream}, nil
}

type hubSessionClientStream struct {
	grpc.ClientStream
}

func (x *hubSessionClientStream) Send(e *Envelope) error {
	return x.ClientStream.SendMsg(e)
}

func (x *hubSessionClientStream) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := x.ClientStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}
