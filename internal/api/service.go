package api

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "river.StreamService"

const (
	CreateStreamMethod         = "/" + ServiceName + "/CreateStream"
	AddEventMethod             = "/" + ServiceName + "/AddEvent"
	GetStreamMethod            = "/" + ServiceName + "/GetStream"
	GetLastMiniblockHashMethod = "/" + ServiceName + "/GetLastMiniblockHash"
	SyncStreamsMethod          = "/" + ServiceName + "/SyncStreams"
	AddStreamToSyncMethod      = "/" + ServiceName + "/AddStreamToSync"
	RemoveStreamFromSyncMethod = "/" + ServiceName + "/RemoveStreamFromSync"
	CancelSyncMethod           = "/" + ServiceName + "/CancelSync"
	PingSyncMethod             = "/" + ServiceName + "/PingSync"
	InfoMethod                 = "/" + ServiceName + "/Info"
)

// SharedSyncHeader is the metadata key that routes a SyncStreams call
// through the node's shared multiplexer.
const SharedSyncHeader = "x-use-shared-sync"

// StreamServiceServer is the server API for river.StreamService.
type StreamServiceServer interface {
	CreateStream(context.Context, *CreateStreamRequest) (*CreateStreamResponse, error)
	AddEvent(context.Context, *AddEventRequest) (*AddEventResponse, error)
	GetStream(context.Context, *GetStreamRequest) (*GetStreamResponse, error)
	GetLastMiniblockHash(context.Context, *GetLastMiniblockHashRequest) (*GetLastMiniblockHashResponse, error)
	SyncStreams(*SyncStreamsRequest, SyncStreamsServer) error
	AddStreamToSync(context.Context, *AddStreamToSyncRequest) (*AddStreamToSyncResponse, error)
	RemoveStreamFromSync(context.Context, *RemoveStreamFromSyncRequest) (*RemoveStreamFromSyncResponse, error)
	CancelSync(context.Context, *CancelSyncRequest) (*CancelSyncResponse, error)
	PingSync(context.Context, *PingSyncRequest) (*PingSyncResponse, error)
	Info(context.Context, *InfoRequest) (*InfoResponse, error)
}

// SyncStreamsServer is the server side of a SyncStreams call.
type SyncStreamsServer interface {
	Send(*SyncStreamsResponse) error
	grpc.ServerStream
}

// RegisterStreamServiceServer registers srv on s.
func RegisterStreamServiceServer(s grpc.ServiceRegistrar, srv StreamServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds the method descriptor for one unary call.
func unary[Req, Resp any](name string, call func(StreamServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StreamServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StreamServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func syncStreamsHandler(srv any, stream grpc.ServerStream) error {
	in := new(SyncStreamsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StreamServiceServer).SyncStreams(in, &syncStreamsServer{stream})
}

type syncStreamsServer struct {
	grpc.ServerStream
}

func (x *syncStreamsServer) Send(m *SyncStreamsResponse) error {
	return x.ServerStream.SendMsg(m)
}

// ServiceDesc is the grpc.ServiceDesc for river.StreamService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateStream", StreamServiceServer.CreateStream),
		unary("AddEvent", StreamServiceServer.AddEvent),
		unary("GetStream", StreamServiceServer.GetStream),
		unary("GetLastMiniblockHash", StreamServiceServer.GetLastMiniblockHash),
		unary("AddStreamToSync", StreamServiceServer.AddStreamToSync),
		unary("RemoveStreamFromSync", StreamServiceServer.RemoveStreamFromSync),
		unary("CancelSync", StreamServiceServer.CancelSync),
		unary("PingSync", StreamServiceServer.PingSync),
		unary("Info", StreamServiceServer.Info),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SyncStreams",
			Handler:       syncStreamsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "river/stream.proto",
}

// StreamServiceClient is the client API for river.StreamService. Every
// call uses the JSON codec.
type StreamServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStreamServiceClient(cc grpc.ClientConnInterface) *StreamServiceClient {
	return &StreamServiceClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StreamServiceClient) CreateStream(ctx context.Context, in *CreateStreamRequest, opts ...grpc.CallOption) (*CreateStreamResponse, error) {
	return invoke[CreateStreamRequest, CreateStreamResponse](ctx, c.cc, CreateStreamMethod, in, opts)
}

func (c *StreamServiceClient) AddEvent(ctx context.Context, in *AddEventRequest, opts ...grpc.CallOption) (*AddEventResponse, error) {
	return invoke[AddEventRequest, AddEventResponse](ctx, c.cc, AddEventMethod, in, opts)
}

func (c *StreamServiceClient) GetStream(ctx context.Context, in *GetStreamRequest, opts ...grpc.CallOption) (*GetStreamResponse, error) {
	return invoke[GetStreamRequest, GetStreamResponse](ctx, c.cc, GetStreamMethod, in, opts)
}

func (c *StreamServiceClient) GetLastMiniblockHash(ctx context.Context, in *GetLastMiniblockHashRequest, opts ...grpc.CallOption) (*GetLastMiniblockHashResponse, error) {
	return invoke[GetLastMiniblockHashRequest, GetLastMiniblockHashResponse](ctx, c.cc, GetLastMiniblockHashMethod, in, opts)
}

func (c *StreamServiceClient) AddStreamToSync(ctx context.Context, in *AddStreamToSyncRequest, opts ...grpc.CallOption) (*AddStreamToSyncResponse, error) {
	return invoke[AddStreamToSyncRequest, AddStreamToSyncResponse](ctx, c.cc, AddStreamToSyncMethod, in, opts)
}

func (c *StreamServiceClient) RemoveStreamFromSync(ctx context.Context, in *RemoveStreamFromSyncRequest, opts ...grpc.CallOption) (*RemoveStreamFromSyncResponse, error) {
	return invoke[RemoveStreamFromSyncRequest, RemoveStreamFromSyncResponse](ctx, c.cc, RemoveStreamFromSyncMethod, in, opts)
}

func (c *StreamServiceClient) CancelSync(ctx context.Context, in *CancelSyncRequest, opts ...grpc.CallOption) (*CancelSyncResponse, error) {
	return invoke[CancelSyncRequest, CancelSyncResponse](ctx, c.cc, CancelSyncMethod, in, opts)
}

func (c *StreamServiceClient) PingSync(ctx context.Context, in *PingSyncRequest, opts ...grpc.CallOption) (*PingSyncResponse, error) {
	return invoke[PingSyncRequest, PingSyncResponse](ctx, c.cc, PingSyncMethod, in, opts)
}

func (c *StreamServiceClient) Info(ctx context.Context, in *InfoRequest, opts ...grpc.CallOption) (*InfoResponse, error) {
	return invoke[InfoRequest, InfoResponse](ctx, c.cc, InfoMethod, in, opts)
}

// SyncStreamsClient is the client side of a SyncStreams call.
type SyncStreamsClient interface {
	Recv() (*SyncStreamsResponse, error)
	grpc.ClientStream
}

func (c *StreamServiceClient) SyncStreams(ctx context.Context, in *SyncStreamsRequest, opts ...grpc.CallOption) (SyncStreamsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SyncStreamsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &syncStreamsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type syncStreamsClient struct {
	grpc.ClientStream
}

func (x *syncStreamsClient) Recv() (*SyncStreamsResponse, error) {
	m := new(SyncStreamsResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
