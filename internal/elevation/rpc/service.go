package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
)

const (
	serviceName      = "elevation.v1.MapService"
	GetMapMethod     = "/" + serviceName + "/GetMap"
	StreamMapsMethod = "/" + serviceName + "/StreamMaps"
)

// MapServiceServer is the server API for elevation.v1.MapService.
type MapServiceServer interface {
	GetMap(context.Context, *GetMapRequest) (*export.Message, error)
	StreamMaps(*StreamMapsRequest, grpc.ServerStreamingServer[export.Message]) error
}

// ServiceDesc describes elevation.v1.MapService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MapServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMap", Handler: getMapHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMaps", Handler: streamMapsHandler, ServerStreams: true},
	},
	Metadata: "api/proto/elevation/v1/grid_map.proto",
}

// RegisterService registers srv on s.
func RegisterService(s grpc.ServiceRegistrar, srv MapServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getMapHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetMapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MapServiceServer).GetMap(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMapMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MapServiceServer).GetMap(ctx, req.(*GetMapRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamMapsHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamMapsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MapServiceServer).StreamMaps(in, &grpc.GenericServerStream[StreamMapsRequest, export.Message]{ServerStream: stream})
}

// Client calls elevation.v1.MapService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection. The connection needs no codec option; every
// call forces the wire codec.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetMap fetches the latest published map.
func (c *Client) GetMap(ctx context.Context, opts ...grpc.CallOption) (*export.Message, error) {
	out := new(export.Message)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec())}, opts...)
	if err := c.cc.Invoke(ctx, GetMapMethod, &GetMapRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamMaps subscribes to every map published from now on.
func (c *Client) StreamMaps(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[export.Message], error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec())}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamMapsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[StreamMapsRequest, export.Message]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&StreamMapsRequest{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
