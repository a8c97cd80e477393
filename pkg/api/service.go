package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "waveletd.WaveletService"

// Method names
const (
	MethodSubmit   = "Submit"
	MethodHistory  = "History"
	MethodSnapshot = "Snapshot"
	MethodLookup   = "Lookup"
	MethodDelete   = "Delete"
)

// FullMethod returns "/waveletd.WaveletService/{method}"
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// WaveletServiceServer is the server API of the wavelet service
type WaveletServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	Lookup(context.Context, *LookupRequest) (*LookupResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
}

// RegisterWaveletServiceServer registers srv on s
func RegisterWaveletServiceServer(s grpc.ServiceRegistrar, srv WaveletServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the wavelet service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WaveletServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSubmit, Handler: unaryHandler(MethodSubmit, WaveletServiceServer.Submit)},
		{MethodName: MethodHistory, Handler: unaryHandler(MethodHistory, WaveletServiceServer.History)},
		{MethodName: MethodSnapshot, Handler: unaryHandler(MethodSnapshot, WaveletServiceServer.Snapshot)},
		{MethodName: MethodLookup, Handler: unaryHandler(MethodLookup, WaveletServiceServer.Lookup)},
		{MethodName: MethodDelete, Handler: unaryHandler(MethodDelete, WaveletServiceServer.Delete)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "waveletd/wavelet_service",
}

func unaryHandler[Req, Resp any](method string, call func(WaveletServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := FullMethod(method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WaveletServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WaveletServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// WaveletServiceClient is the client API of the wavelet service
type WaveletServiceClient interface {
	Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error)
	Snapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error)
	Lookup(ctx context.Context, in *LookupRequest, opts ...grpc.CallOption) (*LookupResponse, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
}

type waveletServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWaveletServiceClient creates a client of the wavelet service
func NewWaveletServiceClient(cc grpc.ClientConnInterface) WaveletServiceClient {
	return &waveletServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *waveletServiceClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, MethodSubmit, in, opts)
}

func (c *waveletServiceClient) History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c.cc, MethodHistory, in, opts)
}

func (c *waveletServiceClient) Snapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c.cc, MethodSnapshot, in, opts)
}

func (c *waveletServiceClient) Lookup(ctx context.Context, in *LookupRequest, opts ...grpc.CallOption) (*LookupResponse, error) {
	return invoke[LookupResponse](ctx, c.cc, MethodLookup, in, opts)
}

func (c *waveletServiceClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c.cc, MethodDelete, in, opts)
}
