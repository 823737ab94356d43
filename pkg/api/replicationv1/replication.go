// Package replicationv1 defines the replication.v1 messages and the
// ReplicationService gRPC bindings.
package replicationv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/pkg/api/codec"
)

// FrameKind mirrors the replication frame kinds.
type FrameKind int32

// Frame kinds.
const (
	FrameKind_FRAME_KIND_UNSPECIFIED FrameKind = 0
	FrameKind_FRAME_KIND_FULL_SYNC   FrameKind = 1
	FrameKind_FRAME_KIND_CONTINUE    FrameKind = 2
	FrameKind_FRAME_KIND_ENTRIES     FrameKind = 3
)

// SyncRequest opens a replication stream.
type SyncRequest struct {
	ReplicaId     string `json:"replica_id"`
	Addr          string `json:"addr,omitempty"`
	ReplicationId string `json:"replication_id,omitempty"`
	Offset        int64  `json:"offset"`
}

// Entry is one encoded log entry.
type Entry struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// SyncFrame is one message of the replication stream.
type SyncFrame struct {
	Kind          FrameKind `json:"kind"`
	ReplicationId string    `json:"replication_id"`
	Offset        int64     `json:"offset,omitempty"`
	Snapshot      []byte    `json:"snapshot,omitempty"`
	Entries       []*Entry  `json:"entries,omitempty"`
}

// AckRequest reports a replica's applied offset.
type AckRequest struct {
	ReplicaId string `json:"replica_id"`
	Offset    int64  `json:"offset"`
}

// AckResponse is empty.
type AckResponse struct{}

const (
	ReplicationService_Sync_FullMethodName = "/replication.v1.ReplicationService/Sync"
	ReplicationService_Ack_FullMethodName  = "/replication.v1.ReplicationService/Ack"
)

// ReplicationServiceClient is the client API for ReplicationService.
type ReplicationServiceClient interface {
	Sync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[SyncFrame], error)
	Ack(ctx context.Context, in *AckRequest, opts ...grpc.CallOption) (*AckResponse, error)
}

type replicationServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationServiceClient returns a ReplicationService client bound to cc.
func NewReplicationServiceClient(cc grpc.ClientConnInterface) ReplicationServiceClient {
	return &replicationServiceClient{cc}
}

func (c *replicationServiceClient) Sync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[SyncFrame], error) {
	stream, err := c.cc.NewStream(ctx, &ReplicationService_ServiceDesc.Streams[0], ReplicationService_Sync_FullMethodName, codec.WithCallOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SyncRequest, SyncFrame]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// ReplicationService_SyncClient is the client side of the Sync stream.
type ReplicationService_SyncClient = grpc.ServerStreamingClient[SyncFrame]

func (c *replicationServiceClient) Ack(ctx context.Context, in *AckRequest, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	err := c.cc.Invoke(ctx, ReplicationService_Ack_FullMethodName, in, out, codec.WithCallOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplicationServiceServer is the server API for ReplicationService.
type ReplicationServiceServer interface {
	Sync(*SyncRequest, grpc.ServerStreamingServer[SyncFrame]) error
	Ack(context.Context, *AckRequest) (*AckResponse, error)
}

// UnimplementedReplicationServiceServer can be embedded for forward compatibility.
type UnimplementedReplicationServiceServer struct{}

func (UnimplementedReplicationServiceServer) Sync(*SyncRequest, grpc.ServerStreamingServer[SyncFrame]) error {
	return status.Errorf(codes.Unimplemented, "method Sync not implemented")
}

func (UnimplementedReplicationServiceServer) Ack(context.Context, *AckRequest) (*AckResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Ack not implemented")
}

// RegisterReplicationServiceServer registers srv on s.
func RegisterReplicationServiceServer(s grpc.ServiceRegistrar, srv ReplicationServiceServer) {
	s.RegisterService(&ReplicationService_ServiceDesc, srv)
}

func _ReplicationService_Sync_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(SyncRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ReplicationServiceServer).Sync(m, &grpc.GenericServerStream[SyncRequest, SyncFrame]{ServerStream: stream})
}

// ReplicationService_SyncServer is the server side of the Sync stream.
type ReplicationService_SyncServer = grpc.ServerStreamingServer[SyncFrame]

func _ReplicationService_Ack_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServiceServer).Ack(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ReplicationService_Ack_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServiceServer).Ack(ctx, req.(*AckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ReplicationService_ServiceDesc is the grpc.ServiceDesc for ReplicationService.
var ReplicationService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "replication.v1.ReplicationService",
	HandlerType: (*ReplicationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ack",
			Handler:    _ReplicationService_Ack_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       _ReplicationService_Sync_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "replication/v1/replication.proto",
}
