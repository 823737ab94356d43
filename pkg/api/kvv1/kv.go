// Package kvv1 defines the kv.v1 messages and the KVService gRPC bindings.
package kvv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/pkg/api/codec"
)

// ReplyKind is the shape of an Exec result.
type ReplyKind int32

// Reply kinds.
const (
	ReplyKind_REPLY_KIND_NIL     ReplyKind = 0
	ReplyKind_REPLY_KIND_INTEGER ReplyKind = 1
	ReplyKind_REPLY_KIND_BULK    ReplyKind = 2
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyKind_REPLY_KIND_INTEGER:
		return "REPLY_KIND_INTEGER"
	case ReplyKind_REPLY_KIND_BULK:
		return "REPLY_KIND_BULK"
	default:
		return "REPLY_KIND_NIL"
	}
}

// ExecRequest carries one command vector, command name first. Arguments
// are opaque bytes and travel base64-encoded.
type ExecRequest struct {
	Args [][]byte `json:"args"`
}

// ExecResponse carries the command result.
type ExecResponse struct {
	Kind    ReplyKind `json:"kind"`
	Integer int64     `json:"integer,omitempty"`
	Bulk    []byte    `json:"bulk,omitempty"`
	// Offset is the replication offset observed after the command ran.
	Offset int64 `json:"offset,omitempty"`
}

const (
	KVService_Exec_FullMethodName = "/kv.v1.KVService/Exec"
)

// KVServiceClient is the client API for KVService.
type KVServiceClient interface {
	Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error)
}

type kvServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewKVServiceClient returns a KVService client bound to cc.
func NewKVServiceClient(cc grpc.ClientConnInterface) KVServiceClient {
	return &kvServiceClient{cc}
}

func (c *kvServiceClient) Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error) {
	out := new(ExecResponse)
	err := c.cc.Invoke(ctx, KVService_Exec_FullMethodName, in, out, codec.WithCallOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// KVServiceServer is the server API for KVService.
type KVServiceServer interface {
	Exec(context.Context, *ExecRequest) (*ExecResponse, error)
}

// UnimplementedKVServiceServer can be embedded for forward compatibility.
type UnimplementedKVServiceServer struct{}

func (UnimplementedKVServiceServer) Exec(context.Context, *ExecRequest) (*ExecResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Exec not implemented")
}

// RegisterKVServiceServer registers srv on s.
func RegisterKVServiceServer(s grpc.ServiceRegistrar, srv KVServiceServer) {
	s.RegisterService(&KVService_ServiceDesc, srv)
}

func _KVService_Exec_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServiceServer).Exec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: KVService_Exec_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServiceServer).Exec(ctx, req.(*ExecRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// KVService_ServiceDesc is the grpc.ServiceDesc for KVService.
var KVService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "kv.v1.KVService",
	HandlerType: (*KVServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exec",
			Handler:    _KVService_Exec_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kv/v1/kv.proto",
}
