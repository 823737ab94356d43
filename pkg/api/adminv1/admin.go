// Package adminv1 defines the admin.v1 messages and the AdminService gRPC
// bindings.
package adminv1

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/pkg/api/codec"
)

// NodeRole is the replication role of a node.
type NodeRole int32

// Node roles.
const (
	NodeRole_NODE_ROLE_UNSPECIFIED NodeRole = 0
	NodeRole_NODE_ROLE_PRIMARY     NodeRole = 1
	NodeRole_NODE_ROLE_REPLICA     NodeRole = 2
)

func (r NodeRole) String() string {
	switch r {
	case NodeRole_NODE_ROLE_PRIMARY:
		return "NODE_ROLE_PRIMARY"
	case NodeRole_NODE_ROLE_REPLICA:
		return "NODE_ROLE_REPLICA"
	default:
		return "NODE_ROLE_UNSPECIFIED"
	}
}

// NodeStatus is the health of a node.
type NodeStatus int32

// Node statuses.
const (
	NodeStatus_NODE_STATUS_UNSPECIFIED NodeStatus = 0
	NodeStatus_NODE_STATUS_HEALTHY     NodeStatus = 1
	NodeStatus_NODE_STATUS_DEGRADED    NodeStatus = 2
)

func (s NodeStatus) String() string {
	switch s {
	case NodeStatus_NODE_STATUS_HEALTHY:
		return "NODE_STATUS_HEALTHY"
	case NodeStatus_NODE_STATUS_DEGRADED:
		return "NODE_STATUS_DEGRADED"
	default:
		return "NODE_STATUS_UNSPECIFIED"
	}
}

// GetNodeInfoRequest is empty.
type GetNodeInfoRequest struct{}

// GetNodeInfoResponse wraps NodeInfo.
type GetNodeInfoResponse struct {
	Node *NodeInfo `json:"node"`
}

// NodeInfo describes one node.
type NodeInfo struct {
	NodeId string     `json:"node_id"`
	Role   NodeRole   `json:"role"`
	Status NodeStatus `json:"status"`

	Keys            int64  `json:"keys"`
	UsedMemoryBytes int64  `json:"used_memory_bytes"`
	MaxMemoryBytes  int64  `json:"max_memory_bytes,omitempty"`
	ExpiredKeys     uint64 `json:"expired_keys"`

	ReplicationId string `json:"replication_id,omitempty"`
	Offset        int64  `json:"offset"`

	Primary  *PrimaryInfo   `json:"primary,omitempty"`
	Replica  *ReplicaLink   `json:"replica,omitempty"`
	Journal  *JournalInfo   `json:"journal,omitempty"`
	Commands []*CommandInfo `json:"commands,omitempty"`
	Stats    *CommandStats  `json:"stats,omitempty"`
}

// PrimaryInfo is set on primaries.
type PrimaryInfo struct {
	BacklogFirstOffset int64          `json:"backlog_first_offset"`
	BacklogEntries     int64          `json:"backlog_entries"`
	Replicas           []*ReplicaInfo `json:"replicas,omitempty"`
}

// ReplicaInfo describes a replica connected to a primary.
type ReplicaInfo struct {
	ReplicaId   string    `json:"replica_id"`
	Addr        string    `json:"addr,omitempty"`
	AckOffset   int64     `json:"ack_offset"`
	Lag         int64     `json:"lag"`
	ConnectedAt time.Time `json:"connected_at"`
	LastAckAt   time.Time `json:"last_ack_at,omitempty"`
}

// ReplicaLink is set on replicas.
type ReplicaLink struct {
	PrimaryAddr string    `json:"primary_addr"`
	Up          bool      `json:"up"`
	LastError   string    `json:"last_error,omitempty"`
	FullSyncs   int64     `json:"full_syncs"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
}

// JournalInfo describes the local journal.
type JournalInfo struct {
	Path           string `json:"path"`
	Offset         int64  `json:"offset"`
	SnapshotOffset int64  `json:"snapshot_offset"`
	Entries        int64  `json:"entries"`
}

// CommandInfo describes one registered command.
type CommandInfo struct {
	Name  string `json:"name"`
	Arity int32  `json:"arity"`
	Flags string `json:"flags"`
}

// CommandStats counts executed commands.
type CommandStats struct {
	Total  uint64 `json:"total"`
	Failed uint64 `json:"failed"`
}

const (
	AdminService_GetNodeInfo_FullMethodName = "/admin.v1.AdminService/GetNodeInfo"
)

// AdminServiceClient is the client API for AdminService.
type AdminServiceClient interface {
	GetNodeInfo(ctx context.Context, in *GetNodeInfoRequest, opts ...grpc.CallOption) (*GetNodeInfoResponse, error)
}

type adminServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminServiceClient returns an AdminService client bound to cc.
func NewAdminServiceClient(cc grpc.ClientConnInterface) AdminServiceClient {
	return &adminServiceClient{cc}
}

func (c *adminServiceClient) GetNodeInfo(ctx context.Context, in *GetNodeInfoRequest, opts ...grpc.CallOption) (*GetNodeInfoResponse, error) {
	out := new(GetNodeInfoResponse)
	err := c.cc.Invoke(ctx, AdminService_GetNodeInfo_FullMethodName, in, out, codec.WithCallOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdminServiceServer is the server API for AdminService.
type AdminServiceServer interface {
	GetNodeInfo(context.Context, *GetNodeInfoRequest) (*GetNodeInfoResponse, error)
}

// UnimplementedAdminServiceServer can be embedded for forward compatibility.
type UnimplementedAdminServiceServer struct{}

func (UnimplementedAdminServiceServer) GetNodeInfo(context.Context, *GetNodeInfoRequest) (*GetNodeInfoResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetNodeInfo not implemented")
}

// RegisterAdminServiceServer registers srv on s.
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&AdminService_ServiceDesc, srv)
}

func _AdminService_GetNodeInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetNodeInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).GetNodeInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: AdminService_GetNodeInfo_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServiceServer).GetNodeInfo(ctx, req.(*GetNodeInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminService_ServiceDesc is the grpc.ServiceDesc for AdminService.
var AdminService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "admin.v1.AdminService",
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetNodeInfo",
			Handler:    _AdminService_GetNodeInfo_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admin/v1/admin.proto",
}
