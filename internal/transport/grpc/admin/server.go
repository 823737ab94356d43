// Package admingrpc exposes node state over the admin gRPC service.
package admingrpc

import (
	"context"
	"math"

	"github.com/i-melnichenko/kvx/internal/service"
	adminpb "github.com/i-melnichenko/kvx/pkg/api/adminv1"
)

// Inspector is the subset of *service.KV required by the admin gRPC server.
// *service.KV satisfies this interface.
type Inspector interface {
	Info(ctx context.Context) service.NodeInfo
}

// Server implements adminpb.AdminServiceServer.
type Server struct {
	adminpb.UnimplementedAdminServiceServer

	node Inspector
}

// NewServer creates an admin gRPC server adapter.
func NewServer(node Inspector) *Server {
	return &Server{node: node}
}

// GetNodeInfo returns administrative information about the current node.
func (s *Server) GetNodeInfo(ctx context.Context, _ *adminpb.GetNodeInfoRequest) (*adminpb.GetNodeInfoResponse, error) {
	return &adminpb.GetNodeInfoResponse{Node: nodeInfoToProto(s.node.Info(ctx))}, nil
}

func nodeInfoToProto(in service.NodeInfo) *adminpb.NodeInfo {
	node := &adminpb.NodeInfo{
		NodeId:          in.NodeID,
		Role:            mapRole(in.Role),
		Status:          mapStatus(in),
		Keys:            int64(in.Keys),
		UsedMemoryBytes: in.UsedMemory,
		MaxMemoryBytes:  in.MaxMemory,
		ExpiredKeys:     in.ExpiredKeys,
		ReplicationId:   in.ReplicationID,
		Offset:          in.Offset,
		Stats: &adminpb.CommandStats{
			Total:  in.CommandsTotal,
			Failed: in.CommandsFailed,
		},
	}

	if in.Role == service.RolePrimary {
		primary := &adminpb.PrimaryInfo{
			BacklogFirstOffset: in.BacklogFirstOffset,
			BacklogEntries:     int64(in.BacklogEntries),
			Replicas:           make([]*adminpb.ReplicaInfo, 0, len(in.Replicas)),
		}
		for _, r := range in.Replicas {
			lag := in.Offset - r.AckOffset
			if lag < 0 {
				lag = 0
			}
			primary.Replicas = append(primary.Replicas, &adminpb.ReplicaInfo{
				ReplicaId:   r.ID,
				Addr:        r.Addr,
				AckOffset:   r.AckOffset,
				Lag:         lag,
				ConnectedAt: r.ConnectedAt,
				LastAckAt:   r.LastAck,
			})
		}
		node.Primary = primary
	}

	if l := in.Link; l != nil {
		node.Replica = &adminpb.ReplicaLink{
			PrimaryAddr: l.PrimaryAddr,
			Up:          l.LinkUp,
			LastError:   l.LastError,
			FullSyncs:   int64(l.FullSyncs),
			LastSyncAt:  l.LastSync,
		}
	}

	if j := in.Journal; j != nil {
		node.Journal = &adminpb.JournalInfo{
			Path:           j.Path,
			Offset:         j.Stats.LastOffset,
			SnapshotOffset: j.Stats.SnapshotOffset,
			Entries:        j.Stats.Entries,
		}
	}

	node.Commands = make([]*adminpb.CommandInfo, 0, len(in.Commands))
	for _, c := range in.Commands {
		node.Commands = append(node.Commands, &adminpb.CommandInfo{
			Name:  c.Name,
			Arity: safeInt32(c.Arity),
			Flags: c.Flags.String(),
		})
	}
	return node
}

func mapRole(v service.Role) adminpb.NodeRole {
	switch v {
	case service.RolePrimary:
		return adminpb.NodeRole_NODE_ROLE_PRIMARY
	case service.RoleReplica:
		return adminpb.NodeRole_NODE_ROLE_REPLICA
	default:
		return adminpb.NodeRole_NODE_ROLE_UNSPECIFIED
	}
}

// mapStatus reports a replica without a live link, or a node above its
// memory limit, as degraded.
func mapStatus(in service.NodeInfo) adminpb.NodeStatus {
	if in.Link != nil && !in.Link.LinkUp {
		return adminpb.NodeStatus_NODE_STATUS_DEGRADED
	}
	if in.MaxMemory > 0 && in.UsedMemory > in.MaxMemory {
		return adminpb.NodeStatus_NODE_STATUS_DEGRADED
	}
	return adminpb.NodeStatus_NODE_STATUS_HEALTHY
}

func safeInt32(v int) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
