package replgrpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/internal/replication"
	replpb "github.com/i-melnichenko/kvx/pkg/api/replicationv1"
)

// Handler is the subset of *replication.Primary required by the gRPC server.
// *replication.Primary satisfies this interface.
type Handler interface {
	Sync(ctx context.Context, req replication.SyncRequest, send func(replication.Frame) error) error
	Ack(replicaID string, offset int64) error
}

// Server implements replpb.ReplicationServiceServer by delegating to a primary.
type Server struct {
	replpb.UnimplementedReplicationServiceServer
	handler Handler
	tracer  oteltrace.Tracer
}

// NewServer creates a replication gRPC server adapter for the provided handler.
func NewServer(handler Handler, tracer oteltrace.Tracer) *Server {
	return &Server{handler: handler, tracer: tracer}
}

// Sync streams frames to a replica until the replica disconnects or falls
// behind the backlog.
func (s *Server) Sync(pbReq *replpb.SyncRequest, stream grpc.ServerStreamingServer[replpb.SyncFrame]) error {
	req := syncRequestFromPB(pbReq)
	if req.Addr == "" {
		if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
			req.Addr = p.Addr.String()
		}
	}

	ctx, span := s.tracer.Start(stream.Context(), "replgrpc.server.Sync", oteltrace.WithAttributes(serverSyncAttrs(pbReq, req.Addr)...))
	defer span.End()

	var frames, entries int
	err := s.handler.Sync(ctx, req, func(f replication.Frame) error {
		pb, err := frameToPB(f)
		if err != nil {
			return err
		}
		if err := stream.Send(pb); err != nil {
			return err
		}
		frames++
		entries += len(f.Entries)
		return nil
	})
	span.SetAttributes(
		attribute.Int("replication.frames_sent", frames),
		attribute.Int("replication.entries_sent", entries),
	)
	if err != nil {
		recordSpanError(span, err)
		return toGRPCStatus(err)
	}
	return nil
}

// Ack records the offset a replica has applied.
func (s *Server) Ack(ctx context.Context, pbReq *replpb.AckRequest) (*replpb.AckResponse, error) {
	_, span := s.tracer.Start(ctx, "replgrpc.server.Ack", oteltrace.WithAttributes(serverAckAttrs(pbReq)...))
	defer span.End()

	if err := s.handler.Ack(pbReq.ReplicaId, pbReq.Offset); err != nil {
		recordSpanError(span, err)
		return nil, toGRPCStatus(err)
	}
	return &replpb.AckResponse{}, nil
}

func toGRPCStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, replication.ErrUnknownReplica):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, replication.ErrOffsetTrimmed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
