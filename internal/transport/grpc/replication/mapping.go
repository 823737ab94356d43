package replgrpc

import (
	"fmt"

	"github.com/i-melnichenko/kvx/internal/replication"
	replpb "github.com/i-melnichenko/kvx/pkg/api/replicationv1"
)

// --- Sync ---

func syncRequestFromPB(pb *replpb.SyncRequest) replication.SyncRequest {
	return replication.SyncRequest{
		ReplicaID:     pb.ReplicaId,
		Addr:          pb.Addr,
		ReplicationID: pb.ReplicationId,
		Offset:        pb.Offset,
	}
}

func syncRequestToPB(r replication.SyncRequest) *replpb.SyncRequest {
	return &replpb.SyncRequest{
		ReplicaId:     r.ReplicaID,
		Addr:          r.Addr,
		ReplicationId: r.ReplicationID,
		Offset:        r.Offset,
	}
}

// --- Frames ---

func frameKindToPB(k replication.FrameKind) replpb.FrameKind {
	switch k {
	case replication.FrameFullSync:
		return replpb.FrameKind_FRAME_KIND_FULL_SYNC
	case replication.FrameContinue:
		return replpb.FrameKind_FRAME_KIND_CONTINUE
	case replication.FrameEntries:
		return replpb.FrameKind_FRAME_KIND_ENTRIES
	default:
		return replpb.FrameKind_FRAME_KIND_UNSPECIFIED
	}
}

func frameKindFromPB(k replpb.FrameKind) (replication.FrameKind, error) {
	switch k {
	case replpb.FrameKind_FRAME_KIND_FULL_SYNC:
		return replication.FrameFullSync, nil
	case replpb.FrameKind_FRAME_KIND_CONTINUE:
		return replication.FrameContinue, nil
	case replpb.FrameKind_FRAME_KIND_ENTRIES:
		return replication.FrameEntries, nil
	default:
		return 0, fmt.Errorf("replication client: unknown frame kind %d", k)
	}
}

func frameToPB(f replication.Frame) (*replpb.SyncFrame, error) {
	out := &replpb.SyncFrame{
		Kind:          frameKindToPB(f.Kind),
		ReplicationId: f.ReplicationID,
		Offset:        f.Offset,
		Snapshot:      f.Snapshot,
	}
	if len(f.Entries) > 0 {
		out.Entries = make([]*replpb.Entry, 0, len(f.Entries))
	}
	for _, e := range f.Entries {
		data, err := e.Command.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", e.Offset, err)
		}
		out.Entries = append(out.Entries, &replpb.Entry{Offset: e.Offset, Data: data})
	}
	return out, nil
}

func frameFromPB(pb *replpb.SyncFrame) (replication.Frame, error) {
	kind, err := frameKindFromPB(pb.Kind)
	if err != nil {
		return replication.Frame{}, err
	}
	out := replication.Frame{
		Kind:          kind,
		ReplicationID: pb.ReplicationId,
		Offset:        pb.Offset,
		Snapshot:      pb.Snapshot,
	}
	if len(pb.Entries) > 0 {
		out.Entries = make([]replication.Entry, len(pb.Entries))
	}
	for i, e := range pb.Entries {
		out.Entries[i].Offset = e.Offset
		if err := out.Entries[i].Command.UnmarshalBinary(e.Data); err != nil {
			return replication.Frame{}, fmt.Errorf("decode entry %d: %w", e.Offset, err)
		}
	}
	return out, nil
}
