package replication

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics captures replication-layer metric sinks.
type Metrics interface {
	IncReplicationPropagated(nodeID, op string)
	SetReplicationOffset(nodeID string, offset int64)
	IncReplicationSync(nodeID, kind string)
	SetReplicationReplicas(nodeID string, n int)
	SetReplicationReplicaLag(nodeID, replicaID string, lag int64)
	AddReplicaApplied(nodeID string, n int)
	IncReplicaLinkError(nodeID, kind string)
	SetReplicaLinkUp(nodeID string, up bool)
	ObserveJournalWrite(nodeID string, entries int, d time.Duration)
	IncJournalCompaction(nodeID, reason string)
	IncJournalError(nodeID, op string)
}

type noopMetrics struct{}

func (noopMetrics) IncReplicationPropagated(string, string)        {}
func (noopMetrics) SetReplicationOffset(string, int64)             {}
func (noopMetrics) IncReplicationSync(string, string)              {}
func (noopMetrics) SetReplicationReplicas(string, int)             {}
func (noopMetrics) SetReplicationReplicaLag(string, string, int64) {}
func (noopMetrics) AddReplicaApplied(string, int)                  {}
func (noopMetrics) IncReplicaLinkError(string, string)             {}
func (noopMetrics) SetReplicaLinkUp(string, bool)                  {}
func (noopMetrics) ObserveJournalWrite(string, int, time.Duration) {}
func (noopMetrics) IncJournalCompaction(string, string)            {}
func (noopMetrics) IncJournalError(string, string)                 {}

// FrameKind tells a replica how to interpret a sync frame.
type FrameKind uint8

// Sync frame kinds.
const (
	// FrameFullSync carries a store snapshot; entries continue after Offset.
	FrameFullSync FrameKind = iota + 1
	// FrameContinue confirms a partial resync from the requested offset.
	FrameContinue
	// FrameEntries carries consecutive entries.
	FrameEntries
)

func (k FrameKind) String() string {
	switch k {
	case FrameFullSync:
		return "full"
	case FrameContinue:
		return "continue"
	case FrameEntries:
		return "entries"
	default:
		return "unknown"
	}
}

// Frame is one message of a sync stream.
type Frame struct {
	Kind          FrameKind
	ReplicationID string
	Offset        int64
	Snapshot      []byte
	Entries       []Entry
}

// SyncRequest opens a sync stream. An empty ReplicationID or one that does
// not match the primary forces a full resync.
type SyncRequest struct {
	ReplicaID     string
	Addr          string
	ReplicationID string
	Offset        int64
}

func startSpan(ctx context.Context, tracer oteltrace.Tracer, nodeID, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("replication.node_id", nodeID))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
