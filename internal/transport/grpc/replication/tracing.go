package replgrpc

import (
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	replpb "github.com/i-melnichenko/kvx/pkg/api/replicationv1"
)

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

func serverSyncAttrs(req *replpb.SyncRequest, addr string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("replication.replica_id", req.ReplicaId),
		attribute.String("replication.replica_addr", addr),
		attribute.String("replication.requested_id", req.ReplicationId),
		attribute.Int64("replication.requested_offset", req.Offset),
	}
}

func serverAckAttrs(req *replpb.AckRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("replication.replica_id", req.ReplicaId),
		attribute.Int64("replication.ack_offset", req.Offset),
	}
}
