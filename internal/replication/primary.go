package replication

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/kvx/internal/kv"
)

// syncBatch bounds the number of entries per frame.
const syncBatch = 512

// ErrUnknownReplica is returned by Ack for a replica without an open stream.
var ErrUnknownReplica = errors.New("replication: unknown replica")

// ReplicaInfo describes a replica connected to this primary.
type ReplicaInfo struct {
	ID          string
	Addr        string
	AckOffset   int64
	ConnectedAt time.Time
	LastAck     time.Time
}

// Primary receives every resolved mutation of the local store and serves it
// to replicas. It implements command.Emitter.
type Primary struct {
	nodeID  string
	replID  string
	store   *kv.Store
	backlog *Backlog
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics

	mu       sync.Mutex
	replicas map[string]*ReplicaInfo
}

// NewPrimary creates a primary with a fresh replication ID. Replicas that
// synced against an earlier process always fall back to a full resync.
func NewPrimary(nodeID string, store *kv.Store, backlog *Backlog, logger Logger, tracer oteltrace.Tracer, metrics Metrics) *Primary {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Primary{
		nodeID:   nodeID,
		replID:   uuid.NewString(),
		store:    store,
		backlog:  backlog,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		replicas: make(map[string]*ReplicaInfo),
	}
}

// Propagate appends cmd to the backlog. It is called while the mutated key
// is still held, so backlog order matches per-key execution order.
func (p *Primary) Propagate(cmd kv.Command) {
	offset := p.backlog.Append(cmd)
	p.metrics.IncReplicationPropagated(p.nodeID, cmd.Op.String())
	p.metrics.SetReplicationOffset(p.nodeID, offset)
}

// ReplicationID identifies the history served by this primary.
func (p *Primary) ReplicationID() string { return p.replID }

// Offset returns the offset of the last propagated entry.
func (p *Primary) Offset() int64 { return p.backlog.LastOffset() }

// Backlog returns the backlog fed by Propagate.
func (p *Primary) Backlog() *Backlog { return p.backlog }

// Replicas returns the connected replicas sorted by id.
func (p *Primary) Replicas() []ReplicaInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ReplicaInfo, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ack records the offset a replica has applied.
func (p *Primary) Ack(replicaID string, offset int64) error {
	p.mu.Lock()
	r, ok := p.replicas[replicaID]
	if ok {
		if offset > r.AckOffset {
			r.AckOffset = offset
		}
		r.LastAck = time.Now()
		offset = r.AckOffset
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownReplica
	}

	lag := p.backlog.LastOffset() - offset
	if lag < 0 {
		lag = 0
	}
	p.metrics.SetReplicationReplicaLag(p.nodeID, replicaID, lag)
	return nil
}

// Sync serves one replica stream until ctx is canceled, send fails, or the
// replica falls behind the backlog. The first frame is either a full
// snapshot or a confirmation of a partial resync.
func (p *Primary) Sync(ctx context.Context, req SyncRequest, send func(Frame) error) error {
	ctx, span := startSpan(ctx, p.tracer, p.nodeID, "replication.primary.Sync",
		attribute.String("replication.replica_id", req.ReplicaID),
		attribute.Int64("replication.requested_offset", req.Offset),
	)
	defer span.End()

	if req.ReplicaID == "" {
		req.ReplicaID = uuid.NewString()
	}
	info := p.register(req)
	defer p.unregister(info)

	pos, err := p.handshake(ctx, req, send)
	if err != nil {
		spanRecordError(span, err)
		return err
	}

	for {
		entries, wake, err := p.backlog.ReadAfter(pos, syncBatch)
		if err != nil {
			p.logger.Warn("replica fell behind backlog", "replica_id", req.ReplicaID, "offset", pos, "error", err)
			spanRecordError(span, err)
			return err
		}
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
				continue
			}
		}
		if err := send(Frame{Kind: FrameEntries, ReplicationID: p.replID, Entries: entries}); err != nil {
			return err
		}
		pos = entries[len(entries)-1].Offset
	}
}

func (p *Primary) handshake(ctx context.Context, req SyncRequest, send func(Frame) error) (int64, error) {
	if req.ReplicationID == p.replID && p.backlog.Covers(req.Offset) {
		p.metrics.IncReplicationSync(p.nodeID, "partial")
		p.logger.Info("partial resync", "replica_id", req.ReplicaID, "addr", req.Addr, "offset", req.Offset)
		if err := send(Frame{Kind: FrameContinue, ReplicationID: p.replID, Offset: req.Offset}); err != nil {
			return 0, err
		}
		return req.Offset, nil
	}

	var offset int64
	snap, err := p.store.SnapshotAt(ctx, func() { offset = p.backlog.LastOffset() })
	if err != nil {
		return 0, err
	}
	p.metrics.IncReplicationSync(p.nodeID, "full")
	p.logger.Info("full resync", "replica_id", req.ReplicaID, "addr", req.Addr, "offset", offset, "snapshot_bytes", len(snap))
	if err := send(Frame{Kind: FrameFullSync, ReplicationID: p.replID, Offset: offset, Snapshot: snap}); err != nil {
		return 0, err
	}
	return offset, nil
}

func (p *Primary) register(req SyncRequest) *ReplicaInfo {
	info := &ReplicaInfo{
		ID:          req.ReplicaID,
		Addr:        req.Addr,
		AckOffset:   req.Offset,
		ConnectedAt: time.Now(),
	}
	p.mu.Lock()
	// A reconnecting replica replaces its stale stream.
	p.replicas[req.ReplicaID] = info
	n := len(p.replicas)
	p.mu.Unlock()
	p.metrics.SetReplicationReplicas(p.nodeID, n)
	return info
}

func (p *Primary) unregister(info *ReplicaInfo) {
	p.mu.Lock()
	if p.replicas[info.ID] == info {
		delete(p.replicas, info.ID)
	}
	n := len(p.replicas)
	p.mu.Unlock()
	p.metrics.SetReplicationReplicas(p.nodeID, n)
	p.logger.Info("replica disconnected", "replica_id", info.ID)
}
