package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/i-melnichenko/kvx/internal/kv"
)

// ErrOffsetGap is returned when a primary sends an entry that does not
// follow the replica's offset.
var ErrOffsetGap = errors.New("replication: offset gap")

// Stream yields the frames of one sync session.
type Stream interface {
	Recv() (Frame, error)
}

// Source is the replica's connection to its primary.
type Source interface {
	Sync(ctx context.Context, req SyncRequest) (Stream, error)
	Ack(ctx context.Context, replicaID string, offset int64) error
}

// ReplicaStatus is a point-in-time view of the replication link.
type ReplicaStatus struct {
	PrimaryAddr   string
	ReplicationID string
	Offset        int64
	LinkUp        bool
	LastError     string
	LastSync      time.Time
	FullSyncs     int
}

// ReplicaConfig tunes the replica loop.
type ReplicaConfig struct {
	// ReconnectEvery and ReconnectBurst pace reconnect attempts.
	ReconnectEvery time.Duration
	ReconnectBurst int
	// AckEvery bounds how often the applied offset is reported.
	AckEvery time.Duration
}

// DefaultReplicaConfig returns production defaults.
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		ReconnectEvery: time.Second,
		ReconnectBurst: 3,
		AckEvery:       time.Second,
	}
}

// Replica follows a primary and applies its entries to the local store.
type Replica struct {
	id          string
	primaryAddr string
	store       *kv.Store
	source      Source
	limiter     *rate.Limiter
	ackEvery    time.Duration
	logger      Logger
	tracer      oteltrace.Tracer
	metrics     Metrics

	mu       sync.Mutex
	replID   string
	offset   int64
	linkUp   bool
	lastErr  error
	lastSync time.Time
	full     int
}

// NewReplica creates a replica. id identifies this node to the primary and
// primaryAddr is informational.
func NewReplica(id, primaryAddr string, store *kv.Store, source Source, cfg ReplicaConfig, logger Logger, tracer oteltrace.Tracer, metrics Metrics) *Replica {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	def := DefaultReplicaConfig()
	if cfg.ReconnectEvery <= 0 {
		cfg.ReconnectEvery = def.ReconnectEvery
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = def.ReconnectBurst
	}
	if cfg.AckEvery <= 0 {
		cfg.AckEvery = def.AckEvery
	}
	return &Replica{
		id:          id,
		primaryAddr: primaryAddr,
		store:       store,
		source:      source,
		limiter:     rate.NewLimiter(rate.Every(cfg.ReconnectEvery), cfg.ReconnectBurst),
		ackEvery:    cfg.AckEvery,
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
	}
}

// Status returns the current link state.
func (r *Replica) Status() ReplicaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := ReplicaStatus{
		PrimaryAddr:   r.primaryAddr,
		ReplicationID: r.replID,
		Offset:        r.offset,
		LinkUp:        r.linkUp,
		LastSync:      r.lastSync,
		FullSyncs:     r.full,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Offset returns the offset of the last applied entry.
func (r *Replica) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Run keeps the link open until ctx is canceled. Broken links are retried
// at the configured pace; after an error the next attempt resumes from the
// applied offset.
func (r *Replica) Run(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := r.syncOnce(ctx)
		r.setLink(false, err)
		if ctx.Err() != nil {
			return nil
		}
		r.metrics.IncReplicaLinkError(r.id, linkErrorKind(err))
		r.logger.Warn("replication link lost", "primary", r.primaryAddr, "offset", r.Offset(), "error", err)
	}
}

func (r *Replica) syncOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	req := SyncRequest{ReplicaID: r.id, ReplicationID: r.replID, Offset: r.offset}
	r.mu.Unlock()

	stream, err := r.source.Sync(ctx, req)
	if err != nil {
		return fmt.Errorf("open sync stream: %w", err)
	}

	go r.ackLoop(ctx)

	for {
		f, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := r.handle(ctx, f); err != nil {
			r.resetHistory()
			return err
		}
		r.setLink(true, nil)
	}
}

// ackLoop reports the applied offset whenever it moved since the last report.
func (r *Replica) ackLoop(ctx context.Context) {
	ticker := time.NewTicker(r.ackEvery)
	defer ticker.Stop()

	acked := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		offset := r.Offset()
		if offset == acked {
			continue
		}
		if err := r.source.Ack(ctx, r.id, offset); err != nil {
			r.logger.Debug("ack failed", "offset", offset, "error", err)
			continue
		}
		acked = offset
	}
}

func (r *Replica) handle(ctx context.Context, f Frame) error {
	switch f.Kind {
	case FrameFullSync:
		ctx, span := startSpan(ctx, r.tracer, r.id, "replication.replica.FullSync",
			attribute.Int64("replication.offset", f.Offset),
			attribute.Int("replication.snapshot.bytes", len(f.Snapshot)),
		)
		defer span.End()
		if err := r.store.RestoreSnapshot(ctx, f.Snapshot); err != nil {
			spanRecordError(span, err)
			return fmt.Errorf("restore snapshot: %w", err)
		}
		r.mu.Lock()
		r.replID, r.offset = f.ReplicationID, f.Offset
		r.lastSync = time.Now()
		r.full++
		r.mu.Unlock()
		r.logger.Info("full resync applied", "replication_id", f.ReplicationID, "offset", f.Offset, "keys", r.store.Len())
	case FrameContinue:
		r.mu.Lock()
		ok := r.replID == f.ReplicationID && r.offset == f.Offset
		if ok {
			r.lastSync = time.Now()
		}
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: continue at %d", ErrOffsetGap, f.Offset)
		}
		r.logger.Info("partial resync accepted", "offset", f.Offset)
	case FrameEntries:
		return r.apply(f.Entries)
	default:
		return fmt.Errorf("replication: unexpected frame kind %d", f.Kind)
	}
	return nil
}

func (r *Replica) apply(entries []Entry) error {
	for _, e := range entries {
		r.mu.Lock()
		want := r.offset + 1
		r.mu.Unlock()
		if e.Offset != want {
			return fmt.Errorf("%w: got %d, want %d", ErrOffsetGap, e.Offset, want)
		}
		if err := r.store.ApplyCommand(e.Command); err != nil {
			return fmt.Errorf("apply offset %d: %w", e.Offset, err)
		}
		r.mu.Lock()
		r.offset = e.Offset
		r.mu.Unlock()
	}
	r.metrics.AddReplicaApplied(r.id, len(entries))
	return nil
}

// resetHistory forgets the replication ID so the next attempt is a full
// resync. Local state is left alone until the snapshot replaces it.
func (r *Replica) resetHistory() {
	r.mu.Lock()
	r.replID = ""
	r.mu.Unlock()
}

func (r *Replica) setLink(up bool, err error) {
	r.mu.Lock()
	changed := r.linkUp != up
	r.linkUp = up
	if err != nil {
		r.lastErr = err
	}
	r.mu.Unlock()
	if changed {
		r.metrics.SetReplicaLinkUp(r.id, up)
	}
}

func linkErrorKind(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrOffsetGap):
		return "gap"
	case errors.Is(err, kv.ErrInvalidCommand):
		return "decode"
	default:
		return "transport"
	}
}
