// Package service contains application services exposed via transports.
package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/kvx/internal/command"
	"github.com/i-melnichenko/kvx/internal/kv"
	"github.com/i-melnichenko/kvx/internal/replication"
)

// ErrReadOnly is returned when a write reaches a replica.
var ErrReadOnly = command.ErrReadOnly

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// Metrics captures service-level metric sinks used by KV.
type Metrics interface {
	ObserveCommandDuration(nodeID, cmd, result string, d time.Duration)
	SetStoreKeys(nodeID string, n int)
	SetStoreUsedMemory(nodeID string, bytes int64)
	AddStoreExpired(nodeID string, n uint64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommandDuration(string, string, string, time.Duration) {}
func (noopMetrics) SetStoreKeys(string, int)                                    {}
func (noopMetrics) SetStoreUsedMemory(string, int64)                            {}
func (noopMetrics) AddStoreExpired(string, uint64)                              {}

// Role is the replication role of a node.
type Role string

// Node roles.
const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Config wires the replication components of a node. Exactly one of Primary
// and Replica is set.
type Config struct {
	NodeID      string
	Primary     *replication.Primary
	Replica     *replication.Replica
	PrimaryAddr string
	Journal     *replication.Journal
	JournalPath string
}

// KV executes commands against the local store. On a primary every
// mutation is handed to the replication backlog; on a replica writes are
// rejected and the store is fed by the replication link.
type KV struct {
	store   *kv.Store
	table   *command.Table
	env     command.Env
	cfg     Config
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics

	total  atomic.Uint64
	failed atomic.Uint64

	statsMu     sync.Mutex
	lastExpired uint64
}

// NewKV creates a KV service.
func NewKV(store *kv.Store, table *command.Table, cfg Config, logger Logger, tracer oteltrace.Tracer, metrics Metrics) *KV {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	env := command.Env{Store: store}
	if cfg.Primary != nil {
		env.Emitter = cfg.Primary
	} else {
		env.Emitter = discardEmitter{}
		env.ReadOnly = true
	}
	return &KV{
		store:   store,
		table:   table,
		env:     env,
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
	}
}

type discardEmitter struct{}

func (discardEmitter) Propagate(kv.Command) {}

func (s *KV) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("kv.node_id", s.cfg.NodeID))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func kvSpanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Reply command.Reply
	// Offset is the replication offset right after the command ran.
	Offset int64
}

// Exec runs one command vector, command name first.
func (s *KV) Exec(ctx context.Context, argv []string) (ExecResult, error) {
	name := s.commandLabel(argv)
	_, span := s.startSpan(ctx, "kv.service.Exec",
		attribute.String("kv.command", name),
		attribute.Int("kv.args", len(argv)),
	)
	defer span.End()
	if len(argv) > 1 {
		span.SetAttributes(attribute.String("kv.key", argv[1]))
	}

	start := time.Now()
	reply, err := s.table.Dispatch(s.env, argv)
	d := time.Since(start)
	s.total.Add(1)

	kind := command.KindOf(err)
	result := "ok"
	if err != nil {
		s.failed.Add(1)
		result = string(kind)
		kvSpanRecordError(span, err)
		span.SetAttributes(attribute.String("kv.error_kind", result))
	}
	s.metrics.ObserveCommandDuration(s.cfg.NodeID, name, result, d)

	offset := s.Offset()
	if err != nil {
		s.logger.Debug("command failed", "command", name, "kind", kind, "error", err)
		return ExecResult{Offset: offset}, err
	}
	span.SetAttributes(attribute.Int64("replication.offset", offset))
	s.logger.Debug("command executed", "command", name, "reply", reply.String(), "offset", offset, "duration", d)
	return ExecResult{Reply: reply, Offset: offset}, nil
}

func (s *KV) commandLabel(argv []string) string {
	if len(argv) == 0 {
		return "unknown"
	}
	spec, ok := s.table.Lookup(argv[0])
	if !ok {
		return "unknown"
	}
	return strings.ToUpper(spec.Name)
}

// Role reports whether this node accepts writes.
func (s *KV) Role() Role {
	if s.cfg.Primary != nil {
		return RolePrimary
	}
	return RoleReplica
}

// PrimaryAddr returns the address of the primary a replica follows. It is
// empty on a primary.
func (s *KV) PrimaryAddr() string { return s.cfg.PrimaryAddr }

// Offset returns the replication offset of the local state.
func (s *KV) Offset() int64 {
	switch {
	case s.cfg.Primary != nil:
		return s.cfg.Primary.Offset()
	case s.cfg.Replica != nil:
		return s.cfg.Replica.Offset()
	default:
		return 0
	}
}

// RecordStoreStats publishes store gauges. It is cheap enough to call
// after every expiration sweep.
func (s *KV) RecordStoreStats() {
	s.metrics.SetStoreKeys(s.cfg.NodeID, s.store.Len())
	s.metrics.SetStoreUsedMemory(s.cfg.NodeID, s.store.UsedMemory())

	s.statsMu.Lock()
	expired := s.store.ExpiredKeys()
	delta := expired - s.lastExpired
	s.lastExpired = expired
	s.statsMu.Unlock()
	if delta > 0 {
		s.metrics.AddStoreExpired(s.cfg.NodeID, delta)
	}
}

// JournalInfo describes the local journal.
type JournalInfo struct {
	Path  string
	Stats replication.JournalStats
}

// NodeInfo is a point-in-time view of the node for the admin API.
type NodeInfo struct {
	NodeID        string
	Role          Role
	Keys          int
	UsedMemory    int64
	MaxMemory     int64
	ExpiredKeys   uint64
	ReplicationID string
	Offset        int64

	BacklogFirstOffset int64
	BacklogEntries     int
	Replicas           []replication.ReplicaInfo

	Link *replication.ReplicaStatus

	Journal *JournalInfo

	Commands       []command.Spec
	CommandsTotal  uint64
	CommandsFailed uint64
}

// Info collects NodeInfo. Journal statistics that cannot be read are left
// out rather than failing the call.
func (s *KV) Info(ctx context.Context) NodeInfo {
	ctx, span := s.startSpan(ctx, "kv.service.Info")
	defer span.End()

	info := NodeInfo{
		NodeID:         s.cfg.NodeID,
		Role:           s.Role(),
		Keys:           s.store.Len(),
		UsedMemory:     s.store.UsedMemory(),
		MaxMemory:      s.store.MaxMemory(),
		ExpiredKeys:    s.store.ExpiredKeys(),
		Offset:         s.Offset(),
		Commands:       s.table.Specs(),
		CommandsTotal:  s.total.Load(),
		CommandsFailed: s.failed.Load(),
	}
	if p := s.cfg.Primary; p != nil {
		info.ReplicationID = p.ReplicationID()
		info.BacklogFirstOffset = p.Backlog().FirstOffset()
		info.BacklogEntries = p.Backlog().Len()
		info.Replicas = p.Replicas()
	}
	if r := s.cfg.Replica; r != nil {
		st := r.Status()
		info.ReplicationID = st.ReplicationID
		info.Link = &st
	}
	if j := s.cfg.Journal; j != nil {
		st, err := j.Stats(ctx)
		if err != nil {
			kvSpanRecordError(span, err)
			s.logger.Debug("journal stats unavailable", "error", err)
		} else {
			info.Journal = &JournalInfo{Path: s.cfg.JournalPath, Stats: st}
		}
	}
	return info
}
