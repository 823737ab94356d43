//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kvx"

// Prometheus exposes application metrics and can be injected into the
// service and replication layers. It implements both internal/service.Metrics
// and internal/replication.Metrics through method set compatibility, without
// importing those packages.
type Prometheus struct {
	commandDuration        *prometheus.HistogramVec
	storeKeys              *prometheus.GaugeVec
	storeUsedMemory        *prometheus.GaugeVec
	storeExpiredTotal      *prometheus.CounterVec
	replPropagatedTotal    *prometheus.CounterVec
	replOffset             *prometheus.GaugeVec
	replSyncTotal          *prometheus.CounterVec
	replReplicas           *prometheus.GaugeVec
	replReplicaLag         *prometheus.GaugeVec
	replicaAppliedTotal    *prometheus.CounterVec
	replicaLinkErrorTotal  *prometheus.CounterVec
	replicaLinkUp          *prometheus.GaugeVec
	journalWriteDuration   *prometheus.HistogramVec
	journalEntriesTotal    *prometheus.CounterVec
	journalCompactionTotal *prometheus.CounterVec
	journalErrorTotal      *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "duration_seconds",
				Help:      "Command execution time by command name and result (ok or error kind).",
				Buckets:   []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
			[]string{"node_id", "command", "result"},
		),
		storeKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "keys",
				Help:      "Number of keys held by the store, including expired keys not yet removed.",
			},
			[]string{"node_id"},
		),
		storeUsedMemory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "used_memory_bytes",
				Help:      "Estimated memory used by keys and values.",
			},
			[]string{"node_id"},
		),
		storeExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "expired_keys_total",
				Help:      "Keys removed because their TTL elapsed, lazily or by the sweeper.",
			},
			[]string{"node_id"},
		),
		replPropagatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "propagated_total",
				Help:      "Resolved log entries appended to the replication backlog by operation.",
			},
			[]string{"node_id", "op"},
		),
		replOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "offset",
				Help:      "Replication offset of the node.",
			},
			[]string{"node_id"},
		),
		replSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "sync_total",
				Help:      "Sync sessions served by a primary (full or partial).",
			},
			[]string{"node_id", "kind"},
		),
		replReplicas: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "connected_replicas",
				Help:      "Replicas with an open sync stream.",
			},
			[]string{"node_id"},
		),
		replReplicaLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "replica_lag_entries",
				Help:      "Entries between the primary offset and the last offset acknowledged by a replica.",
			},
			[]string{"node_id", "replica_id"},
		),
		replicaAppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replica",
				Name:      "applied_entries_total",
				Help:      "Log entries applied by a replica.",
			},
			[]string{"node_id"},
		),
		replicaLinkErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replica",
				Name:      "link_errors_total",
				Help:      "Replication link failures by kind (transport, gap, decode, closed).",
			},
			[]string{"node_id", "kind"},
		),
		replicaLinkUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replica",
				Name:      "link_up",
				Help:      "1 if the replica is streaming from its primary, otherwise 0.",
			},
			[]string{"node_id"},
		),
		journalWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "journal",
				Name:      "write_duration_seconds",
				Help:      "Duration of one journal append transaction.",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
			},
			[]string{"node_id"},
		),
		journalEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "journal",
				Name:      "entries_written_total",
				Help:      "Log entries written to the journal.",
			},
			[]string{"node_id"},
		),
		journalCompactionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "journal",
				Name:      "compactions_total",
				Help:      "Journal rewrites from a fresh snapshot by reason (threshold, trimmed, resync).",
			},
			[]string{"node_id", "reason"},
		),
		journalErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "journal",
				Name:      "errors_total",
				Help:      "Journal failures by operation.",
			},
			[]string{"node_id", "op"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.commandDuration); err != nil {
		return fmt.Errorf("register command duration histogram: %w", err)
	}
	for name, g := range map[string]**prometheus.GaugeVec{
		"store keys":         &m.storeKeys,
		"store used memory":  &m.storeUsedMemory,
		"replication offset": &m.replOffset,
		"connected replicas": &m.replReplicas,
		"replica lag":        &m.replReplicaLag,
		"replica link up":    &m.replicaLinkUp,
	} {
		if err := registerOrReuseGaugeVec(reg, g); err != nil {
			return fmt.Errorf("register %s gauge: %w", name, err)
		}
	}
	for name, c := range map[string]**prometheus.CounterVec{
		"store expired":          &m.storeExpiredTotal,
		"replication propagated": &m.replPropagatedTotal,
		"replication sync":       &m.replSyncTotal,
		"replica applied":        &m.replicaAppliedTotal,
		"replica link error":     &m.replicaLinkErrorTotal,
		"journal entries":        &m.journalEntriesTotal,
		"journal compaction":     &m.journalCompactionTotal,
		"journal error":          &m.journalErrorTotal,
	} {
		if err := registerOrReuseCounterVec(reg, c); err != nil {
			return fmt.Errorf("register %s counter: %w", name, err)
		}
	}
	if err := registerOrReuseHistogramVec(reg, &m.journalWriteDuration); err != nil {
		return fmt.Errorf("register journal write histogram: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

// --- service ---

func (m *Prometheus) ObserveCommandDuration(nodeID, cmd, result string, d time.Duration) {
	m.commandDuration.WithLabelValues(nodeID, cmd, result).Observe(d.Seconds())
}

func (m *Prometheus) SetStoreKeys(nodeID string, n int) {
	m.storeKeys.WithLabelValues(nodeID).Set(float64(n))
}

func (m *Prometheus) SetStoreUsedMemory(nodeID string, bytes int64) {
	m.storeUsedMemory.WithLabelValues(nodeID).Set(float64(bytes))
}

func (m *Prometheus) AddStoreExpired(nodeID string, n uint64) {
	if n == 0 {
		return
	}
	m.storeExpiredTotal.WithLabelValues(nodeID).Add(float64(n))
}

// --- replication ---

func (m *Prometheus) IncReplicationPropagated(nodeID, op string) {
	m.replPropagatedTotal.WithLabelValues(nodeID, op).Inc()
}

func (m *Prometheus) SetReplicationOffset(nodeID string, offset int64) {
	m.replOffset.WithLabelValues(nodeID).Set(float64(offset))
}

func (m *Prometheus) IncReplicationSync(nodeID, kind string) {
	m.replSyncTotal.WithLabelValues(nodeID, kind).Inc()
}

func (m *Prometheus) SetReplicationReplicas(nodeID string, n int) {
	m.replReplicas.WithLabelValues(nodeID).Set(float64(n))
}

func (m *Prometheus) SetReplicationReplicaLag(nodeID, replicaID string, lag int64) {
	if lag < 0 {
		lag = 0
	}
	m.replReplicaLag.WithLabelValues(nodeID, replicaID).Set(float64(lag))
}

func (m *Prometheus) AddReplicaApplied(nodeID string, n int) {
	if n <= 0 {
		return
	}
	m.replicaAppliedTotal.WithLabelValues(nodeID).Add(float64(n))
}

func (m *Prometheus) IncReplicaLinkError(nodeID, kind string) {
	m.replicaLinkErrorTotal.WithLabelValues(nodeID, kind).Inc()
}

func (m *Prometheus) SetReplicaLinkUp(nodeID string, up bool) {
	if up {
		m.replicaLinkUp.WithLabelValues(nodeID).Set(1)
		return
	}
	m.replicaLinkUp.WithLabelValues(nodeID).Set(0)
}

func (m *Prometheus) ObserveJournalWrite(nodeID string, entries int, d time.Duration) {
	m.journalWriteDuration.WithLabelValues(nodeID).Observe(d.Seconds())
	if entries > 0 {
		m.journalEntriesTotal.WithLabelValues(nodeID).Add(float64(entries))
	}
}

func (m *Prometheus) IncJournalCompaction(nodeID, reason string) {
	m.journalCompactionTotal.WithLabelValues(nodeID, reason).Inc()
}

func (m *Prometheus) IncJournalError(nodeID, op string) {
	m.journalErrorTotal.WithLabelValues(nodeID, op).Inc()
}
