package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/i-melnichenko/kvx/internal/kv"
)

const journalBatch = 256

const journalSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq  INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	seq  INTEGER NOT NULL,
	data BLOB NOT NULL,
	taken_at INTEGER NOT NULL
);`

// JournalStats describes the on-disk journal.
type JournalStats struct {
	Entries        int64
	SnapshotOffset int64
	LastOffset     int64
}

// Journal persists the primary's backlog in sqlite: a compacted snapshot
// plus the entries that follow it. Writes happen off the command path by
// tailing the backlog.
type Journal struct {
	db           *sql.DB
	nodeID       string
	compactEvery int
	logger       Logger
	tracer       oteltrace.Tracer
	metrics      Metrics

	offset       atomic.Int64
	sinceCompact int
}

// OpenJournal opens or creates the journal at path. compactEvery entries
// written since the last snapshot trigger a compaction; zero disables
// count-based compaction.
func OpenJournal(path, nodeID string, compactEvery int, logger Logger, tracer oteltrace.Tracer, metrics Metrics) (*Journal, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{
		db:           db,
		nodeID:       nodeID,
		compactEvery: compactEvery,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
	}, nil
}

// Close releases the database.
func (j *Journal) Close() error { return j.db.Close() }

// Offset returns the last offset persisted by this journal.
func (j *Journal) Offset() int64 { return j.offset.Load() }

// Restore loads the snapshot into store, replays the entries after it, and
// returns the last restored offset.
func (j *Journal) Restore(ctx context.Context, store *kv.Store) (int64, error) {
	ctx, span := startSpan(ctx, j.tracer, j.nodeID, "replication.journal.Restore")
	defer span.End()

	var (
		snapOffset int64
		snap       []byte
	)
	err := j.db.QueryRowContext(ctx, "SELECT seq, data FROM snapshot WHERE id = 1").Scan(&snapOffset, &snap)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		spanRecordError(span, err)
		return 0, fmt.Errorf("load journal snapshot: %w", err)
	}
	if err := store.RestoreSnapshot(ctx, snap); err != nil {
		spanRecordError(span, err)
		return 0, fmt.Errorf("restore journal snapshot: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, "SELECT seq, data FROM entries WHERE seq > ? ORDER BY seq", snapOffset)
	if err != nil {
		spanRecordError(span, err)
		return 0, fmt.Errorf("load journal entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	offset, replayed := snapOffset, 0
	for rows.Next() {
		var (
			seq int64
			raw []byte
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			spanRecordError(span, err)
			return 0, fmt.Errorf("scan journal entry: %w", err)
		}
		if seq != offset+1 {
			err := fmt.Errorf("%w: journal entry %d after %d", ErrOffsetGap, seq, offset)
			spanRecordError(span, err)
			return 0, err
		}
		if err := store.Apply(ctx, raw); err != nil {
			spanRecordError(span, err)
			return 0, fmt.Errorf("replay journal entry %d: %w", seq, err)
		}
		offset = seq
		replayed++
	}
	if err := rows.Err(); err != nil {
		spanRecordError(span, err)
		return 0, fmt.Errorf("iterate journal entries: %w", err)
	}

	j.offset.Store(offset)
	j.sinceCompact = replayed
	span.SetAttributes(
		attribute.Int64("replication.journal.snapshot_offset", snapOffset),
		attribute.Int("replication.journal.replayed", replayed),
	)
	j.logger.Info("journal restored", "snapshot_offset", snapOffset, "replayed", replayed, "offset", offset, "keys", store.Len())
	return offset, nil
}

// Append persists entries in one transaction.
func (j *Journal) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO entries (seq, data) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	var buf []byte
	for _, e := range entries {
		buf, err = e.Command.AppendBinary(buf[:0])
		if err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Offset, err)
		}
		if _, err := stmt.ExecContext(ctx, e.Offset, buf); err != nil {
			return fmt.Errorf("insert entry %d: %w", e.Offset, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	j.offset.Store(entries[len(entries)-1].Offset)
	j.sinceCompact += len(entries)
	j.metrics.ObserveJournalWrite(j.nodeID, len(entries), time.Since(start))
	return nil
}

// Compact replaces the stored snapshot and drops entries it covers.
func (j *Journal) Compact(ctx context.Context, snapshot []byte, offset int64) error {
	ctx, span := startSpan(ctx, j.tracer, j.nodeID, "replication.journal.Compact",
		attribute.Int64("replication.offset", offset),
		attribute.Int("replication.snapshot.bytes", len(snapshot)),
	)
	defer span.End()

	err := j.compact(ctx, snapshot, offset)
	spanRecordError(span, err)
	return err
}

func (j *Journal) compact(ctx context.Context, snapshot []byte, offset int64) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if snapshot == nil {
		snapshot = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot (id, seq, data, taken_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, data = excluded.data, taken_at = excluded.taken_at`,
		offset, snapshot, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	// The journal never runs ahead of the backlog, so every stored entry is
	// covered by the snapshot.
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("drop compacted entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	j.offset.Store(offset)
	j.sinceCompact = 0
	return nil
}

// Stats reports the persisted state.
func (j *Journal) Stats(ctx context.Context) (JournalStats, error) {
	var st JournalStats
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM entries").Scan(&st.Entries, &st.LastOffset)
	if err != nil {
		return st, err
	}
	err = j.db.QueryRowContext(ctx, "SELECT seq FROM snapshot WHERE id = 1").Scan(&st.SnapshotOffset)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, err
	}
	if st.LastOffset < st.SnapshotOffset {
		st.LastOffset = st.SnapshotOffset
	}
	return st, nil
}

// Run tails backlog and persists every entry until ctx is canceled. When
// the journal falls out of the backlog window, or after compactEvery
// entries, it compacts from a fresh snapshot of store.
func (j *Journal) Run(ctx context.Context, backlog *Backlog, store *kv.Store) error {
	if !backlog.Covers(j.Offset()) {
		if err := j.compactFrom(ctx, backlog, store, "resync"); err != nil {
			return err
		}
	}

	for ctx.Err() == nil {
		entries, wake, err := backlog.ReadAfter(j.Offset(), journalBatch)
		if errors.Is(err, ErrOffsetTrimmed) {
			if err := j.compactFrom(ctx, backlog, store, "trimmed"); err != nil {
				return err
			}
			continue
		}
		if err != nil {
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

		if err := j.Append(ctx, entries); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j.metrics.IncJournalError(j.nodeID, "append")
			return fmt.Errorf("journal append: %w", err)
		}

		if j.compactEvery > 0 && j.sinceCompact >= j.compactEvery {
			if err := j.compactFrom(ctx, backlog, store, "threshold"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (j *Journal) compactFrom(ctx context.Context, backlog *Backlog, store *kv.Store, reason string) error {
	var offset int64
	snap, err := store.SnapshotAt(ctx, func() { offset = backlog.LastOffset() })
	if err != nil {
		j.metrics.IncJournalError(j.nodeID, "snapshot")
		return fmt.Errorf("journal snapshot: %w", err)
	}
	if err := j.Compact(ctx, snap, offset); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		j.metrics.IncJournalError(j.nodeID, "compact")
		return fmt.Errorf("journal compact: %w", err)
	}
	j.metrics.IncJournalCompaction(j.nodeID, reason)
	j.logger.Debug("journal compacted", "reason", reason, "offset", offset, "snapshot_bytes", len(snap))
	return nil
}
