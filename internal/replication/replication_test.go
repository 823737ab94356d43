package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/kvx/internal/command"
	"github.com/i-melnichenko/kvx/internal/kv"
)

var testTracer = noop.NewTracerProvider().Tracer("test/internal/replication")

// localSource connects a replica straight to a Primary.
type localSource struct {
	primary *Primary

	mu    sync.Mutex
	syncs int
	acks  []int64
}

func (s *localSource) Sync(ctx context.Context, req SyncRequest) (Stream, error) {
	s.mu.Lock()
	s.syncs++
	s.mu.Unlock()

	st := &localStream{frames: make(chan Frame), done: make(chan struct{})}
	go func() {
		st.err = s.primary.Sync(ctx, req, func(f Frame) error {
			select {
			case st.frames <- f:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if st.err == nil {
			st.err = context.Canceled
		}
		close(st.done)
	}()
	return st, nil
}

func (s *localSource) Ack(_ context.Context, replicaID string, offset int64) error {
	s.mu.Lock()
	s.acks = append(s.acks, offset)
	s.mu.Unlock()
	return s.primary.Ack(replicaID, offset)
}

type localStream struct {
	frames chan Frame
	done   chan struct{}
	err    error
}

func (s *localStream) Recv() (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return Frame{}, s.err
	}
}

type cluster struct {
	table   *command.Table
	primary *Primary
	pstore  *kv.Store
	source  *localSource
	rstore  *kv.Store
	replica *Replica
}

func newCluster(t *testing.T, backlogSize int) *cluster {
	t.Helper()
	pstore := kv.NewStore(testTracer)
	primary := NewPrimary("p1", pstore, NewBacklog(backlogSize), slog.Default(), testTracer, nil)
	source := &localSource{primary: primary}
	rstore := kv.NewStore(testTracer)
	replica := NewReplica("r1", "primary:1", rstore, source, ReplicaConfig{
		ReconnectEvery: time.Millisecond,
		ReconnectBurst: 100,
		AckEvery:       time.Millisecond,
	}, slog.Default(), testTracer, nil)
	return &cluster{
		table:   command.Default(),
		primary: primary,
		pstore:  pstore,
		source:  source,
		rstore:  rstore,
		replica: replica,
	}
}

func (c *cluster) exec(t *testing.T, argv ...string) {
	t.Helper()
	_, err := c.table.Dispatch(command.Env{Store: c.pstore, Emitter: c.primary}, argv)
	require.NoError(t, err, argv)
}

func (c *cluster) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.replica.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *cluster) waitCaughtUp(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.replica.Offset() == c.primary.Offset()
	}, 2*time.Second, time.Millisecond)
}

func (c *cluster) requireConverged(t *testing.T) {
	t.Helper()
	want, err := c.pstore.Snapshot(context.Background())
	require.NoError(t, err)
	got, err := c.rstore.Snapshot(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestReplica_FullSyncThenStream(t *testing.T) {
	c := newCluster(t, 128)
	c.exec(t, "PREPEND", "a", "before")
	c.exec(t, "HAPPEND", "h", "f", "x")

	stop := c.start(t)
	defer stop()
	c.waitCaughtUp(t)

	c.exec(t, "PREPEND", "a", ">")
	c.exec(t, "GETSETEX", "b", "v", "100")
	c.exec(t, "INCRBYEX", "n", "3", "100")
	c.exec(t, "GETEX", "a", "50")
	c.exec(t, "HAPPEND", "h", "f", "y")
	c.exec(t, "GETDEL", "b")
	c.waitCaughtUp(t)

	c.requireConverged(t)
	st := c.replica.Status()
	assert.True(t, st.LinkUp)
	assert.Equal(t, 1, st.FullSyncs)
	assert.Equal(t, c.primary.ReplicationID(), st.ReplicationID)

	require.Eventually(t, func() bool {
		rs := c.primary.Replicas()
		return len(rs) == 1 && rs[0].ID == "r1" && rs[0].AckOffset == c.primary.Offset()
	}, 2*time.Second, time.Millisecond)
}

func TestReplica_PartialResyncAfterReconnect(t *testing.T) {
	c := newCluster(t, 128)
	c.exec(t, "PREPEND", "a", "1")

	stop := c.start(t)
	c.waitCaughtUp(t)
	stop()

	c.exec(t, "PREPEND", "a", "2")
	c.exec(t, "INCRBYEX", "n", "1", "60")

	stop = c.start(t)
	defer stop()
	c.waitCaughtUp(t)

	c.requireConverged(t)
	assert.Equal(t, 1, c.replica.Status().FullSyncs, "reconnect within the backlog must not resend the snapshot")
}

func TestReplica_FullResyncWhenBacklogTrimmed(t *testing.T) {
	c := newCluster(t, 2)
	c.exec(t, "PREPEND", "a", "1")

	stop := c.start(t)
	c.waitCaughtUp(t)
	stop()

	for i := 0; i < 5; i++ {
		c.exec(t, "HAPPEND", "h", "f", "x")
	}

	stop = c.start(t)
	defer stop()
	c.waitCaughtUp(t)

	c.requireConverged(t)
	assert.Equal(t, 2, c.replica.Status().FullSyncs)
}

func TestReplica_RejectsOffsetGap(t *testing.T) {
	store := kv.NewStore(testTracer)
	r := NewReplica("r1", "", store, nil, ReplicaConfig{}, slog.Default(), testTracer, nil)

	err := r.apply([]Entry{{Offset: 2, Command: setCmd("a")}})
	require.True(t, errors.Is(err, ErrOffsetGap), "got %v", err)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, "gap", linkErrorKind(err))
}

func TestPrimary_AckUnknownReplica(t *testing.T) {
	p := NewPrimary("p1", kv.NewStore(testTracer), NewBacklog(4), slog.Default(), testTracer, nil)
	require.ErrorIs(t, p.Ack("nope", 1), ErrUnknownReplica)
}

func TestPrimary_SnapshotMatchesOffsetUnderLoad(t *testing.T) {
	c := newCluster(t, 1<<16)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, _ = c.table.Dispatch(command.Env{Store: c.pstore, Emitter: c.primary}, []string{"INCRBYEX", "n", "1", "600"})
			}
		}()
	}

	stop := c.start(t)
	defer stop()
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	c.waitCaughtUp(t)
	c.requireConverged(t)
}
