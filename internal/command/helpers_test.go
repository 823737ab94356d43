package command

import (
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/kvx/internal/kv"
)

var testTracer = noop.NewTracerProvider().Tracer("test/internal/command")

// fakeClock is a manually advanced clock shared by a store and its tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects every propagated entry.
type recorder struct {
	mu      sync.Mutex
	entries []kv.Command
}

func (r *recorder) Propagate(cmd kv.Command) {
	r.mu.Lock()
	r.entries = append(r.entries, cmd)
	r.mu.Unlock()
}

func (r *recorder) Entries() []kv.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kv.Command(nil), r.entries...)
}

type harness struct {
	clock *fakeClock
	store *kv.Store
	rec   *recorder
	table *Table
}

func newHarness(t *testing.T, opts ...kv.Option) *harness {
	t.Helper()
	clock := newFakeClock()
	opts = append([]kv.Option{kv.WithClock(clock.Now)}, opts...)
	return &harness{
		clock: clock,
		store: kv.NewStore(testTracer, opts...),
		rec:   &recorder{},
		table: Default(),
	}
}

func (h *harness) env() Env {
	return Env{Store: h.store, Emitter: h.rec}
}

func (h *harness) exec(argv ...string) (Reply, error) {
	return h.table.Dispatch(h.env(), argv)
}
