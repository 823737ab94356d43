package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
)

var testTracer = noop.NewTracerProvider().Tracer("test/internal/kv")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts ...Option) (*Store, *testClock) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewStore(testTracer, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestOpenWrite_AbsentKeyIsNotMaterialized(t *testing.T) {
	s, _ := newTestStore()

	k := s.OpenWrite("k")
	v, err := k.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != "" || !k.IsEmpty() || k.Kind() != KindNone {
		t.Fatalf("expected empty placeholder, got value=%q kind=%s", v, k.Kind())
	}
	k.Close()

	if s.Len() != 0 {
		t.Fatalf("expected placeholder to be discarded, got len=%d", s.Len())
	}
}

func TestKey_UseAfterClose(t *testing.T) {
	s, _ := newTestStore()
	k := s.OpenWrite("k")
	k.Close()
	k.Close()

	if _, err := k.Read(); !errors.Is(err, ErrKeyClosed) {
		t.Fatalf("expected ErrKeyClosed from Read, got %v", err)
	}
	if err := k.Write("v"); !errors.Is(err, ErrKeyClosed) {
		t.Fatalf("expected ErrKeyClosed from Write, got %v", err)
	}
}

func TestKey_ExpireAtAbsentKey(t *testing.T) {
	s, clock := newTestStore()
	k := s.OpenWrite("k")
	defer k.Close()

	if err := k.ExpireAt(clock.Now()); !errors.Is(err, ErrNoSuchKey) {
		t.Fatalf("expected ErrNoSuchKey, got %v", err)
	}
}

func TestKey_WriteClearsExpiration(t *testing.T) {
	s, clock := newTestStore()

	k := s.OpenWrite("k")
	if err := k.WriteWithExpire("a", clock.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteWithExpire: %v", err)
	}
	if err := k.Write("b"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	k.Close()

	if _, exists, hasTTL := s.TTL("k"); !exists || hasTTL {
		t.Fatalf("expected persistent key, exists=%v hasTTL=%v", exists, hasTTL)
	}
}

func TestKey_SetExpireResolvesAgainstStoreClock(t *testing.T) {
	s, clock := newTestStore()

	k := s.OpenWrite("k")
	_ = k.Write("v")
	at, err := k.SetExpire(1500 * time.Millisecond)
	k.Close()
	if err != nil {
		t.Fatalf("SetExpire: %v", err)
	}
	if want := clock.Now().Add(1500 * time.Millisecond); !at.Equal(want) {
		t.Fatalf("expected %v, got %v", want, at)
	}

	ttl, _, _ := s.TTL("k")
	if ttl != 1500*time.Millisecond {
		t.Fatalf("expected ttl=1.5s, got %v", ttl)
	}
}

func TestStore_LazyExpiry(t *testing.T) {
	s, clock := newTestStore()
	if err := s.ApplyCommand(Command{Op: OpSet, Key: "k", Value: "v", ExpireAt: clock.Now().Add(time.Second).UnixMilli()}); err != nil {
		t.Fatalf("ApplyCommand: %v", err)
	}

	clock.Advance(time.Second)

	if _, ok, _ := s.Get("k"); ok {
		t.Fatalf("expected expired key to read as absent")
	}
	if s.Len() != 0 {
		t.Fatalf("expected expired key removed, len=%d", s.Len())
	}
	if s.ExpiredKeys() != 1 {
		t.Fatalf("expected expired counter=1, got %d", s.ExpiredKeys())
	}
	if s.UsedMemory() != 0 {
		t.Fatalf("expected used memory=0, got %d", s.UsedMemory())
	}
}

func TestStore_Sweep(t *testing.T) {
	s, clock := newTestStore()
	now := clock.Now()
	for _, cmd := range []Command{
		{Op: OpSet, Key: "a", Value: "1", ExpireAt: now.Add(time.Second).UnixMilli()},
		{Op: OpSet, Key: "b", Value: "2", ExpireAt: now.Add(time.Hour).UnixMilli()},
		{Op: OpSet, Key: "c", Value: "3"},
		{Op: OpHashSet, Key: "d", Field: "f", Value: "4"},
		{Op: OpExpireAt, Key: "d", ExpireAt: now.Add(2 * time.Second).UnixMilli()},
	} {
		if err := s.ApplyCommand(cmd); err != nil {
			t.Fatalf("ApplyCommand(%v): %v", cmd.Args(), err)
		}
	}

	clock.Advance(5 * time.Second)

	if n := s.Sweep(); n != 2 {
		t.Fatalf("expected 2 keys swept, got %d", n)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 keys left, got %d", s.Len())
	}
	if n := s.Sweep(); n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
}

func TestStore_RunExpirerStopsOnCancel(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())

	sweeps := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		s.RunExpirer(ctx, time.Millisecond, func(n int) {
			select {
			case sweeps <- n:
			default:
			}
		})
		close(done)
	}()

	select {
	case <-sweeps:
	case <-time.After(time.Second):
		t.Fatalf("expected at least one sweep")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expirer did not stop")
	}
}

func TestStore_ApplyHashSetReplacesScalar(t *testing.T) {
	s, _ := newTestStore()
	_ = s.ApplyCommand(Command{Op: OpSet, Key: "k", Value: "v"})

	if err := s.ApplyCommand(Command{Op: OpHashSet, Key: "k", Field: "f", Value: "x"}); err != nil {
		t.Fatalf("ApplyCommand: %v", err)
	}
	v, ok, err := s.HashGet("k", "f")
	if err != nil || !ok || v != "x" {
		t.Fatalf("expected f=x, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestStore_ApplyExpireAtOnAbsentKeyIsNoop(t *testing.T) {
	s, clock := newTestStore()

	if err := s.ApplyCommand(Command{Op: OpExpireAt, Key: "k", ExpireAt: clock.Now().UnixMilli() + 1}); err != nil {
		t.Fatalf("ApplyCommand: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no key created")
	}
}

func TestStore_MemoryAccounting(t *testing.T) {
	s, _ := newTestStore(WithMaxMemory(200))

	k := s.OpenWrite("h")
	_ = k.HashSet("f", "abc")
	_ = k.HashSet("f", "abcdef")
	_ = k.HashSet("g", "x")
	k.Close()

	want := int64(len("h")) + keyOverhead + int64(len("f")+len("abcdef")+fieldOverhead) + int64(len("g")+len("x")+fieldOverhead)
	if got := s.UsedMemory(); got != want {
		t.Fatalf("expected used=%d, got %d", want, got)
	}
	if s.OverMemoryLimit() {
		t.Fatalf("expected to be under the limit")
	}

	_ = s.ApplyCommand(Command{Op: OpSet, Key: "big", Value: string(make([]byte, 200))})
	if !s.OverMemoryLimit() {
		t.Fatalf("expected to be over the limit")
	}
	_ = s.ApplyCommand(Command{Op: OpDelete, Key: "big"})
	if got := s.UsedMemory(); got != want {
		t.Fatalf("expected used=%d after delete, got %d", want, got)
	}
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	s, clock := newTestStore()
	now := clock.Now()
	_ = s.ApplyCommand(Command{Op: OpSet, Key: "a", Value: "1", ExpireAt: now.Add(time.Minute).UnixMilli()})
	_ = s.ApplyCommand(Command{Op: OpHashSet, Key: "h", Field: "f", Value: "v"})
	_ = s.ApplyCommand(Command{Op: OpSet, Key: "gone", Value: "x", ExpireAt: now.Add(time.Millisecond).UnixMilli()})
	clock.Advance(time.Millisecond)

	marked := false
	raw, err := s.SnapshotAt(context.Background(), func() { marked = true })
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if !marked {
		t.Fatalf("expected mark to run")
	}

	restored := NewStore(testTracer, WithClock(clock.Now))
	if err := restored.RestoreSnapshot(context.Background(), raw); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", restored.Len())
	}
	if v, _, _ := restored.Get("a"); v != "1" {
		t.Fatalf("expected a=1, got %q", v)
	}
	if ttl, _, hasTTL := restored.TTL("a"); !hasTTL || ttl != time.Minute-time.Millisecond {
		t.Fatalf("expected ttl to survive, got %v hasTTL=%v", ttl, hasTTL)
	}
	if v, _, _ := restored.HashGet("h", "f"); v != "v" {
		t.Fatalf("expected h.f=v, got %q", v)
	}
	if restored.UsedMemory() != s.UsedMemory()-(int64(len("gone")+len("x"))+keyOverhead) {
		t.Fatalf("unexpected used memory after restore: %d", restored.UsedMemory())
	}

	if err := restored.RestoreSnapshot(context.Background(), nil); err != nil {
		t.Fatalf("RestoreSnapshot(nil): %v", err)
	}
	if restored.Len() != 0 || restored.UsedMemory() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestStore_SnapshotKeepsBinaryData(t *testing.T) {
	s, clock := newTestStore()
	key, value := "\xffkey", "\xff\xfe\x00ok"
	_ = s.ApplyCommand(Command{Op: OpSet, Key: key, Value: value})
	_ = s.ApplyCommand(Command{Op: OpHashSet, Key: "h\xc3", Field: "\x80f", Value: "\x00\xff"})

	raw, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	restored := NewStore(testTracer, WithClock(clock.Now))
	if err := restored.RestoreSnapshot(context.Background(), raw); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	v, ok, err := restored.Get(key)
	if err != nil || !ok || v != value {
		t.Fatalf("Get(%q) = %q, %v, %v; want %q", key, v, ok, err, value)
	}
	f, ok, err := restored.HashGet("h\xc3", "\x80f")
	if err != nil || !ok || f != "\x00\xff" {
		t.Fatalf("HashGet = %q, %v, %v; want %q", f, ok, err, "\x00\xff")
	}
	if restored.UsedMemory() != s.UsedMemory() {
		t.Fatalf("used memory = %d, want %d", restored.UsedMemory(), s.UsedMemory())
	}
}

func TestStore_ApplyRejectsGarbage(t *testing.T) {
	s, _ := newTestStore()
	if err := s.Apply(context.Background(), []byte{0xff}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestStore_PerKeyExclusion(t *testing.T) {
	s, _ := newTestStore()

	held := s.OpenWrite("a")

	other := make(chan struct{})
	go func() {
		k := s.OpenWrite("b")
		_ = k.Write("x")
		k.Close()
		close(other)
	}()
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatalf("a different key must not block")
	}

	same := make(chan struct{})
	go func() {
		k := s.OpenWrite("a")
		close(same)
		k.Close()
	}()
	select {
	case <-same:
		t.Fatalf("same key must block while held")
	case <-time.After(20 * time.Millisecond):
	}

	held.Close()
	select {
	case <-same:
	case <-time.After(time.Second):
		t.Fatalf("waiter not released")
	}
}
