package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Kind is the type of value held by a key.
type Kind uint8

// Value kinds.
const (
	KindNone Kind = iota
	KindScalar
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "string"
	case KindHash:
		return "hash"
	default:
		return "none"
	}
}

var (
	// ErrWrongType is returned when an operation targets a key holding the
	// wrong kind of value.
	ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")
	// ErrNoSuchKey is returned when setting an expiration on an absent key.
	ErrNoSuchKey = errors.New("kv: no such key")
	// ErrKeyClosed is returned when a Key is used after Close.
	ErrKeyClosed = errors.New("kv: key access window closed")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Approximate per-entry bookkeeping costs used for memory accounting.
const (
	keyOverhead   = 64
	fieldOverhead = 16
)

type object struct {
	kind     Kind
	str      string
	hash     map[string]string
	expireAt atomic.Int64 // unix ms, 0 = persistent; read by the sweeper without the key lock
}

func (o *object) size(key string) int64 {
	if o == nil {
		return 0
	}
	n := int64(len(key)) + keyOverhead
	switch o.kind {
	case KindScalar:
		n += int64(len(o.str))
	case KindHash:
		for f, v := range o.hash {
			n += int64(len(f)+len(v)) + fieldOverhead
		}
	}
	return n
}

func (o *object) expired(nowMs int64) bool {
	at := o.expireAt.Load()
	return at != 0 && at <= nowMs
}

// Store is an in-memory value store with per-key exclusive access.
//
// Every key access holds the read side of barrier; snapshots and restores
// take the write side, so they observe no half-finished access window.
type Store struct {
	barrier   sync.RWMutex
	data      *xsync.MapOf[string, *object]
	locks     *lockTable
	used      atomic.Int64
	expired   atomic.Uint64
	maxMemory int64
	now       func() time.Time
	tracer    oteltrace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to resolve and enforce expirations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxMemory sets the memory limit consulted by OverMemoryLimit.
// Zero disables the limit.
func WithMaxMemory(bytes int64) Option {
	return func(s *Store) {
		s.maxMemory = bytes
	}
}

// NewStore creates an empty store.
func NewStore(tracer oteltrace.Tracer, opts ...Option) *Store {
	s := &Store{
		data:   xsync.NewMapOf[string, *object](),
		locks:  newLockTable(),
		now:    time.Now,
		tracer: tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// OpenWrite opens key for exclusive access. The caller must Close the
// returned Key. Expired keys are removed here and read as absent.
func (s *Store) OpenWrite(key string) *Key {
	s.barrier.RLock()
	l := s.locks.acquire(key)

	obj, ok := s.data.Load(key)
	if ok && obj.expired(s.now().UnixMilli()) {
		s.removeLocked(key, obj)
		s.expired.Add(1)
		obj = nil
	}
	return &Key{store: s, name: key, lock: l, obj: obj}
}

// Get returns the scalar value stored at key.
func (s *Store) Get(key string) (string, bool, error) {
	k := s.OpenWrite(key)
	defer k.Close()
	if k.IsEmpty() {
		return "", false, nil
	}
	v, err := k.Read()
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HashGet returns one field of the hash stored at key.
func (s *Store) HashGet(key, field string) (string, bool, error) {
	k := s.OpenWrite(key)
	defer k.Close()
	return k.HashGet(field)
}

// TTL reports the remaining time to live of key. exists is false for absent
// keys; hasTTL is false for keys without an expiration.
func (s *Store) TTL(key string) (ttl time.Duration, exists, hasTTL bool) {
	k := s.OpenWrite(key)
	defer k.Close()
	if k.IsEmpty() {
		return 0, false, false
	}
	at, ok := k.Expiry()
	if !ok {
		return 0, true, false
	}
	return at.Sub(s.now()), true, true
}

// Len returns the number of stored keys, including expired keys that have
// not been swept yet.
func (s *Store) Len() int { return s.data.Size() }

// UsedMemory returns the approximate number of bytes held by the store.
func (s *Store) UsedMemory() int64 { return s.used.Load() }

// MaxMemory returns the configured memory limit, zero when unlimited.
func (s *Store) MaxMemory() int64 { return s.maxMemory }

// OverMemoryLimit reports whether used memory exceeds the configured limit.
func (s *Store) OverMemoryLimit() bool {
	return s.maxMemory > 0 && s.used.Load() > s.maxMemory
}

// ExpiredKeys returns how many keys were removed because their TTL elapsed.
func (s *Store) ExpiredKeys() uint64 { return s.expired.Load() }

// removeLocked deletes key; the caller holds the key lock.
func (s *Store) removeLocked(key string, obj *object) {
	s.data.Delete(key)
	s.used.Add(-obj.size(key))
}

// Apply decodes and applies a serialized log entry.
func (s *Store) Apply(ctx context.Context, raw []byte) error {
	_, span := s.tracer.Start(ctx, "kv.store.Apply", oteltrace.WithAttributes(attribute.Int("kv.command.bytes", len(raw))))
	defer span.End()

	var cmd Command
	if err := cmd.UnmarshalBinary(raw); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.String("kv.command.op", cmd.Op.String()),
		attribute.String("kv.key", cmd.Key),
		attribute.Int("kv.value.bytes", len(cmd.Value)),
	)
	return s.ApplyCommand(cmd)
}

// ApplyCommand applies a resolved log entry. Entries come from a primary
// whose order is authoritative, so a hash field write replaces a scalar
// rather than failing.
func (s *Store) ApplyCommand(cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}

	k := s.OpenWrite(cmd.Key)
	defer k.Close()

	switch cmd.Op {
	case OpSet:
		if cmd.ExpireAt > 0 {
			return k.WriteWithExpire(cmd.Value, time.UnixMilli(cmd.ExpireAt))
		}
		return k.Write(cmd.Value)
	case OpHashSet:
		if k.Kind() == KindScalar {
			if err := k.Delete(); err != nil {
				return err
			}
		}
		return k.HashSet(cmd.Field, cmd.Value)
	case OpExpireAt:
		if k.IsEmpty() {
			// Already expired locally.
			return nil
		}
		return k.ExpireAt(time.UnixMilli(cmd.ExpireAt))
	case OpDelete:
		return k.Delete()
	}
	return nil
}

// snapshotEntry is one key of a snapshot. Keys, values, and field names are
// opaque bytes, so they are carried as []byte and encoded as base64.
type snapshotEntry struct {
	Key      []byte          `json:"key"`
	Type     string          `json:"type"`
	Value    []byte          `json:"value,omitempty"`
	Hash     []snapshotField `json:"hash,omitempty"`
	ExpireAt int64           `json:"expire_at,omitempty"`
}

type snapshotField struct {
	Name  []byte `json:"name"`
	Value []byte `json:"value"`
}

// Snapshot returns a serialized copy of the current state.
func (s *Store) Snapshot(ctx context.Context) ([]byte, error) {
	return s.SnapshotAt(ctx, nil)
}

// SnapshotAt returns a serialized copy of the current state. mark, if not
// nil, runs while every access window is closed, so anything it records (a
// replication offset, for example) matches the captured state exactly.
func (s *Store) SnapshotAt(ctx context.Context, mark func()) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "kv.store.Snapshot")
	defer span.End()

	s.barrier.Lock()
	nowMs := s.now().UnixMilli()
	cp := make([]snapshotEntry, 0, s.data.Size())
	s.data.Range(func(key string, obj *object) bool {
		if obj.expired(nowMs) {
			return true
		}
		e := snapshotEntry{Key: []byte(key), Type: obj.kind.String(), ExpireAt: obj.expireAt.Load()}
		switch obj.kind {
		case KindScalar:
			e.Value = []byte(obj.str)
		case KindHash:
			e.Hash = make([]snapshotField, 0, len(obj.hash))
			for f, v := range obj.hash {
				e.Hash = append(e.Hash, snapshotField{Name: []byte(f), Value: []byte(v)})
			}
		}
		cp = append(cp, e)
		return true
	})
	if mark != nil {
		mark()
	}
	s.barrier.Unlock()
	span.SetAttributes(attribute.Int("kv.store.items", len(cp)))

	raw, err := json.Marshal(cp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("kv.snapshot.bytes", len(raw)))
	return raw, nil
}

// RestoreSnapshot replaces the current state with the provided snapshot bytes.
// Empty snapshot bytes reset the store to an empty state.
func (s *Store) RestoreSnapshot(ctx context.Context, raw []byte) error {
	_, span := s.tracer.Start(ctx, "kv.store.RestoreSnapshot", oteltrace.WithAttributes(attribute.Int("kv.snapshot.bytes", len(raw))))
	defer span.End()

	var restored []snapshotEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &restored); err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			return err
		}
	}

	s.barrier.Lock()
	defer s.barrier.Unlock()

	s.data.Clear()
	var used int64
	for _, e := range restored {
		key := string(e.Key)
		obj := &object{}
		switch e.Type {
		case KindScalar.String():
			obj.kind = KindScalar
			obj.str = string(e.Value)
		case KindHash.String():
			obj.kind = KindHash
			obj.hash = make(map[string]string, len(e.Hash))
			for _, f := range e.Hash {
				obj.hash[string(f.Name)] = string(f.Value)
			}
		default:
			continue
		}
		obj.expireAt.Store(e.ExpireAt)
		s.data.Store(key, obj)
		used += obj.size(key)
	}
	s.used.Store(used)
	span.SetAttributes(attribute.Int("kv.store.items", s.data.Size()))
	return nil
}
