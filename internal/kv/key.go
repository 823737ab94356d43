package kv

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters; guarded by the table bucket
}

// lockTable hands out one mutex per key. Entries are reference counted and
// removed once nobody holds or waits on them.
type lockTable struct {
	m *xsync.MapOf[string, *keyLock]
}

func newLockTable() *lockTable {
	return &lockTable{m: xsync.NewMapOf[string, *keyLock]()}
}

func (t *lockTable) acquire(key string) *keyLock {
	l, _ := t.m.Compute(key, func(l *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			l = &keyLock{}
		}
		l.refs++
		return l, false
	})
	l.mu.Lock()
	return l
}

func (t *lockTable) release(key string, l *keyLock) {
	l.mu.Unlock()
	t.m.Compute(key, func(cur *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			return cur, true
		}
		cur.refs--
		return cur, cur.refs <= 0
	})
}

// Key is an exclusive access window on a single key, obtained from
// Store.OpenWrite. No other accessor observes or mutates the key until Close.
//
// An absent key reads as an empty scalar. That placeholder is never stored:
// it only becomes a value if the holder calls Write or HashSet.
type Key struct {
	store  *Store
	name   string
	lock   *keyLock
	obj    *object
	closed bool
}

// Name returns the key name.
func (k *Key) Name() string { return k.name }

// IsEmpty reports whether the key is absent (never written or expired).
func (k *Key) IsEmpty() bool { return k.obj == nil }

// Kind returns the type held by the key, or KindNone when absent.
func (k *Key) Kind() Kind {
	if k.obj == nil {
		return KindNone
	}
	return k.obj.kind
}

// Read returns the scalar value. Absent keys read as "".
func (k *Key) Read() (string, error) {
	if k.closed {
		return "", ErrKeyClosed
	}
	if k.obj == nil {
		return "", nil
	}
	if k.obj.kind != KindScalar {
		return "", ErrWrongType
	}
	return k.obj.str, nil
}

// Write replaces the key with a scalar value and clears any expiration.
func (k *Key) Write(value string) error {
	if k.closed {
		return ErrKeyClosed
	}
	before := k.obj.size(k.name)
	obj := &object{kind: KindScalar, str: value}
	k.obj = obj
	k.store.data.Store(k.name, obj)
	k.store.used.Add(obj.size(k.name) - before)
	return nil
}

// WriteWithExpire replaces the key with a scalar value that expires at at.
// Value and expiration become visible together.
func (k *Key) WriteWithExpire(value string, at time.Time) error {
	if k.closed {
		return ErrKeyClosed
	}
	ms := at.UnixMilli()
	if ms <= 0 {
		ms = 1
	}
	before := k.obj.size(k.name)
	obj := &object{kind: KindScalar, str: value}
	obj.expireAt.Store(ms)
	k.obj = obj
	k.store.data.Store(k.name, obj)
	k.store.used.Add(obj.size(k.name) - before)
	return nil
}

// SetExpire sets the expiration to d from the store clock and returns the
// resolved instant. A non-positive d expires the key immediately.
func (k *Key) SetExpire(d time.Duration) (time.Time, error) {
	at := k.store.Now().Add(d)
	if err := k.ExpireAt(at); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(at.UnixMilli()), nil
}

// ExpireAt sets an absolute expiration, replacing any previous one.
func (k *Key) ExpireAt(at time.Time) error {
	if k.closed {
		return ErrKeyClosed
	}
	if k.obj == nil {
		return ErrNoSuchKey
	}
	ms := at.UnixMilli()
	if ms <= 0 {
		ms = 1
	}
	k.obj.expireAt.Store(ms)
	return nil
}

// Expiry returns the absolute expiration, if one is set.
func (k *Key) Expiry() (time.Time, bool) {
	if k.obj == nil {
		return time.Time{}, false
	}
	ms := k.obj.expireAt.Load()
	if ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Delete removes the key. Deleting an absent key is a no-op.
func (k *Key) Delete() error {
	if k.closed {
		return ErrKeyClosed
	}
	if k.obj == nil {
		return nil
	}
	k.store.removeLocked(k.name, k.obj)
	k.obj = nil
	return nil
}

// HashGet returns a hash field. Absent keys have no fields.
func (k *Key) HashGet(field string) (string, bool, error) {
	if k.closed {
		return "", false, ErrKeyClosed
	}
	if k.obj == nil {
		return "", false, nil
	}
	if k.obj.kind != KindHash {
		return "", false, ErrWrongType
	}
	v, ok := k.obj.hash[field]
	return v, ok, nil
}

// HashSet sets a hash field, creating the hash if the key is absent. The
// expiration of an existing hash is kept.
func (k *Key) HashSet(field, value string) error {
	if k.closed {
		return ErrKeyClosed
	}
	if k.obj == nil {
		obj := &object{kind: KindHash, hash: make(map[string]string, 1)}
		k.obj = obj
		k.store.data.Store(k.name, obj)
		k.store.used.Add(obj.size(k.name))
	}
	if k.obj.kind != KindHash {
		return ErrWrongType
	}
	delta := int64(len(value))
	if prev, ok := k.obj.hash[field]; ok {
		delta -= int64(len(prev))
	} else {
		delta += int64(len(field)) + fieldOverhead
	}
	k.obj.hash[field] = value
	k.store.used.Add(delta)
	return nil
}

// Close ends the access window. It is safe to call more than once.
func (k *Key) Close() {
	if k.closed {
		return
	}
	k.closed = true
	k.store.locks.release(k.name, k.lock)
	k.store.barrier.RUnlock()
}
