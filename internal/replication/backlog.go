// Package replication streams resolved store mutations from a primary to its
// replicas and to the local journal.
package replication

import (
	"errors"
	"fmt"
	"sync"

	"github.com/i-melnichenko/kvx/internal/kv"
)

var (
	// ErrOffsetTrimmed is returned when the requested offset has already been
	// dropped from the backlog.
	ErrOffsetTrimmed = errors.New("replication: offset no longer in backlog")
	// ErrOffsetAhead is returned when the requested offset was never produced.
	ErrOffsetAhead = errors.New("replication: offset ahead of backlog")
)

// Entry is a log entry together with its replication offset.
type Entry struct {
	Offset  int64
	Command kv.Command
}

// Backlog keeps the most recent entries in a fixed-size ring. Offsets start
// at 1 and increase by one per entry.
type Backlog struct {
	mu     sync.Mutex
	ring   []Entry
	head   int // index of the oldest entry
	count  int
	last   int64
	notify chan struct{}
}

// NewBacklog returns a backlog that retains up to size entries.
func NewBacklog(size int) *Backlog {
	if size < 1 {
		size = 1
	}
	return &Backlog{
		ring:   make([]Entry, size),
		notify: make(chan struct{}),
	}
}

// Append stores cmd under the next offset and wakes every waiter.
func (b *Backlog) Append(cmd kv.Command) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last++
	idx := (b.head + b.count) % len(b.ring)
	if b.count == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.count++
	}
	b.ring[idx] = Entry{Offset: b.last, Command: cmd}

	close(b.notify)
	b.notify = make(chan struct{})
	return b.last
}

// Reset drops all entries and continues numbering after offset.
func (b *Backlog) Reset(offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.head, b.count = 0, 0
	b.last = offset
	clear(b.ring)
	close(b.notify)
	b.notify = make(chan struct{})
}

// LastOffset returns the offset of the newest entry, zero if none was ever
// appended.
func (b *Backlog) LastOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// FirstOffset returns the offset of the oldest retained entry. When the
// backlog is empty it returns LastOffset()+1.
func (b *Backlog) FirstOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstLocked()
}

func (b *Backlog) firstLocked() int64 {
	return b.last - int64(b.count) + 1
}

// Len returns the number of retained entries.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Covers reports whether a reader positioned at offset can continue from
// the backlog, that is every entry after offset is still retained.
func (b *Backlog) Covers(offset int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return offset >= b.firstLocked()-1 && offset <= b.last
}

// ReadAfter returns up to limit entries with offsets greater than offset, and
// a channel that is closed on the next Append or Reset. An empty result with
// a nil error means the reader is caught up.
func (b *Backlog) ReadAfter(offset int64, limit int) ([]Entry, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset > b.last {
		return nil, b.notify, fmt.Errorf("%w: %d > %d", ErrOffsetAhead, offset, b.last)
	}
	first := b.firstLocked()
	if offset < first-1 {
		return nil, b.notify, fmt.Errorf("%w: %d < %d", ErrOffsetTrimmed, offset+1, first)
	}

	n := int(b.last - offset)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Entry, n)
	skip := int(offset - first + 1)
	for i := range out {
		out[i] = b.ring[(b.head+skip+i)%len(b.ring)]
	}
	return out, b.notify, nil
}
