package kv

import (
	"context"
	"time"
)

// Sweep removes every key whose expiration has elapsed and returns how many
// keys it removed. Candidates are re-checked under their key lock, so a key
// whose TTL was extended concurrently survives.
func (s *Store) Sweep() int {
	nowMs := s.now().UnixMilli()
	var candidates []string
	s.data.Range(func(key string, obj *object) bool {
		if obj.expired(nowMs) {
			candidates = append(candidates, key)
		}
		return true
	})

	removed := 0
	for _, key := range candidates {
		if s.expireIfDue(key) {
			removed++
		}
	}
	return removed
}

func (s *Store) expireIfDue(key string) bool {
	s.barrier.RLock()
	defer s.barrier.RUnlock()
	l := s.locks.acquire(key)
	defer s.locks.release(key, l)

	obj, ok := s.data.Load(key)
	if !ok || !obj.expired(s.now().UnixMilli()) {
		return false
	}
	s.removeLocked(key, obj)
	s.expired.Add(1)
	return true
}

// RunExpirer sweeps expired keys every interval until ctx is canceled.
// onSweep, if not nil, receives the number of keys removed by each sweep.
func (s *Store) RunExpirer(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
