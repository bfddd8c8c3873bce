package lock

import (
	"context"
	"sync"
	"time"

	"report-scheduler/internal/models"
)

type memoryLease struct {
	lock models.Lock
	ttl  time.Duration
}

// MemoryStore is an in-memory lock table. Rows past their TTL count as absent.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]memoryLease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]memoryLease)}
}

func (s *MemoryStore) InsertTx(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	return s.InsertIfAbsent(ctx, key, owner, now, ttl)
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[key]; ok && now.Before(row.lock.AcquiredAt.Add(row.ttl)) {
		return false, nil
	}
	s.rows[key] = memoryLease{lock: models.Lock{Key: key, Owner: owner, AcquiredAt: now}, ttl: ttl}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok || row.lock.Owner != owner {
		return false, nil
	}
	delete(s.rows, key)
	return true, nil
}

// Holder returns the current row for key, if any.
func (s *MemoryStore) Holder(key string) (models.Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	return row.lock, ok
}

// SweepExpiredLocks deletes rows acquired at or before now-ttl.
func (s *MemoryStore) SweepExpiredLocks(_ context.Context, now time.Time, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	cutoff := now.Add(-ttl)
	for key, row := range s.rows {
		if !row.lock.AcquiredAt.After(cutoff) {
			delete(s.rows, key)
			n++
		}
	}
	return n, nil
}
