// Package lock provides named, owner-scoped leases with a TTL. A fast
// ephemeral marker short-circuits hot retries; the persistent store is the
// authority on who holds a lease.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/telemetry"
)

// DefaultTTL is the lease lifetime used by the report queue.
const DefaultTTL = 120 * time.Second

// Cache holds the ephemeral marker for a lease.
type Cache interface {
	// SetNX sets the marker if absent and reports whether it was set.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Store is the persistent lock table.
//
// InsertTx performs the conditional insert inside a transaction and is tried
// first. InsertIfAbsent is the non-transactional fallback used when InsertTx
// returns an error. Both treat a row whose acquired_at+ttl is before now as
// absent. Delete removes the row only when owner matches.
type Store interface {
	InsertTx(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error)
	InsertIfAbsent(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key, owner string) (bool, error)
}

// Manager coordinates the two layers.
type Manager struct {
	cache Cache
	store Store
	clock clock.Clock
	log   *logrus.Entry
}

// NewManager builds a manager. A nil clock uses the wall clock.
func NewManager(cache Cache, store Store, clk clock.Clock, log *logrus.Entry) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{cache: cache, store: store, clock: clk, log: log.WithField("component", "lock")}
}

func markerKey(name string) string {
	return "lock:" + name
}

// Acquire tries to take the lease. Contention returns false with a nil error.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := markerKey(name)
	set, err := m.cache.SetNX(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("set marker %s: %w", name, err)
	}
	if !set {
		telemetry.LockContention.WithLabelValues(family(name)).Inc()
		return false, nil
	}

	now := m.clock.Now()
	ok, err := m.store.InsertTx(ctx, name, owner, now, ttl)
	if err != nil {
		m.log.WithError(err).WithField("lock", name).Warn("transactional lock insert failed, retrying direct insert")
		ok, err = m.store.InsertIfAbsent(ctx, name, owner, now, ttl)
	}
	if err != nil || !ok {
		if delErr := m.cache.Del(ctx, key); delErr != nil {
			m.log.WithError(delErr).WithField("lock", name).Warn("roll back lock marker")
		}
		if err != nil {
			return false, fmt.Errorf("insert lock %s: %w", name, err)
		}
		telemetry.LockContention.WithLabelValues(family(name)).Inc()
		return false, nil
	}
	return true, nil
}

// Release drops the marker and deletes the row if owner still holds it.
func (m *Manager) Release(ctx context.Context, name, owner string) error {
	if err := m.cache.Del(ctx, markerKey(name)); err != nil {
		m.log.WithError(err).WithField("lock", name).Warn("delete lock marker")
	}
	if _, err := m.store.Delete(ctx, name, owner); err != nil {
		return fmt.Errorf("delete lock %s: %w", name, err)
	}
	return nil
}

// WithLock runs fn while holding the lease. It returns ran=false when the
// lease is held elsewhere; fn's error is returned as is. The lease is released
// even if fn panics.
func (m *Manager) WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := m.Acquire(ctx, name, owner, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		m.log.WithFields(logrus.Fields{"lock": name, "owner": owner}).Debug("lock held elsewhere, skipping")
		return false, nil
	}
	defer func() {
		if relErr := m.Release(context.WithoutCancel(ctx), name, owner); relErr != nil {
			m.log.WithError(relErr).WithField("lock", name).Error("release lock")
		}
	}()
	return true, fn(ctx)
}

// family collapses per-client lock names into one metric label.
func family(name string) string {
	for i, r := range name {
		if r == '-' {
			if name[:i] == "client" || name[:i] == "task" {
				return name[:i]
			}
			break
		}
	}
	return name
}
