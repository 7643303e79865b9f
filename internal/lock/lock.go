// Package lock provides a coarse mutual-exclusion lock backed by a
// database row. It serializes online registration traffic against the
// offline processing loop.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrNotAcquired is returned when the lock is held by someone else and
// the retry budget ran out.
var ErrNotAcquired = errors.New("lock: not acquired")

// Manager acquires and releases named locks. A lock is a row with an
// expiry; a crashed holder's lock becomes reclaimable once expired.
type Manager struct {
	db         *sql.DB
	ttl        time.Duration
	retryDelay time.Duration
	tries      int
}

// New builds a Manager. tries of 0 means retry forever.
func New(db *sql.DB, ttl, retryDelay time.Duration, tries int) *Manager {
	return &Manager{db: db, ttl: ttl, retryDelay: retryDelay, tries: tries}
}

// Acquire takes the named lock, retrying with a fixed delay until it
// succeeds, the retry budget runs out, or ctx is done.
func (m *Manager) Acquire(ctx context.Context, name string) error {
	for attempt := 0; m.tries == 0 || attempt < m.tries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay):
			}
		}
		ok, err := m.tryAcquire(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s after %d tries", ErrNotAcquired, name, m.tries)
}

func (m *Manager) tryAcquire(ctx context.Context, name string) (bool, error) {
	now := time.Now().UTC()
	expire := now.Add(m.ttl)

	// A single conditional upsert: insert the row, or take over an
	// expired one. RowsAffected tells us whether we won.
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO locks (name, expire_at, payload) VALUES (?, ?, '')
		ON CONFLICT(name) DO UPDATE SET expire_at = excluded.expire_at, payload = ''
		WHERE locks.expire_at < ?`,
		name, expire, now)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", name, err)
	}
	return n > 0, nil
}

// Release frees the named lock. If payload is non-empty and the lock
// already expired under us, the row is kept with the payload so an
// operator can see the overrun; otherwise the row is deleted.
func (m *Manager) Release(ctx context.Context, name, payload string) error {
	now := time.Now().UTC()
	if payload != "" {
		res, err := m.db.ExecContext(ctx,
			`UPDATE locks SET payload = ? WHERE name = ? AND expire_at < ?`,
			payload, name, now)
		if err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("level=warn msg=\"lock expired before release\" lock=%s", name)
			return nil
		}
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock and always releases it,
// even when fn fails.
func (m *Manager) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := m.Acquire(ctx, name); err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx), name, ""); err != nil {
			log.Printf("level=error msg=\"lock release failed\" lock=%s err=%q", name, err)
		}
	}()
	return fn(ctx)
}
