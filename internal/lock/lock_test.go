package lock

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"registrar/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrationFile(d, "../../migrations/001_init.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func TestAcquireRelease(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	m := New(d, time.Minute, time.Millisecond, 1)

	if err := m.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m.Acquire(ctx, "offline"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second acquire: err=%v, want ErrNotAcquired", err)
	}
	// A different name is an independent lock.
	if err := m.Acquire(ctx, "other"); err != nil {
		t.Fatalf("acquire other: %v", err)
	}

	if err := m.Release(ctx, "offline", ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireReclaimsExpired(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	short := New(d, -time.Second, time.Millisecond, 1)
	if err := short.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("acquire with expired ttl: %v", err)
	}

	m := New(d, time.Minute, time.Millisecond, 1)
	if err := m.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("reclaim expired lock: %v", err)
	}
}

func TestReleaseExpiredKeepsPayload(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	short := New(d, -time.Second, time.Millisecond, 1)
	if err := short.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := short.Release(ctx, "offline", "overran batch 12"); err != nil {
		t.Fatalf("release: %v", err)
	}

	var payload string
	err := d.QueryRowContext(ctx, `SELECT payload FROM locks WHERE name = ?`, "offline").Scan(&payload)
	if err != nil {
		t.Fatalf("expired lock row should survive release: %v", err)
	}
	if payload != "overran batch 12" {
		t.Fatalf("payload=%q", payload)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	m := New(d, time.Minute, time.Millisecond, 1)

	boom := errors.New("boom")
	if err := m.WithLock(ctx, "offline", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WithLock: err=%v, want boom", err)
	}
	if err := m.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("lock should be free after WithLock failure: %v", err)
	}
}

func TestAcquireRetries(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	holder := New(d, 50*time.Millisecond, time.Millisecond, 1)
	if err := holder.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	// Retries until the holder's TTL lapses.
	waiter := New(d, time.Minute, 10*time.Millisecond, 20)
	if err := waiter.Acquire(ctx, "offline"); err != nil {
		t.Fatalf("waiter acquire: %v", err)
	}
}
