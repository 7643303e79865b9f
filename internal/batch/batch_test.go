package batch

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"registrar/internal/db"
	"registrar/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrationFile(d, "../../migrations/001_init.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(d)
}

// sliceWork scans a fixed key space using the cursor as an offset.
func sliceWork(keys []string, processed *[]string) Work {
	return Work{
		Name:      "test-scan",
		BatchSize: 2,
		Query: func(_ context.Context, cursor string, limit int, _ SideData) ([]string, string, error) {
			off := 0
			if cursor != "" {
				var err error
				off, err = strconv.Atoi(cursor)
				if err != nil {
					return nil, "", err
				}
			}
			end := off + limit
			if end > len(keys) {
				end = len(keys)
			}
			return keys[off:end], strconv.Itoa(end), nil
		},
		Process: func(_ context.Context, items []string, _ SideData) (bool, error) {
			*processed = append(*processed, items...)
			return true, nil
		},
	}
}

func TestRunResumesAcrossInvocations(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c", "d", "e"}
	var processed []string
	w := sliceWork(keys, &processed)

	// Drive to completion; each Run is one checkpointed unit.
	runs := 0
	for {
		more, err := Run(ctx, st, w)
		if err != nil {
			t.Fatalf("run %d: %v", runs, err)
		}
		runs++
		if !more {
			break
		}
		if runs > 10 {
			t.Fatal("scan did not terminate")
		}
	}
	if len(processed) != len(keys) {
		t.Fatalf("processed=%v, want all of %v exactly once", processed, keys)
	}
	if runs != 3 {
		t.Fatalf("runs=%d, want 3 (2+2+1)", runs)
	}
}

func TestRunParksWithoutAdvancing(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c"}
	var processed []string
	w := sliceWork(keys, &processed)
	park := true
	w.Process = func(_ context.Context, items []string, _ SideData) (bool, error) {
		if park {
			return false, nil
		}
		processed = append(processed, items...)
		return true, nil
	}

	more, err := Run(ctx, st, w)
	if err != nil || more {
		t.Fatalf("parked run: more=%v err=%v", more, err)
	}

	// The cursor did not move; the same batch comes back.
	park = false
	if _, err := Run(ctx, st, w); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if len(processed) != 2 || processed[0] != "a" {
		t.Fatalf("processed=%v, want the first batch again", processed)
	}
}

func TestResetOnCompletion(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	keys := []string{"a"}
	var processed []string
	w := sliceWork(keys, &processed)
	w.ResetOnCompletion = true

	if _, err := Run(ctx, st, w); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Progress cleared, so a second pass re-reads from the start.
	if _, err := Run(ctx, st, w); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(processed) != 2 {
		t.Fatalf("processed=%v, want the key twice after reset", processed)
	}
}

func TestResetOnCursorError(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.SetConfig(ctx, "test-scan-WorkProgress", "garbage", nil); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	var processed []string
	w := sliceWork([]string{"a", "b"}, &processed)
	w.ResetOnCursorError = true

	if _, err := Run(ctx, st, w); err == nil {
		t.Fatal("expected cursor error")
	}
	// After the reset, the scan starts over cleanly.
	if _, err := Run(ctx, st, w); err != nil {
		t.Fatalf("post-reset run: %v", err)
	}
	if len(processed) != 2 || processed[0] != "a" {
		t.Fatalf("processed=%v", processed)
	}
}

func TestSideDataSurvivesCheckpoint(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	w := Work{
		Name:      "watermark-scan",
		BatchSize: 1,
		Query: func(_ context.Context, cursor string, _ int, side SideData) ([]string, string, error) {
			if cursor == "done" {
				return nil, "done", nil
			}
			return []string{"item"}, "done", nil
		},
		Process: func(_ context.Context, _ []string, side SideData) (bool, error) {
			side["watermark"] = "2026-08-31"
			return true, nil
		},
	}

	if _, err := Run(ctx, st, w); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, side, err := loadProgress(ctx, st, w)
	if err != nil || side["watermark"] != "2026-08-31" {
		t.Fatalf("side=%v err=%v", side, err)
	}
}
