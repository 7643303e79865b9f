// Package batch drives long scans in fixed-size, resumable units of
// work. Progress (a cursor plus a little side state) is checkpointed in
// the configurations table after each processed batch, so a killed run
// resumes where it stopped.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"registrar/internal/store"
)

// SideData is small per-work state persisted next to the cursor.
type SideData map[string]string

// Work describes one resumable scan. Process must be idempotent: the
// same item can be handed to it more than once across restarts.
type Work struct {
	Name      string
	BatchSize int

	// ResetOnCursorError restarts from the beginning when the stored
	// cursor no longer resolves.
	ResetOnCursorError bool
	// ResetOnCompletion clears progress once the scan drains, so the
	// next run starts over.
	ResetOnCompletion bool

	// Query fetches up to limit item keys after cursor and returns the
	// cursor for the following batch.
	Query func(ctx context.Context, cursor string, limit int, side SideData) (items []string, next string, err error)

	// Process works one batch. Returning more=false parks the scan
	// without advancing the cursor.
	Process func(ctx context.Context, items []string, side SideData) (more bool, err error)

	// OnReset, if set, lets the work roll its side data forward before
	// progress is cleared.
	OnReset func(side SideData)
}

func progressKey(w Work) string { return w.Name + "-WorkProgress" }

func loadProgress(ctx context.Context, st *store.Store, w Work) (string, SideData, error) {
	cursor, raw, err := st.GetConfig(ctx, progressKey(w))
	if errors.Is(err, store.ErrNotFound) {
		return "", SideData{}, nil
	}
	if err != nil {
		return "", nil, err
	}
	side := SideData{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &side); err != nil {
			return "", nil, fmt.Errorf("side data for %s: %w", w.Name, err)
		}
	}
	return cursor, side, nil
}

func saveProgress(ctx context.Context, st *store.Store, w Work, cursor string, side SideData) error {
	raw, err := json.Marshal(side)
	if err != nil {
		return err
	}
	return st.SetConfig(ctx, progressKey(w), cursor, raw)
}

// Reset clears the work's progress so the next Run starts over.
func Reset(ctx context.Context, st *store.Store, w Work) error {
	_, side, err := loadProgress(ctx, st, w)
	if err != nil {
		return err
	}
	if w.OnReset != nil {
		w.OnReset(side)
	}
	log.Printf("batch reset work=%s", w.Name)
	return saveProgress(ctx, st, w, "", side)
}

// Run performs one unit of work and reports whether more may remain.
func Run(ctx context.Context, st *store.Store, w Work) (bool, error) {
	cursor, side, err := loadProgress(ctx, st, w)
	if err != nil {
		return false, err
	}

	items, next, err := w.Query(ctx, cursor, w.BatchSize, side)
	if err != nil {
		if w.ResetOnCursorError {
			if rerr := Reset(ctx, st, w); rerr != nil {
				log.Printf("level=error msg=\"batch reset failed\" work=%s err=%q", w.Name, rerr)
			}
		}
		return false, fmt.Errorf("query %s: %w", w.Name, err)
	}

	more := true
	if len(items) > 0 {
		more, err = w.Process(ctx, items, side)
		if err != nil {
			return false, fmt.Errorf("process %s: %w", w.Name, err)
		}
		if more {
			if err := saveProgress(ctx, st, w, next, side); err != nil {
				return false, fmt.Errorf("checkpoint %s: %w", w.Name, err)
			}
		}
	}

	more = more && len(items) == w.BatchSize
	if !more && w.ResetOnCompletion {
		if err := Reset(ctx, st, w); err != nil {
			return false, err
		}
	}
	return more, nil
}
