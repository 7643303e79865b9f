package counter

import (
	"context"
	"errors"
	"testing"

	"registrar/internal/cache"
)

func fixedBuild(values map[string]int64) BuildFunc {
	return func(context.Context) (map[string]int64, error) {
		out := make(map[string]int64, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	}
}

func TestIncrRebuildsOnMiss(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()

	// Offline: rebuilt value used as-is, then the increment lands.
	c := New(mem, "off", 1, ModeNormal, false, fixedBuild(map[string]int64{"act-1": 3}))
	v, err := c.Incr(ctx, "act-1")
	if err != nil || v != 4 {
		t.Fatalf("offline incr: v=%d err=%v, want 4", v, err)
	}

	// Second increment hits the cache directly.
	v, err = c.Incr(ctx, "act-1")
	if err != nil || v != 5 {
		t.Fatalf("cached incr: v=%d err=%v, want 5", v, err)
	}
}

func TestIncrOnlineSubtractsSelf(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()

	// Online: the provisional row is already persisted, so a rebuild
	// returning 3 means 2 others plus us; post-increment is 3, not 4.
	c := New(mem, "on", 1, ModeNormal, true, fixedBuild(map[string]int64{"act-1": 3}))
	v, err := c.Incr(ctx, "act-1")
	if err != nil || v != 3 {
		t.Fatalf("online incr: v=%d err=%v, want 3", v, err)
	}
}

func TestIncrNewKeySeedsOne(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()

	c := New(mem, "on", 1, ModeNormal, true, fixedBuild(map[string]int64{}))
	v, err := c.Incr(ctx, "sch-1:ap-1")
	if err != nil || v != 1 {
		t.Fatalf("new key incr: v=%d err=%v, want 1", v, err)
	}
}

func TestIncrExhaustion(t *testing.T) {
	ctx := context.Background()

	c := New(failingCache{}, "on", 1, ModeNormal, true, fixedBuild(map[string]int64{"act-1": 3}))
	if _, err := c.Incr(ctx, "act-1"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err=%v, want ErrExhausted", err)
	}
}

func TestDecrBestEffort(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()

	c := New(mem, "off", 1, ModeNormal, false, fixedBuild(map[string]int64{"act-1": 2}))
	if _, err := c.Incr(ctx, "act-1"); err != nil {
		t.Fatalf("incr: %v", err)
	}
	c.Decr("act-1")
	v, err := c.Get(ctx, "act-1")
	if err != nil || v != 2 {
		t.Fatalf("after decr: v=%d err=%v, want 2", v, err)
	}

	// Decr on a missing key is a silent no-op.
	c.Decr("never-seen")
}

func TestPredictionDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()

	// Prediction online: rebuilt values are NOT self-subtracted because
	// no provisional row was written.
	c := New(mem, "on", 1, ModePrediction, true, fixedBuild(map[string]int64{"act-1": 3}))
	v, err := c.Incr(ctx, "act-1")
	if err != nil || v != 4 {
		t.Fatalf("predicted incr: v=%d err=%v, want 4", v, err)
	}
	// The stored value is untouched by the predicted increment.
	if v, _ := c.Get(ctx, "act-1"); v != 3 {
		t.Fatalf("stored value=%d, want 3", v)
	}
	c.Decr("act-1")
	if v, _ := c.Get(ctx, "act-1"); v != 3 {
		t.Fatalf("after predicted decr: value=%d, want 3", v)
	}
}

func TestGetMissingKeyReadsZero(t *testing.T) {
	ctx := context.Background()
	c := New(cache.NewMemory(), "off", 1, ModeNormal, false, fixedBuild(map[string]int64{}))
	v, err := c.Get(ctx, "act-9")
	if err != nil || v != 0 {
		t.Fatalf("v=%d err=%v, want 0", v, err)
	}
}

// failingCache always misses and refuses writes.
type failingCache struct{}

func (failingCache) Get(string, string) (int64, error)         { return 0, cache.ErrMiss }
func (failingCache) Add(string, string, int64) error           { return cache.ErrExists }
func (failingCache) Set(string, string, int64)                 {}
func (failingCache) Incr(string, string, int64) (int64, error) { return 0, cache.ErrMiss }
func (failingCache) Delete(string, string)                     {}
func (failingCache) Flush(string)                              {}
