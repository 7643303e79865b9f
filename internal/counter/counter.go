// Package counter implements rebuildable resource counters on top of
// the best-effort cache. A counter's value can vanish at any time; the
// authoritative value is always recomputable from the registration set,
// so a miss triggers a rebuild and a bounded retry.
package counter

import (
	"context"
	"errors"
	"fmt"

	"registrar/internal/cache"
)

// ErrExhausted means the cache could not be incremented even after
// rebuilding. Online callers degrade to a waitlist verdict; offline
// callers must surface it.
var ErrExhausted = errors.New("counter: increment retries exhausted")

// Mode selects between a real reservation and a dry-run preview.
type Mode int

const (
	ModeNormal Mode = iota
	// ModePrediction makes Incr a pure read-plus-one and Decr a no-op.
	ModePrediction
)

// BuildFunc recomputes the authoritative value of every key the owning
// rule tracks. A requested key absent from the result is new, not lost.
type BuildFunc func(ctx context.Context) (map[string]int64, error)

type Counter struct {
	cache     cache.Cache
	namespace string
	retries   int
	mode      Mode

	// selfCounted is set online: the triggering registration is already
	// persisted when a rebuild runs, so rebuilt values subtract one to
	// avoid double-counting it against the upcoming increment.
	selfCounted bool

	build BuildFunc
}

func New(c cache.Cache, namespace string, retries int, mode Mode, online bool, build BuildFunc) *Counter {
	return &Counter{
		cache:       c,
		namespace:   namespace,
		retries:     retries,
		mode:        mode,
		selfCounted: online && mode == ModeNormal,
		build:       build,
	}
}

func (c *Counter) regenerate(ctx context.Context) (map[string]int64, error) {
	values, err := c.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", c.namespace, err)
	}
	for k, v := range values {
		if c.selfCounted && v > 0 {
			v--
		}
		// Add, not Set: a concurrently incremented key is fresher than
		// our rebuild.
		_ = c.cache.Add(c.namespace, k, v)
	}
	return values, nil
}

// Incr atomically bumps key and returns the post-increment value. On a
// cache miss it rebuilds from the source of truth and retries up to the
// configured bound.
func (c *Counter) Incr(ctx context.Context, key string) (int64, error) {
	if c.mode == ModePrediction {
		v, err := c.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		return v + 1, nil
	}
	for attempt := 0; attempt <= c.retries; attempt++ {
		if v, err := c.cache.Incr(c.namespace, key, 1); err == nil {
			return v, nil
		}
		values, err := c.regenerate(ctx)
		if err != nil {
			return 0, err
		}
		if _, ok := values[key]; !ok {
			// First consumer of a key derived on the fly (for example a
			// schedule/access-point pair nobody registered for yet).
			if err := c.cache.Add(c.namespace, key, 1); err == nil {
				return 1, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: namespace=%s key=%s", ErrExhausted, c.namespace, key)
}

// Decr releases one unit. Best effort: a miss is ignored because the
// next Incr rebuild reproduces the correct value anyway.
func (c *Counter) Decr(key string) {
	if c.mode == ModePrediction {
		return
	}
	_, _ = c.cache.Incr(c.namespace, key, -1)
}

// Get reads key, rebuilding once per retry on a miss. A key still
// absent after rebuilding has no consumers and reads as zero.
func (c *Counter) Get(ctx context.Context, key string) (int64, error) {
	for attempt := 0; ; attempt++ {
		if v, err := c.cache.Get(c.namespace, key); err == nil {
			return v, nil
		}
		if attempt >= c.retries {
			return 0, nil
		}
		if _, err := c.regenerate(ctx); err != nil {
			return 0, err
		}
	}
}
