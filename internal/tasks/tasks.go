// Package tasks is a small in-process deferred-work scheduler. The
// offline loop uses it to re-enqueue itself while work remains.
package tasks

import (
	"context"
	"log"
	"sync"
	"time"
)

type Scheduler struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Defer runs fn after delay on its own goroutine. Calls after Close are
// dropped.
func (s *Scheduler) Defer(ctx context.Context, name string, delay time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Printf("level=warn msg=\"deferred task dropped\" task=%s", name)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		fn(ctx)
	}()
}

// Close waits for in-flight tasks and rejects new ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
