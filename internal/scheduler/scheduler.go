// Package scheduler owns the relay's background timers. Every periodic or
// deferred job (retention sweep, fallback reconciler, delayed re-enqueue)
// runs through one Scheduler so shutdown can cancel them in one place.
package scheduler

import (
	"sync"
	"time"
)

// Handle cancels a scheduled job. Stop is idempotent.
type Handle struct {
	once sync.Once
	stop func()
}

// Stop cancels the job. A job already running is not interrupted.
func (h *Handle) Stop() {
	h.once.Do(h.stop)
}

// Scheduler runs functions periodically or after a delay.
type Scheduler struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
	stopped bool
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{handles: make(map[*Handle]struct{})}
}

// Every runs fn every interval until the handle or the scheduler is stopped.
// The first run happens after one interval, not immediately.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Handle {
	stopCh := make(chan struct{})
	h := &Handle{stop: func() { close(stopCh) }}

	if !s.track(h) {
		h.Stop()
		return h
	}

	go func() {
		defer s.untrack(h)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return h
}

// After runs fn once after the delay unless stopped first.
func (s *Scheduler) After(delay time.Duration, fn func()) *Handle {
	stopCh := make(chan struct{})
	h := &Handle{stop: func() { close(stopCh) }}

	if !s.track(h) {
		h.Stop()
		return h
	}

	go func() {
		defer s.untrack(h)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-stopCh:
		case <-timer.C:
			fn()
		}
	}()

	return h
}

// StopAll cancels every pending job and refuses new ones. Used by the
// shutdown path so no timer keeps the process alive.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

// track registers a handle; returns false when the scheduler is stopped.
func (s *Scheduler) track(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.handles[h] = struct{}{}
	return true
}

func (s *Scheduler) untrack(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}
