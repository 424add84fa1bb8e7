// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package stop provides a Stopper to coordinate the graceful shutdown of a
// set of long-running workers and short-lived async tasks.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrStopped is returned by RunTask when the Stopper has begun shutting down.
var ErrStopped = errors.New("stopper is stopping")

// Closer is an interface for objects to attach to the stopper to be closed
// once the stopper completes.
type Closer interface {
	Close()
}

// CloserFn adapts a function to the Closer interface.
type CloserFn func()

// Close implements the Closer interface.
func (f CloserFn) Close() {
	f()
}

// A Stopper provides a channel-based mechanism to stop goroutines started
// through it. Stopping occurs in two phases: the fast phase, in which the
// stop channel is closed and all workers observe it, and the second phase in
// which Stop blocks until all workers have exited and then runs the Closers.
type Stopper struct {
	stopper  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu struct {
		sync.Mutex
		stopping bool
		closers  []Closer
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	return &Stopper{
		stopper: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// RunWorker runs a long-lived worker goroutine. The worker is expected to
// observe ShouldStop and exit; Stop blocks until it does.
func (s *Stopper) RunWorker(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// RunTask runs a short-lived task synchronously if the stopper is not yet
// stopping, and returns ErrStopped otherwise. Stop waits for in-flight tasks.
func (s *Stopper) RunTask(f func()) error {
	s.mu.Lock()
	if s.mu.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	f()
	return nil
}

// RunAsyncTask is like RunTask except the task runs in a goroutine.
func (s *Stopper) RunAsyncTask(ctx context.Context, f func(ctx context.Context)) error {
	s.mu.Lock()
	if s.mu.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		f(ctx)
	}()
	return nil
}

// AddCloser adds an object to close after the stopper has been stopped. If
// the stopper has already stopped, the Closer is closed immediately.
func (s *Stopper) AddCloser(c Closer) {
	s.mu.Lock()
	stopping := s.mu.stopping
	if !stopping {
		s.mu.closers = append(s.mu.closers, c)
	}
	s.mu.Unlock()
	if stopping {
		c.Close()
	}
}

// ShouldStop returns a channel which is closed when Stop has been invoked.
func (s *Stopper) ShouldStop() <-chan struct{} {
	return s.stopper
}

// IsStopped returns a channel which is closed after all workers have exited
// and all closers have run.
func (s *Stopper) IsStopped() <-chan struct{} {
	return s.stopped
}

// Stop signals all workers to exit, waits for them, and runs the closers.
// It is idempotent.
func (s *Stopper) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.mu.stopping = true
		s.mu.Unlock()
		close(s.stopper)
		s.wg.Wait()
		s.mu.Lock()
		closers := s.mu.closers
		s.mu.closers = nil
		s.mu.Unlock()
		for _, c := range closers {
			c.Close()
		}
		close(s.stopped)
	})
}
