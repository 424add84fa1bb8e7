// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/stop"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"github.com/stretchr/testify/require"
)

type schedCall struct {
	id   multiraftpb.GroupID
	tick bool
}

type schedRecorder struct {
	block chan struct{} // if non-nil, processing waits on it
	mu    struct {
		syncutil.Mutex
		calls []schedCall
	}
}

func (r *schedRecorder) process(_ context.Context, id multiraftpb.GroupID, tick bool) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.mu.calls = append(r.mu.calls, schedCall{id: id, tick: tick})
	r.mu.Unlock()
}

func (r *schedRecorder) calls() []schedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schedCall(nil), r.mu.calls...)
}

func TestSchedulerDispatch(t *testing.T) {
	stopper := stop.NewStopper()
	defer stopper.Stop()
	rec := &schedRecorder{}
	s := newRaftScheduler(rec.process)
	s.Start(context.Background(), stopper, 2)

	s.EnqueueDrain(1)
	s.EnqueueTick(2)

	require.Eventually(t, func() bool {
		calls := rec.calls()
		var sawDrain, sawTick bool
		for _, c := range calls {
			if c.id == 1 && !c.tick {
				sawDrain = true
			}
			if c.id == 2 && c.tick {
				sawTick = true
			}
		}
		return sawDrain && sawTick
	}, 5*time.Second, time.Millisecond)
}

// Work arriving for a group that is already queued folds into one pass.
func TestSchedulerFoldsPendingWork(t *testing.T) {
	stopper := stop.NewStopper()
	defer stopper.Stop()
	rec := &schedRecorder{block: make(chan struct{})}
	s := newRaftScheduler(rec.process)
	s.Start(context.Background(), stopper, 1)

	// The single worker blocks on group 1; everything queued behind it
	// folds per group.
	s.EnqueueDrain(1)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mu.state[1]&stateProcessing != 0
	}, 5*time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		s.EnqueueDrain(2)
		s.EnqueueTick(2)
	}
	close(rec.block)

	require.Eventually(t, func() bool {
		var count2 int
		for _, c := range rec.calls() {
			if c.id == 2 {
				count2++
			}
		}
		return count2 == 1
	}, 5*time.Second, time.Millisecond)
	for _, c := range rec.calls() {
		if c.id == 2 {
			require.True(t, c.tick, "folded pass must carry the tick flag")
		}
	}
}

// A group enqueued again while being processed is requeued, not lost.
func TestSchedulerRequeuesMidProcessing(t *testing.T) {
	stopper := stop.NewStopper()
	defer stopper.Stop()
	rec := &schedRecorder{block: make(chan struct{}, 16)}
	s := newRaftScheduler(rec.process)
	s.Start(context.Background(), stopper, 1)

	s.EnqueueDrain(1)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mu.state[1]&stateProcessing != 0
	}, 5*time.Second, time.Millisecond)

	s.EnqueueDrain(1)
	rec.block <- struct{}{} // finish first pass
	rec.block <- struct{}{} // finish requeued pass

	require.Eventually(t, func() bool {
		return len(rec.calls()) == 2
	}, 5*time.Second, time.Millisecond)
}

func TestSchedulerIgnoresEnqueueAfterStop(t *testing.T) {
	stopper := stop.NewStopper()
	rec := &schedRecorder{}
	s := newRaftScheduler(rec.process)
	s.Start(context.Background(), stopper, 1)
	stopper.Stop()

	s.EnqueueDrain(1)
	require.Empty(t, rec.calls())
}
