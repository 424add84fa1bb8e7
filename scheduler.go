// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"context"
	"sync"

	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/stop"
	"github.com/cockroachdb/multiraft/util/syncutil"
)

type schedState int

const (
	stateQueued schedState = 1 << iota
	stateProcessing
	stateTick
	stateDrain
)

// raftScheduler dispatches per-group processing to a worker pool. A group
// appears in the queue at most once; work kinds arriving while it is queued
// or being processed are folded into its state flags, and a group whose
// flags were set mid-processing is requeued when its worker finishes. That
// keeps per-group processing exclusive (preserving drain ordering) while
// distinct groups progress on different workers.
type raftScheduler struct {
	processor func(ctx context.Context, groupID multiraftpb.GroupID, tick bool)

	mu struct {
		syncutil.Mutex
		cond    *sync.Cond
		queue   []multiraftpb.GroupID
		state   map[multiraftpb.GroupID]schedState
		stopped bool
	}
}

func newRaftScheduler(
	processor func(ctx context.Context, groupID multiraftpb.GroupID, tick bool),
) *raftScheduler {
	s := &raftScheduler{processor: processor}
	s.mu.cond = sync.NewCond(&s.mu.Mutex)
	s.mu.state = make(map[multiraftpb.GroupID]schedState)
	return s
}

// Start launches numWorkers workers under the stopper. Shutdown wakes all
// workers and lets them drain out.
func (s *raftScheduler) Start(ctx context.Context, stopper *stop.Stopper, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		stopper.RunWorker(func() {
			s.worker(ctx)
		})
	}
	stopper.RunWorker(func() {
		<-stopper.ShouldStop()
		s.mu.Lock()
		s.mu.stopped = true
		s.mu.Unlock()
		s.mu.cond.Broadcast()
	})
}

func (s *raftScheduler) worker(ctx context.Context) {
	s.mu.Lock()
	for {
		for len(s.mu.queue) == 0 && !s.mu.stopped {
			s.mu.cond.Wait()
		}
		if s.mu.stopped {
			s.mu.Unlock()
			return
		}
		id := s.mu.queue[0]
		s.mu.queue = s.mu.queue[1:]
		st := s.mu.state[id]
		s.mu.state[id] = stateProcessing
		s.mu.Unlock()

		s.processor(ctx, id, st&stateTick != 0)

		s.mu.Lock()
		st = s.mu.state[id]
		if st&stateQueued != 0 {
			// More work arrived while processing; the flags are already
			// set, put the group back in line.
			s.mu.state[id] = st &^ stateProcessing
			s.mu.queue = append(s.mu.queue, id)
			s.mu.cond.Signal()
		} else {
			delete(s.mu.state, id)
		}
	}
}

func (s *raftScheduler) enqueue(id multiraftpb.GroupID, flag schedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.stopped {
		return
	}
	st := s.mu.state[id]
	s.mu.state[id] = st | flag | stateQueued
	if st&(stateQueued|stateProcessing) == 0 {
		s.mu.queue = append(s.mu.queue, id)
		s.mu.cond.Signal()
	}
}

// EnqueueDrain schedules a drain pass for the group.
func (s *raftScheduler) EnqueueDrain(id multiraftpb.GroupID) {
	s.enqueue(id, stateDrain)
}

// EnqueueTick schedules a raft clock tick (followed by a drain of whatever
// the tick produced) for the group.
func (s *raftScheduler) EnqueueTick(id multiraftpb.GroupID) {
	s.enqueue(id, stateTick|stateDrain)
}
