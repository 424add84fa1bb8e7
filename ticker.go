// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"time"

	"github.com/cockroachdb/multiraft/util/syncutil"
)

// Ticker delivers the coarse clock pulses that drive raft elections and
// heartbeats. Real deployments use real time; tests substitute a manual
// ticker so time-based events can be triggered deterministically.
type Ticker interface {
	// Chan returns the channel on which ticks are delivered.
	Chan() <-chan time.Time

	// Close releases the ticker's resources.
	Close()
}

type realTicker struct {
	t *time.Ticker
}

func newTicker(interval time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.t.C
}

func (t *realTicker) Close() {
	t.t.Stop()
}

// manualTicker is a fake Ticker. Time does not flow; each call to Tick
// delivers exactly one pulse.
type manualTicker struct {
	mu  syncutil.Mutex
	now time.Time
	ch  chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		now: time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC),
		ch:  make(chan time.Time),
	}
}

// Tick advances the fake clock by one interval and delivers the pulse,
// blocking until the consumer picks it up.
func (m *manualTicker) Tick() {
	m.mu.Lock()
	m.now = m.now.Add(time.Second)
	now := m.now
	m.mu.Unlock()
	m.ch <- now
}

func (m *manualTicker) Chan() <-chan time.Time {
	return m.ch
}

func (m *manualTicker) Close() {
}
