// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"sync/atomic"

	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// GroupStorage is the durable state surface of one group replica: the
// raft.Storage the consensus instance reads from, plus the write methods the
// coordinator uses to persist Ready output before acting on it.
type GroupStorage interface {
	raft.Storage

	// SetHardState persists the raft hard state (term, vote, commit).
	SetHardState(st raftpb.HardState) error

	// Append persists new log entries. Overlapping entries overwrite; gaps
	// are errors.
	Append(entries []raftpb.Entry) error

	// ApplySnapshot replaces the log with the given snapshot.
	ApplySnapshot(snap raftpb.Snapshot) error
}

// Storage resolves per-group storage for the groups resident on a node. It
// is the multi-group analogue of raft.Storage: the log and snapshots
// themselves are owned by the implementation, not by this layer.
type Storage interface {
	// GroupStorage returns the storage for the given group replica,
	// creating it if necessary.
	GroupStorage(
		groupID multiraftpb.GroupID, replicaID multiraftpb.ReplicaID,
	) (GroupStorage, error)

	// HasGroup reports whether any durable state exists for the group.
	// Bootstrap uses it to refuse a second InitialGroup.
	HasGroup(groupID multiraftpb.GroupID) (bool, error)
}

// MemoryStorage is an in-memory Storage implementation backed by
// raft.MemoryStorage instances, suitable for tests and ephemeral replicas.
type MemoryStorage struct {
	mu struct {
		syncutil.Mutex
		groups map[multiraftpb.GroupID]*memoryGroupStorage
	}
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	m := &MemoryStorage{}
	m.mu.groups = make(map[multiraftpb.GroupID]*memoryGroupStorage)
	return m
}

// GroupStorage implements the Storage interface.
func (m *MemoryStorage) GroupStorage(
	groupID multiraftpb.GroupID, _ multiraftpb.ReplicaID,
) (GroupStorage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.mu.groups[groupID]
	if !ok {
		gs = &memoryGroupStorage{MemoryStorage: raft.NewMemoryStorage()}
		m.mu.groups[groupID] = gs
	}
	return gs, nil
}

// HasGroup implements the Storage interface.
func (m *MemoryStorage) HasGroup(groupID multiraftpb.GroupID) (bool, error) {
	m.mu.Lock()
	gs, ok := m.mu.groups[groupID]
	m.mu.Unlock()
	return ok && gs.dirty.Load(), nil
}

// memoryGroupStorage wraps raft.MemoryStorage, tracking whether any state
// has ever been written so bootstrap can distinguish "created on demand"
// from "has history".
type memoryGroupStorage struct {
	*raft.MemoryStorage
	dirty atomic.Bool
}

func (m *memoryGroupStorage) SetHardState(st raftpb.HardState) error {
	m.dirty.Store(true)
	return m.MemoryStorage.SetHardState(st)
}

func (m *memoryGroupStorage) Append(entries []raftpb.Entry) error {
	m.dirty.Store(true)
	return m.MemoryStorage.Append(entries)
}

func (m *memoryGroupStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	m.dirty.Store(true)
	return m.MemoryStorage.ApplySnapshot(snap)
}
