// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package raftstorage provides a durable multiraft.Storage backed by a
// single pebble instance. All resident groups share one database; keys are
// prefixed with the group ID so per-group state (hard state, snapshot, log
// entries) stays disjoint.
package raftstorage

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/protoutil"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// Key layout. Every key starts with a kind byte followed by the big-endian
// group ID; entry keys append the big-endian log index, so entries of a
// group iterate in index order.
const (
	keyKindHardState byte = 'h'
	keyKindSnapshot  byte = 's'
	keyKindEntry     byte = 'e'
)

func groupKey(kind byte, groupID multiraftpb.GroupID) []byte {
	b := make([]byte, 9)
	b[0] = kind
	binary.BigEndian.PutUint64(b[1:], uint64(groupID))
	return b
}

func entryKey(groupID multiraftpb.GroupID, index uint64) []byte {
	b := make([]byte, 17)
	b[0] = keyKindEntry
	binary.BigEndian.PutUint64(b[1:], uint64(groupID))
	binary.BigEndian.PutUint64(b[9:], index)
	return b
}

// Storage is a durable multiraft.Storage over one pebble database.
type Storage struct {
	db  *pebble.DB
	log *zap.Logger

	mu struct {
		syncutil.Mutex
		groups map[multiraftpb.GroupID]*groupStorage
	}
}

var _ multiraft.Storage = (*Storage)(nil)

// Open opens (creating if necessary) the database in dir on the given
// filesystem. Pass vfs.NewMem() for an ephemeral in-memory database.
func Open(dir string, fs vfs.FS, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(dir, &pebble.Options{
		FS:     fs,
		Logger: log.Sugar(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening raft storage at %q", dir)
	}
	s := &Storage{db: db, log: log}
	s.mu.groups = make(map[multiraftpb.GroupID]*groupStorage)
	return s, nil
}

// Close closes the underlying database. No group storage handed out by this
// Storage may be used afterwards.
func (s *Storage) Close() error {
	return s.db.Close()
}

// GroupStorage implements the multiraft.Storage interface. The returned
// handle is shared: repeated calls for the same group return the same
// instance.
func (s *Storage) GroupStorage(
	groupID multiraftpb.GroupID, replicaID multiraftpb.ReplicaID,
) (multiraft.GroupStorage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.mu.groups[groupID]
	if ok {
		return gs, nil
	}
	gs = &groupStorage{db: s.db, groupID: groupID}
	if err := gs.load(); err != nil {
		return nil, errors.Wrapf(err, "loading raft state for group %s", groupID)
	}
	s.mu.groups[groupID] = gs
	return gs, nil
}

// HasGroup implements the multiraft.Storage interface: it reports whether
// any durable state exists for the group, without creating any.
func (s *Storage) HasGroup(groupID multiraftpb.GroupID) (bool, error) {
	for _, kind := range []byte{keyKindHardState, keyKindSnapshot} {
		_, closer, err := s.db.Get(groupKey(kind, groupID))
		if err == nil {
			closer.Close()
			return true, nil
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return false, err
		}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(groupID, 0),
		UpperBound: entryKey(groupID, math.MaxUint64),
	})
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return iter.First(), iter.Error()
}

// groupStorage holds one group's raft state. Reads of log metadata come
// from an in-memory mirror loaded at open time and maintained on every
// write; entry payloads and snapshots are read from the database.
type groupStorage struct {
	db      *pebble.DB
	groupID multiraftpb.GroupID

	mu struct {
		syncutil.Mutex
		hardState raftpb.HardState
		confState raftpb.ConfState
		// truncIndex/truncTerm describe the log position the latest snapshot
		// covers; the log starts at truncIndex+1.
		truncIndex uint64
		truncTerm  uint64
		lastIndex  uint64
	}
}

var _ multiraft.GroupStorage = (*groupStorage)(nil)

// load populates the in-memory mirror from the database.
func (gs *groupStorage) load() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	val, closer, err := gs.db.Get(groupKey(keyKindHardState, gs.groupID))
	if err == nil {
		err = protoutil.Unmarshal(val, &gs.mu.hardState)
		closer.Close()
		if err != nil {
			return err
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	val, closer, err = gs.db.Get(groupKey(keyKindSnapshot, gs.groupID))
	if err == nil {
		var snap raftpb.Snapshot
		err = protoutil.Unmarshal(val, &snap)
		closer.Close()
		if err != nil {
			return err
		}
		gs.mu.confState = snap.Metadata.ConfState
		gs.mu.truncIndex = snap.Metadata.Index
		gs.mu.truncTerm = snap.Metadata.Term
		gs.mu.lastIndex = snap.Metadata.Index
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	iter, err := gs.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(gs.groupID, 0),
		UpperBound: entryKey(gs.groupID, math.MaxUint64),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() {
		var ent raftpb.Entry
		if err := protoutil.Unmarshal(iter.Value(), &ent); err != nil {
			return err
		}
		gs.mu.lastIndex = ent.Index
	}
	return iter.Error()
}

// InitialState implements the raft.Storage interface.
func (gs *groupStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.mu.hardState, gs.mu.confState, nil
}

// Entries implements the raft.Storage interface.
func (gs *groupStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	gs.mu.Lock()
	truncIndex, lastIndex := gs.mu.truncIndex, gs.mu.lastIndex
	gs.mu.Unlock()
	if lo <= truncIndex {
		return nil, raft.ErrCompacted
	}
	if hi > lastIndex+1 {
		return nil, raft.ErrUnavailable
	}

	iter, err := gs.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(gs.groupID, lo),
		UpperBound: entryKey(gs.groupID, hi),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []raftpb.Entry
	var size uint64
	expected := lo
	for valid := iter.First(); valid; valid = iter.Next() {
		var ent raftpb.Entry
		if err := protoutil.Unmarshal(iter.Value(), &ent); err != nil {
			return nil, err
		}
		if ent.Index != expected {
			return nil, errors.AssertionFailedf(
				"group %s: log gap at index %d (expected %d)", gs.groupID, ent.Index, expected)
		}
		expected++
		size += uint64(ent.Size())
		if len(entries) > 0 && size > maxSize {
			break
		}
		entries = append(entries, ent)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Term implements the raft.Storage interface.
func (gs *groupStorage) Term(i uint64) (uint64, error) {
	gs.mu.Lock()
	truncIndex, truncTerm, lastIndex := gs.mu.truncIndex, gs.mu.truncTerm, gs.mu.lastIndex
	gs.mu.Unlock()
	if i < truncIndex {
		return 0, raft.ErrCompacted
	}
	if i == truncIndex {
		return truncTerm, nil
	}
	if i > lastIndex {
		return 0, raft.ErrUnavailable
	}

	val, closer, err := gs.db.Get(entryKey(gs.groupID, i))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, raft.ErrUnavailable
		}
		return 0, err
	}
	defer closer.Close()
	var ent raftpb.Entry
	if err := protoutil.Unmarshal(val, &ent); err != nil {
		return 0, err
	}
	return ent.Term, nil
}

// LastIndex implements the raft.Storage interface.
func (gs *groupStorage) LastIndex() (uint64, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.mu.lastIndex, nil
}

// FirstIndex implements the raft.Storage interface.
func (gs *groupStorage) FirstIndex() (uint64, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.mu.truncIndex + 1, nil
}

// Snapshot implements the raft.Storage interface.
func (gs *groupStorage) Snapshot() (raftpb.Snapshot, error) {
	val, closer, err := gs.db.Get(groupKey(keyKindSnapshot, gs.groupID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return raftpb.Snapshot{}, nil
		}
		return raftpb.Snapshot{}, err
	}
	defer closer.Close()
	var snap raftpb.Snapshot
	if err := protoutil.Unmarshal(val, &snap); err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, nil
}

// SetHardState implements the multiraft.GroupStorage interface.
func (gs *groupStorage) SetHardState(st raftpb.HardState) error {
	data, err := protoutil.Marshal(&st)
	if err != nil {
		return err
	}
	if err := gs.db.Set(groupKey(keyKindHardState, gs.groupID), data, pebble.Sync); err != nil {
		return err
	}
	gs.mu.Lock()
	gs.mu.hardState = st
	gs.mu.Unlock()
	return nil
}

// Append implements the multiraft.GroupStorage interface. Entries
// overlapping the existing log overwrite it, and any existing entries past
// the end of the appended batch are removed: they belong to an abandoned
// term.
func (gs *groupStorage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	gs.mu.Lock()
	truncIndex, lastIndex := gs.mu.truncIndex, gs.mu.lastIndex
	gs.mu.Unlock()

	// Drop any portion already covered by a snapshot.
	for len(entries) > 0 && entries[0].Index <= truncIndex {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		return nil
	}
	first, last := entries[0].Index, entries[len(entries)-1].Index
	if first > lastIndex+1 {
		return errors.AssertionFailedf(
			"group %s: appending entries at %d would leave a gap after %d",
			gs.groupID, first, lastIndex)
	}

	batch := gs.db.NewBatch()
	defer batch.Close()
	for i := range entries {
		data, err := protoutil.Marshal(&entries[i])
		if err != nil {
			return err
		}
		if err := batch.Set(entryKey(gs.groupID, entries[i].Index), data, nil); err != nil {
			return err
		}
	}
	if last < lastIndex {
		if err := batch.DeleteRange(
			entryKey(gs.groupID, last+1),
			entryKey(gs.groupID, math.MaxUint64), nil,
		); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	gs.mu.Lock()
	gs.mu.lastIndex = last
	gs.mu.Unlock()
	return nil
}

// ApplySnapshot implements the multiraft.GroupStorage interface: the
// snapshot replaces the entire log.
func (gs *groupStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	gs.mu.Lock()
	truncIndex := gs.mu.truncIndex
	gs.mu.Unlock()
	if snap.Metadata.Index <= truncIndex {
		return raft.ErrSnapOutOfDate
	}

	data, err := protoutil.Marshal(&snap)
	if err != nil {
		return err
	}
	batch := gs.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(groupKey(keyKindSnapshot, gs.groupID), data, nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(
		entryKey(gs.groupID, 0),
		entryKey(gs.groupID, math.MaxUint64), nil,
	); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	gs.mu.Lock()
	gs.mu.confState = snap.Metadata.ConfState
	gs.mu.truncIndex = snap.Metadata.Index
	gs.mu.truncTerm = snap.Metadata.Term
	gs.mu.lastIndex = snap.Metadata.Index
	gs.mu.Unlock()
	return nil
}

// Compact discards log entries up to and including compactIndex, which must
// not exceed the applied index the caller has made durable elsewhere.
func (gs *groupStorage) Compact(compactIndex uint64) error {
	gs.mu.Lock()
	truncIndex, lastIndex := gs.mu.truncIndex, gs.mu.lastIndex
	gs.mu.Unlock()
	if compactIndex <= truncIndex {
		return raft.ErrCompacted
	}
	if compactIndex > lastIndex {
		return errors.AssertionFailedf(
			"group %s: compaction index %d is past the last index %d",
			gs.groupID, compactIndex, lastIndex)
	}

	term, err := gs.Term(compactIndex)
	if err != nil {
		return err
	}
	if err := gs.db.DeleteRange(
		entryKey(gs.groupID, 0),
		entryKey(gs.groupID, compactIndex+1), pebble.Sync,
	); err != nil {
		return err
	}
	gs.mu.Lock()
	gs.mu.truncIndex = compactIndex
	gs.mu.truncTerm = term
	gs.mu.Unlock()
	return nil
}
