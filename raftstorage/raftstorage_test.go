// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package raftstorage

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"
)

func testSnapshot(index, term uint64) raftpb.Snapshot {
	return raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: raftpb.ConfState{Voters: []uint64{1, 2, 3}},
		},
	}
}

func testEntries(lo, hi, term uint64) []raftpb.Entry {
	var entries []raftpb.Entry
	for i := lo; i <= hi; i++ {
		entries = append(entries, raftpb.Entry{
			Index: i,
			Term:  term,
			Type:  raftpb.EntryNormal,
			Data:  []byte{byte(i)},
		})
	}
	return entries
}

func TestEmptyGroupStorage(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)

	first, err := gs.FirstIndex()
	require.NoError(t, err)
	require.EqualValues(t, 1, first)
	last, err := gs.LastIndex()
	require.NoError(t, err)
	require.Zero(t, last)

	snap, err := gs.Snapshot()
	require.NoError(t, err)
	require.True(t, raft.IsEmptySnap(snap))

	hs, cs, err := gs.InitialState()
	require.NoError(t, err)
	require.True(t, raft.IsEmptyHardState(hs))
	require.Empty(t, cs.Voters)
}

func TestGroupStorageSharesHandles(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	a, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	b, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestHasGroup(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.HasGroup(1)
	require.NoError(t, err)
	require.False(t, ok)

	// Handing out a handle creates no state.
	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	ok, err = s.HasGroup(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, gs.SetHardState(raftpb.HardState{Term: 1, Commit: 1}))
	ok, err = s.HasGroup(1)
	require.NoError(t, err)
	require.True(t, ok)

	// State is keyed per group.
	ok, err = s.HasGroup(2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotAndEntries(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	require.NoError(t, gs.ApplySnapshot(testSnapshot(5, 2)))
	require.NoError(t, gs.SetHardState(raftpb.HardState{Term: 2, Vote: 1, Commit: 5}))
	require.NoError(t, gs.Append(testEntries(6, 8, 2)))

	first, err := gs.FirstIndex()
	require.NoError(t, err)
	require.EqualValues(t, 6, first)
	last, err := gs.LastIndex()
	require.NoError(t, err)
	require.EqualValues(t, 8, last)

	entries, err := gs.Entries(6, 9, 1<<20)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.EqualValues(t, 6, entries[0].Index)
	require.EqualValues(t, 8, entries[2].Index)

	_, err = gs.Entries(5, 9, 1<<20)
	require.ErrorIs(t, err, raft.ErrCompacted)
	_, err = gs.Entries(7, 10, 1<<20)
	require.ErrorIs(t, err, raft.ErrUnavailable)

	// maxSize always admits the first entry, then cuts off.
	entries, err = gs.Entries(6, 9, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	term, err := gs.Term(5)
	require.NoError(t, err)
	require.EqualValues(t, 2, term)
	_, err = gs.Term(4)
	require.ErrorIs(t, err, raft.ErrCompacted)
	_, err = gs.Term(9)
	require.ErrorIs(t, err, raft.ErrUnavailable)

	// A stale snapshot must not regress the log.
	require.ErrorIs(t, gs.ApplySnapshot(testSnapshot(3, 1)), raft.ErrSnapOutOfDate)
}

func TestAppendTruncatesConflictingSuffix(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	require.NoError(t, gs.ApplySnapshot(testSnapshot(1, 1)))
	require.NoError(t, gs.Append(testEntries(2, 6, 1)))

	// A new term overwrites index 4; 5 and 6 belong to an abandoned term
	// and must disappear.
	require.NoError(t, gs.Append(testEntries(4, 4, 2)))
	last, err := gs.LastIndex()
	require.NoError(t, err)
	require.EqualValues(t, 4, last)

	term, err := gs.Term(4)
	require.NoError(t, err)
	require.EqualValues(t, 2, term)
	_, err = gs.Entries(2, 7, 1<<20)
	require.ErrorIs(t, err, raft.ErrUnavailable)
}

func TestAppendRejectsGap(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	require.NoError(t, gs.ApplySnapshot(testSnapshot(1, 1)))
	require.NoError(t, gs.Append(testEntries(2, 3, 1)))
	require.Error(t, gs.Append(testEntries(7, 8, 1)))
}

func TestCompact(t *testing.T) {
	s, err := Open("", vfs.NewMem(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	require.NoError(t, gs.ApplySnapshot(testSnapshot(1, 1)))
	require.NoError(t, gs.Append(testEntries(2, 10, 1)))

	g := gs.(*groupStorage)
	require.NoError(t, g.Compact(6))
	first, err := gs.FirstIndex()
	require.NoError(t, err)
	require.EqualValues(t, 7, first)
	_, err = gs.Entries(6, 8, 1<<20)
	require.ErrorIs(t, err, raft.ErrCompacted)
	term, err := gs.Term(6)
	require.NoError(t, err)
	require.EqualValues(t, 1, term)

	require.ErrorIs(t, g.Compact(6), raft.ErrCompacted)
	require.Error(t, g.Compact(99))
}

func TestReopenRestoresState(t *testing.T) {
	fs := vfs.NewMem()
	s, err := Open("", fs, zaptest.NewLogger(t))
	require.NoError(t, err)

	gs, err := s.GroupStorage(1, 1)
	require.NoError(t, err)
	require.NoError(t, gs.ApplySnapshot(testSnapshot(5, 2)))
	require.NoError(t, gs.SetHardState(raftpb.HardState{Term: 3, Vote: 2, Commit: 7}))
	require.NoError(t, gs.Append(testEntries(6, 9, 3)))
	require.NoError(t, s.Close())

	s, err = Open("", fs, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	gs, err = s.GroupStorage(1, 1)
	require.NoError(t, err)

	hs, cs, err := gs.InitialState()
	require.NoError(t, err)
	require.EqualValues(t, 3, hs.Term)
	require.EqualValues(t, 2, hs.Vote)
	require.EqualValues(t, 7, hs.Commit)
	require.Equal(t, []uint64{1, 2, 3}, cs.Voters)

	first, err := gs.FirstIndex()
	require.NoError(t, err)
	require.EqualValues(t, 6, first)
	last, err := gs.LastIndex()
	require.NoError(t, err)
	require.EqualValues(t, 9, last)

	entries, err := gs.Entries(6, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, entries, 4)
}
