// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"go.uber.org/zap"
)

// GroupTable owns every group runtime resident on this node. The table's
// mutex guards both the map and each entry's lifecycle stage transition, so
// no two observers can disagree about whether a group exists and what stage
// it is in. This closes the race between a remove in progress and an
// in-flight inbound message trying to resurrect the same group ID: the
// remove transition and the lookup serialize on one lock.
//
// Per-group raft processing does not go through the table lock; runtimes
// drain independently under their own locks.
type GroupTable struct {
	nodeID  multiraftpb.NodeID
	log     *zap.Logger
	metrics *Metrics

	mu struct {
		syncutil.Mutex
		groups map[multiraftpb.GroupID]*group
	}
}

// NewGroupTable returns an empty table for the given local node.
func NewGroupTable(nodeID multiraftpb.NodeID, log *zap.Logger, metrics *Metrics) *GroupTable {
	t := &GroupTable{
		nodeID:  nodeID,
		log:     log,
		metrics: metrics,
	}
	t.mu.groups = make(map[multiraftpb.GroupID]*group)
	return t
}

// GetActive returns the group's runtime for routing purposes. Groups whose
// removal has begun report not-found immediately, even though teardown is
// still in progress; new traffic must not reach them.
func (t *GroupTable) GetActive(groupID multiraftpb.GroupID) (*group, bool) {
	t.mu.Lock()
	g, ok := t.mu.groups[groupID]
	t.mu.Unlock()
	if !ok || g.getStage() == stageRemoving {
		return nil, false
	}
	return g, true
}

// getAny returns the runtime in any stage, including removing. Lifecycle
// code uses it; routing must use GetActive.
func (t *GroupTable) getAny(groupID multiraftpb.GroupID) (*group, bool) {
	t.mu.Lock()
	g, ok := t.mu.groups[groupID]
	t.mu.Unlock()
	return g, ok
}

// Create inserts a new runtime in the initializing stage. It fails with
// ErrGroupExists if an entry exists in any stage, and with
// ErrInvalidDescriptor if the descriptor does not place a replica of the
// group on this node. The insertion is atomic: a second concurrent create
// for the same ID fails rather than silently proceeding.
func (t *GroupTable) Create(
	desc *multiraftpb.GroupDescriptor, maxQueue int,
) (*group, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Mark(err, ErrInvalidDescriptor)
	}
	rep, ok := desc.ReplicaDescriptorByNode(t.nodeID)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidDescriptor,
			"descriptor for group %s has no replica on %s", desc.GroupID, t.nodeID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mu.groups[desc.GroupID]; ok {
		return nil, errors.Wrapf(ErrGroupExists, "group %s", desc.GroupID)
	}
	g := newGroup(desc.GroupID, rep.ReplicaID, t.nodeID, maxQueue, t.log)
	t.mu.groups[desc.GroupID] = g
	t.metrics.GroupsCreate.Inc()
	t.metrics.GroupsActive.Inc()
	return g, nil
}

// BeginRemove transitions a group to the removing stage. Routing lookups
// report not-found from this point on. Returns the runtime so the caller
// can wait for it to drain.
func (t *GroupTable) BeginRemove(groupID multiraftpb.GroupID) (*group, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.mu.groups[groupID]
	if !ok {
		return nil, errors.Wrapf(ErrGroupNotFound, "group %s", groupID)
	}
	switch s := g.getStage(); s {
	case stageRemoving:
		return g, errors.Wrapf(ErrAlreadyRemoving, "group %s", groupID)
	case stageInitializing, stageActive:
		if err := g.setStageLocked(s, stageRemoving); err != nil {
			return g, err
		}
	}
	return g, nil
}

// FinalizeRemove deletes the entry of a drained, removing group. The
// Removing -> Absent transition and the map deletion are one atomic step.
func (t *GroupTable) FinalizeRemove(groupID multiraftpb.GroupID) error {
	t.mu.Lock()
	g, ok := t.mu.groups[groupID]
	if ok && g.getStage() != stageRemoving {
		t.mu.Unlock()
		return errors.AssertionFailedf(
			"group %s: finalize of a group in stage %s", groupID, g.getStage())
	}
	delete(t.mu.groups, groupID)
	t.mu.Unlock()
	if ok {
		t.metrics.GroupsActive.Dec()
		t.metrics.GroupsRemove.Inc()
		g.finishRemoval()
	}
	return nil
}

// Activate promotes an initializing group to active. Promotion of a group
// that has since begun removing is a no-op; teardown wins.
func (t *GroupTable) Activate(groupID multiraftpb.GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.mu.groups[groupID]
	if !ok {
		return errors.Wrapf(ErrGroupNotFound, "group %s", groupID)
	}
	switch s := g.getStage(); s {
	case stageRemoving:
		return nil
	case stageInitializing:
		return g.setStageLocked(stageInitializing, stageActive)
	default:
		return errors.AssertionFailedf("group %s: activate in stage %s", groupID, s)
	}
}

// Len returns the number of resident runtimes, in any stage.
func (t *GroupTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.groups)
}

// forEach invokes f on a snapshot of the resident group IDs. Used for tick
// fanout; f runs without the table lock held.
func (t *GroupTable) forEach(f func(multiraftpb.GroupID)) {
	t.mu.Lock()
	ids := make([]multiraftpb.GroupID, 0, len(t.mu.groups))
	for id := range t.mu.groups {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		f(id)
	}
}
