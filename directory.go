// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/syncutil"
)

// ReplicaDirectory is the in-memory registry of group descriptors: which
// replicas each group has and on which nodes they live. Descriptors are
// immutable once stored; Upsert installs a complete replacement descriptor
// so that concurrent readers observe either the old version or the new one,
// never a torn mix.
type ReplicaDirectory struct {
	mu struct {
		syncutil.RWMutex
		descriptors map[multiraftpb.GroupID]*multiraftpb.GroupDescriptor
	}
}

// NewReplicaDirectory returns an empty directory.
func NewReplicaDirectory() *ReplicaDirectory {
	d := &ReplicaDirectory{}
	d.mu.descriptors = make(map[multiraftpb.GroupID]*multiraftpb.GroupDescriptor)
	return d
}

// Lookup returns the current descriptor for the group. The returned
// descriptor must not be mutated.
func (d *ReplicaDirectory) Lookup(
	groupID multiraftpb.GroupID,
) (*multiraftpb.GroupDescriptor, bool) {
	d.mu.RLock()
	desc, ok := d.mu.descriptors[groupID]
	d.mu.RUnlock()
	return desc, ok
}

// Upsert atomically replaces the descriptor for desc.GroupID. The caller
// supplies the full new descriptor; partial field updates are not possible
// by construction. The descriptor is validated before installation.
func (d *ReplicaDirectory) Upsert(desc multiraftpb.GroupDescriptor) error {
	if err := desc.Validate(); err != nil {
		return errors.Mark(err, ErrInvalidDescriptor)
	}
	// Install a private copy; callers may reuse their argument.
	stored := desc
	stored.Nodes = append([]multiraftpb.NodeID(nil), desc.Nodes...)
	stored.Replicas = append([]multiraftpb.ReplicaDescriptor(nil), desc.Replicas...)
	d.mu.Lock()
	d.mu.descriptors[desc.GroupID] = &stored
	d.mu.Unlock()
	return nil
}

// Remove deletes the descriptor for the group. Subsequent lookups report
// not-found. Removing an absent group is a no-op.
func (d *ReplicaDirectory) Remove(groupID multiraftpb.GroupID) {
	d.mu.Lock()
	delete(d.mu.descriptors, groupID)
	d.mu.Unlock()
}

// ResolveNode maps a (group, replica) pair to the node hosting that replica.
// Routing uses it both to find the destination of outbound messages and to
// confirm that a peer is a legitimate member of the group.
func (d *ReplicaDirectory) ResolveNode(
	groupID multiraftpb.GroupID, replicaID multiraftpb.ReplicaID,
) (multiraftpb.NodeID, bool) {
	desc, ok := d.Lookup(groupID)
	if !ok {
		return 0, false
	}
	rep, ok := desc.ReplicaDescriptorByID(replicaID)
	if !ok {
		return 0, false
	}
	return rep.NodeID, true
}
