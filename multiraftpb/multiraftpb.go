// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package multiraftpb contains the wire-level types exchanged between nodes
// hosting multi-group raft replicas: message envelopes, group descriptors and
// group lifecycle commands. Serialization of these envelopes is owned by the
// transport; the raft payload itself is an opaque raftpb.Message.
package multiraftpb

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"go.etcd.io/raft/v3/raftpb"
)

var (
	_ redact.SafeValue = GroupID(0)
	_ redact.SafeValue = NodeID(0)
	_ redact.SafeValue = ReplicaID(0)
	_ redact.SafeValue = GroupManagementType(0)
)

// GroupID is a unique ID associated with a consensus group. Each group
// replicates one partition of the keyspace and is identified by the same
// GroupID on every node holding one of its replicas.
type GroupID uint64

// String implements the fmt.Stringer interface.
func (g GroupID) String() string {
	return fmt.Sprintf("g%d", uint64(g))
}

// SafeValue implements the redact.SafeValue interface.
func (g GroupID) SafeValue() {}

// NodeID is a custom type for a cluster node ID.
type NodeID uint64

// String implements the fmt.Stringer interface.
func (n NodeID) String() string {
	return fmt.Sprintf("n%d", uint64(n))
}

// SafeValue implements the redact.SafeValue interface.
func (n NodeID) SafeValue() {}

// ReplicaID is a custom type for a replica ID. Replica IDs are unique within
// a group and are never reused, even when a replica moves back to a node that
// previously held one.
type ReplicaID uint64

// String implements the fmt.Stringer interface.
func (r ReplicaID) String() string {
	return fmt.Sprintf("r%d", uint64(r))
}

// SafeValue implements the redact.SafeValue interface.
func (r ReplicaID) SafeValue() {}

// ReplicaDescriptor identifies one physical replica of a group on one node.
// Descriptors are immutable once created; membership changes supersede them
// with new descriptors rather than mutating in place.
type ReplicaDescriptor struct {
	NodeID    NodeID
	ReplicaID ReplicaID
}

// String implements the fmt.Stringer interface.
func (r ReplicaDescriptor) String() string {
	return fmt.Sprintf("(%s,%s)", r.NodeID, r.ReplicaID)
}

// Validate performs a sanity check on the contents of the descriptor.
func (r ReplicaDescriptor) Validate() error {
	if r.NodeID == 0 {
		return errors.New("NodeID must not be zero")
	}
	if r.ReplicaID == 0 {
		return errors.New("ReplicaID must not be zero")
	}
	return nil
}

// GroupDescriptor is the authoritative record of a group's membership: which
// replicas exist and on which nodes they live. Nodes is derived from Replicas
// (one node per replica). A GroupDescriptor is replaced wholesale on
// membership change so that readers always observe a consistent snapshot.
type GroupDescriptor struct {
	GroupID  GroupID
	Nodes    []NodeID
	Replicas []ReplicaDescriptor
}

// Validate checks the internal consistency of the descriptor: a nonzero group
// ID, valid replicas, at most one replica per node, and Nodes matching the
// node set of Replicas.
func (d *GroupDescriptor) Validate() error {
	if d.GroupID == 0 {
		return errors.New("GroupID must not be zero")
	}
	if len(d.Replicas) == 0 {
		return errors.Newf("group %s must have at least one replica", d.GroupID)
	}
	seen := make(map[NodeID]struct{}, len(d.Replicas))
	for _, rep := range d.Replicas {
		if err := rep.Validate(); err != nil {
			return errors.Wrapf(err, "group %s", d.GroupID)
		}
		if _, ok := seen[rep.NodeID]; ok {
			// The schema does not forbid two replicas of a group on one
			// node, but this layer treats it as a descriptor error.
			return errors.Newf("group %s has multiple replicas on %s", d.GroupID, rep.NodeID)
		}
		seen[rep.NodeID] = struct{}{}
	}
	if len(d.Nodes) != len(d.Replicas) {
		return errors.Newf("group %s has %d nodes but %d replicas",
			d.GroupID, len(d.Nodes), len(d.Replicas))
	}
	for _, nodeID := range d.Nodes {
		if _, ok := seen[nodeID]; !ok {
			return errors.Newf("group %s lists %s but has no replica there", d.GroupID, nodeID)
		}
	}
	return nil
}

// ReplicaDescriptorByID returns the descriptor of the replica with the given
// ID, if it is part of the group.
func (d *GroupDescriptor) ReplicaDescriptorByID(replicaID ReplicaID) (ReplicaDescriptor, bool) {
	for _, rep := range d.Replicas {
		if rep.ReplicaID == replicaID {
			return rep, true
		}
	}
	return ReplicaDescriptor{}, false
}

// ReplicaDescriptorByNode returns the descriptor of the group's replica on
// the given node, if any.
func (d *GroupDescriptor) ReplicaDescriptorByNode(nodeID NodeID) (ReplicaDescriptor, bool) {
	for _, rep := range d.Replicas {
		if rep.NodeID == nodeID {
			return rep, true
		}
	}
	return ReplicaDescriptor{}, false
}

// ContainsNode returns true if the group has a replica on the given node.
func (d *GroupDescriptor) ContainsNode(nodeID NodeID) bool {
	_, ok := d.ReplicaDescriptorByNode(nodeID)
	return ok
}

// MakeGroupDescriptor builds a GroupDescriptor from a replica set, deriving
// the Nodes slice.
func MakeGroupDescriptor(groupID GroupID, replicas []ReplicaDescriptor) GroupDescriptor {
	nodes := make([]NodeID, 0, len(replicas))
	for _, rep := range replicas {
		nodes = append(nodes, rep.NodeID)
	}
	return GroupDescriptor{
		GroupID:  groupID,
		Nodes:    nodes,
		Replicas: replicas,
	}
}

// RaftMessageRequest is the envelope carrying one raft protocol message from
// a replica on FromNode to a replica on ToNode. The Message's To and From
// fields are replica IDs within the group.
type RaftMessageRequest struct {
	GroupID  GroupID
	FromNode NodeID
	ToNode   NodeID
	Message  raftpb.Message
}

// RaftMessageResponse is an empty acknowledgment. Raft uses a one-way
// messaging model; any reply travels as a separate message.
type RaftMessageResponse struct {
}

// GroupManagementType enumerates the group lifecycle commands.
type GroupManagementType int32

const (
	// InitialGroup bootstraps a group replica at cluster-formation time.
	// Valid exactly once per replica; fails if any state already exists.
	InitialGroup GroupManagementType = iota
	// CreateGroup adds this node as a new replica of an existing group.
	CreateGroup
	// RemoveGroup removes this node's replica from a group. Idempotent.
	RemoveGroup
)

// String implements the fmt.Stringer interface.
func (t GroupManagementType) String() string {
	switch t {
	case InitialGroup:
		return "InitialGroup"
	case CreateGroup:
		return "CreateGroup"
	case RemoveGroup:
		return "RemoveGroup"
	default:
		return fmt.Sprintf("GroupManagementType(%d)", int32(t))
	}
}

// SafeValue implements the redact.SafeValue interface.
func (t GroupManagementType) SafeValue() {}

// GroupManagementRequest is a group lifecycle command. Lifecycle commands are
// distributed control-plane messages and may be redelivered; handlers fold
// duplicates against current state instead of assuming exactly-once delivery.
type GroupManagementRequest struct {
	Type      GroupManagementType
	GroupID   GroupID
	ReplicaID ReplicaID
	Replicas  []ReplicaDescriptor
}

// Validate performs a sanity check on the contents of the request.
func (r *GroupManagementRequest) Validate() error {
	if r.GroupID == 0 {
		return errors.Newf("%s: GroupID must not be zero", r.Type)
	}
	switch r.Type {
	case InitialGroup, CreateGroup:
		if r.ReplicaID == 0 {
			return errors.Newf("%s: ReplicaID must not be zero", r.Type)
		}
		if len(r.Replicas) == 0 {
			return errors.Newf("%s: replica set must not be empty", r.Type)
		}
	case RemoveGroup:
		// ReplicaID zero means "whatever replica is resident".
	default:
		return errors.Newf("unknown group management type %d", int32(r.Type))
	}
	return nil
}
