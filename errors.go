// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import "github.com/cockroachdb/errors"

// Routing errors. These are expected, non-fatal and transient: the message
// in question is dropped and counted, and recovery is left to the raft
// protocol's own retransmission or to lifecycle convergence.
var (
	// ErrMisdirected is returned for an inbound message whose destination
	// node is not this node.
	ErrMisdirected = errors.New("message addressed to a different node")

	// ErrUnknownGroup is returned for an inbound message whose group has no
	// resident replica on this node. Routing a message for an unknown group
	// never creates one; this commonly happens when a removal raced ahead of
	// message delivery or a stale peer still believes a replica lives here.
	ErrUnknownGroup = errors.New("unknown raft group")

	// ErrStaleRoute is reported when an outbound message's destination
	// replica cannot be resolved to a node from the current descriptor.
	ErrStaleRoute = errors.New("stale route: destination replica not in descriptor")

	// ErrQueueFull is returned when a group's inbound queue is at capacity.
	ErrQueueFull = errors.New("raft group inbound queue is full")

	// ErrRejected is returned for messages arriving while the group's
	// runtime is tearing down.
	ErrRejected = errors.New("raft group is not accepting messages")
)

// Lifecycle errors. These are definitive failures surfaced to the issuer of
// a group management command.
var (
	// ErrGroupExists is returned by a create for a group that already has a
	// runtime on this node, in any non-absent stage.
	ErrGroupExists = errors.New("raft group already exists")

	// ErrAlreadyBootstrapped is returned by InitialGroup when the group
	// already has in-memory or on-disk state.
	ErrAlreadyBootstrapped = errors.New("raft group already bootstrapped")

	// ErrGroupNotFound is returned by operations requiring a resident group.
	ErrGroupNotFound = errors.New("raft group not found")

	// ErrAlreadyRemoving is returned by BeginRemove for a group whose
	// removal is already in progress.
	ErrAlreadyRemoving = errors.New("raft group removal already in progress")

	// ErrInvalidDescriptor is returned when a group descriptor fails
	// validation, including the case of a create whose descriptor does not
	// list the local node.
	ErrInvalidDescriptor = errors.New("invalid group descriptor")
)

// ErrGroupDeleted is returned for commands which were pending when their
// group was deleted.
var ErrGroupDeleted = errors.New("raft group deleted")

// ErrStopped is returned for commands that could not be completed before the
// node was stopped.
var ErrStopped = errors.New("raft processing stopped")

// IsRoutingErr returns true for the expected, drop-and-count class of
// errors. Callers use it to decide between logging at low verbosity and
// escalating.
func IsRoutingErr(err error) bool {
	return errors.Is(err, ErrMisdirected) ||
		errors.Is(err, ErrUnknownGroup) ||
		errors.Is(err, ErrStaleRoute) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrRejected)
}
