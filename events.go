// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/google/uuid"
	"go.etcd.io/raft/v3/raftpb"
)

// An EventLeaderElection is broadcast when a group's committed term advances
// under a known leader.
type EventLeaderElection struct {
	GroupID   multiraftpb.GroupID
	ReplicaID multiraftpb.ReplicaID
	Term      uint64
}

// An EventCommandCommitted is broadcast whenever a command has been
// committed.
type EventCommandCommitted struct {
	GroupID multiraftpb.GroupID
	// CommandID is the application-supplied ID for this command. The same
	// CommandID may be seen multiple times, so the application should
	// remember it for deduping.
	CommandID string
	// Index is the raft log index for this event. The application should
	// persist the Index of the last applied command atomically with any
	// effects of that command.
	Index   uint64
	Command []byte
}

// An EventMembershipChangeCommitted is broadcast whenever a membership
// change has been committed. The change has already been applied to the
// group's raft instance; the application updates its own view (typically by
// upserting a new descriptor into the ReplicaDirectory).
type EventMembershipChangeCommitted struct {
	GroupID    multiraftpb.GroupID
	CommandID  string
	Index      uint64
	Replica    multiraftpb.ReplicaDescriptor
	ChangeType raftpb.ConfChangeType
	Payload    []byte
}

// Commands are encoded with a 1-byte version (currently 0), a 16-byte ID,
// followed by the payload. This inflexible encoding is used so the command
// ID can be parsed cheaply while processing the log.
const (
	commandIDLen                = 16
	commandEncodingVersion byte = 0
)

// MakeCommandID returns a fresh 16-byte command ID.
func MakeCommandID() string {
	id := uuid.New()
	return string(id[:])
}

func encodeCommand(commandID string, command []byte) ([]byte, error) {
	if len(commandID) != commandIDLen {
		return nil, errors.Newf("invalid command ID length; %d != %d", len(commandID), commandIDLen)
	}
	x := make([]byte, 1, 1+commandIDLen+len(command))
	x[0] = commandEncodingVersion
	x = append(x, []byte(commandID)...)
	x = append(x, command...)
	return x, nil
}

func decodeCommand(data []byte) (commandID string, command []byte, _ error) {
	if len(data) < 1+commandIDLen {
		return "", nil, errors.Newf("command too short: %d bytes", len(data))
	}
	if data[0] != commandEncodingVersion {
		return "", nil, errors.Newf("unknown command encoding version %d", data[0])
	}
	return string(data[1 : 1+commandIDLen]), data[1+commandIDLen:], nil
}

// confChangeContext rides along in raftpb.ConfChange.Context: the command ID
// for proposal tracking, an opaque application payload, and the descriptor
// of the replica being added or removed. Encoded in the same rigid style as
// commands: version byte, 16-byte command ID, two uint64 replica fields, a
// 4-byte payload length, payload.
type confChangeContext struct {
	commandID string
	payload   []byte
	replica   multiraftpb.ReplicaDescriptor
}

func encodeConfChangeContext(c confChangeContext) ([]byte, error) {
	if len(c.commandID) != commandIDLen {
		return nil, errors.Newf("invalid command ID length; %d != %d", len(c.commandID), commandIDLen)
	}
	x := make([]byte, 0, 1+commandIDLen+8+8+4+len(c.payload))
	x = append(x, commandEncodingVersion)
	x = append(x, []byte(c.commandID)...)
	x = binary.BigEndian.AppendUint64(x, uint64(c.replica.NodeID))
	x = binary.BigEndian.AppendUint64(x, uint64(c.replica.ReplicaID))
	x = binary.BigEndian.AppendUint32(x, uint32(len(c.payload)))
	x = append(x, c.payload...)
	return x, nil
}

func decodeConfChangeContext(data []byte) (confChangeContext, error) {
	var c confChangeContext
	const header = 1 + commandIDLen + 8 + 8 + 4
	if len(data) < header {
		return c, errors.Newf("conf change context too short: %d bytes", len(data))
	}
	if data[0] != commandEncodingVersion {
		return c, errors.Newf("unknown conf change context version %d", data[0])
	}
	c.commandID = string(data[1 : 1+commandIDLen])
	c.replica.NodeID = multiraftpb.NodeID(binary.BigEndian.Uint64(data[1+commandIDLen:]))
	c.replica.ReplicaID = multiraftpb.ReplicaID(binary.BigEndian.Uint64(data[1+commandIDLen+8:]))
	n := binary.BigEndian.Uint32(data[1+commandIDLen+16:])
	rest := data[header:]
	if uint32(len(rest)) != n {
		return c, errors.Newf("conf change context payload length mismatch: %d != %d", len(rest), n)
	}
	if n > 0 {
		c.payload = rest
	}
	return c, nil
}
