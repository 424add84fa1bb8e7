// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"context"
	"testing"

	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"
)

func testGroup(t *testing.T, maxQueue int) *group {
	return newGroup(1, 1, 1, maxQueue, zaptest.NewLogger(t))
}

func testMessage(groupID multiraftpb.GroupID, toNode multiraftpb.NodeID) multiraftpb.RaftMessageRequest {
	return multiraftpb.RaftMessageRequest{
		GroupID:  groupID,
		FromNode: 2,
		ToNode:   toNode,
		Message:  raftpb.Message{Type: raftpb.MsgHeartbeat, To: 1, From: 2, Term: 1},
	}
}

// attachBootstrappedRaft gives the group a real raft instance over freshly
// bootstrapped in-memory storage.
func attachBootstrappedRaft(t *testing.T, g *group) {
	storage := NewMemoryStorage()
	gs, err := storage.GroupStorage(g.groupID, g.replicaID)
	require.NoError(t, err)
	require.NoError(t, bootstrapGroupStorage(gs, []multiraftpb.ReplicaDescriptor{
		{NodeID: 1, ReplicaID: 1},
		{NodeID: 2, ReplicaID: 2},
	}))
	rn, err := raft.NewRawNode(&raft.Config{
		ID:              uint64(g.replicaID),
		Applied:         1,
		ElectionTick:    5,
		HeartbeatTick:   1,
		Storage:         gs,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	})
	require.NoError(t, err)
	g.attachRaft(rn, gs)
}

func TestGroupQueueBound(t *testing.T) {
	g := testGroup(t, 2)
	require.NoError(t, g.enqueue(testMessage(1, 1)))
	require.NoError(t, g.enqueue(testMessage(1, 1)))
	require.ErrorIs(t, g.enqueue(testMessage(1, 1)), ErrQueueFull)
}

func TestGroupRejectsMisaddressedMessages(t *testing.T) {
	g := testGroup(t, 10)
	require.ErrorIs(t, g.enqueue(testMessage(1, 9)), ErrRejected)
	require.ErrorIs(t, g.enqueue(testMessage(9, 1)), ErrRejected)
	g.mu.Lock()
	defer g.mu.Unlock()
	require.EqualValues(t, 2, g.mu.misrouted)
	require.Empty(t, g.mu.queue)
}

func TestGroupRejectsMessagesWhileRemoving(t *testing.T) {
	g := testGroup(t, 10)
	require.NoError(t, g.setStageLocked(stageInitializing, stageRemoving))
	require.ErrorIs(t, g.enqueue(testMessage(1, 1)), ErrRejected)
}

func TestGroupStageTransitions(t *testing.T) {
	g := testGroup(t, 10)
	require.Equal(t, stageInitializing, g.getStage())
	require.NoError(t, g.setStageLocked(stageInitializing, stageActive))
	require.NoError(t, g.setStageLocked(stageActive, stageRemoving))

	// A transition from the wrong source stage is an invariant violation.
	require.Error(t, g.setStageLocked(stageActive, stageRemoving))
}

func TestGroupDrainWhileInitializingKeepsQueue(t *testing.T) {
	g := testGroup(t, 10)
	require.NoError(t, g.enqueue(testMessage(1, 1)))

	res, err := g.drainAndStep(context.Background())
	require.NoError(t, err)
	require.False(t, res.drained)
	require.Empty(t, res.messages)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.mu.queue, 1)
}

func TestGroupTeardownDiscardsQueueAndProposals(t *testing.T) {
	g := testGroup(t, 10)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.enqueue(testMessage(1, 1)))
	}
	ch := make(chan error, 1)
	g.propose(&proposal{groupID: 1, commandID: MakeCommandID(), ch: ch})

	require.NoError(t, g.setStageLocked(stageInitializing, stageRemoving))
	g.beginTeardown()
	require.ErrorIs(t, <-ch, ErrGroupDeleted)

	// A group torn down before its raft instance was attached drains
	// trivially.
	res, err := g.drainAndStep(context.Background())
	require.NoError(t, err)
	require.True(t, res.drained)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Empty(t, g.mu.queue)
}

func TestGroupProposeAfterTeardownFails(t *testing.T) {
	g := testGroup(t, 10)
	require.NoError(t, g.setStageLocked(stageInitializing, stageRemoving))
	ch := make(chan error, 1)
	g.propose(&proposal{groupID: 1, commandID: MakeCommandID(), ch: ch})
	require.ErrorIs(t, <-ch, ErrGroupDeleted)
}

func TestGroupDrainStepsBufferedMessages(t *testing.T) {
	g := testGroup(t, 10)
	require.NoError(t, g.enqueue(multiraftpb.RaftMessageRequest{
		GroupID:  1,
		FromNode: 2,
		ToNode:   1,
		Message:  raftpb.Message{Type: raftpb.MsgVote, To: 1, From: 2, Term: 5},
	}))
	attachBootstrappedRaft(t, g)
	require.NoError(t, g.setStageLocked(stageInitializing, stageActive))

	res, err := g.drainAndStep(context.Background())
	require.NoError(t, err)

	// The buffered vote was stepped: the term advanced and a response is
	// headed back to the candidate.
	require.EqualValues(t, 5, g.status().Term)
	var found bool
	for _, msg := range res.messages {
		if msg.Type == raftpb.MsgVoteResp && msg.To == 2 {
			found = true
		}
	}
	require.True(t, found, "expected a vote response in %v", res.messages)
}

func TestGroupFinishRemovalFailsPending(t *testing.T) {
	g := testGroup(t, 10)
	ch := make(chan error, 1)
	p := &proposal{groupID: 1, commandID: MakeCommandID(), ch: ch}
	g.pending[p.commandID] = p

	g.finishRemoval()
	require.ErrorIs(t, <-ch, ErrGroupDeleted)
	select {
	case <-g.removed:
	default:
		t.Fatal("removed channel not closed")
	}
}

func TestGroupFinishProposalSignalsOnce(t *testing.T) {
	g := testGroup(t, 10)
	ch := make(chan error, 2)
	p := &proposal{groupID: 1, commandID: MakeCommandID(), ch: ch}
	g.pending[p.commandID] = p

	g.finishProposal(p, nil)
	g.finishProposal(p, nil)
	require.NoError(t, <-ch)
	select {
	case err := <-ch:
		t.Fatalf("proposal signaled twice: %v", err)
	default:
	}
}
