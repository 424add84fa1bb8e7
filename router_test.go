// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"
)

// recordingTransport captures outbound envelopes instead of sending them.
type recordingTransport struct {
	sendErr error
	mu      struct {
		syncutil.Mutex
		sent []*multiraftpb.RaftMessageRequest
	}
}

func (rt *recordingTransport) Listen(multiraftpb.NodeID, MessageHandler) error { return nil }
func (rt *recordingTransport) Stop(multiraftpb.NodeID)                         {}

func (rt *recordingTransport) Send(req *multiraftpb.RaftMessageRequest) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sendErr != nil {
		return rt.sendErr
	}
	rt.mu.sent = append(rt.mu.sent, req)
	return nil
}

func (rt *recordingTransport) sent() []*multiraftpb.RaftMessageRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*multiraftpb.RaftMessageRequest(nil), rt.mu.sent...)
}

type routerEnv struct {
	table     *GroupTable
	directory *ReplicaDirectory
	transport *recordingTransport
	router    *MessageRouter
	scheduled []multiraftpb.GroupID
}

func newRouterEnv(t *testing.T) *routerEnv {
	env := &routerEnv{
		table:     testTable(t),
		directory: NewReplicaDirectory(),
		transport: &recordingTransport{},
	}
	env.router = NewMessageRouter(
		1, env.table, env.directory, env.transport, NewMetrics(nil),
		zaptest.NewLogger(t),
		func(id multiraftpb.GroupID) { env.scheduled = append(env.scheduled, id) })
	return env
}

func TestRouteInboundMisdirected(t *testing.T) {
	env := newRouterEnv(t)
	req := testMessage(1, 9)
	require.ErrorIs(t, env.router.RouteInbound(&req), ErrMisdirected)
}

func TestRouteInboundUnknownGroupNeverCreates(t *testing.T) {
	env := newRouterEnv(t)
	req := testMessage(1, 1)
	require.ErrorIs(t, env.router.RouteInbound(&req), ErrUnknownGroup)
	require.Zero(t, env.table.Len())
}

func TestRouteInboundPreservesOrder(t *testing.T) {
	env := newRouterEnv(t)
	desc := testDescriptor(1)
	g, err := env.table.Create(&desc, 10)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		req := testMessage(1, 1)
		req.Message.Index = i
		require.NoError(t, env.router.RouteInbound(&req))
	}
	require.Equal(t, []multiraftpb.GroupID{1, 1, 1}, env.scheduled)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.mu.queue, 3)
	for i := uint64(1); i <= 3; i++ {
		require.Equal(t, i, g.mu.queue[i-1].Message.Index)
	}
}

func TestRouteInboundQueueFull(t *testing.T) {
	env := newRouterEnv(t)
	desc := testDescriptor(1)
	_, err := env.table.Create(&desc, 1)
	require.NoError(t, err)

	req := testMessage(1, 1)
	require.NoError(t, env.router.RouteInbound(&req))
	require.ErrorIs(t, env.router.RouteInbound(&req), ErrQueueFull)
	require.Len(t, env.scheduled, 1)
}

func TestRouteInboundRemovingGroup(t *testing.T) {
	env := newRouterEnv(t)
	desc := testDescriptor(1)
	_, err := env.table.Create(&desc, 10)
	require.NoError(t, err)
	_, err = env.table.BeginRemove(1)
	require.NoError(t, err)

	req := testMessage(1, 1)
	require.ErrorIs(t, env.router.RouteInbound(&req), ErrUnknownGroup)
}

func TestRouteOutbound(t *testing.T) {
	env := newRouterEnv(t)
	desc := testDescriptor(1)
	g, err := env.table.Create(&desc, 10)
	require.NoError(t, err)
	require.NoError(t, env.directory.Upsert(desc))

	env.router.RouteOutbound(g, raftpb.Message{Type: raftpb.MsgApp, To: 2, From: 1})
	sent := env.transport.sent()
	require.Len(t, sent, 1)
	require.EqualValues(t, 1, sent[0].GroupID)
	require.EqualValues(t, 1, sent[0].FromNode)
	require.EqualValues(t, 2, sent[0].ToNode)
	require.Equal(t, raftpb.MsgApp, sent[0].Message.Type)
}

func TestRouteOutboundStaleRouteDrops(t *testing.T) {
	env := newRouterEnv(t)
	desc := testDescriptor(1)
	g, err := env.table.Create(&desc, 10)
	require.NoError(t, err)
	require.NoError(t, env.directory.Upsert(desc))

	// Replica 9 is not in the descriptor; the message is dropped.
	env.router.RouteOutbound(g, raftpb.Message{Type: raftpb.MsgApp, To: 9, From: 1})
	require.Empty(t, env.transport.sent())
}

func TestRouteOutboundSendError(t *testing.T) {
	env := newRouterEnv(t)
	env.transport.sendErr = errors.New("connection refused")
	desc := testDescriptor(1)
	g, err := env.table.Create(&desc, 10)
	require.NoError(t, err)
	require.NoError(t, env.directory.Upsert(desc))

	// Send failure feeds peer-health reporting; with no raft instance
	// attached yet that is a no-op, and nothing panics.
	env.router.RouteOutbound(g, raftpb.Message{Type: raftpb.MsgSnap, To: 2, From: 1})
	require.Empty(t, env.transport.sent())
}
