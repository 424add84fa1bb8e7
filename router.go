// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// MessageRouter demultiplexes inbound raft message envelopes to the resident
// group runtime and multiplexes outbound messages to the transport keyed by
// destination node. Routing failures are the expected, drop-and-count kind:
// membership is always in motion somewhere, and the raft protocol's own
// retransmission makes delivery best-effort by design.
//
// Routing never holds a lock across the transport: lookups are fast
// in-memory operations that complete before the message is handed off.
type MessageRouter struct {
	nodeID    multiraftpb.NodeID
	table     *GroupTable
	directory *ReplicaDirectory
	transport Transport
	metrics   *Metrics
	log       *zap.Logger

	// onInbound is invoked after a successful enqueue to schedule the
	// group for processing.
	onInbound func(multiraftpb.GroupID)
}

// NewMessageRouter wires a router over the given table, directory and
// transport.
func NewMessageRouter(
	nodeID multiraftpb.NodeID,
	table *GroupTable,
	directory *ReplicaDirectory,
	transport Transport,
	metrics *Metrics,
	log *zap.Logger,
	onInbound func(multiraftpb.GroupID),
) *MessageRouter {
	return &MessageRouter{
		nodeID:    nodeID,
		table:     table,
		directory: directory,
		transport: transport,
		metrics:   metrics,
		log:       log,
		onInbound: onInbound,
	}
}

// RouteInbound delivers one inbound envelope to its group's runtime,
// preserving per-group arrival order. It never creates a group: an envelope
// for an unknown group fails with ErrUnknownGroup, which is the normal
// outcome when a removal raced ahead of delivery or a stale peer still
// believes a replica lives here.
func (r *MessageRouter) RouteInbound(req *multiraftpb.RaftMessageRequest) error {
	if req.ToNode != r.nodeID {
		r.metrics.InboundMisdirect.Inc()
		return errors.Wrapf(ErrMisdirected, "message for %s arrived on %s", req.ToNode, r.nodeID)
	}
	g, ok := r.table.GetActive(req.GroupID)
	if !ok {
		r.metrics.InboundUnknown.Inc()
		return errors.Wrapf(ErrUnknownGroup, "group %s", req.GroupID)
	}
	if err := g.enqueue(*req); err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			r.metrics.InboundQueueFull.Inc()
		default:
			r.metrics.InboundRejected.Inc()
		}
		return err
	}
	r.metrics.InboundRouted.Inc()
	r.onInbound(req.GroupID)
	return nil
}

// RouteOutbound resolves the destination of one raft message produced by
// the given group and hands it to the transport. The message's To field is
// a replica ID; the directory maps it to a node. Unresolvable destinations
// (a stale or superseded descriptor) drop the message and surface a
// StaleRoute signal via metrics; consensus does not depend on delivery.
func (r *MessageRouter) RouteOutbound(g *group, msg raftpb.Message) {
	toReplica := multiraftpb.ReplicaID(msg.To)
	nodeID, ok := r.directory.ResolveNode(g.groupID, toReplica)
	if !ok {
		r.metrics.OutboundStaleRoute.Inc()
		r.log.Debug("dropping message for unresolvable replica",
			zap.Stringer("group", g.groupID), zap.Stringer("replica", toReplica))
		if msg.Type == raftpb.MsgSnap {
			g.reportSnapshotStatus(toReplica, raft.SnapshotFailure)
		}
		return
	}
	err := r.transport.Send(&multiraftpb.RaftMessageRequest{
		GroupID:  g.groupID,
		FromNode: r.nodeID,
		ToNode:   nodeID,
		Message:  msg,
	})
	snapStatus := raft.SnapshotFinish
	if err != nil {
		r.metrics.OutboundSendErr.Inc()
		r.log.Warn("failed to send message",
			zap.Stringer("group", g.groupID), zap.Stringer("node", nodeID), zap.Error(err))
		g.reportUnreachable(toReplica)
		snapStatus = raft.SnapshotFailure
	} else {
		r.metrics.OutboundSent.Inc()
	}
	if msg.Type == raftpb.MsgSnap {
		g.reportSnapshotStatus(toReplica, snapStatus)
	}
}
