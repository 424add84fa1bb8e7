// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// groupStage is the lifecycle stage of a resident group runtime. A group
// with no runtime at all is absent; absent groups reject all traffic.
type groupStage int32

const (
	// stageInitializing: descriptor accepted, raft instance under
	// construction. Inbound messages are buffered, not yet stepped.
	stageInitializing groupStage = iota
	// stageActive: fully operational.
	stageActive
	// stageRemoving: teardown requested. No new inbound messages are
	// accepted; remaining raft work is flushed, then the entry is deleted.
	stageRemoving
)

func (s groupStage) String() string {
	switch s {
	case stageInitializing:
		return "initializing"
	case stageActive:
		return "active"
	case stageRemoving:
		return "removing"
	default:
		return "unknown"
	}
}

// proposal tracks a command or membership change submitted locally, from
// proposal into raft until the corresponding entry commits (or the group is
// deleted underneath it).
type proposal struct {
	groupID   multiraftpb.GroupID
	commandID string
	fn        func(*raft.RawNode) error
	ch        chan<- error
}

// group is the node-local runtime for one consensus group: the opaque raft
// instance plus its inbound message queue and lifecycle stage. The raft
// instance is owned exclusively by the group; all interaction with it is
// mediated by drainAndStep under raftMu.
type group struct {
	groupID   multiraftpb.GroupID
	replicaID multiraftpb.ReplicaID
	nodeID    multiraftpb.NodeID
	log       *zap.Logger

	// stage is written only while the owning table's mutex is held, making
	// the stage transition and the table's map mutation a single atomic
	// step with respect to lookups. Reads are lock-free.
	stage atomic.Int32

	// removed is closed once the table entry has been deleted. Waiters on
	// an in-flight removal (including redelivered RemoveGroup commands)
	// share it.
	removed chan struct{}

	mu struct {
		syncutil.Mutex
		// queue holds inbound messages in arrival order.
		queue    []multiraftpb.RaftMessageRequest
		maxQueue int
		// proposals holds locally submitted proposals not yet fed to raft.
		proposals []*proposal
		// misrouted counts messages dropped for addressing mismatches.
		misrouted uint64
	}

	// raftMu serializes drainAndStep so each group has a single drainer at
	// a time; different groups drain concurrently. Fields below it are
	// protected by raftMu.
	raftMu        syncutil.Mutex
	rawNode       *raft.RawNode
	storage       GroupStorage
	pending       map[string]*proposal
	leader        multiraftpb.ReplicaDescriptor
	committedTerm uint64
}

func newGroup(
	groupID multiraftpb.GroupID,
	replicaID multiraftpb.ReplicaID,
	nodeID multiraftpb.NodeID,
	maxQueue int,
	log *zap.Logger,
) *group {
	g := &group{
		groupID:   groupID,
		replicaID: replicaID,
		nodeID:    nodeID,
		log:       log,
		removed:   make(chan struct{}),
		pending:   map[string]*proposal{},
	}
	g.mu.maxQueue = maxQueue
	g.stage.Store(int32(stageInitializing))
	return g
}

func (g *group) getStage() groupStage {
	return groupStage(g.stage.Load())
}

// setStageLocked transitions the lifecycle stage. The owning table's mutex
// must be held. Illegal transitions are invariant violations; the caller
// escalates by forcing the group into removal.
func (g *group) setStageLocked(from, to groupStage) error {
	if !g.stage.CompareAndSwap(int32(from), int32(to)) {
		return errors.AssertionFailedf(
			"group %s: illegal stage transition %s -> %s (stage is %s)",
			g.groupID, from, to, g.getStage())
	}
	return nil
}

// attachRaft hands the constructed raft instance and its storage to the
// runtime. Called once, before the group is promoted to active.
func (g *group) attachRaft(rn *raft.RawNode, storage GroupStorage) {
	g.raftMu.Lock()
	g.rawNode = rn
	g.storage = storage
	g.raftMu.Unlock()
}

// enqueue appends an inbound message to the group's queue, preserving
// arrival order. Messages are accepted while initializing (buffered until
// activation) and active; they are rejected during teardown. The queue is
// bounded: past the bound the message is dropped and the raft protocol's
// own retransmission covers it.
func (g *group) enqueue(req multiraftpb.RaftMessageRequest) error {
	if req.ToNode != g.nodeID || req.GroupID != g.groupID {
		// Misrouted traffic is an expected transient with moving
		// membership; count it and move on.
		g.mu.Lock()
		g.mu.misrouted++
		g.mu.Unlock()
		return errors.Wrapf(ErrRejected, "message addressed to %s/%s", req.GroupID, req.ToNode)
	}
	if s := g.getStage(); s == stageRemoving {
		return errors.Wrapf(ErrRejected, "group %s is %s", g.groupID, s)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.mu.queue) >= g.mu.maxQueue {
		return errors.Wrapf(ErrQueueFull, "group %s", g.groupID)
	}
	g.mu.queue = append(g.mu.queue, req)
	return nil
}

// propose registers a local proposal to be fed to raft on the next drain.
func (g *group) propose(p *proposal) {
	if s := g.getStage(); s == stageRemoving {
		p.ch <- ErrGroupDeleted
		return
	}
	g.mu.Lock()
	g.mu.proposals = append(g.mu.proposals, p)
	g.mu.Unlock()
}

// beginTeardown marks the runtime for removal. Queued inbound messages are
// discarded: they address a replica that is being deleted, and raft
// retransmission recovers any that still matter elsewhere. drainAndStep may
// still run to flush pending raft output.
func (g *group) beginTeardown() {
	g.mu.Lock()
	g.mu.queue = nil
	proposals := g.mu.proposals
	g.mu.proposals = nil
	g.mu.Unlock()
	for _, p := range proposals {
		p.ch <- ErrGroupDeleted
	}
}

// finishRemoval fails any proposals still pending in raft and signals
// waiters that the runtime is gone. Called after the table entry has been
// deleted.
func (g *group) finishRemoval() {
	g.raftMu.Lock()
	pending := g.pending
	g.pending = map[string]*proposal{}
	g.raftMu.Unlock()
	for _, p := range pending {
		if p.ch != nil {
			p.ch <- ErrGroupDeleted
			p.ch = nil
		}
	}
	close(g.removed)
}

// tick advances the group's raft clock by one tick.
func (g *group) tick() {
	g.raftMu.Lock()
	defer g.raftMu.Unlock()
	if g.rawNode != nil {
		g.rawNode.Tick()
	}
}

// campaign forces the group to start an election.
func (g *group) campaign() error {
	g.raftMu.Lock()
	defer g.raftMu.Unlock()
	if g.rawNode == nil {
		return errors.Wrapf(ErrGroupNotFound, "group %s still initializing", g.groupID)
	}
	return g.rawNode.Campaign()
}

// status returns the raft status of the group, or nil while initializing.
func (g *group) status() *raft.Status {
	g.raftMu.Lock()
	defer g.raftMu.Unlock()
	if g.rawNode == nil {
		return nil
	}
	s := g.rawNode.Status()
	return &s
}

// drainResult carries the outputs of one drainAndStep call.
type drainResult struct {
	// messages are the raft messages the group wants sent to peers. The
	// router resolves their destinations and hands them to the transport.
	messages []raftpb.Message
	// events are state changes to surface to the application.
	events []interface{}
	// drained reports that a tearing-down group has no queued input and no
	// pending raft output left.
	drained bool
}

// drainAndStep feeds queued inbound messages and local proposals into the
// raft instance, persists and applies any resulting Ready, and collects
// outbound messages and events. Each call does a bounded amount of work and
// is restartable; per-group calls are serialized by raftMu while distinct
// groups drain concurrently.
func (g *group) drainAndStep(ctx context.Context) (drainResult, error) {
	g.raftMu.Lock()
	defer g.raftMu.Unlock()

	var res drainResult
	if g.rawNode == nil {
		// Still initializing; input stays buffered. A group torn down before
		// its raft instance was ever attached has nothing to flush.
		res.drained = g.getStage() == stageRemoving
		return res, nil
	}

	g.mu.Lock()
	queue := g.mu.queue
	g.mu.queue = nil
	proposals := g.mu.proposals
	g.mu.proposals = nil
	g.mu.Unlock()

	for i := range queue {
		if err := g.rawNode.Step(queue[i].Message); err != nil {
			// A rejected step (e.g. a stale term) never fails the runtime.
			g.log.Debug("step failed",
				zap.Stringer("group", g.groupID), zap.Error(err))
		}
	}
	for _, p := range proposals {
		g.pending[p.commandID] = p
		if err := p.fn(g.rawNode); err != nil {
			g.finishProposal(p, err)
		}
	}

	if g.rawNode.HasReady() {
		rd := g.rawNode.Ready()
		if err := g.persistReady(rd); err != nil {
			return res, errors.Wrapf(err, "group %s: persisting raft state", g.groupID)
		}
		g.processCommittedEntries(rd.CommittedEntries, &res)
		g.maybeEmitLeaderEvent(&rd, &res)
		res.messages = append(res.messages, rd.Messages...)
		g.rawNode.Advance(rd)
	}

	if g.getStage() == stageRemoving {
		g.mu.Lock()
		empty := len(g.mu.queue) == 0 && len(g.mu.proposals) == 0
		g.mu.Unlock()
		res.drained = empty && !g.rawNode.HasReady()
	}
	return res, nil
}

// persistReady writes the durable portions of a Ready to group storage
// before any of it is acted upon: hard state, new log entries, snapshot.
func (g *group) persistReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := g.storage.ApplySnapshot(rd.Snapshot); err != nil {
			return err
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := g.storage.SetHardState(rd.HardState); err != nil {
			return err
		}
	}
	if len(rd.Entries) > 0 {
		if err := g.storage.Append(rd.Entries); err != nil {
			return err
		}
	}
	return nil
}

// processCommittedEntries turns committed raft entries into application
// events and completes the local proposals they correspond to. Empty
// entries (appended by raft on leader change) trigger re-proposal of all
// pending commands, since they may have been proposed to a leader that can
// no longer commit them.
func (g *group) processCommittedEntries(entries []raftpb.Entry, res *drainResult) {
	hasEmptyEntry := false
	for _, entry := range entries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) == 0 {
				hasEmptyEntry = true
				continue
			}
			commandID, command, err := decodeCommand(entry.Data)
			if err != nil {
				g.log.Error("skipping undecodable committed entry",
					zap.Stringer("group", g.groupID),
					zap.Uint64("index", entry.Index), zap.Error(err))
				continue
			}
			res.events = append(res.events, &EventCommandCommitted{
				GroupID:   g.groupID,
				CommandID: commandID,
				Index:     entry.Index,
				Command:   command,
			})
			g.finishProposal(g.pending[commandID], nil)

		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				g.log.Error("invalid ConfChange data",
					zap.Stringer("group", g.groupID), zap.Error(err))
				continue
			}
			var ctx confChangeContext
			if len(cc.Context) > 0 {
				var err error
				ctx, err = decodeConfChangeContext(cc.Context)
				if err != nil {
					g.log.Error("invalid ConfChange context",
						zap.Stringer("group", g.groupID), zap.Error(err))
					continue
				}
			}
			g.rawNode.ApplyConfChange(cc)
			res.events = append(res.events, &EventMembershipChangeCommitted{
				GroupID:    g.groupID,
				CommandID:  ctx.commandID,
				Index:      entry.Index,
				Replica:    ctx.replica,
				ChangeType: cc.Type,
				Payload:    ctx.payload,
			})
			g.finishProposal(g.pending[ctx.commandID], nil)
		}
	}
	if hasEmptyEntry {
		// Defer until the whole batch has been processed, then re-feed.
		g.mu.Lock()
		for _, p := range g.pending {
			g.mu.proposals = append(g.mu.proposals, p)
			delete(g.pending, p.commandID)
		}
		g.mu.Unlock()
	}
}

// finishProposal resolves a pending proposal. Because re-proposal across
// leadership changes can finish the same proposal twice, the channel is
// signaled at most once.
func (g *group) finishProposal(p *proposal, err error) {
	if p == nil {
		return
	}
	if p.ch != nil {
		p.ch <- err
		p.ch = nil
	}
	delete(g.pending, p.commandID)
}

// maybeEmitLeaderEvent tracks leadership and committed-term changes and
// emits an EventLeaderElection when the committed term advances under a
// known leader.
func (g *group) maybeEmitLeaderEvent(rd *raft.Ready, res *drainResult) {
	term := g.committedTerm
	if rd.SoftState != nil {
		if multiraftpb.ReplicaID(rd.SoftState.Lead) != g.leader.ReplicaID {
			if rd.SoftState.Lead == 0 {
				g.leader = multiraftpb.ReplicaDescriptor{}
			} else {
				g.leader = multiraftpb.ReplicaDescriptor{
					ReplicaID: multiraftpb.ReplicaID(rd.SoftState.Lead),
				}
			}
		}
	}
	if n := len(rd.CommittedEntries); n > 0 {
		term = rd.CommittedEntries[n-1].Term
	}
	if term != g.committedTerm && g.leader.ReplicaID != 0 {
		g.committedTerm = term
		res.events = append(res.events, &EventLeaderElection{
			GroupID:   g.groupID,
			ReplicaID: g.leader.ReplicaID,
			Term:      g.committedTerm,
		})
	}
}

// reportUnreachable tells raft that a peer replica could not be reached.
func (g *group) reportUnreachable(replicaID multiraftpb.ReplicaID) {
	g.raftMu.Lock()
	defer g.raftMu.Unlock()
	if g.rawNode != nil {
		g.rawNode.ReportUnreachable(uint64(replicaID))
	}
}

// reportSnapshotStatus tells raft whether a snapshot made it to a peer.
func (g *group) reportSnapshotStatus(replicaID multiraftpb.ReplicaID, status raft.SnapshotStatus) {
	g.raftMu.Lock()
	defer g.raftMu.Unlock()
	if g.rawNode != nil {
		g.rawNode.ReportSnapshot(uint64(replicaID), status)
	}
}
