// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package multiraft hosts many independent raft consensus groups on one
// node: it tracks which groups have replicas here, demultiplexes inbound
// consensus traffic to the right group instance, multiplexes outbound
// messages by destination node, and executes group lifecycle changes
// (bootstrap, create, remove) safely while consensus traffic flows
// concurrently.
//
// The single-group raft state machine, the durable log storage and the
// physical network transport are collaborators supplied by the application.
package multiraft

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/stop"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

const (
	defaultNumWorkers       = 16
	defaultInboundQueueSize = 100
	defaultEventBufferSize  = 1024
)

// Config contains the parameters necessary to construct a MultiRaft object.
type Config struct {
	NodeID    multiraftpb.NodeID
	Storage   Storage
	Transport Transport

	// Ticker may be nil to use real time and TickInterval.
	Ticker       Ticker
	TickInterval time.Duration

	// A new election is called if the election timeout elapses with no
	// contact from the leader. The actual timeout is chosen randomly from
	// the range [ElectionTimeoutTicks*TickInterval,
	// ElectionTimeoutTicks*TickInterval*2) to minimize the chances of
	// several servers trying to become leaders simultaneously.
	ElectionTimeoutTicks   int
	HeartbeatIntervalTicks int

	// NumWorkers is the size of the worker pool draining group runtimes.
	NumWorkers int

	// InboundQueueSize bounds each group's inbound message queue; past the
	// bound messages are dropped and raft retransmission covers them.
	InboundQueueSize int

	// EventBufferSize is the capacity of the Events channel. The owner is
	// responsible for consuming Events in a timely manner.
	EventBufferSize int

	// Logger may be nil for no logging.
	Logger *zap.Logger

	// Registry receives the node's metrics; nil leaves them unregistered.
	Registry prometheus.Registerer
}

// validate returns an error if any required elements of the Config are
// missing or invalid, and fills in defaults. Called by NewMultiRaft.
func (c *Config) validate() error {
	if c.NodeID == 0 {
		return errors.New("NodeID must not be zero")
	}
	if c.Storage == nil {
		return errors.New("Storage is required")
	}
	if c.Transport == nil {
		return errors.New("Transport is required")
	}
	if c.ElectionTimeoutTicks <= 0 {
		return errors.New("ElectionTimeoutTicks must be greater than zero")
	}
	if c.HeartbeatIntervalTicks <= 0 {
		return errors.New("HeartbeatIntervalTicks must be greater than zero")
	}
	if c.Ticker == nil && c.TickInterval <= 0 {
		return errors.New("TickInterval must be greater than zero")
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = defaultInboundQueueSize
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defaultEventBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// MultiRaft represents a local node hosting replicas of many consensus
// groups. The owner is responsible for consuming the Events channel in a
// timely manner.
type MultiRaft struct {
	cfg     Config
	stopper *stop.Stopper
	log     *zap.Logger
	metrics *Metrics

	directory *ReplicaDirectory
	table     *GroupTable
	router    *MessageRouter
	sched     *raftScheduler
	ticker    Ticker

	// Events carries EventLeaderElection, EventCommandCommitted and
	// EventMembershipChangeCommitted values.
	Events chan interface{}
}

var _ MessageHandler = (*MultiRaft)(nil)

// NewMultiRaft creates a MultiRaft object and registers it with the
// transport. Start must be called before it makes progress.
func NewMultiRaft(cfg Config, stopper *stop.Stopper) (*MultiRaft, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &MultiRaft{
		cfg:     cfg,
		stopper: stopper,
		log:     cfg.Logger,
		metrics: NewMetrics(cfg.Registry),
		Events:  make(chan interface{}, cfg.EventBufferSize),
	}
	m.directory = NewReplicaDirectory()
	m.table = NewGroupTable(cfg.NodeID, m.log, m.metrics)
	m.sched = newRaftScheduler(m.processGroup)
	m.router = NewMessageRouter(
		cfg.NodeID, m.table, m.directory, cfg.Transport, m.metrics, m.log,
		m.sched.EnqueueDrain)

	m.ticker = cfg.Ticker
	if m.ticker == nil {
		m.ticker = newTicker(cfg.TickInterval)
	}

	if err := cfg.Transport.Listen(cfg.NodeID, m); err != nil {
		return nil, err
	}
	stopper.AddCloser(stop.CloserFn(func() {
		cfg.Transport.Stop(cfg.NodeID)
		m.ticker.Close()
	}))
	return m, nil
}

// Directory returns the node's replica directory. The application updates
// it as membership changes commit.
func (m *MultiRaft) Directory() *ReplicaDirectory {
	return m.directory
}

// Start launches the worker pool and the tick loop.
func (m *MultiRaft) Start() {
	ctx := annotateCtx(context.Background(), m.cfg.NodeID)
	m.sched.Start(ctx, m.stopper, m.cfg.NumWorkers)
	m.stopper.RunWorker(func() {
		for {
			select {
			case <-m.ticker.Chan():
				m.table.forEach(m.sched.EnqueueTick)
			case <-m.stopper.ShouldStop():
				return
			}
		}
	})
	m.log.Info("node starting", zap.Stringer("node", m.cfg.NodeID))
}

// HandleRaftMessage implements the MessageHandler interface: the transport
// calls it for each inbound envelope. It returns as soon as the message has
// been enqueued, without waiting for it to be processed.
func (m *MultiRaft) HandleRaftMessage(
	req *multiraftpb.RaftMessageRequest,
) (*multiraftpb.RaftMessageResponse, error) {
	if err := m.router.RouteInbound(req); err != nil {
		return nil, err
	}
	return &multiraftpb.RaftMessageResponse{}, nil
}

// HandleGroupManagement executes one group lifecycle command. Lifecycle
// commands are distributed messages and may be redelivered; duplicates are
// folded against current state rather than executed twice.
func (m *MultiRaft) HandleGroupManagement(
	ctx context.Context, req *multiraftpb.GroupManagementRequest,
) error {
	ctx = annotateCtxGroup(ctx, m.cfg.NodeID, req.GroupID)
	if err := req.Validate(); err != nil {
		return errors.WithContextTags(err, ctx)
	}
	var err error
	switch req.Type {
	case multiraftpb.InitialGroup:
		err = m.initialGroup(ctx, req)
	case multiraftpb.CreateGroup:
		err = m.createGroup(ctx, req)
	case multiraftpb.RemoveGroup:
		err = m.removeGroup(ctx, req.GroupID)
	}
	return errors.WithContextTags(err, ctx)
}

// localReplica extracts this node's replica from the request's replica set.
func (m *MultiRaft) localReplica(
	req *multiraftpb.GroupManagementRequest,
) (multiraftpb.ReplicaDescriptor, error) {
	for _, rep := range req.Replicas {
		if rep.NodeID == m.cfg.NodeID {
			if req.ReplicaID != 0 && rep.ReplicaID != req.ReplicaID {
				return multiraftpb.ReplicaDescriptor{}, errors.Wrapf(ErrInvalidDescriptor,
					"%s names %s but the replica set places %s here", req.Type, req.ReplicaID, rep.ReplicaID)
			}
			return rep, nil
		}
	}
	return multiraftpb.ReplicaDescriptor{}, errors.Wrapf(ErrInvalidDescriptor,
		"%s for group %s has no replica on %s", req.Type, req.GroupID, m.cfg.NodeID)
}

// initialGroup bootstraps a group replica at cluster-formation time. It
// seeds the group's storage with the initial membership and is valid
// exactly once: any preexisting durable or in-memory state fails the
// command with ErrAlreadyBootstrapped.
func (m *MultiRaft) initialGroup(
	ctx context.Context, req *multiraftpb.GroupManagementRequest,
) error {
	rep, err := m.localReplica(req)
	if err != nil {
		return err
	}
	bootstrapped, err := m.cfg.Storage.HasGroup(req.GroupID)
	if err != nil {
		return err
	}
	if bootstrapped {
		return errors.Wrapf(ErrAlreadyBootstrapped, "group %s has durable state", req.GroupID)
	}

	desc := multiraftpb.MakeGroupDescriptor(req.GroupID, req.Replicas)
	g, err := m.table.Create(&desc, m.cfg.InboundQueueSize)
	if err != nil {
		if errors.Is(err, ErrGroupExists) {
			return errors.Wrapf(ErrAlreadyBootstrapped, "group %s is resident", req.GroupID)
		}
		return err
	}
	if err := m.directory.Upsert(desc); err != nil {
		m.forceRemove(g)
		return err
	}

	gs, err := m.cfg.Storage.GroupStorage(req.GroupID, rep.ReplicaID)
	if err != nil {
		m.forceRemove(g)
		return err
	}
	if err := bootstrapGroupStorage(gs, desc.Replicas); err != nil {
		m.forceRemove(g)
		return errors.Wrapf(err, "bootstrapping group %s", req.GroupID)
	}
	rn, err := m.newRawNode(req.GroupID, rep.ReplicaID, gs)
	if err != nil {
		m.forceRemove(g)
		return err
	}
	g.attachRaft(rn, gs)
	if err := m.table.Activate(req.GroupID); err != nil {
		return err
	}

	// A single-replica group elects itself immediately rather than waiting
	// out an election timeout.
	if len(desc.Replicas) == 1 {
		if err := g.campaign(); err != nil {
			return err
		}
	}
	m.sched.EnqueueDrain(req.GroupID)
	m.log.Info("bootstrapped group",
		zap.Stringer("group", req.GroupID), zap.Stringer("replica", rep.ReplicaID))
	return nil
}

// bootstrapGroupStorage seeds empty group storage with a synthetic snapshot
// carrying the initial voter set, so the raft instance starts from a
// committed membership.
func bootstrapGroupStorage(gs GroupStorage, replicas []multiraftpb.ReplicaDescriptor) error {
	voters := make([]uint64, 0, len(replicas))
	for _, rep := range replicas {
		voters = append(voters, uint64(rep.ReplicaID))
	}
	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			Index:     1,
			Term:      1,
			ConfState: raftpb.ConfState{Voters: voters},
		},
	}
	if err := gs.ApplySnapshot(snap); err != nil {
		return err
	}
	return gs.SetHardState(raftpb.HardState{Term: 1, Commit: 1})
}

// createGroup adds this node as a replica of an existing group. The runtime
// is inserted in the initializing stage immediately, so inbound messages
// for the group buffer rather than drop, and is promoted to active once the
// raft instance has been constructed from storage (which may involve
// fetching initial state).
func (m *MultiRaft) createGroup(
	ctx context.Context, req *multiraftpb.GroupManagementRequest,
) error {
	rep, err := m.localReplica(req)
	if err != nil {
		return err
	}
	desc := multiraftpb.MakeGroupDescriptor(req.GroupID, req.Replicas)
	g, err := m.table.Create(&desc, m.cfg.InboundQueueSize)
	if err != nil {
		return err
	}
	if err := m.directory.Upsert(desc); err != nil {
		m.forceRemove(g)
		return err
	}

	err = m.stopper.RunAsyncTask(ctx, func(ctx context.Context) {
		gs, err := m.cfg.Storage.GroupStorage(req.GroupID, rep.ReplicaID)
		if err == nil {
			var rn *raft.RawNode
			rn, err = m.newRawNode(req.GroupID, rep.ReplicaID, gs)
			if err == nil {
				g.attachRaft(rn, gs)
				err = m.table.Activate(req.GroupID)
			}
		}
		if err != nil {
			m.log.Error("group initialization failed; removing group",
				zap.Stringer("group", req.GroupID), zap.Error(err))
			m.forceRemove(g)
			return
		}
		m.sched.EnqueueDrain(req.GroupID)
		m.log.Info("created group",
			zap.Stringer("group", req.GroupID), zap.Stringer("replica", rep.ReplicaID))
	})
	if err != nil {
		m.forceRemove(g)
		return err
	}
	return nil
}

// removeGroup removes this node's replica of the group: no new inbound
// messages are accepted, remaining raft work is flushed, then the runtime
// and descriptor are deleted. The command is idempotent: removing an absent
// group succeeds, and a redelivered remove folds into the in-flight one,
// sharing its completion.
func (m *MultiRaft) removeGroup(ctx context.Context, groupID multiraftpb.GroupID) error {
	g, err := m.table.BeginRemove(groupID)
	switch {
	case errors.Is(err, ErrGroupNotFound):
		return nil
	case errors.Is(err, ErrAlreadyRemoving):
		// Fall through to wait on the removal already in flight.
	case err != nil:
		return err
	default:
		g.beginTeardown()
		m.sched.EnqueueDrain(groupID)
	}

	select {
	case <-g.removed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopper.ShouldStop():
		return ErrStopped
	}
}

// forceRemove pushes a group into teardown regardless of its stage. It is
// the escalation path for invariant violations and construction failures:
// the affected group is removed rather than left inconsistent, and the rest
// of the node keeps running.
func (m *MultiRaft) forceRemove(g *group) {
	_, err := m.table.BeginRemove(g.groupID)
	if err != nil && !errors.Is(err, ErrAlreadyRemoving) {
		if !errors.Is(err, ErrGroupNotFound) {
			m.log.Error("force-remove failed",
				zap.Stringer("group", g.groupID), zap.Error(err))
		}
		return
	}
	g.beginTeardown()
	m.sched.EnqueueDrain(g.groupID)
}

// newRawNode constructs the opaque consensus instance for one group replica
// on top of its storage.
func (m *MultiRaft) newRawNode(
	groupID multiraftpb.GroupID, replicaID multiraftpb.ReplicaID, gs GroupStorage,
) (*raft.RawNode, error) {
	snap, err := gs.Snapshot()
	if err != nil && !errors.Is(err, raft.ErrSnapshotTemporarilyUnavailable) {
		return nil, err
	}
	cfg := &raft.Config{
		ID:              uint64(replicaID),
		Applied:         snap.Metadata.Index,
		ElectionTick:    m.cfg.ElectionTimeoutTicks,
		HeartbeatTick:   m.cfg.HeartbeatIntervalTicks,
		Storage:         gs,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		Logger:          newRaftLogger(groupID, m.log),
	}
	return raft.NewRawNode(cfg)
}

// processGroup runs one scheduled pass over a group: optionally tick the
// raft clock, drain queued input, route the resulting output, and finalize
// removal once a tearing-down group reports drained.
func (m *MultiRaft) processGroup(
	ctx context.Context, groupID multiraftpb.GroupID, tick bool,
) {
	g, ok := m.table.getAny(groupID)
	if !ok {
		return
	}
	if tick {
		g.tick()
	}
	res, err := g.drainAndStep(ctx)
	if err != nil {
		m.log.Error("group processing failed; removing group",
			zap.Stringer("group", groupID), zap.Error(err))
		if g.getStage() == stageRemoving {
			// Teardown itself is failing; drop the runtime rather than
			// spin on it.
			m.directory.Remove(groupID)
			if err := m.table.FinalizeRemove(groupID); err != nil {
				m.log.Error("finalize failed", zap.Stringer("group", groupID), zap.Error(err))
			}
			return
		}
		m.forceRemove(g)
		return
	}
	for _, e := range res.events {
		if ev, ok := e.(*EventMembershipChangeCommitted); ok {
			m.updateDirectory(ev)
		}
		m.sendEvent(e)
	}
	for i := range res.messages {
		m.router.RouteOutbound(g, res.messages[i])
	}
	if res.drained && g.getStage() == stageRemoving {
		m.directory.Remove(groupID)
		if err := m.table.FinalizeRemove(groupID); err != nil {
			m.log.Error("finalize failed", zap.Stringer("group", groupID), zap.Error(err))
		}
	}
}

// updateDirectory supersedes the group's descriptor after a committed
// membership change. The committed change is authoritative; a duplicate
// (already-applied) change leaves the descriptor untouched.
func (m *MultiRaft) updateDirectory(ev *EventMembershipChangeCommitted) {
	desc, ok := m.directory.Lookup(ev.GroupID)
	if !ok {
		return
	}
	var replicas []multiraftpb.ReplicaDescriptor
	switch ev.ChangeType {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		if _, ok := desc.ReplicaDescriptorByID(ev.Replica.ReplicaID); ok {
			return
		}
		replicas = append(append(replicas, desc.Replicas...), ev.Replica)
	case raftpb.ConfChangeRemoveNode:
		for _, rep := range desc.Replicas {
			if rep.ReplicaID != ev.Replica.ReplicaID {
				replicas = append(replicas, rep)
			}
		}
		if len(replicas) == len(desc.Replicas) {
			return
		}
	default:
		return
	}
	newDesc := multiraftpb.MakeGroupDescriptor(ev.GroupID, replicas)
	if err := m.directory.Upsert(newDesc); err != nil {
		m.log.Error("could not supersede descriptor after membership change",
			zap.Stringer("group", ev.GroupID), zap.Error(err))
	}
}

func (m *MultiRaft) sendEvent(e interface{}) {
	select {
	case m.Events <- e:
	case <-m.stopper.ShouldStop():
	}
}

// SubmitCommand sends a command (an opaque binary blob) to the group. This
// method returns when the command has been accepted for proposal, not when
// it has been committed. An error or nil is written to the returned channel
// when the command commits or is abandoned.
func (m *MultiRaft) SubmitCommand(
	groupID multiraftpb.GroupID, commandID string, command []byte,
) <-chan error {
	ch := make(chan error, 1)
	data, err := encodeCommand(commandID, command)
	if err != nil {
		ch <- err
		return ch
	}
	g, ok := m.table.GetActive(groupID)
	if !ok {
		ch <- errors.Wrapf(ErrGroupNotFound, "group %s", groupID)
		return ch
	}
	g.propose(&proposal{
		groupID:   groupID,
		commandID: commandID,
		fn: func(rn *raft.RawNode) error {
			return rn.Propose(data)
		},
		ch: ch,
	})
	m.sched.EnqueueDrain(groupID)
	return ch
}

// ChangeGroupMembership submits a proposed membership change to the group.
// Payload is an opaque blob returned in EventMembershipChangeCommitted; the
// application reacts to that event by upserting the superseding descriptor.
func (m *MultiRaft) ChangeGroupMembership(
	groupID multiraftpb.GroupID,
	commandID string,
	changeType raftpb.ConfChangeType,
	replica multiraftpb.ReplicaDescriptor,
	payload []byte,
) <-chan error {
	ch := make(chan error, 1)
	if err := replica.Validate(); err != nil {
		ch <- err
		return ch
	}
	encCtx, err := encodeConfChangeContext(confChangeContext{
		commandID: commandID,
		payload:   payload,
		replica:   replica,
	})
	if err != nil {
		ch <- err
		return ch
	}
	g, ok := m.table.GetActive(groupID)
	if !ok {
		ch <- errors.Wrapf(ErrGroupNotFound, "group %s", groupID)
		return ch
	}
	g.propose(&proposal{
		groupID:   groupID,
		commandID: commandID,
		fn: func(rn *raft.RawNode) error {
			return rn.ProposeConfChange(raftpb.ConfChange{
				Type:    changeType,
				NodeID:  uint64(replica.ReplicaID),
				Context: encCtx,
			})
		},
		ch: ch,
	})
	m.sched.EnqueueDrain(groupID)
	return ch
}

// Campaign causes this node's replica to start an election. Use with
// caution: contested elections can cause periods of unavailability, so only
// call it when it is known that a single replica will.
func (m *MultiRaft) Campaign(groupID multiraftpb.GroupID) error {
	g, ok := m.table.GetActive(groupID)
	if !ok {
		return errors.Wrapf(ErrGroupNotFound, "group %s", groupID)
	}
	if err := g.campaign(); err != nil {
		return err
	}
	m.sched.EnqueueDrain(groupID)
	return nil
}

// Status returns the raft status of the given group, or nil if the group is
// not resident (or still initializing).
func (m *MultiRaft) Status(groupID multiraftpb.GroupID) *raft.Status {
	g, ok := m.table.GetActive(groupID)
	if !ok {
		return nil
	}
	return g.status()
}
