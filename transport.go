// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"net"
	"net/rpc"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"github.com/cockroachdb/multiraft/util/syncutil"
	"go.uber.org/zap"
)

// MessageHandler receives inbound raft message envelopes from a Transport.
// It is implemented by MultiRaft, which routes each message to the resident
// group runtime.
type MessageHandler interface {
	HandleRaftMessage(req *multiraftpb.RaftMessageRequest) (*multiraftpb.RaftMessageResponse, error)
}

// The Transport interface is supplied by the application to manage
// communication with other nodes. It is responsible for mapping node IDs to
// some communication channel; connection establishment, retries and TLS are
// its business, not this layer's.
type Transport interface {
	// Listen informs the Transport of the local node's ID and handler. The
	// Transport delivers inbound envelopes addressed to that node to the
	// handler.
	Listen(nodeID multiraftpb.NodeID, handler MessageHandler) error

	// Stop undoes a previous Listen.
	Stop(nodeID multiraftpb.NodeID)

	// Send delivers one envelope to the node identified by req.ToNode.
	// Sends are fire-and-forget at this layer; a send error only feeds
	// back into raft's peer-health reporting.
	Send(req *multiraftpb.RaftMessageRequest) error
}

const raftMessageName = "MultiRaft.RaftMessage"

// rpcAdapter exposes a MessageHandler to net/rpc.
type rpcAdapter struct {
	handler MessageHandler
}

// RaftMessage implements the net/rpc method contract.
func (a *rpcAdapter) RaftMessage(
	req *multiraftpb.RaftMessageRequest, resp *multiraftpb.RaftMessageResponse,
) error {
	r, err := a.handler.HandleRaftMessage(req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

// localRPCTransport is a Transport for local testing use. MultiRaft
// instances sharing the same localRPCTransport can find and communicate
// with each other by node ID. Each instance binds to a different unused
// port on localhost. Because this is just for local testing, it doesn't use
// TLS.
type localRPCTransport struct {
	log *zap.Logger
	mu  struct {
		syncutil.Mutex
		listeners map[multiraftpb.NodeID]net.Listener
		clients   map[multiraftpb.NodeID]*rpc.Client
	}
}

// NewLocalRPCTransport creates a Transport for local testing use.
func NewLocalRPCTransport(log *zap.Logger) Transport {
	t := &localRPCTransport{log: log}
	t.mu.listeners = make(map[multiraftpb.NodeID]net.Listener)
	t.mu.clients = make(map[multiraftpb.NodeID]*rpc.Client)
	return t
}

func (lt *localRPCTransport) Listen(
	nodeID multiraftpb.NodeID, handler MessageHandler,
) error {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("MultiRaft", &rpcAdapter{handler: handler}); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, ok := lt.mu.listeners[nodeID]; ok {
		listener.Close()
		return errors.Newf("node %s is already listening", nodeID)
	}
	lt.mu.listeners[nodeID] = listener
	go lt.accept(rpcServer, listener)
	return nil
}

func (lt *localRPCTransport) accept(server *rpc.Server, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.HasSuffix(err.Error(), "use of closed network connection") {
				return
			}
			lt.log.Error("transport accept", zap.Error(err))
			continue
		}
		go server.ServeConn(conn)
	}
}

func (lt *localRPCTransport) Stop(nodeID multiraftpb.NodeID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if l, ok := lt.mu.listeners[nodeID]; ok {
		l.Close()
		delete(lt.mu.listeners, nodeID)
	}
}

// Close shuts down all listeners and cached connections.
func (lt *localRPCTransport) Close() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for id, l := range lt.mu.listeners {
		l.Close()
		delete(lt.mu.listeners, id)
	}
	for id, c := range lt.mu.clients {
		c.Close()
		delete(lt.mu.clients, id)
	}
}

func (lt *localRPCTransport) getClient(nodeID multiraftpb.NodeID) (*rpc.Client, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if client, ok := lt.mu.clients[nodeID]; ok {
		return client, nil
	}
	listener, ok := lt.mu.listeners[nodeID]
	if !ok {
		return nil, errors.Newf("unknown node %s", nodeID)
	}
	client, err := rpc.Dial("tcp", listener.Addr().String())
	if err != nil {
		return nil, err
	}
	lt.mu.clients[nodeID] = client
	return client, nil
}

func (lt *localRPCTransport) Send(req *multiraftpb.RaftMessageRequest) error {
	client, err := lt.getClient(req.ToNode)
	if err != nil {
		return err
	}
	resp := &multiraftpb.RaftMessageResponse{}
	if err := client.Call(raftMessageName, req, resp); err != nil {
		// A dead connection is not retried here; drop it so the next send
		// redials, and let raft's retransmission recover.
		lt.mu.Lock()
		if lt.mu.clients[req.ToNode] == client {
			client.Close()
			delete(lt.mu.clients, req.ToNode)
		}
		lt.mu.Unlock()
		return err
	}
	return nil
}
