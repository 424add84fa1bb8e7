// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import (
	"context"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/multiraft/multiraftpb"
	"go.etcd.io/raft/v3"
	"go.uber.org/zap"
)

// annotateCtx tags the context with the local node ID so that errors wrapped
// with errors.WithContextTags carry it.
func annotateCtx(ctx context.Context, nodeID multiraftpb.NodeID) context.Context {
	return logtags.AddTag(ctx, "n", int64(nodeID))
}

// annotateCtxGroup additionally tags the context with a group ID.
func annotateCtxGroup(
	ctx context.Context, nodeID multiraftpb.NodeID, groupID multiraftpb.GroupID,
) context.Context {
	return logtags.AddTag(annotateCtx(ctx, nodeID), "g", int64(groupID))
}

// raftLogger adapts a zap logger to the raft.Logger interface so per-group
// raft internals log through the same sink as the coordinator, tagged with
// the group they belong to.
type raftLogger struct {
	group multiraftpb.GroupID
	l     *zap.SugaredLogger
}

var _ raft.Logger = (*raftLogger)(nil)

func newRaftLogger(groupID multiraftpb.GroupID, l *zap.Logger) *raftLogger {
	return &raftLogger{
		group: groupID,
		l:     l.WithOptions(zap.AddCallerSkip(1)).Sugar().With("group", groupID.String()),
	}
}

func (r *raftLogger) Debug(v ...interface{})                   { r.l.Debug(v...) }
func (r *raftLogger) Debugf(format string, v ...interface{})   { r.l.Debugf(format, v...) }
func (r *raftLogger) Info(v ...interface{})                    { r.l.Info(v...) }
func (r *raftLogger) Infof(format string, v ...interface{})    { r.l.Infof(format, v...) }
func (r *raftLogger) Warning(v ...interface{})                 { r.l.Warn(v...) }
func (r *raftLogger) Warningf(format string, v ...interface{}) { r.l.Warnf(format, v...) }
func (r *raftLogger) Error(v ...interface{})                   { r.l.Error(v...) }
func (r *raftLogger) Errorf(format string, v ...interface{})   { r.l.Errorf(format, v...) }

func (r *raftLogger) Fatal(v ...interface{}) {
	r.l.Fatal(v...)
}

func (r *raftLogger) Fatalf(format string, v ...interface{}) {
	r.l.Fatalf(format, v...)
}

func (r *raftLogger) Panic(v ...interface{}) {
	r.l.Panic(v...)
}

func (r *raftLogger) Panicf(format string, v ...interface{}) {
	r.l.Panicf(format, v...)
}
