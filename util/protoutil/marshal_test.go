// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package protoutil_test

import (
	"testing"

	"github.com/cockroachdb/multiraft/util/protoutil"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
)

func TestMarshalRoundTrip(t *testing.T) {
	in := raftpb.Entry{
		Index: 7,
		Term:  3,
		Type:  raftpb.EntryNormal,
		Data:  []byte("payload"),
	}
	data, err := protoutil.Marshal(&in)
	require.NoError(t, err)

	var out raftpb.Entry
	require.NoError(t, protoutil.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalGarbage(t *testing.T) {
	var out raftpb.HardState
	require.Error(t, protoutil.Unmarshal([]byte{0xff, 0xff, 0xff}, &out))
}
