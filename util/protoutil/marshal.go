// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package protoutil provides helpers for marshaling protobuf messages via
// the gogo/protobuf runtime.
package protoutil

import (
	"github.com/cockroachdb/errors"
	"github.com/gogo/protobuf/proto"
)

// Message extends the basic proto.Message with the fast-path marshaling
// methods emitted by gogoproto code generation.
type Message interface {
	proto.Message
	MarshalTo(data []byte) (int, error)
	Unmarshal(data []byte) error
	Size() int
}

// Marshal encodes pb into the wire format.
func Marshal(pb Message) ([]byte, error) {
	data := make([]byte, pb.Size())
	n, err := pb.MarshalTo(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errors.AssertionFailedf(
			"short marshal of %T: wrote %d of %d bytes", pb, n, len(data))
	}
	return data, nil
}

// Unmarshal parses the wire-format message in data and places the result in
// pb.
func Unmarshal(data []byte, pb Message) error {
	return errors.Wrapf(pb.Unmarshal(data), "unmarshaling %T", pb)
}
