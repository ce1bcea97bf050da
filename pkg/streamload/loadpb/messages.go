// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loadpb defines the messages of the load stream service and their
// protobuf wire encoding.
package loadpb

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every message of the service.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

var errWireType = errors.New("loadpb: unexpected wire type")

// Status is the result of a request. An empty Reason means success.
type Status struct {
	Reason  string
	Message string
}

// OK reports whether s is a success.
func (s Status) OK() bool {
	return s.Reason == ""
}

// Err converts s back to an error, nil on success.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return common.ErrorFromReason(s.Reason, s.Message)
}

// StatusOf builds the Status of err.
func StatusOf(err error) Status {
	if err == nil {
		return Status{}
	}
	return Status{Reason: common.ReasonOf(err), Message: err.Error()}
}

func (s Status) append(b []byte) []byte {
	b = appendString(b, 1, s.Reason)
	return appendString(b, 2, s.Message)
}

func (s *Status) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &s.Reason)
	case 2:
		return consumeString(typ, b, &s.Message)
	}
	return 0, nil
}

// OpenRequest opens a stream of a load. It is the first message of every stream.
type OpenRequest struct {
	LoadID      common.LoadID
	TxnID       int64
	SenderID    int64
	NumReplicas int32
	// StreamIndex is the index of the stream among the streams of the sender to one node.
	StreamIndex int32
	Schema      []*types.FieldType
	Tablets     []common.TabletKey
}

func (m *OpenRequest) append(b []byte) []byte {
	b = appendBytes(b, 1, m.LoadID.Bytes())
	b = appendVarint(b, 2, uint64(m.TxnID))
	b = appendVarint(b, 3, uint64(m.SenderID))
	b = appendVarint(b, 4, uint64(m.NumReplicas))
	b = appendVarint(b, 5, uint64(m.StreamIndex))
	for _, ft := range m.Schema {
		b = appendMessage(b, 6, func(b []byte) []byte { return appendFieldType(b, ft) })
	}
	for _, k := range m.Tablets {
		b = appendMessage(b, 7, func(b []byte) []byte { return appendTabletKey(b, k) })
	}
	return b
}

func (m *OpenRequest) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		var raw []byte
		n, err := consumeBytes(typ, b, &raw)
		if err != nil {
			return n, err
		}
		id, err := common.LoadIDFromBytes(raw)
		if err != nil {
			return n, err
		}
		m.LoadID = id
		return n, nil
	case 2:
		return consumeInt64(typ, b, &m.TxnID)
	case 3:
		return consumeInt64(typ, b, &m.SenderID)
	case 4:
		return consumeInt32(typ, b, &m.NumReplicas)
	case 5:
		return consumeInt32(typ, b, &m.StreamIndex)
	case 6:
		ft := &types.FieldType{}
		n, err := consumeMessage(typ, b, func(b []byte) error { return unmarshalFieldType(b, ft) })
		m.Schema = append(m.Schema, ft)
		return n, err
	case 7:
		var k common.TabletKey
		n, err := consumeMessage(typ, b, func(b []byte) error { return unmarshalTabletKey(b, &k) })
		m.Tablets = append(m.Tablets, k)
		return n, err
	}
	return 0, nil
}

// Marshal implements Message.
func (m *OpenRequest) Marshal() ([]byte, error) { return m.append(nil), nil }

// Unmarshal implements Message.
func (m *OpenRequest) Unmarshal(b []byte) error {
	*m = OpenRequest{}
	return unmarshalFields(b, m.field)
}

// WriteRequest carries one encoded block of one tablet.
type WriteRequest struct {
	Tablet common.TabletKey
	// Seq numbers the blocks of a tablet from 0.
	Seq  int64
	Data []byte
}

func (m *WriteRequest) append(b []byte) []byte {
	b = appendMessage(b, 1, func(b []byte) []byte { return appendTabletKey(b, m.Tablet) })
	b = appendVarint(b, 2, uint64(m.Seq))
	return appendBytes(b, 3, m.Data)
}

func (m *WriteRequest) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeMessage(typ, b, func(b []byte) error { return unmarshalTabletKey(b, &m.Tablet) })
	case 2:
		return consumeInt64(typ, b, &m.Seq)
	case 3:
		return consumeBytes(typ, b, &m.Data)
	}
	return 0, nil
}

// Marshal implements Message.
func (m *WriteRequest) Marshal() ([]byte, error) { return m.append(nil), nil }

// Unmarshal implements Message.
func (m *WriteRequest) Unmarshal(b []byte) error {
	*m = WriteRequest{}
	return unmarshalFields(b, m.field)
}

// TabletSegments is the number of blocks sent for one tablet.
type TabletSegments struct {
	Tablet   common.TabletKey
	Segments int64
}

// CloseRequest is the close marker of a stream. Only one stream of a sender
// to a node carries the tablets, the others send an empty marker.
type CloseRequest struct {
	Tablets []TabletSegments
}

func (m *CloseRequest) append(b []byte) []byte {
	for _, ts := range m.Tablets {
		b = appendMessage(b, 1, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendTabletKey(b, ts.Tablet) })
			return appendVarint(b, 2, uint64(ts.Segments))
		})
	}
	return b
}

func (m *CloseRequest) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return 0, nil
	}
	var ts TabletSegments
	n, err := consumeMessage(typ, b, func(b []byte) error {
		return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeMessage(typ, b, func(b []byte) error { return unmarshalTabletKey(b, &ts.Tablet) })
			case 2:
				return consumeInt64(typ, b, &ts.Segments)
			}
			return 0, nil
		})
	})
	m.Tablets = append(m.Tablets, ts)
	return n, err
}

// Marshal implements Message.
func (m *CloseRequest) Marshal() ([]byte, error) { return m.append(nil), nil }

// Unmarshal implements Message.
func (m *CloseRequest) Unmarshal(b []byte) error {
	*m = CloseRequest{}
	return unmarshalFields(b, m.field)
}

// StreamRequest is sent from a sender to a node. Exactly one field is set.
type StreamRequest struct {
	Open  *OpenRequest
	Write *WriteRequest
	Close *CloseRequest
}

// Marshal implements Message.
func (m *StreamRequest) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case m.Open != nil:
		b = appendMessage(b, 1, m.Open.append)
	case m.Write != nil:
		b = appendMessage(b, 2, m.Write.append)
	case m.Close != nil:
		b = appendMessage(b, 3, m.Close.append)
	default:
		return nil, errors.New("loadpb: empty stream request")
	}
	return b, nil
}

// Unmarshal implements Message.
func (m *StreamRequest) Unmarshal(b []byte) error {
	*m = StreamRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m.Open = &OpenRequest{}
			return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Open.field) })
		case 2:
			m.Write = &WriteRequest{}
			return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Write.field) })
		case 3:
			m.Close = &CloseRequest{}
			return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Close.field) })
		}
		return 0, nil
	})
}

// Ack acknowledges one WriteRequest once its block has been applied.
type Ack struct {
	Tablet common.TabletKey
	Seq    int64
	Status Status
}

func (m *Ack) append(b []byte) []byte {
	b = appendMessage(b, 1, func(b []byte) []byte { return appendTabletKey(b, m.Tablet) })
	b = appendVarint(b, 2, uint64(m.Seq))
	return appendMessage(b, 3, m.Status.append)
}

func (m *Ack) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeMessage(typ, b, func(b []byte) error { return unmarshalTabletKey(b, &m.Tablet) })
	case 2:
		return consumeInt64(typ, b, &m.Seq)
	case 3:
		return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Status.field) })
	}
	return 0, nil
}

// TabletResult is the commit result of one tablet on one node.
type TabletResult struct {
	Tablet  common.TabletKey
	Success bool
	Reason  string
	Message string
}

// CloseResponse answers the close marker carrying the tablets.
type CloseResponse struct {
	Results []TabletResult
}

func (m *CloseResponse) append(b []byte) []byte {
	for _, r := range m.Results {
		b = appendMessage(b, 1, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendTabletKey(b, r.Tablet) })
			b = appendBool(b, 2, r.Success)
			b = appendString(b, 3, r.Reason)
			return appendString(b, 4, r.Message)
		})
	}
	return b
}

func (m *CloseResponse) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return 0, nil
	}
	var r TabletResult
	n, err := consumeMessage(typ, b, func(b []byte) error {
		return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeMessage(typ, b, func(b []byte) error { return unmarshalTabletKey(b, &r.Tablet) })
			case 2:
				return consumeBool(typ, b, &r.Success)
			case 3:
				return consumeString(typ, b, &r.Reason)
			case 4:
				return consumeString(typ, b, &r.Message)
			}
			return 0, nil
		})
	})
	m.Results = append(m.Results, r)
	return n, err
}

// OpenResponse answers an OpenRequest.
type OpenResponse struct {
	Status Status
}

// StreamResponse is sent from a node to a sender. Exactly one field is set.
type StreamResponse struct {
	Open  *OpenResponse
	Ack   *Ack
	Close *CloseResponse
}

// Marshal implements Message.
func (m *StreamResponse) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case m.Open != nil:
		b = appendMessage(b, 1, func(b []byte) []byte { return appendMessage(b, 1, m.Open.Status.append) })
	case m.Ack != nil:
		b = appendMessage(b, 2, m.Ack.append)
	case m.Close != nil:
		b = appendMessage(b, 3, m.Close.append)
	default:
		return nil, errors.New("loadpb: empty stream response")
	}
	return b, nil
}

// Unmarshal implements Message.
func (m *StreamResponse) Unmarshal(b []byte) error {
	*m = StreamResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m.Open = &OpenResponse{}
			return consumeMessage(typ, b, func(b []byte) error {
				return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 {
						return 0, nil
					}
					return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Open.Status.field) })
				})
			})
		case 2:
			m.Ack = &Ack{}
			return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Ack.field) })
		case 3:
			m.Close = &CloseResponse{}
			return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Close.field) })
		}
		return 0, nil
	})
}

// ClearLoadRequest removes the session of a load from a node.
type ClearLoadRequest struct {
	LoadID common.LoadID
}

// Marshal implements Message.
func (m *ClearLoadRequest) Marshal() ([]byte, error) {
	return appendBytes(nil, 1, m.LoadID.Bytes()), nil
}

// Unmarshal implements Message.
func (m *ClearLoadRequest) Unmarshal(b []byte) error {
	*m = ClearLoadRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var raw []byte
		n, err := consumeBytes(typ, b, &raw)
		if err != nil {
			return n, err
		}
		m.LoadID, err = common.LoadIDFromBytes(raw)
		return n, err
	})
}

// ClearLoadResponse answers a ClearLoadRequest.
type ClearLoadResponse struct {
	Status Status
}

// Marshal implements Message.
func (m *ClearLoadResponse) Marshal() ([]byte, error) {
	return appendMessage(nil, 1, m.Status.append), nil
}

// Unmarshal implements Message.
func (m *ClearLoadResponse) Unmarshal(b []byte) error {
	*m = ClearLoadResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		return consumeMessage(typ, b, func(b []byte) error { return unmarshalFields(b, m.Status.field) })
	})
}
