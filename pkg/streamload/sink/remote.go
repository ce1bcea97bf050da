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

package sink

import (
	"context"

	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/streamload/transport"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/zap"
)

// remoteWriter is the TabletWriter of a distributed sink. Every flushed
// memtable becomes one segment sent to every replica of the tablet.
type remoteWriter struct {
	sink  *Sink
	key   common.TabletKey
	nodes []int64
	seq   int64
}

func (s *Sink) newRemoteWriter(key common.TabletKey) (deltawriter.TabletWriter, error) {
	return &remoteWriter{sink: s, key: key, nodes: s.replicas[key]}, nil
}

func (*remoteWriter) Open(context.Context) error {
	return nil
}

func (w *remoteWriter) Write(_ context.Context, blk *chunk.Chunk) error {
	data := chunk.Encode(blk, w.sink.cfg.Stream.Compression)
	for _, node := range w.nodes {
		// a failed replica is decided by the quorum, the others still get the block
		if err := w.sink.pool.Write(node, &loadpb.WriteRequest{Tablet: w.key, Seq: w.seq, Data: data}); err != nil {
			w.sink.tracker.RecordFailure(w.key, node, err)
		}
	}
	w.seq++
	return nil
}

func (w *remoteWriter) Close(context.Context) error {
	w.sink.segMu.Lock()
	w.sink.segments[w.key] = w.seq
	w.sink.segMu.Unlock()
	return nil
}

func (*remoteWriter) Cancel() {}

var _ transport.EventHandler = (*Sink)(nil)

// OnAck implements transport.EventHandler.
func (s *Sink) OnAck(nodeID int64, ack *loadpb.Ack) {
	if err := ack.Status.Err(); err != nil {
		s.tracker.RecordFailure(ack.Tablet, nodeID, err)
	}
}

// OnCloseResult implements transport.EventHandler.
func (s *Sink) OnCloseResult(nodeID int64, resp *loadpb.CloseResponse) {
	for _, r := range resp.Results {
		if r.Success {
			s.tracker.RecordSuccess(r.Tablet, nodeID)
			continue
		}
		s.tracker.RecordFailure(r.Tablet, nodeID, common.ErrorFromReason(r.Reason, r.Message))
	}
}

// OnStreamClosed implements transport.EventHandler.
func (s *Sink) OnStreamClosed(nodeID int64, streamIdx int, err error) {
	logutil.Logger(s.ctx).Info("load stream closed, resending its blocks",
		zap.Int64("node", nodeID), zap.Int("stream", streamIdx), zap.Error(err))
}

// OnNodeFailed implements transport.EventHandler.
func (s *Sink) OnNodeFailed(nodeID int64, err error) {
	s.tracker.RecordNodeFailure(nodeID, err)
}
