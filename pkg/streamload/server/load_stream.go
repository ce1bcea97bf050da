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

package server

import (
	"context"
	"fmt"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"github.com/pingcap/streamload/pkg/util/serialpool"
	"go.uber.org/zap"
)

// AckFunc delivers the acknowledgement of one write.
type AckFunc func(loadpb.Ack)

// ReplyFunc delivers the answer to a close marker.
type ReplyFunc func(*loadpb.CloseResponse)

type pendingWrite struct {
	data []byte
	ack  AckFunc
}

// senderState is the sequence state of one sender for one tablet.
type senderState struct {
	nextSeq int64
	pending map[int64]pendingWrite
	closed  bool
}

type waiterRef struct {
	w     *closeWaiter
	index int
}

type tabletState struct {
	key       common.TabletKey
	senders   map[int64]*senderState
	err       error
	committed bool
	waiters   []waiterRef
}

func (ts *tabletState) allClosed() bool {
	for _, ss := range ts.senders {
		if !ss.closed {
			return false
		}
	}
	return true
}

// closeWaiter collects the results of the tablets of one close marker.
type closeWaiter struct {
	results   []loadpb.TabletResult
	remaining int
	reply     ReplyFunc
}

func (w *closeWaiter) resolve(i int, err error) {
	st := loadpb.StatusOf(err)
	w.results[i].Success = st.OK()
	w.results[i].Reason = st.Reason
	w.results[i].Message = st.Message
	w.remaining--
	if w.remaining == 0 {
		w.reply(&loadpb.CloseResponse{Results: w.results})
	}
}

// LoadStream is the session of one load on the receiving side. Every
// mutation of its tablets runs on the serial token of the session.
type LoadStream struct {
	mgr         *LoadStreamMgr
	ctx         context.Context
	loadID      common.LoadID
	txnID       int64
	schema      []*types.FieldType
	numReplicas int32
	token       *serialpool.Token

	// guarded by mgr.mu
	refs int

	// accessed on token only
	registry *deltawriter.Registry
	tablets  map[common.TabletKey]*tabletState
	canceled bool
	allRows  []int32
}

func newLoadStream(m *LoadStreamMgr, req *loadpb.OpenRequest) *LoadStream {
	return &LoadStream{
		mgr:         m,
		ctx:         logutil.WithLoad(m.ctx, req.LoadID, req.TxnID),
		loadID:      req.LoadID,
		txnID:       req.TxnID,
		schema:      req.Schema,
		numReplicas: req.NumReplicas,
		token:       m.pool.NewToken(),
		registry:    deltawriter.NewRegistry(m.storage.WriterFactory(req.TxnID), m.flushSize),
		tablets:     make(map[common.TabletKey]*tabletState),
	}
}

// LoadID returns the load of the session.
func (ls *LoadStream) LoadID() common.LoadID {
	return ls.loadID
}

// TxnID returns the transaction of the session.
func (ls *LoadStream) TxnID() int64 {
	return ls.txnID
}

// Refs returns the number of attached streams.
func (ls *LoadStream) Refs() int {
	ls.mgr.mu.Lock()
	defer ls.mgr.mu.Unlock()
	return ls.refs
}

func (ls *LoadStream) submit(fn func()) error {
	if err := ls.token.Submit(fn); err != nil {
		return common.ErrLoadNotFound.GenWithStackByArgs(ls.loadID)
	}
	return nil
}

// register records the tablets a sender is going to write.
func (ls *LoadStream) register(req *loadpb.OpenRequest) error {
	sender, tablets := req.SenderID, append([]common.TabletKey(nil), req.Tablets...)
	return ls.submit(func() {
		for _, key := range tablets {
			ts, ok := ls.tablets[key]
			if !ok {
				ts = &tabletState{key: key, senders: make(map[int64]*senderState)}
				ls.tablets[key] = ts
			}
			if _, ok := ts.senders[sender]; !ok && !ts.committed {
				ts.senders[sender] = &senderState{pending: make(map[int64]pendingWrite)}
			}
		}
	})
}

// Write applies req in per tablet sequence order. Blocks that arrive early
// wait for the missing ones, duplicates are acknowledged again without being
// applied. ack is called once the block has been applied.
func (ls *LoadStream) Write(sender int64, req *loadpb.WriteRequest, ack AckFunc) error {
	metrics.ServerReceivedBytesCounter.Add(float64(len(req.Data)))
	return ls.submit(func() {
		ls.write(sender, req, ack)
	})
}

func (ls *LoadStream) write(sender int64, req *loadpb.WriteRequest, ack AckFunc) {
	reject := func(err error) {
		metrics.RejectedRequestCounter.WithLabelValues("write").Inc()
		ack(loadpb.Ack{Tablet: req.Tablet, Seq: req.Seq, Status: loadpb.StatusOf(err)})
	}
	if ls.canceled {
		reject(common.ErrLoadCanceled.GenWithStackByArgs())
		return
	}
	ts, ok := ls.tablets[req.Tablet]
	if !ok {
		reject(common.ErrInvalidWriteRequest.GenWithStackByArgs(fmt.Sprintf("tablet %s is not opened", req.Tablet)))
		return
	}
	ss, ok := ts.senders[sender]
	switch {
	case !ok:
		reject(common.ErrInvalidWriteRequest.GenWithStackByArgs(fmt.Sprintf("sender %d did not open tablet %s", sender, req.Tablet)))
		return
	case req.Seq < ss.nextSeq:
		// retransmitted after being applied
		ack(loadpb.Ack{Tablet: req.Tablet, Seq: req.Seq, Status: loadpb.StatusOf(ts.err)})
		return
	case ss.closed:
		reject(common.ErrInvalidWriteRequest.GenWithStackByArgs(fmt.Sprintf("tablet %s is closed by sender %d", req.Tablet, sender)))
		return
	case req.Seq > ss.nextSeq:
		ss.pending[req.Seq] = pendingWrite{data: req.Data, ack: ack}
		return
	}
	ls.apply(ts, ss, req.Data, ack)
	for {
		p, ok := ss.pending[ss.nextSeq]
		if !ok {
			return
		}
		delete(ss.pending, ss.nextSeq)
		ls.apply(ts, ss, p.data, p.ack)
	}
}

func (ls *LoadStream) rows(n int) []int32 {
	for i := len(ls.allRows); i < n; i++ {
		ls.allRows = append(ls.allRows, int32(i))
	}
	return ls.allRows[:n]
}

func (ls *LoadStream) apply(ts *tabletState, ss *senderState, data []byte, ack AckFunc) {
	seq := ss.nextSeq
	ss.nextSeq++
	if ts.err == nil {
		ts.err = ls.appendBlock(ts.key, data)
		if ts.err != nil {
			logutil.Logger(ls.ctx).Warn("apply segment failed",
				zap.Stringer("tablet", ts.key), zap.Int64("seq", seq), zap.Error(ts.err))
		}
	}
	if ts.err == nil {
		metrics.SegmentFlushCounter.WithLabelValues(metrics.LblOK).Inc()
	} else {
		metrics.SegmentFlushCounter.WithLabelValues(metrics.LblError).Inc()
	}
	ack(loadpb.Ack{Tablet: ts.key, Seq: seq, Status: loadpb.StatusOf(ts.err)})
}

func (ls *LoadStream) appendBlock(key common.TabletKey, data []byte) error {
	failpoint.Inject("applySegmentError", func() {
		failpoint.Return(common.ErrWriteTablet.GenWithStackByArgs(key))
	})
	blk, err := chunk.Decode(data)
	if err != nil {
		return common.ErrInvalidWriteRequest.Wrap(err).GenWithStackByArgs(fmt.Sprintf("bad block for tablet %s", key))
	}
	if err := types.CheckLayout(ls.schema, blk.Fields()); err != nil {
		return common.ErrInvalidWriteRequest.Wrap(err).GenWithStackByArgs(fmt.Sprintf("block for tablet %s", key))
	}
	w, err := ls.registry.GetOrCreate(key)
	if err != nil {
		return err
	}
	return w.Append(ls.ctx, blk, ls.rows(blk.NumRows()))
}

// CloseTablets handles a close marker of sender. A tablet commits once every
// sender that opened it has closed it; reply receives one result per tablet
// of req after all of them are decided. An empty marker gets no reply.
func (ls *LoadStream) CloseTablets(sender int64, req *loadpb.CloseRequest, reply ReplyFunc) error {
	if len(req.Tablets) == 0 {
		return nil
	}
	return ls.submit(func() {
		ls.closeTablets(sender, req, reply)
	})
}

func (ls *LoadStream) closeTablets(sender int64, req *loadpb.CloseRequest, reply ReplyFunc) {
	w := &closeWaiter{reply: reply, remaining: len(req.Tablets)}
	for _, seg := range req.Tablets {
		w.results = append(w.results, loadpb.TabletResult{Tablet: seg.Tablet})
	}
	for i, seg := range req.Tablets {
		if ls.canceled {
			w.resolve(i, common.ErrLoadCanceled.GenWithStackByArgs())
			continue
		}
		ts, ok := ls.tablets[seg.Tablet]
		if !ok {
			w.resolve(i, common.ErrInvalidWriteRequest.GenWithStackByArgs(fmt.Sprintf("tablet %s is not opened", seg.Tablet)))
			continue
		}
		ss, ok := ts.senders[sender]
		if !ok {
			w.resolve(i, common.ErrInvalidWriteRequest.GenWithStackByArgs(fmt.Sprintf("sender %d did not open tablet %s", sender, seg.Tablet)))
			continue
		}
		if ts.committed {
			w.resolve(i, ts.err)
			continue
		}
		ss.closed = true
		if ss.nextSeq != seg.Segments && ts.err == nil {
			ts.err = common.ErrMissingSegments.GenWithStackByArgs(seg.Tablet, ss.nextSeq, seg.Segments)
		}
		ts.waiters = append(ts.waiters, waiterRef{w: w, index: i})
		if ts.allClosed() {
			ls.commit(ts)
		}
	}
}

func (ls *LoadStream) commit(ts *tabletState) {
	if ts.err == nil {
		w, err := ls.registry.GetOrCreate(ts.key)
		if err == nil {
			err = w.Close(ls.ctx)
		}
		ts.err = err
	} else if w, ok := ls.registry.Get(ts.key); ok {
		w.Cancel()
	}
	ts.committed = true
	if ts.err != nil {
		logutil.Logger(ls.ctx).Warn("tablet commit failed", zap.Stringer("tablet", ts.key), zap.Error(ts.err))
	} else {
		logutil.Logger(ls.ctx).Debug("tablet committed", zap.Stringer("tablet", ts.key))
	}
	for _, ref := range ts.waiters {
		ref.w.resolve(ref.index, ts.err)
	}
	ts.waiters = nil
}

func (ls *LoadStream) cancel() {
	ls.canceled = true
	ls.registry.CancelAll()
	err := common.ErrLoadCanceled.GenWithStackByArgs()
	for _, ts := range ls.tablets {
		if ts.committed {
			continue
		}
		ts.committed = true
		ts.err = err
		for _, ref := range ts.waiters {
			ref.w.resolve(ref.index, err)
		}
		ts.waiters = nil
	}
}

// shutdown cancels the uncommitted tablets and waits for the token to drain.
func (ls *LoadStream) shutdown() {
	_ = ls.submit(ls.cancel)
	ls.token.Shutdown()
}

// Detach drops the reference of one stream. The last detach removes the
// session from the manager and cancels the tablets not committed yet.
func (ls *LoadStream) Detach() {
	m := ls.mgr
	m.mu.Lock()
	ls.refs--
	removed := ls.refs == 0 && m.removeLocked(ls)
	m.mu.Unlock()
	if removed {
		ls.shutdown()
		logutil.Logger(ls.ctx).Info("load stream detached")
	}
}

// Wait blocks until the submitted writes and close markers are handled.
func (ls *LoadStream) Wait() {
	ls.token.Wait()
}
