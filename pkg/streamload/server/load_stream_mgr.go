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
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"github.com/pingcap/streamload/pkg/util/serialpool"
	"go.uber.org/zap"
)

// LoadStreamMgr owns the sessions of the loads received by one server. All
// segment writes of one load run on one serial token of a shared pool.
type LoadStreamMgr struct {
	ctx       context.Context
	cancel    context.CancelFunc
	pool      *serialpool.Pool
	storage   deltawriter.Storage
	flushSize int64

	mu      sync.Mutex
	streams map[common.LoadID]*LoadStream
	closed  bool
}

// NewLoadStreamMgr creates a LoadStreamMgr whose sessions write tablets
// created by storage, using segmentWriterThreads goroutines.
func NewLoadStreamMgr(segmentWriterThreads int, storage deltawriter.Storage, flushSize int64) *LoadStreamMgr {
	if segmentWriterThreads <= 0 {
		segmentWriterThreads = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LoadStreamMgr{
		ctx:       ctx,
		cancel:    cancel,
		pool:      serialpool.New("segment-writer", segmentWriterThreads),
		storage:   storage,
		flushSize: flushSize,
		streams:   make(map[common.LoadID]*LoadStream),
	}
}

func invalidOpen(format string, args ...any) error {
	return common.ErrInvalidOpenRequest.GenWithStackByArgs(errors.Errorf(format, args...).Error())
}

func checkOpenRequest(req *loadpb.OpenRequest) error {
	if req.LoadID.IsZero() {
		return invalidOpen("missing load id")
	}
	if req.TxnID <= 0 {
		return invalidOpen("invalid txn id %d", req.TxnID)
	}
	if req.NumReplicas <= 0 {
		return invalidOpen("invalid replica count %d", req.NumReplicas)
	}
	if len(req.Schema) == 0 {
		return invalidOpen("empty schema")
	}
	for _, ft := range req.Schema {
		if err := ft.Validate(); err != nil {
			return invalidOpen("%s", err.Error())
		}
	}
	return nil
}

// TryOpenLoadStream attaches a stream to the session of req.LoadID, creating
// the session on first use. Invalid requests are rejected without creating
// a session.
func (m *LoadStreamMgr) TryOpenLoadStream(req *loadpb.OpenRequest) (*LoadStream, error) {
	if err := checkOpenRequest(req); err != nil {
		metrics.RejectedRequestCounter.WithLabelValues("open").Inc()
		return nil, err
	}
	ls, err := m.attach(req)
	if err != nil {
		metrics.RejectedRequestCounter.WithLabelValues("open").Inc()
		return nil, err
	}
	if err := ls.register(req); err != nil {
		ls.Detach()
		return nil, err
	}
	return ls, nil
}

func (m *LoadStreamMgr) attach(req *loadpb.OpenRequest) (*LoadStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, common.ErrLoadNotFound.GenWithStackByArgs(req.LoadID)
	}
	ls, ok := m.streams[req.LoadID]
	if ok {
		if ls.txnID != req.TxnID {
			return nil, invalidOpen("load %s belongs to txn %d, not %d", req.LoadID, ls.txnID, req.TxnID)
		}
		if len(ls.schema) != len(req.Schema) {
			return nil, invalidOpen("load %s has %d columns, not %d", req.LoadID, len(ls.schema), len(req.Schema))
		}
	} else {
		ls = newLoadStream(m, req)
		m.streams[req.LoadID] = ls
		metrics.OpenLoadStreamsGauge.Inc()
		logutil.Logger(ls.ctx).Info("load stream opened",
			zap.Int64("sender", req.SenderID), zap.Int("tablets", len(req.Tablets)))
	}
	ls.refs++
	return ls, nil
}

// Get returns the session of loadID.
func (m *LoadStreamMgr) Get(loadID common.LoadID) (*LoadStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.streams[loadID]
	return ls, ok
}

// Len returns the number of sessions.
func (m *LoadStreamMgr) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *LoadStreamMgr) remove(ls *LoadStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(ls)
}

func (m *LoadStreamMgr) removeLocked(ls *LoadStream) bool {
	if cur, ok := m.streams[ls.loadID]; !ok || cur != ls {
		return false
	}
	delete(m.streams, ls.loadID)
	metrics.OpenLoadStreamsGauge.Dec()
	return true
}

// ClearLoad removes the session of loadID and cancels the tablets it has
// not committed. Clearing an unknown load is a no-op.
func (m *LoadStreamMgr) ClearLoad(loadID common.LoadID) {
	ls, ok := m.Get(loadID)
	if !ok || !m.remove(ls) {
		return
	}
	ls.shutdown()
	logutil.Logger(ls.ctx).Info("load cleared")
}

// Close cancels every session, waits for their pending writes and stops the
// segment writers. TryOpenLoadStream fails afterwards.
func (m *LoadStreamMgr) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	streams := make([]*LoadStream, 0, len(m.streams))
	for id, ls := range m.streams {
		streams = append(streams, ls)
		delete(m.streams, id)
		metrics.OpenLoadStreamsGauge.Dec()
	}
	m.mu.Unlock()

	for _, ls := range streams {
		ls.shutdown()
	}
	m.cancel()
	m.pool.Close()
	logutil.BgLogger().Info("load stream manager closed", zap.Int("sessions", len(streams)))
}
