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

// Package sink is the sending side of a load. A Sink validates and routes
// row batches, buffers them per tablet and writes them to the replicas of
// every tablet, either through local tablet writers or over load streams.
package sink

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/config"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/commit"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/streamload/partition"
	"github.com/pingcap/streamload/pkg/streamload/scheduler"
	"github.com/pingcap/streamload/pkg/streamload/transport"
	"github.com/pingcap/streamload/pkg/streamload/validate"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LocalNodeID is the replica id of the tablets of a local sink.
const LocalNodeID int64 = 0

// Params describes one load.
type Params struct {
	LoadID   common.LoadID
	TxnID    int64
	SenderID int64
	Schema   []*types.FieldType
	// Partition is the destination table layout.
	Partition partition.Descriptor
	// Locations maps a tablet id to the nodes holding its replicas.
	Locations map[int64][]int64
	Nodes     map[int64]transport.NodeInfo
	// NumReplicas is sent to the nodes. Zero means the largest replica count
	// of Locations.
	NumReplicas int
	// Local writes every tablet through LocalFactory instead of streaming it.
	Local        bool
	LocalFactory deltawriter.WriterFactory
	// Dialer opens the load streams of a distributed sink.
	Dialer transport.Dialer
	// Rand draws the tablets of random distribution. Nil uses math/rand.
	Rand partition.Rand
}

// Stats are the row counters of a sink.
type Stats struct {
	InputRows            int64
	OutputRows           int64
	FilteredRows         int64
	SkippedRows          int64
	ImmutableSkippedRows int64
}

// Sink writes the batches of one load. Send must be called from a single
// goroutine; Cancel may be called from any goroutine.
type Sink struct {
	cfg    *config.Config
	params Params
	ctx    context.Context
	cancel context.CancelFunc

	validator *validate.Validator
	router    *partition.Router
	registry  *deltawriter.Registry
	scheduler *scheduler.Scheduler
	tracker   *commit.Tracker
	pool      *transport.Pool

	replicas    map[common.TabletKey][]int64
	nodeTablets map[int64][]common.TabletKey
	filter      *bitset.BitSet

	// segments is the number of blocks each remote tablet writer sent.
	segMu    sync.Mutex
	segments map[common.TabletKey]int64

	stop      atomic.Bool
	cancelMu  sync.Mutex
	cancelErr error
	opened    atomic.Bool
	closed    atomic.Bool

	inputRows            atomic.Int64
	outputRows           atomic.Int64
	filteredRows         atomic.Int64
	routeFilteredRows    atomic.Int64
	skippedRows          atomic.Int64
	immutableSkippedRows atomic.Int64
}

// New creates a Sink. It does not connect to anything until Open.
func New(cfg *config.Config, params Params) *Sink {
	ctx, cancel := context.WithCancel(logutil.WithLoad(context.Background(), params.LoadID, params.TxnID))
	return &Sink{
		cfg:      cfg,
		params:   params,
		ctx:      ctx,
		cancel:   cancel,
		filter:   bitset.New(0),
		segments: make(map[common.TabletKey]int64),
	}
}

// Open builds the routing state and, for a distributed sink, opens the load
// streams to every node holding a replica.
func (s *Sink) Open(ctx context.Context) (err error) {
	if !s.opened.CompareAndSwap(false, true) {
		return errors.Errorf("sink of load %s is already open", s.params.LoadID)
	}
	defer func() {
		if err != nil {
			s.closed.Store(true)
			s.release()
		}
	}()
	sinkCfg := s.cfg.Sink
	mode, err := partition.ParseFindTabletMode(sinkCfg.FindTabletMode)
	if err != nil {
		return err
	}
	policy, err := partition.ParseMissingPartitionPolicy(sinkCfg.MissingPartitionPolicy)
	if err != nil {
		return err
	}
	quorum, err := commit.ParseQuorum(sinkCfg.WriteQuorum)
	if err != nil {
		return err
	}
	info, err := partition.NewInfo(s.params.Partition)
	if err != nil {
		return err
	}
	s.router = partition.NewRouter(info, mode, policy, s.params.Rand)
	s.validator, err = validate.New(s.params.Schema, validate.Options{
		MaxFilterRatio:   sinkCfg.MaxFilterRatio,
		StringMaxLength:  sinkCfg.StringMaxLength,
		MaxErrorMessages: sinkCfg.MaxErrorMessages,
	})
	if err != nil {
		return err
	}
	if err := s.initReplicas(info.TabletKeys()); err != nil {
		return err
	}
	s.tracker = commit.NewTracker(s.replicas, quorum)

	factory := s.params.LocalFactory
	if !s.params.Local {
		factory = s.newRemoteWriter
	} else if factory == nil {
		return errors.Errorf("local sink of load %s has no writer factory", s.params.LoadID)
	}
	s.registry = deltawriter.NewRegistry(factory, int64(sinkCfg.MemtableFlushSize))
	s.scheduler = scheduler.New(s.ctx, s.registry, scheduler.Options{
		Name:      "sink-write",
		Workers:   sinkCfg.WriteWorkerCount,
		QueueSize: sinkCfg.WriteQueueSize,
		OnFailure: s.tracker.RecordTabletFailure,
	})
	if s.params.Local {
		logutil.Logger(s.ctx).Info("open local sink", zap.Int("tablets", len(s.replicas)))
		return nil
	}
	return s.openStreams(ctx)
}

func (s *Sink) initReplicas(keys []common.TabletKey) error {
	s.replicas = make(map[common.TabletKey][]int64, len(keys))
	s.nodeTablets = make(map[int64][]common.TabletKey)
	for _, key := range keys {
		if s.params.Local {
			s.replicas[key] = []int64{LocalNodeID}
			continue
		}
		nodes := s.params.Locations[key.TabletID]
		if len(nodes) == 0 {
			return common.ErrInvalidPartitionInfo.GenWithStackByArgs(fmt.Sprintf("tablet %d has no replica", key.TabletID))
		}
		s.replicas[key] = nodes
		for _, node := range nodes {
			if _, ok := s.params.Nodes[node]; !ok {
				return common.ErrInvalidPartitionInfo.GenWithStackByArgs(fmt.Sprintf("node %d of tablet %d has no address", node, key.TabletID))
			}
			s.nodeTablets[node] = append(s.nodeTablets[node], key)
		}
	}
	return nil
}

func (s *Sink) openStreams(ctx context.Context) error {
	if s.params.Dialer == nil {
		return errors.Errorf("distributed sink of load %s has no dialer", s.params.LoadID)
	}
	numReplicas := s.params.NumReplicas
	if numReplicas <= 0 {
		for _, nodes := range s.replicas {
			numReplicas = max(numReplicas, len(nodes))
		}
	}
	ids := slices.Sorted(maps.Keys(s.nodeTablets))
	nodes := make([]transport.NodeInfo, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, s.params.Nodes[id])
	}
	s.pool = transport.NewPool(s.ctx, s.cfg.Stream, s.params.Dialer, s)
	logutil.Logger(s.ctx).Info("open sink streams",
		zap.Int("tablets", len(s.replicas)), zap.Int64s("nodes", ids), zap.Int("replicas", numReplicas))
	return s.pool.Open(ctx, nodes, func(node int64) *loadpb.OpenRequest {
		return &loadpb.OpenRequest{
			LoadID:      s.params.LoadID,
			TxnID:       s.params.TxnID,
			SenderID:    s.params.SenderID,
			NumReplicas: int32(numReplicas),
			Schema:      s.params.Schema,
			Tablets:     s.nodeTablets[node],
		}
	})
}

// Send validates chk, routes its rows and queues them to the delta writers of
// their tablets. It does not wait for the rows to be written. chk must not be
// modified after Send returns.
func (s *Sink) Send(ctx context.Context, chk *chunk.Chunk) error {
	if !s.opened.Load() || s.closed.Load() {
		return common.ErrSinkClosed.GenWithStackByArgs(s.params.LoadID)
	}
	if s.stop.Load() {
		return s.canceledErr()
	}
	rows := chk.NumRows()
	s.inputRows.Add(int64(rows))
	metrics.SinkRowsCounter.WithLabelValues("input").Add(float64(rows))

	res, err := s.validator.Validate(chk, s.filter, &s.stop)
	s.filteredRows.Add(int64(res.FilteredRows))
	if err != nil {
		return err
	}
	s.router.StartBatch()
	groups, rs, err := s.router.Route(chk, s.filter, &s.stop)
	if err != nil {
		return err
	}
	s.routeFilteredRows.Add(int64(rs.Filtered))
	s.filteredRows.Add(int64(rs.Filtered))
	s.skippedRows.Add(int64(rs.Skipped))
	s.immutableSkippedRows.Add(int64(rs.ImmutableSkipped))
	s.outputRows.Add(int64(rs.Routed))
	metrics.SinkRowsCounter.WithLabelValues("filtered").Add(float64(res.FilteredRows + rs.Filtered))
	metrics.SinkRowsCounter.WithLabelValues("skipped").Add(float64(rs.Skipped + rs.ImmutableSkipped))
	metrics.SinkRowsCounter.WithLabelValues("output").Add(float64(rs.Routed))
	if rs.Filtered > 0 {
		filtered := s.validator.FilteredRows() + s.routeFilteredRows.Load()
		total := s.validator.TotalRows()
		if float64(filtered)/float64(total) > s.cfg.Sink.MaxFilterRatio {
			return common.ErrTooManyFilteredRows.GenWithStackByArgs(filtered, total, s.cfg.Sink.MaxFilterRatio)
		}
	}

	for _, key := range sortedKeys(groups) {
		if err := s.scheduler.Submit(ctx, scheduler.Task{Key: key, Block: chk, Rows: groups[key]}); err != nil {
			if s.stop.Load() {
				return s.canceledErr()
			}
			return err
		}
	}
	return nil
}

func sortedKeys(groups common.RowsForTablet) []common.TabletKey {
	keys := slices.Collect(maps.Keys(groups))
	slices.SortFunc(keys, common.TabletKey.Compare)
	return keys
}

// Cancel aborts the load. Send fails from now on and tasks already queued
// run to completion. Only the first cause is kept.
func (s *Sink) Cancel(err error) {
	if err == nil {
		err = common.ErrLoadCanceled.GenWithStackByArgs()
	}
	s.cancelMu.Lock()
	if s.cancelErr == nil {
		s.cancelErr = err
	}
	s.cancelMu.Unlock()
	if !s.stop.Swap(true) {
		logutil.Logger(s.ctx).Warn("sink canceled", zap.Error(err))
	}
}

func (s *Sink) canceledErr() error {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancelErr != nil && !common.ErrLoadCanceled.Equal(s.cancelErr) {
		return common.ErrLoadCanceled.Wrap(s.cancelErr).GenWithStackByArgs()
	}
	return common.ErrLoadCanceled.GenWithStackByArgs()
}

// Close finishes the load. It waits for the queued tasks, flushes and closes
// every delta writer, waits until the nodes acknowledged every block, closes
// the tablets on the nodes and checks the write quorum of every tablet.
//
// With a non-nil closeErr, or after Cancel, the writers are canceled, the
// nodes are asked to drop the load and ErrSinkAborted is returned.
func (s *Sink) Close(ctx context.Context, closeErr error) (err error) {
	if !s.opened.Load() || !s.closed.CompareAndSwap(false, true) {
		return common.ErrSinkClosed.GenWithStackByArgs(s.params.LoadID)
	}
	start := time.Now()
	defer func() {
		metrics.SinkCloseDuration.WithLabelValues(metrics.RetLabel(err)).Observe(time.Since(start).Seconds())
		s.release()
	}()
	if timeout := s.cfg.Sink.LoadTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s.scheduler.Wait()

	if closeErr == nil && s.stop.Load() {
		s.cancelMu.Lock()
		closeErr = s.cancelErr
		s.cancelMu.Unlock()
	}
	if closeErr != nil {
		return s.abort(ctx, closeErr)
	}

	closable := s.closeWriters(ctx)
	if s.pool != nil {
		s.closeStreams(ctx, closable)
	}
	for _, o := range s.tracker.Outcomes() {
		if !o.OK() {
			logutil.Logger(s.ctx).Warn("tablet outcome", zap.Stringer("tablet", o.Key),
				zap.Int("succeeded", o.Succeeded), zap.Int("required", o.Required))
		}
	}
	if err := s.tracker.Check(); err != nil {
		return err
	}
	logutil.Logger(s.ctx).Info("sink closed",
		zap.Int64("input", s.inputRows.Load()),
		zap.Int64("output", s.outputRows.Load()),
		zap.Int64("filtered", s.filteredRows.Load()),
		zap.Int64("skipped", s.skippedRows.Load()+s.immutableSkippedRows.Load()),
		zap.Duration("cost", time.Since(start)))
	return nil
}

// closeWriters closes the delta writer of every tablet, including tablets
// that got no rows, and returns the tablets whose writers closed cleanly.
func (s *Sink) closeWriters(ctx context.Context) map[common.TabletKey]struct{} {
	for key := range s.replicas {
		if s.scheduler.Failed(key) != nil {
			continue
		}
		if _, err := s.registry.GetOrCreate(key); err != nil {
			s.tracker.RecordTabletFailure(key, err)
		}
	}
	var mu sync.Mutex
	closable := make(map[common.TabletKey]struct{}, len(s.replicas))
	s.registry.CloseAll(ctx, s.cfg.Sink.SendBatchParallelism, func(key common.TabletKey, err error) {
		if err != nil {
			s.tracker.RecordTabletFailure(key, err)
			return
		}
		if s.params.Local {
			s.tracker.RecordSuccess(key, LocalNodeID)
			return
		}
		mu.Lock()
		closable[key] = struct{}{}
		mu.Unlock()
	})
	return closable
}

// closeStreams waits for the acknowledgements of every node and sends the
// close markers. Replica results arrive through OnCloseResult.
func (s *Sink) closeStreams(ctx context.Context, closable map[common.TabletKey]struct{}) {
	if err := s.pool.DrainAll(ctx); err != nil {
		logutil.Logger(s.ctx).Warn("drain load streams failed", zap.Error(err))
	}
	s.segMu.Lock()
	segments := maps.Clone(s.segments)
	s.segMu.Unlock()

	var eg errgroup.Group
	for node, keys := range s.nodeTablets {
		req := &loadpb.CloseRequest{}
		for _, key := range keys {
			if _, ok := closable[key]; ok {
				req.Tablets = append(req.Tablets, loadpb.TabletSegments{Tablet: key, Segments: segments[key]})
			}
		}
		if len(req.Tablets) == 0 {
			continue
		}
		eg.Go(func() error {
			if _, err := s.pool.CloseNode(ctx, node, req); err != nil {
				logutil.Logger(s.ctx).Warn("close tablets failed", zap.Int64("node", node), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
	s.pool.Close(ctx)
}

func (s *Sink) abort(ctx context.Context, cause error) error {
	s.stop.Store(true)
	// best effort, nothing is committed
	s.registry.FlushAll(ctx)
	s.registry.CancelAll()
	if s.pool != nil {
		s.pool.Close(ctx)
		_ = s.pool.ClearLoad(ctx, s.params.LoadID)
	}
	err := common.ErrSinkAborted.Wrap(cause).GenWithStackByArgs(s.params.LoadID)
	logutil.Logger(s.ctx).Warn("sink aborted", zap.Error(err))
	return err
}

func (s *Sink) release() {
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	if s.pool != nil {
		s.pool.Close(s.ctx)
	}
	s.cancel()
}

// Stats returns the row counters.
func (s *Sink) Stats() Stats {
	return Stats{
		InputRows:            s.inputRows.Load(),
		OutputRows:           s.outputRows.Load(),
		FilteredRows:         s.filteredRows.Load(),
		SkippedRows:          s.skippedRows.Load(),
		ImmutableSkippedRows: s.immutableSkippedRows.Load(),
	}
}

// Outcomes returns the replica results of every tablet.
func (s *Sink) Outcomes() []commit.Outcome {
	return s.tracker.Outcomes()
}

// ErrorMessages returns the first row errors of the load.
func (s *Sink) ErrorMessages() []string {
	return s.validator.ErrorMessages()
}
