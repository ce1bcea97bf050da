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

package transport

import (
	"context"
	"strconv"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/config"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/util"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"github.com/pingcap/streamload/pkg/util/queue"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// EventHandler consumes the events of the streams of a Pool. The methods are
// called from the receive loops and must not block on the Pool.
type EventHandler interface {
	// OnAck is called once for every write request acknowledged by a node.
	OnAck(nodeID int64, ack *loadpb.Ack)
	// OnCloseResult is called with the reply to a close marker.
	OnCloseResult(nodeID int64, resp *loadpb.CloseResponse)
	// OnStreamClosed is called when a stream breaks before the Pool is closed.
	OnStreamClosed(nodeID int64, streamIdx int, err error)
	// OnNodeFailed is called once when no stream of a node is usable.
	OnNodeFailed(nodeID int64, err error)
}

// Pool holds the load streams of one sender to every receiving node.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     config.Stream
	dialer  Dialer
	handler EventHandler

	mu      sync.RWMutex
	nodes   map[int64]*nodeStreams
	closing atomic.Bool
	wg      util.WaitGroupWrapper
}

// NewPool creates a Pool. Streams opened by the Pool live until Close or
// until ctx is done.
func NewPool(ctx context.Context, cfg config.Stream, dialer Dialer, handler EventHandler) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		nodes:   make(map[int64]*nodeStreams),
	}
}

// Open opens StreamsPerNode streams to every node and sends the open request
// built by open on each of them. A node whose streams all fail to connect is
// failed. A node rejecting the open request fails Open.
func (p *Pool) Open(ctx context.Context, nodes []NodeInfo, open func(nodeID int64) *loadpb.OpenRequest) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		p.mu.Lock()
		if _, ok := p.nodes[node.ID]; ok {
			p.mu.Unlock()
			continue
		}
		ns := newNodeStreams(p, node)
		p.nodes[node.ID] = ns
		p.mu.Unlock()
		req := open(node.ID)
		eg.Go(func() error {
			return ns.open(ctx, req)
		})
	}
	return eg.Wait()
}

func (p *Pool) node(nodeID int64) (*nodeStreams, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ns, ok := p.nodes[nodeID]
	if !ok {
		return nil, errors.Errorf("node %d is not opened", nodeID)
	}
	return ns, nil
}

// Nodes returns the ids of the opened nodes.
func (p *Pool) Nodes() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Write queues req on one usable stream of the node. It does not wait for
// the request to be sent.
func (p *Pool) Write(nodeID int64, req *loadpb.WriteRequest) error {
	ns, err := p.node(nodeID)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	if ns.err != nil {
		ns.mu.Unlock()
		return ns.err
	}
	ns.pending.put(req)
	ns.mu.Unlock()
	return ns.dispatch(req)
}

// Usable reports whether the node has a usable stream.
func (p *Pool) Usable(nodeID int64) bool {
	ns, err := p.node(nodeID)
	if err != nil {
		return false
	}
	return ns.failure() == nil && ns.pick() != nil
}

// Drain blocks until every request written to the node is acknowledged. It
// returns the node failure if the node fails meanwhile.
func (p *Pool) Drain(ctx context.Context, nodeID int64) error {
	ns, err := p.node(nodeID)
	if err != nil {
		return err
	}
	return ns.drain(ctx)
}

// DrainAll drains every node and combines the failures.
func (p *Pool) DrainAll(ctx context.Context) error {
	ids := p.Nodes()
	errs := make([]error, len(ids))
	var eg errgroup.Group
	for i, id := range ids {
		eg.Go(func() error {
			errs[i] = p.Drain(ctx, id)
			return nil
		})
	}
	_ = eg.Wait()
	return multierr.Combine(errs...)
}

// CloseNode sends the close marker req to the node and waits for its reply.
// req goes to the first usable stream, the other streams get an empty marker.
func (p *Pool) CloseNode(ctx context.Context, nodeID int64, req *loadpb.CloseRequest) (*loadpb.CloseResponse, error) {
	ns, err := p.node(nodeID)
	if err != nil {
		return nil, err
	}
	if err := ns.sendClose(req, true); err != nil {
		return nil, err
	}
	select {
	case resp := <-ns.closeCh:
		return resp, nil
	case <-ns.failedCh:
		return nil, ns.failure()
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// ClearLoad asks every node to release the session of loadID. Failures are
// logged and combined.
func (p *Pool) ClearLoad(ctx context.Context, loadID common.LoadID) error {
	p.mu.RLock()
	nodes := make([]NodeInfo, 0, len(p.nodes))
	for _, ns := range p.nodes {
		nodes = append(nodes, ns.node)
	}
	p.mu.RUnlock()
	var err error
	for _, node := range nodes {
		if e := p.dialer.ClearLoad(ctx, node, loadID); e != nil {
			logutil.Logger(logutil.WithNode(ctx, node.ID)).Warn("clear load failed", zap.Error(e))
			err = multierr.Append(err, e)
		}
	}
	return err
}

// Close half closes every stream and waits for the nodes to finish them.
// Streams still open when ctx is done are torn down.
func (p *Pool) Close(ctx context.Context) {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	p.mu.RLock()
	nodes := make([]*nodeStreams, 0, len(p.nodes))
	for _, ns := range p.nodes {
		nodes = append(nodes, ns)
	}
	p.mu.RUnlock()
	for _, ns := range nodes {
		for _, s := range ns.allStreams() {
			s.out.Close()
		}
	}
	for _, ns := range nodes {
		for _, s := range ns.allStreams() {
			<-s.sendDone
			if s.usable.CompareAndSwap(true, false) {
				metrics.StreamOpenGauge.Dec()
				if err := s.conn.CloseSend(); err != nil {
					s.cancel()
				}
			}
		}
	}
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()
	p.wg.Wait()
	p.cancel()
}

type stream struct {
	idx      int
	conn     Conn
	cancel   context.CancelFunc
	out      *queue.MPMCQueue[*loadpb.StreamRequest]
	usable   atomic.Bool
	sendDone chan struct{}
}

type nodeStreams struct {
	pool    *Pool
	node    NodeInfo
	label   string
	next    atomic.Uint64
	limiter *rate.Limiter

	mu      sync.Mutex
	cond    *sync.Cond
	streams []*stream
	pending *pendingCache
	err     error
	// closeReq is the close marker waiting for its reply, closeStream the
	// stream it was queued on.
	closeReq    *loadpb.CloseRequest
	closeStream int
	closeCh     chan *loadpb.CloseResponse
	failedCh    chan struct{}
}

func newNodeStreams(p *Pool, node NodeInfo) *nodeStreams {
	ns := &nodeStreams{
		pool:     p,
		node:     node,
		label:    strconv.FormatInt(node.ID, 10),
		pending:  newPendingCache(),
		closeCh:  make(chan *loadpb.CloseResponse, 1),
		failedCh: make(chan struct{}),
	}
	ns.cond = sync.NewCond(&ns.mu)
	if limit := p.cfg.MaxBytesPerSec; limit > 0 {
		ns.limiter = rate.NewLimiter(rate.Limit(limit), int(limit))
	}
	return ns
}

func (ns *nodeStreams) logger() *zap.Logger {
	return logutil.Logger(logutil.WithNode(ns.pool.ctx, ns.node.ID)).With(zap.String("addr", ns.node.Addr))
}

func (ns *nodeStreams) open(ctx context.Context, req *loadpb.OpenRequest) error {
	n := ns.pool.cfg.StreamsPerNode
	streams := make([]*stream, 0, n)
	var connErr error
	for i := range n {
		s, err := ns.openStream(ctx, i, req)
		if err != nil {
			if common.ErrInvalidOpenRequest.Equal(err) || common.ErrLoadNotFound.Equal(err) {
				for _, s := range streams {
					s.cancel()
				}
				return err
			}
			ns.logger().Warn("open load stream failed", zap.Int("stream", i), zap.Error(err))
			connErr = err
			continue
		}
		streams = append(streams, s)
	}
	ns.mu.Lock()
	ns.streams = streams
	ns.mu.Unlock()
	for _, s := range streams {
		metrics.StreamOpenGauge.Inc()
		ns.pool.wg.Run(func() { ns.sendLoop(s) })
		ns.pool.wg.Run(func() { ns.recvLoop(s) })
	}
	if len(streams) == 0 {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		ns.fail(connErr)
	}
	return nil
}

func (ns *nodeStreams) openStream(ctx context.Context, idx int, req *loadpb.OpenRequest) (*stream, error) {
	sctx, cancel := context.WithCancel(ns.pool.ctx)
	// the handshake is bounded by ctx, the stream itself by the pool
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	conn, err := ns.pool.dialer.Dial(sctx, ns.node)
	if err != nil {
		cancel()
		return nil, err
	}
	r := *req
	r.StreamIndex = int32(idx)
	if err := conn.Send(&loadpb.StreamRequest{Open: &r}); err != nil {
		cancel()
		return nil, errors.Annotatef(err, "send open request to node %d", ns.node.ID)
	}
	resp, err := conn.Recv()
	if err != nil {
		cancel()
		return nil, errors.Annotatef(err, "receive open response from node %d", ns.node.ID)
	}
	if resp.Open == nil {
		cancel()
		return nil, errors.Errorf("node %d replied to the open request with an unexpected message", ns.node.ID)
	}
	if err := resp.Open.Status.Err(); err != nil {
		cancel()
		return nil, err
	}
	s := &stream{
		idx:      idx,
		conn:     conn,
		cancel:   cancel,
		out:      queue.NewMPMCQueue[*loadpb.StreamRequest](ns.pool.cfg.QueueSize),
		sendDone: make(chan struct{}),
	}
	s.usable.Store(true)
	return s, nil
}

func (ns *nodeStreams) allStreams() []*stream {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.streams
}

// pick returns the next usable stream in round-robin order.
func (ns *nodeStreams) pick() *stream {
	streams := ns.allStreams()
	if len(streams) == 0 {
		return nil
	}
	start := ns.next.Inc()
	for i := range streams {
		s := streams[(start+uint64(i))%uint64(len(streams))]
		if s.usable.Load() {
			return s
		}
	}
	return nil
}

func (ns *nodeStreams) failure() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.err
}

func (ns *nodeStreams) dispatch(req *loadpb.WriteRequest) error {
	for {
		s := ns.pick()
		if s == nil {
			return ns.fail(errors.New("no usable stream"))
		}
		ns.mu.Lock()
		if ns.err != nil {
			ns.mu.Unlock()
			return ns.err
		}
		pending := ns.pending.assign(req, s.idx)
		ns.mu.Unlock()
		if !pending {
			return nil
		}
		if s.out.Push(&loadpb.StreamRequest{Write: req}) == queue.OK {
			return nil
		}
	}
}

func (ns *nodeStreams) sendClose(req *loadpb.CloseRequest, first bool) error {
	if first {
		ns.mu.Lock()
		if ns.err != nil {
			ns.mu.Unlock()
			return ns.err
		}
		ns.closeReq = req
		ns.mu.Unlock()
	}
	sent := false
	for _, s := range ns.allStreams() {
		if !s.usable.Load() {
			continue
		}
		if sent {
			if first {
				s.out.Push(&loadpb.StreamRequest{Close: &loadpb.CloseRequest{}})
			}
			continue
		}
		ns.mu.Lock()
		ns.closeStream = s.idx
		ns.mu.Unlock()
		sent = s.out.Push(&loadpb.StreamRequest{Close: req}) == queue.OK
	}
	if !sent {
		return ns.fail(errors.New("no usable stream"))
	}
	return nil
}

func (ns *nodeStreams) sendLoop(s *stream) {
	defer close(s.sendDone)
	for {
		req, res := s.out.Pop()
		if res == queue.Closed {
			return
		}
		size := 0
		if req.Write != nil {
			size = len(req.Write.Data)
		}
		if ns.limiter != nil && size > 0 {
			if err := ns.limiter.WaitN(ns.pool.ctx, min(size, ns.limiter.Burst())); err != nil {
				ns.streamBroken(s, err)
				return
			}
		}
		if err := s.conn.Send(req); err != nil {
			ns.streamBroken(s, err)
			return
		}
		metrics.StreamBytesSentCounter.WithLabelValues(ns.label).Add(float64(size))
	}
}

func (ns *nodeStreams) recvLoop(s *stream) {
	for {
		resp, err := s.conn.Recv()
		if err != nil {
			ns.streamBroken(s, err)
			s.cancel()
			return
		}
		switch {
		case resp.Ack != nil:
			ns.onAck(resp.Ack)
		case resp.Close != nil:
			ns.onClose(resp.Close)
		}
	}
}

func (ns *nodeStreams) onAck(ack *loadpb.Ack) {
	ns.mu.Lock()
	ok := ns.pending.remove(ack.Tablet, ack.Seq)
	if ns.pending.len() == 0 {
		ns.cond.Broadcast()
	}
	ns.mu.Unlock()
	if ok {
		ns.pool.handler.OnAck(ns.node.ID, ack)
	}
}

func (ns *nodeStreams) onClose(resp *loadpb.CloseResponse) {
	ns.mu.Lock()
	if ns.closeReq == nil {
		ns.mu.Unlock()
		return
	}
	ns.closeReq = nil
	ns.mu.Unlock()
	ns.pool.handler.OnCloseResult(ns.node.ID, resp)
	ns.closeCh <- resp
}

// streamBroken takes s out of rotation and sends its unacknowledged requests
// again on the other streams of the node.
func (ns *nodeStreams) streamBroken(s *stream, err error) {
	if !s.usable.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.out.Close()
	s.out.Drain()
	metrics.StreamOpenGauge.Dec()
	if ns.pool.closing.Load() {
		return
	}
	metrics.StreamFailureCounter.WithLabelValues(ns.label).Inc()
	ns.logger().Warn("load stream broken", zap.Int("stream", s.idx), zap.Error(err))
	ns.pool.handler.OnStreamClosed(ns.node.ID, s.idx, err)

	ns.mu.Lock()
	reqs := ns.pending.ofStream(s.idx)
	resendClose := ns.closeReq != nil && ns.closeStream == s.idx
	closeReq := ns.closeReq
	ns.mu.Unlock()
	if ns.pick() == nil {
		ns.fail(common.ErrStreamClosed.Wrap(err).GenWithStackByArgs(s.idx, ns.node.ID))
		return
	}
	for _, req := range reqs {
		metrics.StreamRetransmitCounter.Inc()
		if ns.dispatch(req) != nil {
			return
		}
	}
	if resendClose {
		_ = ns.sendClose(closeReq, false)
	}
}

// fail marks the node failed. Only the first failure is reported to the
// handler. It returns the node failure.
func (ns *nodeStreams) fail(cause error) error {
	ns.mu.Lock()
	if ns.err != nil {
		err := ns.err
		ns.mu.Unlock()
		return err
	}
	ns.err = common.ErrNodeUnavailable.Wrap(cause).GenWithStackByArgs(ns.node.ID)
	err := ns.err
	ns.pending.clear()
	close(ns.failedCh)
	ns.cond.Broadcast()
	ns.mu.Unlock()
	if !ns.pool.closing.Load() {
		ns.logger().Warn("node failed", zap.Error(err))
		ns.pool.handler.OnNodeFailed(ns.node.ID, err)
	}
	return err
}

func (ns *nodeStreams) drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		ns.mu.Lock()
		ns.cond.Broadcast()
		ns.mu.Unlock()
	})
	defer stop()
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for ns.err == nil && ns.pending.len() > 0 && ctx.Err() == nil {
		ns.cond.Wait()
	}
	if ns.err != nil {
		return ns.err
	}
	return errors.Trace(ctx.Err())
}
