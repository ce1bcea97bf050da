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
	"io"

	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/util"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"github.com/pingcap/streamload/pkg/util/queue"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service serves the load stream gRPC service on top of a LoadStreamMgr.
type Service struct {
	mgr       *LoadStreamMgr
	queueSize int
}

var _ loadpb.LoadStreamServer = (*Service)(nil)

// NewService creates a Service. queueSize bounds the responses buffered per
// stream.
func NewService(mgr *LoadStreamMgr, queueSize int) *Service {
	return &Service{mgr: mgr, queueSize: queueSize}
}

// Stream implements loadpb.LoadStreamServer.
func (s *Service) Stream(stream loadpb.StreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Open == nil {
		metrics.RejectedRequestCounter.WithLabelValues("open").Inc()
		err := common.ErrInvalidOpenRequest.GenWithStackByArgs("the first message of a stream must be an open request")
		return stream.Send(&loadpb.StreamResponse{Open: &loadpb.OpenResponse{Status: loadpb.StatusOf(err)}})
	}
	ls, err := s.mgr.TryOpenLoadStream(first.Open)
	if err != nil {
		logutil.BgLogger().Warn("reject load stream", zap.Stringer("loadID", first.Open.LoadID), zap.Error(err))
		return stream.Send(&loadpb.StreamResponse{Open: &loadpb.OpenResponse{Status: loadpb.StatusOf(err)}})
	}
	defer ls.Detach()
	sender := first.Open.SenderID
	logger := logutil.Logger(ls.ctx).With(zap.Int64("sender", sender), zap.Int32("stream", first.Open.StreamIndex))
	metrics.ServerEventCounter.WithLabelValues("stream-open").Inc()

	out := queue.NewMPMCQueue[*loadpb.StreamResponse](s.queueSize)
	out.Push(&loadpb.StreamResponse{Open: &loadpb.OpenResponse{}})
	var wg util.WaitGroupWrapper
	wg.RunWithRecover(func() {
		sendLoop(stream, out, logger)
	}, nil)
	push := func(resp *loadpb.StreamResponse) {
		out.Push(resp)
	}

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if status.Code(err) != codes.Canceled {
				logger.Info("load stream broken", zap.Error(err))
			}
			break
		}
		switch {
		case req.Write != nil:
			w := req.Write
			err = ls.Write(sender, w, func(ack loadpb.Ack) { push(&loadpb.StreamResponse{Ack: &ack}) })
			if err != nil {
				push(&loadpb.StreamResponse{Ack: &loadpb.Ack{Tablet: w.Tablet, Seq: w.Seq, Status: loadpb.StatusOf(err)}})
			}
		case req.Close != nil:
			err = ls.CloseTablets(sender, req.Close, func(resp *loadpb.CloseResponse) { push(&loadpb.StreamResponse{Close: resp}) })
			if err != nil {
				results := make([]loadpb.TabletResult, 0, len(req.Close.Tablets))
				st := loadpb.StatusOf(err)
				for _, seg := range req.Close.Tablets {
					results = append(results, loadpb.TabletResult{Tablet: seg.Tablet, Reason: st.Reason, Message: st.Message})
				}
				push(&loadpb.StreamResponse{Close: &loadpb.CloseResponse{Results: results}})
			}
		default:
			metrics.RejectedRequestCounter.WithLabelValues("open").Inc()
			err := common.ErrInvalidOpenRequest.GenWithStackByArgs("stream is already open")
			push(&loadpb.StreamResponse{Open: &loadpb.OpenResponse{Status: loadpb.StatusOf(err)}})
		}
	}
	// flush the acks of the writes received on this stream
	ls.Wait()
	out.Close()
	wg.Wait()
	metrics.ServerEventCounter.WithLabelValues("stream-close").Inc()
	return nil
}

func sendLoop(stream loadpb.StreamServer, out *queue.MPMCQueue[*loadpb.StreamResponse], logger *zap.Logger) {
	send := func(resp *loadpb.StreamResponse) bool {
		if err := stream.Send(resp); err != nil {
			logger.Info("send load stream response failed", zap.Error(err))
			out.Close()
			return false
		}
		return true
	}
	for {
		resp, res := out.Pop()
		if res == queue.Closed {
			for _, resp := range out.Drain() {
				if !send(resp) {
					return
				}
			}
			return
		}
		if !send(resp) {
			out.Drain()
			return
		}
	}
}

// ClearLoad implements loadpb.LoadStreamServer.
func (s *Service) ClearLoad(_ context.Context, req *loadpb.ClearLoadRequest) (*loadpb.ClearLoadResponse, error) {
	if req.LoadID.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "missing load id")
	}
	s.mgr.ClearLoad(req.LoadID)
	metrics.ServerEventCounter.WithLabelValues("clear-load").Inc()
	return &loadpb.ClearLoadResponse{}, nil
}
