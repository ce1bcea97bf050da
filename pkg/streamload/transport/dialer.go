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
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/config"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// NodeInfo is the address of a receiving node.
type NodeInfo struct {
	ID   int64
	Addr string
}

// Conn is one bidirectional load stream.
type Conn interface {
	Send(*loadpb.StreamRequest) error
	Recv() (*loadpb.StreamResponse, error)
	CloseSend() error
}

// Dialer opens load streams to nodes.
type Dialer interface {
	// Dial opens a new stream to node. The stream is torn down when ctx is
	// done.
	Dial(ctx context.Context, node NodeInfo) (Conn, error)
	// ClearLoad releases the session of loadID on node.
	ClearLoad(ctx context.Context, node NodeInfo, loadID common.LoadID) error
}

// GRPCDialer is a Dialer sharing one gRPC connection per node address.
type GRPCDialer struct {
	cfg  config.Stream
	opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCDialer creates a GRPCDialer. opts are appended to the options
// derived from cfg.
func NewGRPCDialer(cfg config.Stream, opts ...grpc.DialOption) *GRPCDialer {
	return &GRPCDialer{cfg: cfg, opts: opts, conns: make(map[string]*grpc.ClientConn)}
}

func (d *GRPCDialer) dialOptions() []grpc.DialOption {
	bfConf := backoff.DefaultConfig
	bfConf.MaxDelay = 3 * time.Second
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           bfConf,
			MinConnectTimeout: d.cfg.DialTimeout.Duration,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                d.cfg.KeepaliveTime.Duration,
			Timeout:             d.cfg.KeepaliveTimeout.Duration,
			PermitWithoutStream: true,
		}),
	}
	if d.cfg.MaxMsgSize > 0 {
		opts = append(opts,
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(int(d.cfg.MaxMsgSize))),
			grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(int(d.cfg.MaxMsgSize))),
		)
	}
	return append(opts, d.opts...)
}

func (d *GRPCDialer) client(node NodeInfo) (loadpb.LoadStreamClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		return nil, errors.Errorf("dialer is closed")
	}
	cc, ok := d.conns[node.Addr]
	if !ok {
		var err error
		cc, err = grpc.NewClient(node.Addr, d.dialOptions()...)
		if err != nil {
			return nil, errors.Annotatef(err, "connect node %d at %s", node.ID, node.Addr)
		}
		d.conns[node.Addr] = cc
	}
	return loadpb.NewLoadStreamClient(cc), nil
}

// Dial implements Dialer.
func (d *GRPCDialer) Dial(ctx context.Context, node NodeInfo) (Conn, error) {
	cli, err := d.client(node)
	if err != nil {
		return nil, err
	}
	stream, err := cli.Stream(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "open stream to node %d", node.ID)
	}
	return stream, nil
}

// ClearLoad implements Dialer.
func (d *GRPCDialer) ClearLoad(ctx context.Context, node NodeInfo, loadID common.LoadID) error {
	cli, err := d.client(node)
	if err != nil {
		return err
	}
	if d.cfg.DialTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout.Duration)
		defer cancel()
	}
	resp, err := cli.ClearLoad(ctx, &loadpb.ClearLoadRequest{LoadID: loadID})
	if err != nil {
		return errors.Annotatef(err, "clear load %s on node %d", loadID, node.ID)
	}
	return resp.Status.Err()
}

// Close closes all connections.
func (d *GRPCDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for _, cc := range d.conns {
		err = multierr.Append(err, cc.Close())
	}
	d.conns = nil
	return err
}
