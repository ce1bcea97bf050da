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
	"net"
	"testing"

	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, mgr *LoadStreamMgr) loadpb.LoadStreamClient {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	loadpb.RegisterLoadStreamServer(srv, NewService(mgr, 16))
	go func() {
		_ = srv.Serve(lis)
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, conn.Close())
		srv.Stop()
	})
	return loadpb.NewLoadStreamClient(conn)
}

func TestServiceStream(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(2, store, 1<<20)
	defer mgr.Close()
	cli := startServer(t, mgr)
	ctx := context.Background()

	stream, err := cli.Stream(ctx)
	require.NoError(t, err)
	loadID := common.NewLoadID()
	require.NoError(t, stream.Send(&loadpb.StreamRequest{Open: openRequest(loadID, 1, t100)}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.Open)
	require.True(t, resp.Open.Status.OK())

	require.NoError(t, stream.Send(&loadpb.StreamRequest{Write: &loadpb.WriteRequest{Tablet: t100, Data: encodeBlock(7, 8)}}))
	resp, err = stream.Recv()
	require.NoError(t, err)
	require.Equal(t, &loadpb.Ack{Tablet: t100}, resp.Ack)

	// a tablet nobody opened
	require.NoError(t, stream.Send(&loadpb.StreamRequest{Write: &loadpb.WriteRequest{Tablet: t200, Data: encodeBlock(1)}}))
	resp, err = stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "StreamLoad:InvalidWriteRequest", resp.Ack.Status.Reason)

	require.NoError(t, stream.Send(&loadpb.StreamRequest{Close: &loadpb.CloseRequest{
		Tablets: []loadpb.TabletSegments{{Tablet: t100, Segments: 1}},
	}}))
	resp, err = stream.Recv()
	require.NoError(t, err)
	require.Equal(t, []loadpb.TabletResult{{Tablet: t100, Success: true}}, resp.Close.Results)
	require.Equal(t, []int64{7, 8}, committedValues(t, store, t100))

	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)

	for i := 0; i < 2; i++ {
		_, err = cli.ClearLoad(ctx, &loadpb.ClearLoadRequest{LoadID: loadID})
		require.NoError(t, err)
		require.Zero(t, mgr.Len())
	}
}

func TestServiceRejectsStreamWithoutOpen(t *testing.T) {
	mgr := NewLoadStreamMgr(1, deltawriter.NewMemStore(), 1<<20)
	defer mgr.Close()
	cli := startServer(t, mgr)

	stream, err := cli.Stream(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.Send(&loadpb.StreamRequest{Write: &loadpb.WriteRequest{Tablet: t100}}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "StreamLoad:InvalidOpenRequest", resp.Open.Status.Reason)
	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)
	require.Zero(t, mgr.Len())

	stream, err = cli.Stream(context.Background())
	require.NoError(t, err)
	bad := openRequest(common.NewLoadID(), 1, t100)
	bad.TxnID = 0
	require.NoError(t, stream.Send(&loadpb.StreamRequest{Open: bad}))
	resp, err = stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "StreamLoad:InvalidOpenRequest", resp.Open.Status.Reason)
	require.Zero(t, mgr.Len())
}
