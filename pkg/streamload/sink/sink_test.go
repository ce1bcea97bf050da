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
	"net"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/config"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/streamload/partition"
	"github.com/pingcap/streamload/pkg/streamload/server"
	"github.com/pingcap/streamload/pkg/streamload/transport"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	schema = []*types.FieldType{
		types.NewFieldType("k", types.TypeBigInt).WithNullable(false),
		types.NewFieldType("v", types.TypeTinyInt),
	}
	t100 = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 100}
	t200 = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 200}
)

// seqRand returns its values in turn.
type seqRand struct {
	vals []int
	i    int
}

func (r *seqRand) IntN(n int) int {
	v := r.vals[r.i%len(r.vals)] % n
	r.i++
	return v
}

func twoTablets() partition.Descriptor {
	return partition.Descriptor{
		Type:         partition.Unpartitioned,
		Distribution: partition.Random,
		Partitions: []*partition.Partition{{
			ID:      1,
			Indexes: []partition.Index{{ID: 1, Tablets: []int64{100, 200}}},
		}},
	}
}

func rows(kvs ...[2]int64) *chunk.Chunk {
	chk := chunk.New(schema, len(kvs))
	for _, kv := range kvs {
		chk.AppendRow(types.NewIntDatum(kv[0]), types.NewIntDatum(kv[1]))
	}
	return chk
}

func values(t *testing.T, store *deltawriter.MemStore, key common.TabletKey) []int64 {
	require.True(t, store.Committed(key), "tablet %s not committed", key)
	var ks []int64
	for _, blk := range store.Blocks(key) {
		for i := range blk.NumRows() {
			ks = append(ks, blk.GetDatum(i, 0).GetInt64())
		}
	}
	return ks
}

func localSink(t *testing.T, cfg *config.Config, store *deltawriter.MemStore, desc partition.Descriptor) *Sink {
	s := New(cfg, Params{
		LoadID:       common.NewLoadID(),
		TxnID:        1,
		Schema:       schema,
		Partition:    desc,
		Local:        true,
		LocalFactory: store.Factory(),
		Rand:         &seqRand{vals: []int{0}},
	})
	require.NoError(t, s.Open(context.Background()))
	return s
}

func TestSendFilterRatio(t *testing.T) {
	for _, tc := range []struct {
		invalid int
		ok      bool
	}{{9, true}, {11, false}} {
		cfg := config.NewConfig()
		cfg.Sink.MaxFilterRatio = 0.1
		store := deltawriter.NewMemStore()
		s := localSink(t, cfg, store, twoTablets())
		ctx := context.Background()

		kvs := make([][2]int64, 100)
		for i := range kvs {
			kvs[i] = [2]int64{int64(i), 1}
			if i < tc.invalid {
				// out of the range of tinyint
				kvs[i][1] = 1000
			}
		}
		err := s.Send(ctx, rows(kvs...))
		stats := s.Stats()
		require.EqualValues(t, 100, stats.InputRows)
		require.EqualValues(t, tc.invalid, stats.FilteredRows)
		if !tc.ok {
			require.ErrorIs(t, err, common.ErrTooManyFilteredRows)
			require.ErrorIs(t, s.Close(ctx, err), common.ErrSinkAborted)
			require.False(t, store.Committed(t100))
			continue
		}
		require.NoError(t, err)
		require.EqualValues(t, 91, stats.OutputRows)
		require.NoError(t, s.Close(ctx, nil))
		got := values(t, store, t100)
		require.Len(t, got, 91)
		require.Equal(t, int64(9), got[0])
		// an empty tablet is still committed
		require.Empty(t, values(t, store, t200))
		require.Len(t, s.ErrorMessages(), 9)
	}
}

func TestSendMissingPartition(t *testing.T) {
	desc := partition.Descriptor{
		Type:             partition.List,
		PartitionColumns: []int{0},
		Distribution:     partition.Random,
		Partitions: []*partition.Partition{
			{ID: 1, InKeys: [][]types.Datum{{types.NewIntDatum(1)}}, Indexes: []partition.Index{{ID: 1, Tablets: []int64{100}}}},
			{ID: 2, InKeys: [][]types.Datum{{types.NewIntDatum(2)}}, Indexes: []partition.Index{{ID: 1, Tablets: []int64{300}}}, Immutable: true},
		},
	}
	ctx := context.Background()

	cfg := config.NewConfig()
	cfg.Sink.MissingPartitionPolicy = "skip"
	store := deltawriter.NewMemStore()
	s := localSink(t, cfg, store, desc)
	require.NoError(t, s.Send(ctx, rows([2]int64{1, 1}, [2]int64{3, 1}, [2]int64{2, 1}, [2]int64{1, 2})))
	require.Equal(t, Stats{InputRows: 4, OutputRows: 2, SkippedRows: 1, ImmutableSkippedRows: 1}, s.Stats())
	require.NoError(t, s.Close(ctx, nil))
	require.Equal(t, []int64{1, 1}, values(t, store, t100))

	cfg = config.NewConfig()
	cfg.Sink.MaxFilterRatio = 0.2
	s = localSink(t, cfg, deltawriter.NewMemStore(), desc)
	require.NoError(t, s.Send(ctx, rows([2]int64{1, 1}, [2]int64{1, 1}, [2]int64{1, 1}, [2]int64{1, 1}, [2]int64{3, 1})))
	require.EqualValues(t, 1, s.Stats().FilteredRows)
	err := s.Send(ctx, rows([2]int64{3, 1}))
	require.ErrorIs(t, err, common.ErrTooManyFilteredRows)
	require.ErrorIs(t, s.Close(ctx, err), common.ErrSinkAborted)

	cfg = config.NewConfig()
	cfg.Sink.MissingPartitionPolicy = "fail"
	s = localSink(t, cfg, deltawriter.NewMemStore(), desc)
	err = s.Send(ctx, rows([2]int64{3, 1}))
	require.ErrorIs(t, err, common.ErrNoPartitionForRow)
	require.ErrorIs(t, s.Close(ctx, err), common.ErrSinkAborted)
}

func TestSinkCancel(t *testing.T) {
	store := deltawriter.NewMemStore()
	s := localSink(t, config.NewConfig(), store, twoTablets())
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, rows([2]int64{1, 1})))
	s.Cancel(errors.New("query killed"))
	s.Cancel(nil)
	err := s.Send(ctx, rows([2]int64{2, 1}))
	require.ErrorIs(t, err, common.ErrLoadCanceled)
	require.ErrorContains(t, err, "query killed")

	err = s.Close(ctx, nil)
	require.ErrorIs(t, err, common.ErrSinkAborted)
	require.ErrorContains(t, err, "query killed")
	require.Equal(t, 1, store.Canceled(t100))
	require.False(t, store.Committed(t100))
	// the buffered row was flushed before the writer was canceled
	require.Equal(t, 1, store.WrittenRows(t100))
	require.Zero(t, store.WrittenRows(t200))
	require.Zero(t, s.registry.FlyingMemtables())
	require.ErrorIs(t, s.Close(ctx, nil), common.ErrSinkClosed)
	require.ErrorIs(t, s.Send(ctx, rows([2]int64{2, 1})), common.ErrSinkClosed)
}

func TestSinkTabletFailure(t *testing.T) {
	store := deltawriter.NewMemStore()
	store.FailTablet(t200, errors.New("disk full"))
	cfg := config.NewConfig()
	cfg.Sink.FindTabletMode = "batch"
	s := New(cfg, Params{
		LoadID:       common.NewLoadID(),
		TxnID:        1,
		Schema:       schema,
		Partition:    twoTablets(),
		Local:        true,
		LocalFactory: store.Factory(),
		Rand:         &seqRand{vals: []int{0, 1}},
	})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Send(ctx, rows([2]int64{1, 1})))
	require.NoError(t, s.Send(ctx, rows([2]int64{2, 1})))
	err := s.Close(ctx, nil)
	require.ErrorIs(t, err, common.ErrReplicaQuorum)
	require.ErrorContains(t, err, "disk full")

	outcomes := s.Outcomes()
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].OK())
	require.False(t, outcomes[1].OK())
	require.Equal(t, []int64{1}, values(t, store, t100))
	require.False(t, store.Committed(t200))
}

// startNodes serves one node per store on bufconn listeners. Node ids start
// at 1. Addresses without a listener fail to connect.
func startNodes(t *testing.T, stores ...*deltawriter.MemStore) (map[int64]transport.NodeInfo, *transport.GRPCDialer) {
	listeners := make(map[string]*bufconn.Listener)
	nodes := make(map[int64]transport.NodeInfo)
	for i, store := range stores {
		mgr := server.NewLoadStreamMgr(2, store, 1<<20)
		lis := bufconn.Listen(1 << 20)
		srv := grpc.NewServer()
		loadpb.RegisterLoadStreamServer(srv, server.NewService(mgr, 16))
		go func() {
			_ = srv.Serve(lis)
		}()
		t.Cleanup(func() {
			srv.Stop()
			mgr.Close()
		})
		id := int64(i + 1)
		addr := "node" + string(rune('0'+id))
		listeners[addr] = lis
		nodes[id] = transport.NodeInfo{ID: id, Addr: "passthrough:///" + addr}
	}
	dialer := transport.NewGRPCDialer(config.NewConfig().Stream, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, errors.Errorf("connection refused by %s", addr)
		}
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() {
		require.NoError(t, dialer.Close())
	})
	return nodes, dialer
}

func TestSinkEndToEnd(t *testing.T) {
	store := deltawriter.NewMemStore()
	nodes, dialer := startNodes(t, store)
	cfg := config.NewConfig()
	cfg.Sink.FindTabletMode = "batch"
	s := New(cfg, Params{
		LoadID:    common.NewLoadID(),
		TxnID:     3,
		SenderID:  1,
		Schema:    schema,
		Partition: twoTablets(),
		Locations: map[int64][]int64{100: {1}, 200: {1}},
		Nodes:     nodes,
		Dialer:    dialer,
		Rand:      &seqRand{vals: []int{0, 1}},
	})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Send(ctx, rows([2]int64{10, 1}, [2]int64{11, 1})))
	require.NoError(t, s.Send(ctx, rows([2]int64{12, 1})))
	require.NoError(t, s.Close(ctx, nil))

	outcomes := s.Outcomes()
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.True(t, o.OK(), o.Key.String())
		require.Equal(t, 1, o.Succeeded)
	}
	require.Equal(t, t100, outcomes[0].Key)
	require.Equal(t, []int64{10, 11}, values(t, store, t100))
	require.Equal(t, []int64{12}, values(t, store, t200))
}

func TestSinkQuorum(t *testing.T) {
	for _, tc := range []struct {
		quorum string
		ok     bool
	}{{"1", true}, {"majority", false}, {"all", false}} {
		store := deltawriter.NewMemStore()
		nodes, dialer := startNodes(t, store)
		// node 2 has no listener
		nodes[2] = transport.NodeInfo{ID: 2, Addr: "passthrough:///down"}
		cfg := config.NewConfig()
		cfg.Sink.WriteQuorum = tc.quorum
		s := New(cfg, Params{
			LoadID:    common.NewLoadID(),
			TxnID:     3,
			SenderID:  1,
			Schema:    schema,
			Partition: twoTablets(),
			Locations: map[int64][]int64{100: {1, 2}, 200: {1, 2}},
			Nodes:     nodes,
			Dialer:    dialer,
			Rand:      &seqRand{vals: []int{0}},
		})
		ctx := context.Background()
		require.NoError(t, s.Open(ctx))
		require.NoError(t, s.Send(ctx, rows([2]int64{1, 1}, [2]int64{2, 1})))
		err := s.Close(ctx, nil)
		if tc.ok {
			require.NoError(t, err, tc.quorum)
		} else {
			require.ErrorIs(t, err, common.ErrReplicaQuorum, tc.quorum)
			require.ErrorIs(t, err, common.ErrNodeUnavailable, tc.quorum)
		}
		// the reachable replica commits either way
		require.Equal(t, []int64{1, 2}, values(t, store, t100))
	}
}

func TestSinkOpenErrors(t *testing.T) {
	cfg := config.NewConfig()
	s := New(cfg, Params{LoadID: common.NewLoadID(), TxnID: 1, Schema: schema, Partition: twoTablets(),
		Locations: map[int64][]int64{100: {1}}, Nodes: map[int64]transport.NodeInfo{1: {ID: 1}}})
	require.ErrorIs(t, s.Open(context.Background()), common.ErrInvalidPartitionInfo)

	cfg = config.NewConfig()
	cfg.Sink.WriteQuorum = "most"
	s = New(cfg, Params{LoadID: common.NewLoadID(), TxnID: 1, Schema: schema, Partition: twoTablets(), Local: true})
	require.Error(t, s.Open(context.Background()))
	require.ErrorIs(t, s.Send(context.Background(), rows([2]int64{1, 1})), common.ErrSinkClosed)
}
