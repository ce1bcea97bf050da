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
	"sync"
	"testing"

	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	schema = []*types.FieldType{types.NewFieldType("v", types.TypeBigInt).WithNullable(false)}
	t100   = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 100}
	t200   = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 200}
)

func openRequest(loadID common.LoadID, sender int64, tablets ...common.TabletKey) *loadpb.OpenRequest {
	return &loadpb.OpenRequest{
		LoadID:      loadID,
		TxnID:       10,
		SenderID:    sender,
		NumReplicas: 1,
		Schema:      schema,
		Tablets:     tablets,
	}
}

func encodeBlock(vs ...int64) []byte {
	chk := chunk.New(schema, len(vs))
	for _, v := range vs {
		chk.AppendRow(types.NewIntDatum(v))
	}
	return chunk.Encode(chk, false)
}

func committedValues(t *testing.T, store *deltawriter.MemStore, key common.TabletKey) []int64 {
	require.True(t, store.Committed(key), "tablet %s not committed", key)
	var vs []int64
	for _, blk := range store.Blocks(key) {
		for i := 0; i < blk.NumRows(); i++ {
			vs = append(vs, blk.Column(0).GetInt64(i))
		}
	}
	return vs
}

type recorder struct {
	mu      sync.Mutex
	acks    []loadpb.Ack
	replies []*loadpb.CloseResponse
}

func (r *recorder) ack(a loadpb.Ack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, a)
}

func (r *recorder) reply(resp *loadpb.CloseResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, resp)
}

func TestClearLoadIdempotent(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(2, store, 1<<20)
	defer mgr.Close()

	loadID := common.NewLoadID()
	ls, err := mgr.TryOpenLoadStream(openRequest(loadID, 1, t100))
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t100, Data: encodeBlock(1)}, rec.ack))

	mgr.ClearLoad(loadID)
	_, ok := mgr.Get(loadID)
	require.False(t, ok)
	require.Zero(t, mgr.Len())

	mgr.ClearLoad(loadID)
	_, ok = mgr.Get(loadID)
	require.False(t, ok)
	require.Zero(t, mgr.Len())

	// the uncommitted tablet was canceled and the session rejects writes
	require.False(t, store.Committed(t100))
	require.Equal(t, 1, store.Canceled(t100))
	require.ErrorIs(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t100, Seq: 1, Data: encodeBlock(2)}, rec.ack), common.ErrLoadNotFound)
	ls.Detach()
	require.Zero(t, mgr.Len())
}

func TestRejectInvalidOpen(t *testing.T) {
	mgr := NewLoadStreamMgr(1, deltawriter.NewMemStore(), 1<<20)
	defer mgr.Close()
	loadID := common.NewLoadID()

	noID := openRequest(common.LoadID{}, 1, t100)
	noSchema := openRequest(loadID, 1, t100)
	noSchema.Schema = nil
	badType := openRequest(loadID, 1, t100)
	badType.Schema = []*types.FieldType{types.NewStringType("s", types.TypeVarchar, 0)}
	noReplica := openRequest(loadID, 1, t100)
	noReplica.NumReplicas = 0
	for _, req := range []*loadpb.OpenRequest{noID, noSchema, badType, noReplica} {
		_, err := mgr.TryOpenLoadStream(req)
		require.ErrorIs(t, err, common.ErrInvalidOpenRequest)
		require.Zero(t, mgr.Len())
	}

	ls, err := mgr.TryOpenLoadStream(openRequest(loadID, 1, t100))
	require.NoError(t, err)
	otherTxn := openRequest(loadID, 2, t100)
	otherTxn.TxnID = 11
	_, err = mgr.TryOpenLoadStream(otherTxn)
	require.ErrorIs(t, err, common.ErrInvalidOpenRequest)
	require.Equal(t, 1, ls.Refs())
}

func TestWriteReorderAndDedup(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(2, store, 1)
	defer mgr.Close()
	loadID := common.NewLoadID()
	ls, err := mgr.TryOpenLoadStream(openRequest(loadID, 1, t100, t200))
	require.NoError(t, err)
	defer ls.Detach()

	rec := &recorder{}
	write := func(key common.TabletKey, seq int64, vs ...int64) {
		require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: key, Seq: seq, Data: encodeBlock(vs...)}, rec.ack))
	}
	write(t100, 2, 5)
	write(t100, 0, 1, 2)
	write(t200, 0, 9)
	write(t100, 0, 1, 2) // retransmitted
	write(t100, 1, 3, 4)
	ls.Wait()
	require.Len(t, rec.acks, 5)
	for _, a := range rec.acks {
		require.True(t, a.Status.OK())
	}

	require.NoError(t, ls.CloseTablets(1, &loadpb.CloseRequest{Tablets: []loadpb.TabletSegments{
		{Tablet: t100, Segments: 3}, {Tablet: t200, Segments: 1},
	}}, rec.reply))
	ls.Wait()
	require.Len(t, rec.replies, 1)
	for _, r := range rec.replies[0].Results {
		require.True(t, r.Success, "%s: %s", r.Tablet, r.Message)
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, committedValues(t, store, t100))
	require.Equal(t, []int64{9}, committedValues(t, store, t200))

	// writes after close are rejected, retransmits are still acknowledged
	write(t100, 3, 6)
	write(t100, 1, 3, 4)
	ls.Wait()
	require.Equal(t, "StreamLoad:InvalidWriteRequest", rec.acks[5].Status.Reason)
	require.True(t, rec.acks[6].Status.OK())
}

func TestCloseWithMissingSegments(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(1, store, 1<<20)
	defer mgr.Close()
	ls, err := mgr.TryOpenLoadStream(openRequest(common.NewLoadID(), 1, t100, t200))
	require.NoError(t, err)
	defer ls.Detach()

	rec := &recorder{}
	require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t100, Seq: 1, Data: encodeBlock(1)}, rec.ack))
	require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t200, Data: []byte("garbage")}, rec.ack))
	require.NoError(t, ls.CloseTablets(1, &loadpb.CloseRequest{Tablets: []loadpb.TabletSegments{
		{Tablet: t100, Segments: 2}, {Tablet: t200, Segments: 1},
	}}, rec.reply))
	ls.Wait()

	require.Len(t, rec.acks, 1)
	require.Equal(t, "StreamLoad:InvalidWriteRequest", rec.acks[0].Status.Reason)
	results := rec.replies[0].Results
	require.False(t, results[0].Success)
	require.Equal(t, "StreamLoad:MissingSegments", results[0].Reason)
	require.False(t, results[1].Success)
	require.Equal(t, "StreamLoad:InvalidWriteRequest", results[1].Reason)
	require.False(t, store.Committed(t100))
	require.False(t, store.Committed(t200))
}

func TestWriteBlockOfOtherLayout(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(1, store, 1<<20)
	defer mgr.Close()
	ls, err := mgr.TryOpenLoadStream(openRequest(common.NewLoadID(), 1, t100, t200))
	require.NoError(t, err)
	defer ls.Detach()

	strs := chunk.New([]*types.FieldType{types.NewStringType("v", types.TypeVarchar, 8)}, 1)
	strs.AppendRow(types.NewStringDatum("abc"))
	rec := &recorder{}
	require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t100, Data: chunk.Encode(strs, false)}, rec.ack))
	require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t100, Seq: 1, Data: encodeBlock(1)}, rec.ack))
	require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: t200, Data: encodeBlock(2)}, rec.ack))
	require.NoError(t, ls.CloseTablets(1, &loadpb.CloseRequest{Tablets: []loadpb.TabletSegments{
		{Tablet: t100, Segments: 2}, {Tablet: t200, Segments: 1},
	}}, rec.reply))
	ls.Wait()

	// every block is acknowledged, the tablet stays failed after the bad one
	require.Len(t, rec.acks, 3)
	require.Equal(t, "StreamLoad:InvalidWriteRequest", rec.acks[0].Status.Reason)
	require.Equal(t, "StreamLoad:InvalidWriteRequest", rec.acks[1].Status.Reason)
	require.True(t, rec.acks[2].Status.OK())
	results := rec.replies[0].Results
	require.False(t, results[0].Success)
	require.Equal(t, "StreamLoad:InvalidWriteRequest", results[0].Reason)
	require.True(t, results[1].Success)
	require.False(t, store.Committed(t100))
	require.Equal(t, []int64{2}, committedValues(t, store, t200))
}

func TestCommitWaitsForEverySender(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(1, store, 1<<20)
	defer mgr.Close()
	loadID := common.NewLoadID()
	ls1, err := mgr.TryOpenLoadStream(openRequest(loadID, 1, t100))
	require.NoError(t, err)
	ls2, err := mgr.TryOpenLoadStream(openRequest(loadID, 2, t100))
	require.NoError(t, err)
	require.Same(t, ls1, ls2)
	require.Equal(t, 2, ls1.Refs())

	rec := &recorder{}
	require.NoError(t, ls1.Write(1, &loadpb.WriteRequest{Tablet: t100, Data: encodeBlock(1)}, rec.ack))
	require.NoError(t, ls2.Write(2, &loadpb.WriteRequest{Tablet: t100, Data: encodeBlock(2)}, rec.ack))
	require.NoError(t, ls1.CloseTablets(1, &loadpb.CloseRequest{Tablets: []loadpb.TabletSegments{{Tablet: t100, Segments: 1}}}, rec.reply))
	ls1.Wait()
	require.Empty(t, rec.replies)
	require.False(t, store.Committed(t100))

	require.NoError(t, ls2.CloseTablets(2, &loadpb.CloseRequest{Tablets: []loadpb.TabletSegments{{Tablet: t100, Segments: 1}}}, rec.reply))
	ls2.Wait()
	require.Len(t, rec.replies, 2)
	require.Equal(t, []int64{1, 2}, committedValues(t, store, t100))

	ls1.Detach()
	require.Equal(t, 1, mgr.Len())
	ls2.Detach()
	require.Zero(t, mgr.Len())
	// committed tablets are not canceled by the last detach
	require.Zero(t, store.Canceled(t100))
}

func TestMgrClose(t *testing.T) {
	store := deltawriter.NewMemStore()
	mgr := NewLoadStreamMgr(2, store, 1<<20)
	rec := &recorder{}
	for i := 0; i < 3; i++ {
		key := common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: int64(i)}
		ls, err := mgr.TryOpenLoadStream(openRequest(common.NewLoadID(), 1, key))
		require.NoError(t, err)
		require.NoError(t, ls.Write(1, &loadpb.WriteRequest{Tablet: key, Data: encodeBlock(int64(i))}, rec.ack))
	}
	require.Equal(t, 3, mgr.Len())
	mgr.Close()
	mgr.Close()
	require.Zero(t, mgr.Len())
	_, err := mgr.TryOpenLoadStream(openRequest(common.NewLoadID(), 1, t100))
	require.ErrorIs(t, err, common.ErrLoadNotFound)
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, store.Canceled(common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: int64(i)}))
	}
}
