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

package segment

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/stretchr/testify/require"
)

var schema = []*types.FieldType{types.NewFieldType("v", types.TypeBigInt).WithNullable(false)}

func block(vs ...int64) *chunk.Chunk {
	chk := chunk.New(schema, len(vs))
	for _, v := range vs {
		chk.AppendRow(types.NewIntDatum(v))
	}
	return chk
}

func values(t *testing.T, blocks []*chunk.Chunk) []int64 {
	var vs []int64
	for _, blk := range blocks {
		for i := range blk.NumRows() {
			vs = append(vs, blk.GetDatum(i, 0).GetInt64())
		}
	}
	return vs
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("b"), prefixEnd([]byte("a")))
	require.Equal(t, []byte{'a', 1}, prefixEnd([]byte{'a', 0, 0xff}))
	require.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}

func TestStoreCommitAndCancel(t *testing.T) {
	store, err := Open("segments", vfs.NewMem())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()
	ctx := context.Background()
	key := common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 100}
	// segment numbers above 255 sort after the small ones
	const n = 300

	w, err := store.WriterFactory(7)(key)
	require.NoError(t, err)
	require.NoError(t, w.Open(ctx))
	var want []int64
	for i := range n {
		require.NoError(t, w.Write(ctx, block(int64(i))))
		want = append(want, int64(i))
	}
	_, ok, err := store.Committed(100, 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, w.Close(ctx))

	segs, ok, err := store.Committed(100, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, n, segs)
	blocks, err := store.Segments(100, 7)
	require.NoError(t, err)
	require.Equal(t, want, values(t, blocks))

	// another transaction of the same tablet is canceled
	w, err = store.WriterFactory(8)(key)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, block(1, 2)))
	w.Cancel()
	blocks, err = store.Segments(100, 8)
	require.NoError(t, err)
	require.Empty(t, blocks)
	blocks, err = store.Segments(100, 7)
	require.NoError(t, err)
	require.Len(t, blocks, n)
}

func TestStoreBehindDeltaWriter(t *testing.T) {
	store, err := Open("segments", vfs.NewMem())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()
	ctx := context.Background()
	key := common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 5}
	reg := deltawriter.NewRegistry(store.WriterFactory(1), 1)
	dw, err := reg.GetOrCreate(key)
	require.NoError(t, err)
	src := block(1, 2, 3, 4)
	require.NoError(t, dw.Append(ctx, src, []int32{0, 2}))
	require.NoError(t, dw.Append(ctx, src, []int32{3}))
	require.NoError(t, dw.Close(ctx))

	segs, ok, err := store.Committed(5, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, segs)
	blocks, err := store.Segments(5, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 4}, values(t, blocks))
}
