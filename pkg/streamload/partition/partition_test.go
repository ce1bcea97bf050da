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

package partition

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var schema = []*types.FieldType{
	types.NewFieldType("k", types.TypeBigInt).WithNullable(false),
	types.NewStringType("v", types.TypeVarchar, 16).WithNullable(false),
}

func ints(vs ...int64) []types.Datum {
	ds := make([]types.Datum, 0, len(vs))
	for _, v := range vs {
		ds = append(ds, types.NewIntDatum(v))
	}
	return ds
}

func newPartition(id int64, buckets int) *Partition {
	p := &Partition{ID: id}
	for idx := int64(1); idx <= 2; idx++ {
		index := Index{ID: idx}
		for b := 0; b < buckets; b++ {
			index.Tablets = append(index.Tablets, id*1000+idx*100+int64(b))
		}
		p.Indexes = append(p.Indexes, index)
	}
	return p
}

// p10: [-inf, 10), p20: [10, 20), p40: [30, +inf)
func rangeDescriptor(dist Distribution) Descriptor {
	p10, p20, p40 := newPartition(10, 4), newPartition(20, 4), newPartition(40, 3)
	p10.End = ints(10)
	p20.Start, p20.End = ints(10), ints(20)
	p40.Start = ints(30)
	return Descriptor{
		Type:                Range,
		PartitionColumns:    []int{0},
		Distribution:        dist,
		DistributionColumns: []int{1},
		// out of order on purpose
		Partitions: []*Partition{p40, p10, p20},
	}
}

func batch(keys ...int64) *chunk.Chunk {
	chk := chunk.New(schema, len(keys))
	for i, k := range keys {
		chk.AppendRow(types.NewIntDatum(k), types.NewStringDatum(string(rune('a'+i%26))))
	}
	return chk
}

func TestFindRange(t *testing.T) {
	info, err := NewInfo(rangeDescriptor(Random))
	require.NoError(t, err)
	cases := []struct {
		key int64
		id  int64
	}{
		{-100, 10}, {9, 10}, {10, 20}, {19, 20}, {20, 0}, {29, 0}, {30, 40}, {1 << 40, 40},
	}
	for _, c := range cases {
		p := info.Find(ints(c.key))
		if c.id == 0 {
			require.Nil(t, p, "key %d", c.key)
			continue
		}
		require.NotNil(t, p, "key %d", c.key)
		require.Equal(t, c.id, p.ID, "key %d", c.key)
	}
	require.Len(t, info.TabletKeys(), 2*(4+4+3))
}

func TestFindList(t *testing.T) {
	p1, p2 := newPartition(1, 2), newPartition(2, 2)
	p1.InKeys = [][]types.Datum{ints(1), ints(3), ints(5)}
	p2.InKeys = [][]types.Datum{ints(2), ints(4)}
	info, err := NewInfo(Descriptor{Type: List, PartitionColumns: []int{0}, Distribution: Random, Partitions: []*Partition{p1, p2}})
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Find(ints(5)).ID)
	require.Equal(t, int64(2), info.Find(ints(4)).ID)
	require.Nil(t, info.Find(ints(6)))
	require.Nil(t, info.Find(ints(0)))
}

func TestInvalidDescriptor(t *testing.T) {
	overlap := rangeDescriptor(Random)
	overlap.Partitions[0].Start = ints(15)
	dupList := Descriptor{Type: List, PartitionColumns: []int{0}, Partitions: []*Partition{newPartition(1, 1), newPartition(2, 1)}}
	dupList.Partitions[0].InKeys = [][]types.Datum{ints(1)}
	dupList.Partitions[1].InKeys = [][]types.Datum{ints(1)}
	uneven := rangeDescriptor(Random)
	uneven.Partitions[1].Indexes[1].Tablets = uneven.Partitions[1].Indexes[1].Tablets[:2]
	noHashCols := rangeDescriptor(Hash)
	noHashCols.DistributionColumns = nil
	dupID := rangeDescriptor(Random)
	dupID.Partitions[0].ID = 10

	for name, desc := range map[string]Descriptor{
		"overlap":   overlap,
		"dup list":  dupList,
		"uneven":    uneven,
		"hash cols": noHashCols,
		"dup id":    dupID,
		"empty":     {Type: Range, PartitionColumns: []int{0}},
	} {
		_, err := NewInfo(desc)
		require.ErrorIs(t, err, common.ErrInvalidPartitionInfo, name)
	}
}

func TestInfoOwnsDescriptor(t *testing.T) {
	desc := rangeDescriptor(Random)
	info, err := NewInfo(desc)
	require.NoError(t, err)
	desc.Partitions[1].Immutable = true
	desc.Partitions[1].Indexes[0].Tablets[0] = -1
	p := info.Find(ints(1))
	require.False(t, p.Immutable)
	require.Equal(t, int64(10*1000+100), p.Indexes[0].Tablets[0])
}

func TestHashDeterminism(t *testing.T) {
	info, err := NewInfo(rangeDescriptor(Hash))
	require.NoError(t, err)
	keys := []int64{1, 2, 3, 11, 12, 35, 36, 37, 5, 15}

	// the mode is ignored for hash distribution
	r1 := NewRouter(info, FindTabletEverySink, MissingPartitionFail, nil)
	require.Equal(t, FindTabletEveryRow, r1.Mode())
	first, _, err := r1.Route(batch(keys...), nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r2 := NewRouter(info, FindTabletEveryRow, MissingPartitionFail, nil)
		r2.StartBatch()
		again, _, err := r2.Route(batch(keys...), nil, nil)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	// equal distribution values land on the same tablet whatever else is in the batch
	chk := batch(1, 2)
	loc1, err := r1.Locate(chk, 0)
	require.NoError(t, err)
	chk2 := chunk.New(schema, 1)
	chk2.AppendRow(types.NewIntDatum(7), types.NewStringDatum("a"))
	loc2, err := r1.Locate(chk2, 0)
	require.NoError(t, err)
	require.Equal(t, loc1, loc2)
}

type seqRand struct{ n int }

func (r *seqRand) IntN(n int) int {
	r.n++
	return r.n % n
}

func TestRandomModes(t *testing.T) {
	info, err := NewInfo(rangeDescriptor(Random))
	require.NoError(t, err)
	chk := batch(1, 2, 3, 4)

	tabletsOf := func(r *Router) map[int]struct{} {
		seen := make(map[int]struct{})
		for row := 0; row < chk.NumRows(); row++ {
			loc, err := r.Locate(chk, row)
			require.NoError(t, err)
			seen[loc.TabletIndex] = struct{}{}
		}
		return seen
	}

	perRow := NewRouter(info, FindTabletEveryRow, MissingPartitionFail, &seqRand{})
	require.Len(t, tabletsOf(perRow), 4)

	perBatch := NewRouter(info, FindTabletEveryBatch, MissingPartitionFail, &seqRand{})
	perBatch.StartBatch()
	b1 := tabletsOf(perBatch)
	require.Len(t, b1, 1)
	perBatch.StartBatch()
	b2 := tabletsOf(perBatch)
	require.Len(t, b2, 1)
	require.NotEqual(t, b1, b2)

	perSink := NewRouter(info, FindTabletEverySink, MissingPartitionFail, &seqRand{})
	var chosen map[int]struct{}
	for i := 0; i < 5; i++ {
		perSink.StartBatch()
		got := tabletsOf(perSink)
		require.Len(t, got, 1)
		if chosen == nil {
			chosen = got
		}
		require.Equal(t, chosen, got)
	}
}

func TestRouteGroupsByTablet(t *testing.T) {
	info, err := NewInfo(rangeDescriptor(Random))
	require.NoError(t, err)
	r := NewRouter(info, FindTabletEverySink, MissingPartitionFilter, &seqRand{})
	chk := batch(1, 25, 11, 2, 12, 3)
	filter := bitset.New(uint(chk.NumRows()))
	filter.Set(5)

	rows, stats, err := r.Route(chk, filter, nil)
	require.NoError(t, err)
	require.Equal(t, RouteStats{Routed: 4, Filtered: 1}, stats)
	require.True(t, filter.Test(1))
	// two indexes per partition
	require.Len(t, rows, 4)
	require.Equal(t, 8, rows.NumRows())
	for key, rs := range rows {
		switch key.PartitionID {
		case 10:
			require.Equal(t, []int32{0, 3}, rs)
		case 20:
			require.Equal(t, []int32{2, 4}, rs)
		default:
			require.Failf(t, "unexpected tablet", "%s", key)
		}
	}
}

func TestMissingPartitionPolicy(t *testing.T) {
	info, err := NewInfo(rangeDescriptor(Random))
	require.NoError(t, err)
	chk := batch(1, 25, 26)

	skip := NewRouter(info, FindTabletEveryRow, MissingPartitionSkip, nil)
	filter := bitset.New(3)
	_, stats, err := skip.Route(chk, filter, nil)
	require.NoError(t, err)
	require.Equal(t, RouteStats{Routed: 1, Skipped: 2}, stats)
	require.Zero(t, filter.Count())

	fail := NewRouter(info, FindTabletEveryRow, MissingPartitionFail, nil)
	_, _, err = fail.Route(chk, bitset.New(3), nil)
	require.ErrorIs(t, err, common.ErrNoPartitionForRow)
	require.Contains(t, err.Error(), "(25)")
}

func TestImmutablePartition(t *testing.T) {
	desc := rangeDescriptor(Random)
	desc.Partitions[2].Immutable = true // p20
	info, err := NewInfo(desc)
	require.NoError(t, err)
	r := NewRouter(info, FindTabletEveryRow, MissingPartitionFail, nil)
	rows, stats, err := r.Route(batch(1, 11, 12), nil, nil)
	require.NoError(t, err)
	require.Equal(t, RouteStats{Routed: 1, ImmutableSkipped: 2}, stats)
	require.Equal(t, 2, rows.NumRows())
}

func TestRouteStop(t *testing.T) {
	info, err := NewInfo(rangeDescriptor(Random))
	require.NoError(t, err)
	r := NewRouter(info, FindTabletEveryRow, MissingPartitionFail, nil)
	_, _, err = r.Route(batch(1, 2), nil, atomic.NewBool(true))
	require.ErrorIs(t, err, common.ErrLoadCanceled)
}

func TestParseModes(t *testing.T) {
	m, err := ParseFindTabletMode("batch")
	require.NoError(t, err)
	require.Equal(t, FindTabletEveryBatch, m)
	_, err = ParseFindTabletMode("tablet")
	require.Error(t, err)
	p, err := ParseMissingPartitionPolicy("SKIP")
	require.NoError(t, err)
	require.Equal(t, MissingPartitionSkip, p)
	_, err = ParseMissingPartitionPolicy("ignore")
	require.Error(t, err)
}
