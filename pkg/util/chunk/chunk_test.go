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

package chunk

import (
	"bytes"
	"testing"

	"github.com/pingcap/streamload/pkg/types"
	"github.com/stretchr/testify/require"
)

func testFields() []*types.FieldType {
	return []*types.FieldType{
		types.NewFieldType("id", types.TypeBigInt).WithNullable(false),
		types.NewDecimalType("price", types.TypeDecimal32, 9, 2),
		types.NewDecimalType("amount", types.TypeDecimal128, 30, 4),
		types.NewStringType("name", types.TypeVarchar, 16),
		types.NewFieldType("ratio", types.TypeDouble),
	}
}

func buildTestChunk(t *testing.T, rows int) *Chunk {
	chk := New(testFields(), rows)
	for i := 0; i < rows; i++ {
		price := types.NewInt128Datum(types.Int128FromInt64(int64(i * 100)))
		name := types.NewStringDatum(string(rune('a' + i%26)))
		if i%3 == 0 {
			name = types.NewNullDatum()
		}
		chk.AppendRow(
			types.NewIntDatum(int64(i)),
			price,
			types.NewInt128Datum(types.Int128FromInt64(-int64(i))),
			name,
			types.NewFloat64Datum(float64(i)/2),
		)
	}
	require.NoError(t, chk.Verify())
	return chk
}

func TestAppendAndGet(t *testing.T) {
	chk := buildTestChunk(t, 10)
	require.Equal(t, 10, chk.NumRows())
	require.Equal(t, 5, chk.NumCols())

	require.Equal(t, int64(7), chk.Column(0).GetInt64(7))
	require.Equal(t, int32(700), chk.Column(1).GetInt32(7))
	require.Equal(t, 0, chk.Column(2).GetInt128(7).Cmp(types.Int128FromInt64(-7)))
	require.True(t, chk.Column(3).IsNull(6))
	require.Equal(t, "h", chk.Column(3).GetString(7))
	require.Equal(t, 3.5, chk.Column(4).GetFloat64(7))
	require.Equal(t, 4, chk.Column(3).NullCount())
	require.False(t, chk.Column(0).Nullable())

	require.Equal(t, "(7, 7.00, -0.0007, \"h\", 3.5)", chk.RowString(7))
	require.Panics(t, func() { chk.Column(0).AppendNull() })
}

func TestAppendRowsKeepsOrder(t *testing.T) {
	src := buildTestChunk(t, 20)
	dst := src.NewEmptyLike(4)
	rows := []int32{18, 3, 3, 0, 11}
	dst.AppendRows(src, rows)
	require.NoError(t, dst.Verify())
	require.Equal(t, len(rows), dst.NumRows())
	for i, r := range rows {
		for col := 0; col < src.NumCols(); col++ {
			require.Equal(t, 0, src.GetDatum(int(r), col).Compare(dst.GetDatum(i, col)), "row %d col %d", i, col)
		}
	}
	require.True(t, dst.Column(3).IsNull(1))
	require.False(t, dst.Column(3).IsNull(4))

	dst.Reset()
	require.Equal(t, 0, dst.NumRows())
	require.Equal(t, 0, dst.Column(3).NullCount())
}

func TestNullableConversion(t *testing.T) {
	chk := buildTestChunk(t, 6)
	nullable := chk.Column(0).ToNullable()
	require.True(t, nullable.Nullable())
	require.Equal(t, 0, nullable.NullCount())
	require.Equal(t, int64(5), nullable.GetInt64(5))

	notNull := chk.Column(3).ToNotNull()
	require.False(t, notNull.Nullable())
	require.False(t, notNull.IsNull(0))
	require.Equal(t, 0, notNull.ElemLen(0))
	require.Equal(t, "b", notNull.GetString(1))

	chk.SetColumn(0, chk.Field(0).WithNullable(true), nullable)
	require.True(t, chk.Field(0).Nullable)
	require.NoError(t, chk.Verify())
	require.False(t, testFields()[0].Nullable)
}

func TestCodec(t *testing.T) {
	chk := buildTestChunk(t, 100)
	for _, compress := range []bool{false, true} {
		data := Encode(chk, compress)
		got, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, chk.NumRows(), got.NumRows())
		for i := range chk.Fields() {
			require.Equal(t, *chk.Field(i), *got.Field(i))
		}
		for row := 0; row < chk.NumRows(); row++ {
			require.Equal(t, chk.RowString(row), got.RowString(row))
		}
	}

	data := Encode(chk, false)
	_, err := Decode(data[:len(data)-3])
	require.Error(t, err)
	_, err = Decode(append([]byte{9}, data[1:]...))
	require.ErrorContains(t, err, "unsupported chunk version")
	_, err = Decode(nil)
	require.Error(t, err)
}

func TestCodecEmptyChunk(t *testing.T) {
	chk := New(testFields(), 0)
	got, err := Decode(Encode(chk, true))
	require.NoError(t, err)
	require.Equal(t, 0, got.NumRows())
	require.Equal(t, 5, got.NumCols())
}

func TestCodecNullMarker(t *testing.T) {
	fields := []*types.FieldType{types.NewStringType("s", types.TypeVarchar, 8)}
	chk := New(fields, 2)
	chk.AppendRow(types.NewNullDatum())
	chk.AppendRow(types.NewStringDatum(""))

	data := Encode(chk, false)
	require.True(t, bytes.Contains(data, []byte{0xff, 0xff, 0xff, 0xff}))
	got, err := Decode(data)
	require.NoError(t, err)
	require.True(t, got.Column(0).IsNull(0))
	require.False(t, got.Column(0).IsNull(1))
	require.Equal(t, "", got.Column(0).GetString(1))
}
