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
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/types"
)

// Column stores one column of a Chunk. Fixed length values are packed in
// data; variable length values are addressed by offsets. A set bit in nulls
// marks a NULL row; nulls is nil for columns that cannot hold NULL.
type Column struct {
	elemLen int
	length  int
	nulls   *bitset.BitSet
	offsets []int64
	data    []byte
}

func newColumn(ft *types.FieldType, capacity int) *Column {
	col := &Column{elemLen: ft.FixedLen()}
	if ft.Nullable {
		col.nulls = bitset.New(uint(capacity))
	}
	if col.isFixed() {
		col.data = make([]byte, 0, capacity*col.elemLen)
	} else {
		col.offsets = make([]int64, 1, capacity+1)
	}
	return col
}

func (c *Column) isFixed() bool {
	return c.elemLen != types.VarElemLen
}

// Len returns the number of rows.
func (c *Column) Len() int {
	return c.length
}

// Nullable reports whether the column carries a null bitmap.
func (c *Column) Nullable() bool {
	return c.nulls != nil
}

// IsNull reports whether row i is NULL.
func (c *Column) IsNull(i int) bool {
	return c.nulls != nil && c.nulls.Test(uint(i))
}

// NullCount returns the number of NULL rows.
func (c *Column) NullCount() int {
	if c.nulls == nil {
		return 0
	}
	return int(c.nulls.Count())
}

// AppendNull appends a NULL. It panics for columns that cannot hold NULL.
func (c *Column) AppendNull() {
	if c.nulls == nil {
		panic("append null to a not null column")
	}
	c.nulls.Set(uint(c.length))
	if c.isFixed() {
		c.data = append(c.data, make([]byte, c.elemLen)...)
	} else {
		c.offsets = append(c.offsets, int64(len(c.data)))
	}
	c.length++
}

// AppendInt64 appends an integer, double bits are not converted.
func (c *Column) AppendInt64(v int64) {
	c.data = binary.LittleEndian.AppendUint64(c.data, uint64(v))
	c.length++
}

// AppendInt32 appends a 32-bit value, used by decimal32 columns.
func (c *Column) AppendInt32(v int32) {
	c.data = binary.LittleEndian.AppendUint32(c.data, uint32(v))
	c.length++
}

// AppendFloat64 appends a float.
func (c *Column) AppendFloat64(v float64) {
	c.data = binary.LittleEndian.AppendUint64(c.data, math.Float64bits(v))
	c.length++
}

// AppendInt128 appends a 128-bit value, used by decimal128 and decimalv2 columns.
func (c *Column) AppendInt128(v types.Int128) {
	c.data = binary.LittleEndian.AppendUint64(c.data, v.Lo)
	c.data = binary.LittleEndian.AppendUint64(c.data, uint64(v.Hi))
	c.length++
}

// AppendBytes appends a variable length value.
func (c *Column) AppendBytes(b []byte) {
	c.data = append(c.data, b...)
	c.offsets = append(c.offsets, int64(len(c.data)))
	c.length++
}

// AppendString appends a variable length value.
func (c *Column) AppendString(s string) {
	c.data = append(c.data, s...)
	c.offsets = append(c.offsets, int64(len(c.data)))
	c.length++
}

// GetInt64 returns the integer at row i.
func (c *Column) GetInt64(i int) int64 {
	return int64(binary.LittleEndian.Uint64(c.data[i*8:]))
}

// GetInt32 returns the 32-bit value at row i.
func (c *Column) GetInt32(i int) int32 {
	return int32(binary.LittleEndian.Uint32(c.data[i*4:]))
}

// GetFloat64 returns the float at row i.
func (c *Column) GetFloat64(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(c.data[i*8:]))
}

// GetInt128 returns the 128-bit value at row i.
func (c *Column) GetInt128(i int) types.Int128 {
	off := i * 16
	return types.Int128{
		Lo: binary.LittleEndian.Uint64(c.data[off:]),
		Hi: int64(binary.LittleEndian.Uint64(c.data[off+8:])),
	}
}

// GetBytes returns the variable length value at row i. The returned slice
// aliases the column buffer.
func (c *Column) GetBytes(i int) []byte {
	return c.data[c.offsets[i]:c.offsets[i+1]]
}

// GetString returns the variable length value at row i.
func (c *Column) GetString(i int) string {
	return string(c.GetBytes(i))
}

// ElemLen returns the byte length of the value at row i.
func (c *Column) ElemLen(i int) int {
	if c.isFixed() {
		return c.elemLen
	}
	return int(c.offsets[i+1] - c.offsets[i])
}

// AppendRowsByIndex copies the given rows of src, in order, to the end of c.
// src and c must have the same element layout.
func (c *Column) AppendRowsByIndex(src *Column, rows []int32) {
	base := c.length
	if src.nulls != nil && c.nulls != nil {
		for j, r := range rows {
			if src.nulls.Test(uint(r)) {
				c.nulls.Set(uint(base + j))
			}
		}
	}
	if c.isFixed() {
		e := c.elemLen
		for _, r := range rows {
			start := int(r) * e
			c.data = append(c.data, src.data[start:start+e]...)
		}
	} else {
		for _, r := range rows {
			c.data = append(c.data, src.data[src.offsets[r]:src.offsets[r+1]]...)
			c.offsets = append(c.offsets, int64(len(c.data)))
		}
	}
	c.length += len(rows)
}

// ToNullable returns a column sharing the values of c that can hold NULL.
func (c *Column) ToNullable() *Column {
	if c.nulls != nil {
		return c
	}
	cp := *c
	cp.nulls = bitset.New(uint(c.length))
	return &cp
}

// ToNotNull returns a column sharing the values of c without a null bitmap.
// NULL rows keep their zero placeholder value.
func (c *Column) ToNotNull() *Column {
	if c.nulls == nil {
		return c
	}
	cp := *c
	cp.nulls = nil
	return &cp
}

// MemoryUsage returns the bytes held by the column buffers.
func (c *Column) MemoryUsage() int64 {
	size := int64(cap(c.data)) + int64(cap(c.offsets))*8
	if c.nulls != nil {
		size += int64(c.nulls.BinaryStorageSize())
	}
	return size
}

func (c *Column) reset() {
	c.length = 0
	c.data = c.data[:0]
	if c.nulls != nil {
		c.nulls.ClearAll()
	}
	if !c.isFixed() {
		c.offsets = c.offsets[:1]
	}
}

// GetRaw returns the encoded bytes of row i. The slice aliases the column buffer.
func (c *Column) GetRaw(i int) []byte {
	if c.isFixed() {
		return c.data[i*c.elemLen : (i+1)*c.elemLen]
	}
	return c.GetBytes(i)
}

// appendRaw appends the encoded bytes of one value.
func (c *Column) appendRaw(b []byte) error {
	if c.isFixed() {
		if len(b) != c.elemLen {
			return errors.Errorf("fixed value of %d bytes, expect %d", len(b), c.elemLen)
		}
		c.data = append(c.data, b...)
		c.length++
		return nil
	}
	c.AppendBytes(b)
	return nil
}
