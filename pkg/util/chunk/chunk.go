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
	"fmt"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/types"
)

// Chunk is a columnar block of rows with a fixed schema.
type Chunk struct {
	fields  []*types.FieldType
	columns []*Column
}

// New creates an empty chunk for the given fields with room for capacity rows.
func New(fields []*types.FieldType, capacity int) *Chunk {
	chk := &Chunk{
		fields:  fields,
		columns: make([]*Column, 0, len(fields)),
	}
	for _, ft := range fields {
		chk.columns = append(chk.columns, newColumn(ft, capacity))
	}
	return chk
}

// NewEmptyLike creates an empty chunk with the schema of c.
func (c *Chunk) NewEmptyLike(capacity int) *Chunk {
	return New(c.fields, capacity)
}

// NumRows returns the number of rows.
func (c *Chunk) NumRows() int {
	if len(c.columns) == 0 {
		return 0
	}
	return c.columns[0].Len()
}

// NumCols returns the number of columns.
func (c *Chunk) NumCols() int {
	return len(c.columns)
}

// Column returns the i-th column.
func (c *Chunk) Column(i int) *Column {
	return c.columns[i]
}

// Field returns the type of the i-th column.
func (c *Chunk) Field(i int) *types.FieldType {
	return c.fields[i]
}

// Fields returns the schema.
func (c *Chunk) Fields() []*types.FieldType {
	return c.fields
}

// SetColumn replaces the i-th column and its type. The new column must have
// the same number of rows.
func (c *Chunk) SetColumn(i int, ft *types.FieldType, col *Column) {
	fields := make([]*types.FieldType, len(c.fields))
	copy(fields, c.fields)
	fields[i] = ft
	c.fields = fields
	c.columns[i] = col
}

// AppendRows copies the selected rows of src, in order, to the end of c.
func (c *Chunk) AppendRows(src *Chunk, rows []int32) {
	for i, col := range c.columns {
		col.AppendRowsByIndex(src.columns[i], rows)
	}
}

// Reset empties the chunk while keeping the buffers.
func (c *Chunk) Reset() {
	for _, col := range c.columns {
		col.reset()
	}
}

// MemoryUsage returns the bytes held by all columns.
func (c *Chunk) MemoryUsage() (sum int64) {
	for _, col := range c.columns {
		sum += col.MemoryUsage()
	}
	return
}

// Verify checks that every column has the same row count and matches its type.
func (c *Chunk) Verify() error {
	if len(c.columns) != len(c.fields) {
		return errors.Errorf("chunk has %d columns but %d fields", len(c.columns), len(c.fields))
	}
	rows := c.NumRows()
	for i, col := range c.columns {
		if col.Len() != rows {
			return errors.Errorf("column %s has %d rows, expect %d", c.fields[i].Name, col.Len(), rows)
		}
		if col.elemLen != c.fields[i].FixedLen() {
			return errors.Errorf("column %s has element length %d, expect %d", c.fields[i].Name, col.elemLen, c.fields[i].FixedLen())
		}
	}
	return nil
}

// GetDatum reads the value at (row, col) as a Datum.
func (c *Chunk) GetDatum(row, colIdx int) types.Datum {
	col := c.columns[colIdx]
	if col.IsNull(row) {
		return types.NewNullDatum()
	}
	ft := c.fields[colIdx]
	switch ft.Tp {
	case types.TypeFloat, types.TypeDouble:
		return types.NewFloat64Datum(col.GetFloat64(row))
	case types.TypeDecimal32:
		return types.NewInt128Datum(types.Int128FromInt64(int64(col.GetInt32(row))))
	case types.TypeDecimal64:
		return types.NewInt128Datum(types.Int128FromInt64(col.GetInt64(row)))
	case types.TypeDecimal128, types.TypeDecimalV2:
		return types.NewInt128Datum(col.GetInt128(row))
	case types.TypeChar, types.TypeVarchar, types.TypeString:
		return types.NewBytesDatum(col.GetBytes(row))
	default:
		return types.NewIntDatum(col.GetInt64(row))
	}
}

// AppendDatum appends d to the i-th column.
func (c *Chunk) AppendDatum(colIdx int, d types.Datum) {
	col := c.columns[colIdx]
	if d.IsNull() {
		col.AppendNull()
		return
	}
	switch c.fields[colIdx].Tp {
	case types.TypeFloat, types.TypeDouble:
		col.AppendFloat64(d.GetFloat64())
	case types.TypeDecimal32:
		col.AppendInt32(int32(d.GetInt128().Lo))
	case types.TypeDecimal64:
		col.AppendInt64(int64(d.GetInt128().Lo))
	case types.TypeDecimal128, types.TypeDecimalV2:
		col.AppendInt128(d.GetInt128())
	case types.TypeChar, types.TypeVarchar, types.TypeString:
		col.AppendBytes(d.GetBytes())
	default:
		col.AppendInt64(d.GetInt64())
	}
}

// AppendRow appends one row given as datums, one per column.
func (c *Chunk) AppendRow(row ...types.Datum) {
	for i, d := range row {
		c.AppendDatum(i, d)
	}
}

// RowString formats a row for logs and error messages.
func (c *Chunk) RowString(row int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := range c.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		d := c.GetDatum(row, i)
		if ft := c.fields[i]; ft.IsDecimal() && !d.IsNull() {
			sb.WriteString(types.FormatDecimal(d.GetInt128(), types.StorageScale(ft)))
			continue
		}
		sb.WriteString(d.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// String implements fmt.Stringer.
func (c *Chunk) String() string {
	return fmt.Sprintf("chunk{cols: %d, rows: %d}", c.NumCols(), c.NumRows())
}
