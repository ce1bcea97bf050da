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

// Package validate checks row batches against the destination schema and
// marks the rows that cannot be stored as filtered.
package validate

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const stopCheckInterval = 1024

// Options controls the validator.
type Options struct {
	// MaxFilterRatio is the largest tolerated share of filtered rows over all
	// rows seen so far.
	MaxFilterRatio float64
	// StringMaxLength limits string columns. Zero means unlimited.
	StringMaxLength int
	// MaxErrorMessages is the number of row errors kept for diagnosis.
	MaxErrorMessages int
}

// Result describes one validated batch.
type Result struct {
	Rows         int
	FilteredRows int
}

type columnCheck struct {
	ft *types.FieldType
	// integer and decimal32/64 bounds
	minInt, maxInt int64
	// decimal128 and decimalv2 bounds
	lower, upper types.Int128
}

// Validator validates the batches of one load. It is not safe for concurrent use.
type Validator struct {
	schema []*types.FieldType
	checks []columnCheck
	opts   Options

	totalRows    int64
	filteredRows int64
	errMsgs      []string
}

// New creates a validator for schema. Decimal bounds are computed once here.
func New(schema []*types.FieldType, opts Options) (*Validator, error) {
	if len(schema) == 0 {
		return nil, common.ErrInvalidSchema.GenWithStackByArgs("empty schema")
	}
	v := &Validator{
		schema: schema,
		checks: make([]columnCheck, len(schema)),
		opts:   opts,
	}
	for i, ft := range schema {
		if err := ft.Validate(); err != nil {
			return nil, common.ErrInvalidSchema.GenWithStackByArgs(err.Error())
		}
		c := columnCheck{ft: ft, minInt: math.MinInt64, maxInt: math.MaxInt64}
		switch ft.Tp {
		case types.TypeTinyInt:
			c.minInt, c.maxInt = math.MinInt8, math.MaxInt8
		case types.TypeSmallInt:
			c.minInt, c.maxInt = math.MinInt16, math.MaxInt16
		case types.TypeInt:
			c.minInt, c.maxInt = math.MinInt32, math.MaxInt32
		}
		if w, ok := ft.DecimalWidth(); ok {
			lower, upper, err := types.DecimalBounds(ft)
			if err != nil {
				return nil, common.ErrInvalidSchema.GenWithStackByArgs(err.Error())
			}
			switch w {
			case types.Decimal32, types.Decimal64:
				c.minInt, c.maxInt = int64(lower.Lo), int64(upper.Lo)
			case types.Decimal128, types.DecimalV2:
				c.lower, c.upper = lower, upper
			}
		}
		v.checks[i] = c
	}
	return v, nil
}

// Schema returns the destination schema.
func (v *Validator) Schema() []*types.FieldType {
	return v.schema
}

// ConvertToDest reconciles the nullability of every column of chk with the
// destination schema. A column widened to nullable gets an empty null bitmap.
// A column narrowed to not null drops its bitmap and its NULL rows are marked
// in filter.
func (v *Validator) ConvertToDest(chk *chunk.Chunk, filter *bitset.BitSet) error {
	if chk.NumCols() != len(v.schema) {
		return common.ErrInvalidSchema.GenWithStackByArgs(
			fmt.Sprintf("batch has %d columns, destination has %d", chk.NumCols(), len(v.schema)))
	}
	for i, dest := range v.schema {
		src := chk.Field(i)
		if src.Tp != dest.Tp {
			return common.ErrInvalidSchema.GenWithStackByArgs(
				fmt.Sprintf("column %s is %s, destination is %s", dest.Name, src.Tp, dest.Tp))
		}
		col := chk.Column(i)
		switch {
		case col.Nullable() && !dest.Nullable:
			for row := 0; row < col.Len(); row++ {
				if col.IsNull(row) {
					v.filterRow(filter, i, row, "null value for not null column")
				}
			}
			chk.SetColumn(i, dest, col.ToNotNull())
		case !col.Nullable() && dest.Nullable:
			chk.SetColumn(i, dest, col.ToNullable())
		default:
			if src != dest {
				chk.SetColumn(i, dest, col)
			}
		}
	}
	return nil
}

// Validate converts chk to the destination schema and marks every row that
// violates a column constraint in filter. It fails only when the running
// filtered ratio exceeds MaxFilterRatio or stop is set.
func (v *Validator) Validate(chk *chunk.Chunk, filter *bitset.BitSet, stop *atomic.Bool) (Result, error) {
	filter.ClearAll()
	if err := v.ConvertToDest(chk, filter); err != nil {
		return Result{}, err
	}
	rows := chk.NumRows()
	for i := range v.checks {
		if stop != nil && stop.Load() {
			return Result{}, common.ErrLoadCanceled.GenWithStackByArgs()
		}
		if err := v.validateColumn(chk.Column(i), i, filter, stop); err != nil {
			return Result{}, err
		}
	}

	res := Result{Rows: rows, FilteredRows: int(filter.Count())}
	v.totalRows += int64(res.Rows)
	v.filteredRows += int64(res.FilteredRows)
	if res.FilteredRows > 0 {
		logutil.BgLogger().Debug("rows filtered by validation",
			zap.Int("rows", res.Rows),
			zap.Int("filtered", res.FilteredRows),
			zap.Strings("errors", v.errMsgs))
	}
	if v.totalRows > 0 && float64(v.filteredRows)/float64(v.totalRows) > v.opts.MaxFilterRatio {
		return res, common.ErrTooManyFilteredRows.GenWithStackByArgs(v.filteredRows, v.totalRows, v.opts.MaxFilterRatio)
	}
	return res, nil
}

func (v *Validator) validateColumn(col *chunk.Column, colIdx int, filter *bitset.BitSet, stop *atomic.Bool) error {
	c := &v.checks[colIdx]
	for row := 0; row < col.Len(); row++ {
		if row%stopCheckInterval == stopCheckInterval-1 && stop != nil && stop.Load() {
			return common.ErrLoadCanceled.GenWithStackByArgs()
		}
		if col.IsNull(row) {
			continue
		}
		switch c.ft.Tp {
		case types.TypeTinyInt, types.TypeSmallInt, types.TypeInt:
			if val := col.GetInt64(row); val < c.minInt || val > c.maxInt {
				v.filterRow(filter, colIdx, row, fmt.Sprintf("value %d out of range of %s", val, c.ft.Tp))
			}
		case types.TypeDecimal32:
			if val := int64(col.GetInt32(row)); val < c.minInt || val > c.maxInt {
				v.filterDecimal(filter, colIdx, row, types.Int128FromInt64(val))
			}
		case types.TypeDecimal64:
			if val := col.GetInt64(row); val < c.minInt || val > c.maxInt {
				v.filterDecimal(filter, colIdx, row, types.Int128FromInt64(val))
			}
		case types.TypeDecimal128, types.TypeDecimalV2:
			if val := col.GetInt128(row); val.Cmp(c.lower) < 0 || val.Cmp(c.upper) > 0 {
				v.filterDecimal(filter, colIdx, row, val)
			}
		case types.TypeChar, types.TypeVarchar:
			if l := col.ElemLen(row); l > c.ft.Flen {
				v.filterRow(filter, colIdx, row,
					fmt.Sprintf("the length of input is %d, longer than schema length %d", l, c.ft.Flen))
			}
		case types.TypeString:
			if l := col.ElemLen(row); v.opts.StringMaxLength > 0 && l > v.opts.StringMaxLength {
				v.filterRow(filter, colIdx, row,
					fmt.Sprintf("the length of input string is %d, longer than max length %d", l, v.opts.StringMaxLength))
			}
		case types.TypeFloat, types.TypeDouble:
			val := col.GetFloat64(row)
			switch {
			case math.IsNaN(val) || math.IsInf(val, 0):
				v.filterRow(filter, colIdx, row, fmt.Sprintf("value %v is not a finite %s", val, c.ft.Tp))
			case c.ft.Tp == types.TypeFloat && math.Abs(val) > math.MaxFloat32:
				v.filterRow(filter, colIdx, row, fmt.Sprintf("value %v out of range of %s", val, c.ft.Tp))
			}
		}
	}
	return nil
}

func (v *Validator) filterDecimal(filter *bitset.BitSet, colIdx, row int, val types.Int128) {
	ft := v.schema[colIdx]
	v.filterRow(filter, colIdx, row, fmt.Sprintf("decimal value %s is out of range of %s",
		types.FormatDecimal(val, types.StorageScale(ft)), ft))
}

func (v *Validator) filterRow(filter *bitset.BitSet, colIdx, row int, reason string) {
	filter.Set(uint(row))
	if len(v.errMsgs) < v.opts.MaxErrorMessages {
		v.errMsgs = append(v.errMsgs, fmt.Sprintf("column %s, row %d: %s", v.schema[colIdx].Name, row, reason))
	}
}

// TotalRows returns the number of rows validated so far.
func (v *Validator) TotalRows() int64 {
	return v.totalRows
}

// FilteredRows returns the number of rows filtered so far.
func (v *Validator) FilteredRows() int64 {
	return v.filteredRows
}

// ErrorMessages returns the first row errors.
func (v *Validator) ErrorMessages() []string {
	return v.errMsgs
}

// ErrorSummary renders the kept row errors for logs.
func (v *Validator) ErrorSummary() error {
	if len(v.errMsgs) == 0 {
		return nil
	}
	return errors.Errorf("%d rows filtered, first errors: %v", v.filteredRows, v.errMsgs)
}
