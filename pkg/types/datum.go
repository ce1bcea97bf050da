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

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Kind is the kind of value held by a Datum.
type Kind byte

// Datum kinds.
const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindInt128
	KindBytes
)

// Datum is a single partition or distribution key value.
type Datum struct {
	k Kind
	i int64
	f float64
	d Int128
	b []byte
}

// NewIntDatum creates an int64 datum.
func NewIntDatum(v int64) Datum { return Datum{k: KindInt64, i: v} }

// NewFloat64Datum creates a float64 datum.
func NewFloat64Datum(v float64) Datum { return Datum{k: KindFloat64, f: v} }

// NewInt128Datum creates a datum from a scaled decimal value.
func NewInt128Datum(v Int128) Datum { return Datum{k: KindInt128, d: v} }

// NewBytesDatum creates a bytes datum.
func NewBytesDatum(b []byte) Datum { return Datum{k: KindBytes, b: b} }

// NewStringDatum creates a bytes datum from s.
func NewStringDatum(s string) Datum { return Datum{k: KindBytes, b: []byte(s)} }

// NewNullDatum creates a NULL datum.
func NewNullDatum() Datum { return Datum{} }

// Kind returns the kind of d.
func (d Datum) Kind() Kind { return d.k }

// IsNull reports whether d is NULL.
func (d Datum) IsNull() bool { return d.k == KindNull }

// GetInt64 returns the int64 value.
func (d Datum) GetInt64() int64 { return d.i }

// GetFloat64 returns the float64 value.
func (d Datum) GetFloat64() float64 { return d.f }

// GetInt128 returns the scaled decimal value.
func (d Datum) GetInt128() Int128 { return d.d }

// GetBytes returns the bytes value.
func (d Datum) GetBytes() []byte { return d.b }

// Compare compares d with o. NULL sorts first; values of different kinds
// are ordered by kind.
func (d Datum) Compare(o Datum) int {
	if d.k != o.k {
		if d.k < o.k {
			return -1
		}
		return 1
	}
	switch d.k {
	case KindNull:
		return 0
	case KindInt64:
		switch {
		case d.i < o.i:
			return -1
		case d.i > o.i:
			return 1
		}
		return 0
	case KindFloat64:
		switch {
		case d.f < o.f:
			return -1
		case d.f > o.f:
			return 1
		}
		return 0
	case KindInt128:
		return d.d.Cmp(o.d)
	case KindBytes:
		return bytes.Compare(d.b, o.b)
	}
	return 0
}

// AppendHashKey appends a stable encoding of d used for hash distribution.
func (d Datum) AppendHashKey(b []byte) []byte {
	b = append(b, byte(d.k))
	switch d.k {
	case KindInt64:
		b = binary.LittleEndian.AppendUint64(b, uint64(d.i))
	case KindFloat64:
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(d.f))
	case KindInt128:
		b = binary.LittleEndian.AppendUint64(b, d.d.Lo)
		b = binary.LittleEndian.AppendUint64(b, uint64(d.d.Hi))
	case KindBytes:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(d.b)))
		b = append(b, d.b...)
	}
	return b
}

// String implements fmt.Stringer.
func (d Datum) String() string {
	switch d.k {
	case KindInt64:
		return fmt.Sprintf("%d", d.i)
	case KindFloat64:
		return fmt.Sprintf("%g", d.f)
	case KindInt128:
		return d.d.String()
	case KindBytes:
		return fmt.Sprintf("%q", d.b)
	}
	return "NULL"
}

// CompareDatums compares two keys column by column.
func CompareDatums(a, b []Datum) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
