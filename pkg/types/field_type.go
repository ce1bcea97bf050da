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
	"fmt"
	"strings"

	"github.com/pingcap/errors"
)

// TypeCode is the storage type of a destination column.
type TypeCode byte

// Column types accepted by the write path.
const (
	TypeTinyInt TypeCode = iota + 1
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeDecimal32
	TypeDecimal64
	TypeDecimal128
	TypeDecimalV2
	TypeChar
	TypeVarchar
	TypeString
)

// VarElemLen is the element length of variable length columns.
const VarElemLen = -1

var typeNames = map[TypeCode]string{
	TypeTinyInt:    "tinyint",
	TypeSmallInt:   "smallint",
	TypeInt:        "int",
	TypeBigInt:     "bigint",
	TypeFloat:      "float",
	TypeDouble:     "double",
	TypeDecimal32:  "decimal32",
	TypeDecimal64:  "decimal64",
	TypeDecimal128: "decimal128",
	TypeDecimalV2:  "decimalv2",
	TypeChar:       "char",
	TypeVarchar:    "varchar",
	TypeString:     "string",
}

// String implements fmt.Stringer.
func (tp TypeCode) String() string {
	if name, ok := typeNames[tp]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(tp))
}

// Valid reports whether tp is a known type code.
func (tp TypeCode) Valid() bool {
	_, ok := typeNames[tp]
	return ok
}

// FieldType describes one column of the destination schema.
type FieldType struct {
	Name string
	Tp   TypeCode
	// Flen is the declared length in bytes of char and varchar columns.
	Flen      int
	Precision int
	Scale     int
	Nullable  bool
}

// NewFieldType creates a nullable field type of tp.
func NewFieldType(name string, tp TypeCode) *FieldType {
	return &FieldType{Name: name, Tp: tp, Nullable: true}
}

// NewDecimalType creates a decimal field type. The width is chosen by tp.
func NewDecimalType(name string, tp TypeCode, precision, scale int) *FieldType {
	return &FieldType{Name: name, Tp: tp, Precision: precision, Scale: scale, Nullable: true}
}

// NewStringType creates a char, varchar or string field type with the given length.
func NewStringType(name string, tp TypeCode, flen int) *FieldType {
	return &FieldType{Name: name, Tp: tp, Flen: flen, Nullable: true}
}

// WithNullable returns a copy of ft with nullability set to nullable.
func (ft *FieldType) WithNullable(nullable bool) *FieldType {
	cp := *ft
	cp.Nullable = nullable
	return &cp
}

// Clone returns a copy of ft.
func (ft *FieldType) Clone() *FieldType {
	cp := *ft
	return &cp
}

// IsDecimal reports whether ft is any of the fixed-point types.
func (ft *FieldType) IsDecimal() bool {
	_, ok := ft.DecimalWidth()
	return ok
}

// IsString reports whether ft stores variable length bytes.
func (ft *FieldType) IsString() bool {
	switch ft.Tp {
	case TypeChar, TypeVarchar, TypeString:
		return true
	}
	return false
}

// IsInteger reports whether ft stores an integer.
func (ft *FieldType) IsInteger() bool {
	switch ft.Tp {
	case TypeTinyInt, TypeSmallInt, TypeInt, TypeBigInt:
		return true
	}
	return false
}

// DecimalWidth returns the storage width of a decimal type.
func (ft *FieldType) DecimalWidth() (DecimalWidth, bool) {
	switch ft.Tp {
	case TypeDecimal32:
		return Decimal32, true
	case TypeDecimal64:
		return Decimal64, true
	case TypeDecimal128:
		return Decimal128, true
	case TypeDecimalV2:
		return DecimalV2, true
	}
	return 0, false
}

// FixedLen returns the element length in bytes, or VarElemLen.
func (ft *FieldType) FixedLen() int {
	switch ft.Tp {
	case TypeTinyInt, TypeSmallInt, TypeInt, TypeBigInt, TypeDouble, TypeFloat, TypeDecimal64:
		return 8
	case TypeDecimal32:
		return 4
	case TypeDecimal128, TypeDecimalV2:
		return 16
	case TypeChar, TypeVarchar, TypeString:
		return VarElemLen
	}
	return VarElemLen
}

// Validate checks that the declared attributes are consistent with the type.
func (ft *FieldType) Validate() error {
	if !ft.Tp.Valid() {
		return errors.Errorf("column %q has unknown type %s", ft.Name, ft.Tp)
	}
	if w, ok := ft.DecimalWidth(); ok {
		if ft.Precision <= 0 || ft.Precision > w.MaxPrecision() {
			return errors.Errorf("column %q: precision %d out of range for %s", ft.Name, ft.Precision, ft.Tp)
		}
		if ft.Scale < 0 || ft.Scale > ft.Precision || (w == DecimalV2 && ft.Scale > DecimalV2Scale) {
			return errors.Errorf("column %q: invalid scale %d for %s(%d)", ft.Name, ft.Scale, ft.Tp, ft.Precision)
		}
	}
	if (ft.Tp == TypeChar || ft.Tp == TypeVarchar) && ft.Flen <= 0 {
		return errors.Errorf("column %q: %s requires a positive length", ft.Name, ft.Tp)
	}
	return nil
}

// String implements fmt.Stringer.
func (ft *FieldType) String() string {
	var sb strings.Builder
	sb.WriteString(ft.Tp.String())
	switch {
	case ft.IsDecimal():
		fmt.Fprintf(&sb, "(%d,%d)", ft.Precision, ft.Scale)
	case ft.Tp == TypeChar || ft.Tp == TypeVarchar:
		fmt.Fprintf(&sb, "(%d)", ft.Flen)
	}
	if !ft.Nullable {
		sb.WriteString(" not null")
	}
	return sb.String()
}

// SameLayout reports whether values of ft and o are stored the same way.
// Column names are not compared.
func (ft *FieldType) SameLayout(o *FieldType) bool {
	return ft.Tp == o.Tp && ft.Flen == o.Flen && ft.Precision == o.Precision &&
		ft.Scale == o.Scale && ft.Nullable == o.Nullable
}

// CheckLayout returns an error describing the first column of got whose
// layout differs from want.
func CheckLayout(want, got []*FieldType) error {
	if len(want) != len(got) {
		return errors.Errorf("got %d columns, expect %d", len(got), len(want))
	}
	for i, ft := range want {
		if !ft.SameLayout(got[i]) {
			return errors.Errorf("column %d (%s) is %s, expect %s", i, ft.Name, got[i], ft)
		}
	}
	return nil
}
