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
	"math/big"
	"strings"

	"github.com/pingcap/errors"
)

// DecimalWidth is the storage width of a fixed-point column.
type DecimalWidth int

// Decimal widths. DecimalV2 is stored in 128 bits with a fixed scale of 9.
const (
	Decimal32 DecimalWidth = iota
	Decimal64
	Decimal128
	DecimalV2
)

const (
	// DecimalV2Scale is the storage scale of DecimalV2 values.
	DecimalV2Scale = 9
	// DecimalV2MaxPrecision is the maximum precision of DecimalV2.
	DecimalV2MaxPrecision = 27
)

// MaxPrecision returns the maximum declared precision of the width.
func (w DecimalWidth) MaxPrecision() int {
	switch w {
	case Decimal32:
		return 9
	case Decimal64:
		return 18
	case Decimal128:
		return 38
	case DecimalV2:
		return DecimalV2MaxPrecision
	}
	panic(fmt.Sprintf("unknown decimal width %d", int(w)))
}

// String implements fmt.Stringer.
func (w DecimalWidth) String() string {
	switch w {
	case Decimal32:
		return "decimal32"
	case Decimal64:
		return "decimal64"
	case Decimal128:
		return "decimal128"
	case DecimalV2:
		return "decimalv2"
	}
	return fmt.Sprintf("decimal(%d)", int(w))
}

// StorageScale returns the scale the values of ft are stored with.
func StorageScale(ft *FieldType) int {
	if ft.Tp == TypeDecimalV2 {
		return DecimalV2Scale
	}
	return ft.Scale
}

// DecimalBounds returns the smallest and the largest scaled value a decimal
// column may hold according to its declared precision and scale.
func DecimalBounds(ft *FieldType) (lower, upper Int128, err error) {
	w, ok := ft.DecimalWidth()
	if !ok {
		return Int128{}, Int128{}, errors.Errorf("column %q is not a decimal", ft.Name)
	}
	if ft.Precision <= 0 || ft.Precision > w.MaxPrecision() || ft.Scale < 0 || ft.Scale > ft.Precision {
		return Int128{}, Int128{}, errors.Errorf("column %q: invalid %s(%d,%d)", ft.Name, w, ft.Precision, ft.Scale)
	}
	var maxVal *big.Int
	switch w {
	case Decimal32, Decimal64, Decimal128:
		maxVal = new(big.Int).Sub(pow10(ft.Precision), big.NewInt(1))
	case DecimalV2:
		if ft.Scale > DecimalV2Scale {
			return Int128{}, Int128{}, errors.Errorf("column %q: decimalv2 scale %d exceeds %d", ft.Name, ft.Scale, DecimalV2Scale)
		}
		intPart := new(big.Int).Sub(pow10(ft.Precision-ft.Scale), big.NewInt(1))
		fracPart := new(big.Int).Sub(pow10(ft.Scale), big.NewInt(1))
		fracPart.Mul(fracPart, pow10(DecimalV2Scale-ft.Scale))
		maxVal = intPart.Mul(intPart, pow10(DecimalV2Scale))
		maxVal.Add(maxVal, fracPart)
	}
	upper, _ = Int128FromBig(maxVal)
	return upper.Neg(), upper, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ParseDecimal parses s into a value scaled by scale. Extra fractional digits
// are truncated.
func ParseDecimal(s string, scale int) (Int128, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > scale {
		fracPart = fracPart[:scale]
	}
	fracPart += strings.Repeat("0", scale-len(fracPart))
	b, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Int128{}, errors.Errorf("invalid decimal literal %q", s)
	}
	if neg {
		b.Neg(b)
	}
	v, ok := Int128FromBig(b)
	if !ok {
		return Int128{}, errors.Errorf("decimal literal %q overflows 128 bits", s)
	}
	return v, nil
}

// FormatDecimal renders a scaled value.
func FormatDecimal(v Int128, scale int) string {
	b := v.Big()
	neg := b.Sign() < 0
	digits := new(big.Int).Abs(b).String()
	if scale > 0 {
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	}
	if neg {
		return "-" + digits
	}
	return digits
}
