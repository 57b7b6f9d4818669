// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"strconv"
)

// BFloat16Value is the Go representation of one BFloat16 element: the upper 16 bits of a float32.
type BFloat16Value uint16

// BFloat16FromFloat32 converts (by truncation) a float32 to a BFloat16Value.
func BFloat16FromFloat32(x float32) BFloat16Value {
	return BFloat16Value(math.Float32bits(x) >> 16)
}

// Float32 returns the value as a float32. The conversion is exact.
func (f BFloat16Value) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// String implements fmt.Stringer.
func (f BFloat16Value) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'g', -1, 32)
}
