// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes defines DType, the element type of a sharded array buffer.
//
// The numeric values follow the PJRT buffer type enumeration, so they can be exchanged with
// runtimes that use it, and they are stable across processes: a DType is part of the global
// metadata agreed by every participant of a group.
//
// It includes converters from Go native types (and reflect.Type), the byte size of each type,
// and a parser from the usual names and aliases ("float32", "F32", "f32").
package dtypes

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum that represents the data type of the elements of a buffer.
type DType int32

const (
	// InvalidDType is the zero value, and it is never a valid element type.
	InvalidDType DType = 0

	// Bool is a two-state boolean, stored in one byte.
	Bool DType = 1

	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision type, represented in Go by float16.Float16.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the "brain floating point" 16-bit type: 1 sign bit, 8 exponent bits and 7 mantissa bits.
	BFloat16 DType = 13

	// Complex64 is a pair of float32 (real, imaginary).
	Complex64 DType = 14

	// Complex128 is a pair of float64 (real, imaginary).
	Complex128 DType = 15
)

// Short aliases, as used by XLA.
const (
	PRED = Bool
	S8   = Int8
	S16  = Int16
	S32  = Int32
	S64  = Int64
	U8   = Uint8
	U16  = Uint16
	U32  = Uint32
	U64  = Uint64
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
	C64  = Complex64
	C128 = Complex128
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// MapOfNames maps names and aliases (and their lower-case versions) to DTypes.
var MapOfNames = map[string]DType{
	"PRED": Bool, "S8": Int8, "S16": Int16, "S32": Int32, "S64": Int64,
	"U8": Uint8, "U16": Uint16, "U32": Uint32, "U64": Uint64,
	"F16": Float16, "F32": Float32, "F64": Float64, "BF16": BFloat16,
	"C64": Complex64, "C128": Complex128,
}

func init() {
	for dtype, name := range dtypeNames {
		if dtype == InvalidDType {
			continue
		}
		MapOfNames[name] = dtype
	}
	for name, dtype := range MapOfNames {
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// Parse returns the DType for the given name or alias, e.g.: "float32", "F32" or "Float32".
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// IsSupported returns whether dtype is one of the element types buffers can be allocated with.
func (dtype DType) IsSupported() bool {
	_, found := goTypes[dtype]
	return found
}

// IsFloat returns whether dtype is one of the real floating point types.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == BFloat16 || dtype == Float32 || dtype == Float64
}

// Size returns the number of bytes of one element of the given DType.
// It returns 0 for unsupported dtypes.
func (dtype DType) Size() int {
	t, found := goTypes[dtype]
	if !found {
		return 0
	}
	return int(t.Size())
}

// SizeForDimensions returns the number of bytes used by a dense, row-major array with the given dimensions.
// It works also for scalars, where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panic(errors.Errorf("negative dimension in SizeForDimensions(%v)", dimensions))
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

var goTypes = map[DType]reflect.Type{
	Bool:       reflect.TypeOf(false),
	Int8:       reflect.TypeOf(int8(0)),
	Int16:      reflect.TypeOf(int16(0)),
	Int32:      reflect.TypeOf(int32(0)),
	Int64:      reflect.TypeOf(int64(0)),
	Uint8:      reflect.TypeOf(uint8(0)),
	Uint16:     reflect.TypeOf(uint16(0)),
	Uint32:     reflect.TypeOf(uint32(0)),
	Uint64:     reflect.TypeOf(uint64(0)),
	Float16:    reflect.TypeOf(float16.Float16(0)),
	BFloat16:   reflect.TypeOf(BFloat16Value(0)),
	Float32:    reflect.TypeOf(float32(0)),
	Float64:    reflect.TypeOf(float64(0)),
	Complex64:  reflect.TypeOf(complex64(0)),
	Complex128: reflect.TypeOf(complex128(0)),
}

// GoType returns the Go reflect.Type used to store elements of dtype.
// It returns nil for unsupported dtypes.
func (dtype DType) GoType() reflect.Type {
	return goTypes[dtype]
}

// Supported lists the Go types that can be used with the generic buffer accessors.
type Supported interface {
	bool | float16.Float16 | BFloat16Value | float32 | float64 | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 | complex64 | complex128
}

// FromGenericsType returns the DType for the Go type T.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case BFloat16Value:
		return BFloat16
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return InvalidDType
}
