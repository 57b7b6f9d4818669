// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import "strconv"

// Layout of a buffer in memory.
type Layout int8

const (
	// Strided is the dense layout, where each axis has a stride.
	Strided Layout = iota
	SparseCOO
	SparseCSR
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case Strided:
		return "strided"
	case SparseCOO:
		return "sparse_coo"
	case SparseCSR:
		return "sparse_csr"
	}
	return "Layout(" + strconv.Itoa(int(l)) + ")"
}

// MemoryFormat describes the order of the strides of a Strided buffer.
type MemoryFormat int8

const (
	// Contiguous is the row-major order, with no gaps.
	Contiguous MemoryFormat = iota

	// ChannelsLast is the NHWC order for rank-4 arrays.
	ChannelsLast

	// PreserveFormat is only valid as a request when copying: keep whatever the source had.
	PreserveFormat
)

// String implements fmt.Stringer.
func (f MemoryFormat) String() string {
	switch f {
	case Contiguous:
		return "contiguous"
	case ChannelsLast:
		return "channels_last"
	case PreserveFormat:
		return "preserve"
	}
	return "MemoryFormat(" + strconv.Itoa(int(f)) + ")"
}
