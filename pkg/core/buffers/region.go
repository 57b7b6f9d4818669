// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"slices"

	"github.com/pkg/errors"
)

// Strides returns the strides (in elements, not bytes) of each axis for a row-major array
// with the given dimensions.
func Strides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// CopyRegion copies the box of the given sizes starting at srcOffsets in src, to the box starting at
// dstOffsets in dst.
//
// Both buffers must have the same dtype and rank. Concurrent calls are safe as long as the destination
// boxes don't overlap.
func CopyRegion(dst *Buffer, dstOffsets []int, src *Buffer, srcOffsets []int, sizes []int) error {
	if dst.dtype != src.dtype {
		return errors.Errorf("CopyRegion: dtype mismatch, dst is %s and src is %s", dst.dtype, src.dtype)
	}
	rank := len(sizes)
	if dst.Rank() != rank || src.Rank() != rank || len(dstOffsets) != rank || len(srcOffsets) != rank {
		return errors.Errorf("CopyRegion: rank mismatch, dst%v at %v, src%v at %v, sizes %v",
			dst.dims, dstOffsets, src.dims, srcOffsets, sizes)
	}
	for axis := range rank {
		if sizes[axis] < 0 ||
			dstOffsets[axis] < 0 || dstOffsets[axis]+sizes[axis] > dst.dims[axis] ||
			srcOffsets[axis] < 0 || srcOffsets[axis]+sizes[axis] > src.dims[axis] {
			return errors.Errorf("CopyRegion: box of sizes %v out of bounds on axis %d: dst%v at %v, src%v at %v",
				sizes, axis, dst.dims, dstOffsets, src.dims, srcOffsets)
		}
	}
	elementSize := dst.dtype.Size()
	dstBytes, srcBytes := dst.Bytes(), src.Bytes()
	if rank == 0 {
		copy(dstBytes[:elementSize], srcBytes[:elementSize])
		return nil
	}
	if numElements(sizes) == 0 {
		return nil
	}

	// Copy one contiguous run along the last axis at a time.
	dstStrides, srcStrides := Strides(dst.dims), Strides(src.dims)
	runBytes := sizes[rank-1] * elementSize
	outer := make([]int, rank-1)
	for {
		dstPos, srcPos := dstOffsets[rank-1], srcOffsets[rank-1]
		for axis, idx := range outer {
			dstPos += (dstOffsets[axis] + idx) * dstStrides[axis]
			srcPos += (srcOffsets[axis] + idx) * srcStrides[axis]
		}
		dstPos *= elementSize
		srcPos *= elementSize
		copy(dstBytes[dstPos:dstPos+runBytes], srcBytes[srcPos:srcPos+runBytes])

		axis := rank - 2
		for ; axis >= 0; axis-- {
			outer[axis]++
			if outer[axis] < sizes[axis] {
				break
			}
			outer[axis] = 0
		}
		if axis < 0 {
			return nil
		}
	}
}

// View is a box (offsets and sizes per axis) into a Buffer.
type View struct {
	buf     *Buffer
	offsets []int
	sizes   []int
}

// View returns a view of the whole buffer.
func (b *Buffer) View() View {
	return View{buf: b, offsets: make([]int, b.Rank()), sizes: slices.Clone(b.dims)}
}

// Offsets of the view in the underlying buffer.
func (v View) Offsets() []int { return slices.Clone(v.offsets) }

// Sizes of the view.
func (v View) Sizes() []int { return slices.Clone(v.sizes) }

// Narrow returns a view restricted to [start, start+length) along axis, relative to the current view.
func (v View) Narrow(axis, start, length int) (View, error) {
	if axis < 0 || axis >= len(v.sizes) {
		return View{}, errors.Errorf("Narrow: axis %d out of range for rank %d", axis, len(v.sizes))
	}
	if start < 0 || length < 0 || start+length > v.sizes[axis] {
		return View{}, errors.Errorf("Narrow(axis=%d, start=%d, length=%d) out of bounds for view sizes %v",
			axis, start, length, v.sizes)
	}
	narrowed := View{buf: v.buf, offsets: slices.Clone(v.offsets), sizes: slices.Clone(v.sizes)}
	narrowed.offsets[axis] += start
	narrowed.sizes[axis] = length
	return narrowed, nil
}

// NarrowBox narrows every axis at once, equivalent to calling Narrow for each axis.
func (v View) NarrowBox(offsets, sizes []int) (View, error) {
	if len(offsets) != len(v.sizes) || len(sizes) != len(v.sizes) {
		return View{}, errors.Errorf("NarrowBox: box offsets %v and sizes %v don't match rank %d",
			offsets, sizes, len(v.sizes))
	}
	var err error
	for axis := range offsets {
		v, err = v.Narrow(axis, offsets[axis], sizes[axis])
		if err != nil {
			return View{}, err
		}
	}
	return v, nil
}

// CopyFrom copies the contents of src into the view. src dimensions must match the view sizes.
func (v View) CopyFrom(src *Buffer) error {
	if !slices.Equal(src.dims, v.sizes) {
		return errors.Errorf("CopyFrom: source %s doesn't match view sizes %v", src, v.sizes)
	}
	return CopyRegion(v.buf, v.offsets, src, make([]int, len(v.sizes)), v.sizes)
}

// Extract returns a new buffer, on the same device and with the same flags as the underlying buffer,
// with a copy of the view contents.
func (v View) Extract() (*Buffer, error) {
	spec := v.buf.Spec()
	spec.Dims = slices.Clone(v.sizes)
	out := newBuffer(spec)
	if err := CopyRegion(out, make([]int, len(v.sizes)), v.buf, v.offsets, v.sizes); err != nil {
		return nil, err
	}
	return out, nil
}
