// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements the dense data buffers owned by shards, and the allocator that creates them.
//
// A Buffer holds the flat, row-major data of an N-dimensional array of one DType, tagged with the
// Device it (logically) lives on and the pinned-memory and requires-gradient flags. The data itself
// is always kept in host memory: devices are labels used for placement and validation.
//
// Buffers are not safe for concurrent mutation, except when writing to disjoint regions (see View and
// CopyRegion).
package buffers

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Buffer is a dense N-dimensional array stored in row-major order.
type Buffer struct {
	dtype        dtypes.DType
	dims         []int
	device       Device
	pinned       bool
	requiresGrad bool
	layout       Layout
	format       MemoryFormat

	// flat is a slice of the Go type corresponding to dtype, with size elements.
	flat any
}

func newBuffer(spec Spec) *Buffer {
	size := numElements(spec.Dims)
	return &Buffer{
		dtype:        spec.DType,
		dims:         slices.Clone(spec.Dims),
		device:       spec.Device,
		pinned:       spec.Pinned,
		requiresGrad: spec.RequiresGrad,
		layout:       spec.Layout,
		format:       spec.Format,
		flat:         reflect.MakeSlice(reflect.SliceOf(spec.DType.GoType()), size, size).Interface(),
	}
}

func numElements(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// FromFlat creates a host (CPU) buffer with the given dimensions, with a copy of data.
//
// It panics if len(data) doesn't match the dimensions.
func FromFlat[T dtypes.Supported](data []T, dims ...int) *Buffer {
	if len(data) != numElements(dims) {
		exceptions.Panicf("buffers.FromFlat: data has %d elements, but dimensions %v require %d",
			len(data), dims, numElements(dims))
	}
	b := newBuffer(Spec{DType: dtypes.FromGenericsType[T](), Dims: dims, Device: CPU()})
	copy(b.flat.([]T), data)
	return b
}

// Flat returns the underlying flat data of the buffer, not a copy.
//
// It returns an error if T doesn't match the buffer DType.
func Flat[T dtypes.Supported](b *Buffer) ([]T, error) {
	flat, ok := b.flat.([]T)
	if !ok {
		var v T
		return nil, errors.Errorf("buffers.Flat[%T] is incompatible with buffer dtype %s", v, b.dtype)
	}
	return flat, nil
}

// MustFlat is like Flat, but panics on error.
func MustFlat[T dtypes.Supported](b *Buffer) []T {
	flat, err := Flat[T](b)
	if err != nil {
		panic(err)
	}
	return flat
}

// Bytes returns the underlying data as a slice of bytes, not a copy.
func (b *Buffer) Bytes() []byte {
	flatV := reflect.ValueOf(b.flat)
	if flatV.Len() == 0 {
		return nil
	}
	ptr := flatV.Index(0).Addr().UnsafePointer()
	return unsafe.Slice((*byte)(ptr), uintptr(flatV.Len())*flatV.Type().Elem().Size())
}

// DType of the elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Dims returns a copy of the dimensions of the buffer.
func (b *Buffer) Dims() []int { return slices.Clone(b.dims) }

// Rank is the number of axes.
func (b *Buffer) Rank() int { return len(b.dims) }

// Size is the number of elements.
func (b *Buffer) Size() int { return numElements(b.dims) }

// Memory is the number of bytes used by the data.
func (b *Buffer) Memory() int { return b.Size() * b.dtype.Size() }

// Device where the buffer lives.
func (b *Buffer) Device() Device { return b.device }

// IsPinned returns whether the buffer was allocated in pinned (page-locked) memory.
func (b *Buffer) IsPinned() bool { return b.pinned }

// RequiresGrad returns the requires-gradient flag.
func (b *Buffer) RequiresGrad() bool { return b.requiresGrad }

// SetRequiresGrad changes the requires-gradient flag.
func (b *Buffer) SetRequiresGrad(requiresGrad bool) { b.requiresGrad = requiresGrad }

// Layout of the buffer.
func (b *Buffer) Layout() Layout { return b.layout }

// MemoryFormat of the buffer.
func (b *Buffer) MemoryFormat() MemoryFormat { return b.format }

// IsContiguous returns whether the buffer is in row-major order with no gaps.
func (b *Buffer) IsContiguous() bool { return b.layout == Strided && b.format == Contiguous }

// Spec returns the allocation Spec that would create a buffer like this one.
func (b *Buffer) Spec() Spec {
	return Spec{
		DType:        b.dtype,
		Dims:         slices.Clone(b.dims),
		Device:       b.device,
		Pinned:       b.pinned,
		RequiresGrad: b.requiresGrad,
		Layout:       b.layout,
		Format:       b.format,
	}
}

// Clone returns a deep copy of the buffer, on the same device.
func (b *Buffer) Clone() *Buffer {
	b2 := newBuffer(b.Spec())
	copy(b2.Bytes(), b.Bytes())
	return b2
}

// Equal returns whether the two buffers have the same dtype, dimensions and contents.
// Device and flags are not compared.
func (b *Buffer) Equal(other *Buffer) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.dtype == other.dtype && slices.Equal(b.dims, other.dims) && bytes.Equal(b.Bytes(), other.Bytes())
}

// String implements fmt.Stringer. It doesn't print the contents.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer<nil>"
	}
	return fmt.Sprintf("Buffer(%s%v@%s)", b.dtype, b.dims, b.device)
}

// Snapshot is a serializable copy of a Buffer.
type Snapshot struct {
	DType        dtypes.DType
	Dims         []int
	Device       string
	Pinned       bool
	RequiresGrad bool
	Layout       Layout
	Format       MemoryFormat
	Data         []byte
}

// Snapshot returns a serializable copy of the buffer.
func (b *Buffer) Snapshot() Snapshot {
	return Snapshot{
		DType:        b.dtype,
		Dims:         slices.Clone(b.dims),
		Device:       b.device.String(),
		Pinned:       b.pinned,
		RequiresGrad: b.requiresGrad,
		Layout:       b.layout,
		Format:       b.format,
		Data:         slices.Clone(b.Bytes()),
	}
}

// FromSnapshot recreates a Buffer from a Snapshot.
func FromSnapshot(s Snapshot) (*Buffer, error) {
	if !s.DType.IsSupported() {
		return nil, errors.Errorf("snapshot has unsupported dtype %s", s.DType)
	}
	device, err := ParseDevice(s.Device)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid snapshot device")
	}
	for _, dim := range s.Dims {
		if dim < 0 {
			return nil, errors.Errorf("snapshot has negative dimension in %v", s.Dims)
		}
	}
	b := newBuffer(Spec{
		DType: s.DType, Dims: s.Dims, Device: device, Pinned: s.Pinned,
		RequiresGrad: s.RequiresGrad, Layout: s.Layout, Format: s.Format,
	})
	if len(s.Data) != b.Memory() {
		return nil, errors.Errorf("snapshot of %s%v has %d bytes of data, expected %d",
			s.DType, s.Dims, len(s.Data), b.Memory())
	}
	copy(b.Bytes(), s.Data)
	return b, nil
}

// GobEncode implements gob.GobEncoder.
func (b *Buffer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b.Snapshot()); err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %s", b)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (b *Buffer) GobDecode(data []byte) error {
	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "failed to deserialize Buffer")
	}
	decoded, err := FromSnapshot(s)
	if err != nil {
		return err
	}
	*b = *decoded
	return nil
}
