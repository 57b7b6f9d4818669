// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Spec describes a buffer to be allocated.
type Spec struct {
	DType        dtypes.DType
	Dims         []int
	Device       Device
	Pinned       bool
	RequiresGrad bool
	Layout       Layout
	Format       MemoryFormat
}

// Allocator creates uninitialized buffers and moves buffers across devices.
type Allocator interface {
	// Allocate a new buffer. Its contents are undefined.
	Allocate(spec Spec) (*Buffer, error)

	// ToDevice returns a copy of b on the given device. If b is already there, it may return b itself.
	ToDevice(b *Buffer, device Device) (*Buffer, error)
}

// HostAllocator allocates every buffer in host memory, and uses the Device only as a label.
// It only supports the Strided layout, and pinned memory only on the CPU device, as a real
// device runtime would.
type HostAllocator struct{}

var _ Allocator = HostAllocator{}

// DefaultAllocator is used when no allocator is configured.
var DefaultAllocator Allocator = HostAllocator{}

// Validate checks that the spec can be allocated by the HostAllocator.
func (HostAllocator) Validate(spec Spec) error {
	if !spec.DType.IsSupported() {
		return errors.Errorf("cannot allocate buffer of dtype %s", spec.DType)
	}
	for axis, dim := range spec.Dims {
		if dim < 0 {
			return errors.Errorf("cannot allocate buffer with negative dimension %d on axis %d", dim, axis)
		}
	}
	if !spec.Device.IsValid() {
		return errors.New("cannot allocate buffer without a device")
	}
	if spec.Layout != Strided {
		return errors.Errorf("only the %s layout is supported, got %s", Strided, spec.Layout)
	}
	switch spec.Format {
	case Contiguous:
	case ChannelsLast:
		if len(spec.Dims) != 4 {
			return errors.Errorf("memory format %s requires rank 4, got dimensions %v", spec.Format, spec.Dims)
		}
	default:
		return errors.Errorf("cannot allocate buffer with memory format %s", spec.Format)
	}
	if spec.Pinned && !spec.Device.IsCPU() {
		return errors.Errorf("pinned memory is only available for %s buffers, got device %s", DeviceCPU, spec.Device)
	}
	return nil
}

// Allocate implements Allocator.
func (a HostAllocator) Allocate(spec Spec) (*Buffer, error) {
	if err := a.Validate(spec); err != nil {
		return nil, err
	}
	return newBuffer(spec), nil
}

// ToDevice implements Allocator. Moving out of the CPU drops the pinned flag.
func (a HostAllocator) ToDevice(b *Buffer, device Device) (*Buffer, error) {
	if b.device == device {
		return b, nil
	}
	spec := b.Spec()
	spec.Device = device
	if !device.IsCPU() {
		spec.Pinned = false
	}
	moved, err := a.Allocate(spec)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to move %s to %s", b, device)
	}
	copy(moved.Bytes(), b.Bytes())
	return moved, nil
}
