// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iota32(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	return values
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in      string
		want    Device
		wantStr string
	}{
		{"cpu", Device{Type: "cpu"}, "cpu"},
		{"cuda:0", Device{Type: "cuda", Index: 0}, "cuda:0"},
		{"cuda:3", Device{Type: "cuda", Index: 3}, "cuda:3"},
		{" tpu:1 ", Device{Type: "tpu", Index: 1}, "tpu:1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDevice(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, tt.wantStr, d.String())
		})
	}
	for _, bad := range []string{"", "CUDA:0", "cuda:x", "cuda:-1", ":1"} {
		_, err := ParseDevice(bad)
		assert.Error(t, err, "device %q should fail to parse", bad)
	}
}

func TestHostAllocator(t *testing.T) {
	alloc := HostAllocator{}
	b, err := alloc.Allocate(Spec{DType: dtypes.Float32, Dims: []int{2, 3}, Device: CPU(), Pinned: true})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, b.Dims())
	assert.Equal(t, 24, b.Memory())
	assert.True(t, b.IsPinned())
	assert.True(t, b.IsContiguous())
	assert.Len(t, MustFlat[float32](b), 6)
	_, err = Flat[int32](b)
	require.Error(t, err)

	_, err = alloc.Allocate(Spec{DType: dtypes.Float32, Dims: []int{2}, Device: MustParseDevice("cuda:0"), Pinned: true})
	require.ErrorContains(t, err, "pinned memory")
	_, err = alloc.Allocate(Spec{DType: dtypes.Float32, Dims: []int{2}, Device: CPU(), Layout: SparseCOO})
	require.ErrorContains(t, err, "layout")
	_, err = alloc.Allocate(Spec{DType: dtypes.InvalidDType, Dims: []int{2}, Device: CPU()})
	require.Error(t, err)

	moved, err := alloc.ToDevice(b, MustParseDevice("cuda:1"))
	require.NoError(t, err)
	assert.Equal(t, "cuda:1", moved.Device().String())
	assert.False(t, moved.IsPinned())
	assert.True(t, moved.Equal(b))
	same, err := alloc.ToDevice(moved, MustParseDevice("cuda:1"))
	require.NoError(t, err)
	assert.Same(t, moved, same)
}

func TestCopyRegionAndViews(t *testing.T) {
	src := FromFlat(iota32(12), 3, 4)
	dst := FromFlat(make([]float32, 8*4), 8, 4)

	// Copy the [1:3, 1:3] box of src into dst at [5, 0].
	require.NoError(t, CopyRegion(dst, []int{5, 0}, src, []int{1, 1}, []int{2, 2}))
	flat := MustFlat[float32](dst)
	assert.Equal(t, []float32{5, 6, 0, 0}, flat[5*4:6*4])
	assert.Equal(t, []float32{9, 10, 0, 0}, flat[6*4:7*4])

	require.Error(t, CopyRegion(dst, []int{7, 0}, src, []int{0, 0}, []int{2, 2}))
	require.Error(t, CopyRegion(dst, []int{0, 0}, FromFlat([]int32{1}, 1, 1), []int{0, 0}, []int{1, 1}))

	// Narrow views.
	view := dst.View()
	view, err := view.Narrow(0, 2, 3)
	require.NoError(t, err)
	view, err = view.Narrow(0, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, view.Offsets())
	assert.Equal(t, []int{3, 4}, view.Sizes())
	require.NoError(t, view.CopyFrom(src))
	assert.Equal(t, iota32(12), flat[2*4:5*4])

	_, err = view.Narrow(1, 3, 2)
	require.Error(t, err)
	require.Error(t, view.CopyFrom(FromFlat(iota32(4), 4, 1)))

	column, err := src.View().NarrowBox([]int{0, 2}, []int{3, 1})
	require.NoError(t, err)
	extracted, err := column.Extract()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 6, 10}, MustFlat[float32](extracted))
	assert.Equal(t, []int{3, 1}, extracted.Dims())
}

func TestScalarRegion(t *testing.T) {
	src := FromFlat([]float64{3.5})
	dst := FromFlat([]float64{0})
	require.NoError(t, CopyRegion(dst, nil, src, nil, nil))
	assert.Equal(t, []float64{3.5}, MustFlat[float64](dst))
}

func TestGobAndSnapshot(t *testing.T) {
	b := FromFlat([]int16{1, -2, 3, -4}, 2, 2)
	b.SetRequiresGrad(true)
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(b))
	var decoded Buffer
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))
	assert.True(t, decoded.Equal(b))
	assert.True(t, decoded.RequiresGrad())
	assert.Equal(t, CPU(), decoded.Device())

	s := b.Snapshot()
	s.Data = s.Data[:3]
	_, err := FromSnapshot(s)
	require.Error(t, err)
}
