package distributed

import (
	"fmt"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/dtypes"
)

// TensorProperties are shared by every shard of a ShardedTensor.
type TensorProperties struct {
	DType        dtypes.DType         `json:"dtype"`
	Layout       buffers.Layout       `json:"layout"`
	RequiresGrad bool                 `json:"requires_grad"`
	MemoryFormat buffers.MemoryFormat `json:"memory_format"`
	Pinned       bool                 `json:"pinned"`
}

// Float32Properties is a convenience for the most common properties: Float32, strided and contiguous.
func Float32Properties() TensorProperties {
	return TensorProperties{DType: dtypes.Float32, Layout: buffers.Strided, MemoryFormat: buffers.Contiguous}
}

// PropertiesOf returns the properties of a buffer.
func PropertiesOf(b *buffers.Buffer) TensorProperties {
	return TensorProperties{
		DType:        b.DType(),
		Layout:       b.Layout(),
		RequiresGrad: b.RequiresGrad(),
		MemoryFormat: b.MemoryFormat(),
		Pinned:       b.IsPinned(),
	}
}

// Validate returns an ErrConfig if the properties are not supported: only the strided layout and the
// contiguous memory format are.
func (p TensorProperties) Validate() error {
	if !p.DType.IsSupported() {
		return configErrorf("dtype %s is not supported", p.DType)
	}
	if p.Layout != buffers.Strided {
		return configErrorf("only %s layout is currently supported, got %s", buffers.Strided, p.Layout)
	}
	if p.MemoryFormat != buffers.Contiguous {
		return configErrorf("only %s memory format is currently supported, got %s", buffers.Contiguous, p.MemoryFormat)
	}
	return nil
}

// bufferSpec returns the allocation spec of a shard with these properties.
func (p TensorProperties) bufferSpec(dims []int, device buffers.Device) buffers.Spec {
	return buffers.Spec{
		DType:        p.DType,
		Dims:         dims,
		Device:       device,
		Pinned:       p.Pinned,
		RequiresGrad: p.RequiresGrad,
		Layout:       p.Layout,
		Format:       p.MemoryFormat,
	}
}

// String implements fmt.Stringer.
func (p TensorProperties) String() string {
	return fmt.Sprintf("{%s, %s, %s, requires_grad=%v, pinned=%v}", p.DType, p.Layout, p.MemoryFormat, p.RequiresGrad, p.Pinned)
}
