package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/sharding/pkg/core/buffers"
)

// Shard is the data of one partition of a ShardedTensor, owned by the participant named in its placement.
type Shard struct {
	Buffer   *buffers.Buffer
	Metadata ShardMetadata
}

// NewShard creates a Shard for buf at the given offsets: the sizes are taken from the buffer dimensions and
// the placement from the given rank and the buffer device.
func NewShard(buf *buffers.Buffer, offsets []int, rank int) Shard {
	return Shard{
		Buffer: buf,
		Metadata: ShardMetadata{
			Offsets:   slices.Clone(offsets),
			Sizes:     buf.Dims(),
			Placement: Placement{Rank: rank, Device: buf.Device()},
		},
	}
}

// String implements fmt.Stringer.
func (s Shard) String() string {
	return fmt.Sprintf("Shard(%s, %s)", s.Buffer, s.Metadata)
}

// validateAgainst checks the shard buffer against the metadata declared for it, as seen by rank.
// It returns a *MismatchError naming the first field that doesn't match.
func (s Shard) validateAgainst(properties TensorProperties, rank int) error {
	b := s.Buffer
	if b == nil {
		return configErrorf("shard %s has no buffer on rank %d", s.Metadata, rank)
	}
	if b.Layout() != properties.Layout {
		return &MismatchError{Field: "layout", IsProperty: true, Expected: properties.Layout, Actual: b.Layout(), Rank: rank}
	}
	if !b.IsContiguous() {
		return &MismatchError{Field: "memory_format", IsProperty: true, Expected: properties.MemoryFormat, Actual: b.MemoryFormat(), Rank: rank}
	}
	if !slices.Equal(s.Metadata.Sizes, b.Dims()) {
		return &MismatchError{Field: "size", Expected: s.Metadata.Sizes, Actual: b.Dims(), Rank: rank}
	}
	if b.IsPinned() != properties.Pinned {
		return &MismatchError{Field: "pinned", IsProperty: true, Expected: properties.Pinned, Actual: b.IsPinned(), Rank: rank}
	}
	if b.Device() != s.Metadata.Placement.Device {
		return &MismatchError{Field: "device", Expected: s.Metadata.Placement.Device, Actual: b.Device(), Rank: rank}
	}
	if b.DType() != properties.DType {
		return &MismatchError{Field: "dtype", IsProperty: true, Expected: properties.DType, Actual: b.DType(), Rank: rank}
	}
	if b.RequiresGrad() != properties.RequiresGrad {
		return &MismatchError{Field: "requires_grad", IsProperty: true, Expected: properties.RequiresGrad, Actual: b.RequiresGrad(), Rank: rank}
	}
	return nil
}
