package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/sharding/pkg/support/xslices"
)

// ShardMetadata describes one shard: the half-open box [Offsets[i], Offsets[i]+Sizes[i]) on each axis of
// the global shape, and its Placement.
type ShardMetadata struct {
	Offsets   []int     `json:"offsets"`
	Sizes     []int     `json:"sizes"`
	Placement Placement `json:"placement"`
}

// NumAxes of the shard box.
func (m ShardMetadata) NumAxes() int { return len(m.Sizes) }

// NumElements in the shard.
func (m ShardMetadata) NumElements() int { return xslices.Product(m.Sizes) }

// Validate checks the box is well-formed: matching lengths, non-negative offsets and positive sizes.
func (m ShardMetadata) Validate() error {
	if len(m.Offsets) != len(m.Sizes) {
		return configErrorf("shard %s has %d offsets but %d sizes", m, len(m.Offsets), len(m.Sizes))
	}
	for axis := range m.Sizes {
		if m.Offsets[axis] < 0 {
			return configErrorf("shard %s has negative offset on axis %d", m, axis)
		}
		if m.Sizes[axis] <= 0 {
			return configErrorf("shard %s has non-positive size on axis %d", m, axis)
		}
	}
	if m.Placement.Rank < 0 || !m.Placement.Device.IsValid() {
		return configErrorf("shard %s has an invalid placement", m)
	}
	return nil
}

// Equal returns whether both shards have the same box and placement.
func (m ShardMetadata) Equal(other ShardMetadata) bool {
	return m.Placement == other.Placement && m.SameBox(other)
}

// SameBox returns whether both shards cover the same box, regardless of placement.
func (m ShardMetadata) SameBox(other ShardMetadata) bool {
	return slices.Equal(m.Offsets, other.Offsets) && slices.Equal(m.Sizes, other.Sizes)
}

// Clone returns a deep copy.
func (m ShardMetadata) Clone() ShardMetadata {
	return ShardMetadata{Offsets: slices.Clone(m.Offsets), Sizes: slices.Clone(m.Sizes), Placement: m.Placement}
}

// String implements fmt.Stringer.
func (m ShardMetadata) String() string {
	return fmt.Sprintf("Shard(offsets=%v, sizes=%v, placement=%s)", m.Offsets, m.Sizes, m.Placement)
}

// Intersect returns the box shared by both shards, in global coordinates. ok is false if they don't overlap.
func (m ShardMetadata) Intersect(other ShardMetadata) (offsets, sizes []int, ok bool) {
	if len(m.Sizes) != len(other.Sizes) {
		return nil, nil, false
	}
	offsets = make([]int, len(m.Sizes))
	sizes = make([]int, len(m.Sizes))
	for axis := range m.Sizes {
		start := max(m.Offsets[axis], other.Offsets[axis])
		end := min(m.Offsets[axis]+m.Sizes[axis], other.Offsets[axis]+other.Sizes[axis])
		if end <= start {
			return nil, nil, false
		}
		offsets[axis] = start
		sizes[axis] = end - start
	}
	return offsets, sizes, true
}

// ValidateNonOverlapping returns an ErrInconsistent if any two shards overlap.
func ValidateNonOverlapping(shards []ShardMetadata) error {
	// TODO: sweep along one axis instead of comparing every pair, for tensors with many shards.
	for i := range shards {
		for j := i + 1; j < len(shards); j++ {
			if _, _, overlap := shards[i].Intersect(shards[j]); overlap {
				return inconsistentErrorf("shards %s and %s overlap", shards[i], shards[j])
			}
		}
	}
	return nil
}

// ValidateTiling returns an ErrInconsistent if any shard doesn't fit in shape, or if the shards
// total volume differs from the volume of shape. Together with ValidateNonOverlapping it guarantees that the
// shards exactly tile the shape.
func ValidateTiling(shards []ShardMetadata, shape []int) error {
	volume := 0
	for _, shard := range shards {
		if shard.NumAxes() != len(shape) {
			return inconsistentErrorf("shard %s has %d axes, but the tensor shape %v has %d",
				shard, shard.NumAxes(), shape, len(shape))
		}
		for axis, dim := range shape {
			if shard.Offsets[axis]+shard.Sizes[axis] > dim {
				return inconsistentErrorf("shard %s exceeds the tensor shape %v on axis %d", shard, shape, axis)
			}
		}
		volume += shard.NumElements()
	}
	if volume != xslices.Product(shape) {
		return inconsistentErrorf("total volume of shards (%d) doesn't match the volume of the tensor shape %v (%d)",
			volume, shape, xslices.Product(shape))
	}
	return nil
}
