package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/janpfeifer/must"
)

// ShardingSpec defines how a logical tensor is partitioned into shards and where each shard is placed.
//
// BuildMetadata must be deterministic: every participant calling it with the same shape and properties gets
// byte-identical metadata, which is what allows New to construct a ShardedTensor without communication.
type ShardingSpec interface {
	// BuildMetadata computes the global metadata of a tensor with the given shape and properties.
	BuildMetadata(shape []int, properties TensorProperties) (*Metadata, error)

	// String returns a human-readable description of the spec.
	String() string
}

var (
	_ ShardingSpec = (*ChunkShardingSpec)(nil)
	_ ShardingSpec = (*EnumerableShardingSpec)(nil)
)

// ChunkShardingSpec splits the tensor along the axis Dim into len(Placements) contiguous chunks, in order.
// Chunk i is placed at Placements[i].
//
// Chunks are as equal as possible: the first extent%n chunks get one extra element. Dim can be negative, in
// which case it counts from the end (-1 is the last axis).
type ChunkShardingSpec struct {
	Dim        int         `json:"dim"`
	Placements []Placement `json:"placements"`
}

// NewChunkShardingSpec creates a ChunkShardingSpec from placements in text form, e.g. "rank:0/cuda:0".
func NewChunkShardingSpec(dim int, placements ...string) (*ChunkShardingSpec, error) {
	parsed, err := ParsePlacements(placements...)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, configErrorf("ChunkShardingSpec requires at least one placement")
	}
	return &ChunkShardingSpec{Dim: dim, Placements: parsed}, nil
}

// MustNewChunkShardingSpec is like NewChunkShardingSpec, but panics on error.
func MustNewChunkShardingSpec(dim int, placements ...string) *ChunkShardingSpec {
	return must.M1(NewChunkShardingSpec(dim, placements...))
}

// CPUChunkShardingSpec returns a ChunkShardingSpec that places chunk i on rank i, on the CPU.
func CPUChunkShardingSpec(dim, numChunks int) *ChunkShardingSpec {
	spec := &ChunkShardingSpec{Dim: dim, Placements: make([]Placement, numChunks)}
	for rank := range spec.Placements {
		spec.Placements[rank] = MustParsePlacement(fmt.Sprintf("rank:%d/cpu", rank))
	}
	return spec
}

// Axis returns Dim normalized for a tensor with numAxes axes.
func (s *ChunkShardingSpec) Axis(numAxes int) (int, error) {
	axis := s.Dim
	if axis < 0 {
		axis += numAxes
	}
	if axis < 0 || axis >= numAxes {
		return 0, configErrorf("chunk dim %d out of range for a tensor with %d axes", s.Dim, numAxes)
	}
	return axis, nil
}

// ChunkSizes splits extent into n contiguous chunks as equal as possible, with the remainder distributed to
// the first chunks. It returns an ErrConfig if a chunk would be empty.
func ChunkSizes(extent, n int) ([]int, error) {
	if n <= 0 {
		return nil, configErrorf("cannot split into %d chunks", n)
	}
	if n > extent {
		return nil, configErrorf("cannot split extent %d into %d non-empty chunks", extent, n)
	}
	sizes := make([]int, n)
	base, remainder := extent/n, extent%n
	for ii := range sizes {
		sizes[ii] = base
		if ii < remainder {
			sizes[ii]++
		}
	}
	return sizes, nil
}

// BuildMetadata implements ShardingSpec.
func (s *ChunkShardingSpec) BuildMetadata(shape []int, properties TensorProperties) (*Metadata, error) {
	if err := properties.Validate(); err != nil {
		return nil, err
	}
	if len(s.Placements) == 0 {
		return nil, configErrorf("ChunkShardingSpec requires at least one placement")
	}
	for axis, dim := range shape {
		if dim <= 0 {
			return nil, configErrorf("tensor shape %v has non-positive dimension on axis %d", shape, axis)
		}
	}
	axis, err := s.Axis(len(shape))
	if err != nil {
		return nil, err
	}
	chunks, err := ChunkSizes(shape[axis], len(s.Placements))
	if err != nil {
		return nil, err
	}
	md := &Metadata{Shape: slices.Clone(shape), Properties: properties, Shards: make([]ShardMetadata, len(chunks))}
	offset := 0
	for ii, placement := range s.Placements {
		if placement.Rank < 0 || !placement.Device.IsValid() {
			return nil, configErrorf("ChunkShardingSpec has invalid placement #%d: %s", ii, placement)
		}
		shard := ShardMetadata{
			Offsets:   make([]int, len(shape)),
			Sizes:     slices.Clone(shape),
			Placement: placement,
		}
		shard.Offsets[axis] = offset
		shard.Sizes[axis] = chunks[ii]
		offset += chunks[ii]
		md.Shards[ii] = shard
	}
	return md, nil
}

// Equal returns whether both specs have the same Dim and Placements.
func (s *ChunkShardingSpec) Equal(other *ChunkShardingSpec) bool {
	return s.Dim == other.Dim && slices.Equal(s.Placements, other.Placements)
}

// String implements ShardingSpec.
func (s *ChunkShardingSpec) String() string {
	parts := make([]string, len(s.Placements))
	for ii, p := range s.Placements {
		parts[ii] = p.String()
	}
	return fmt.Sprintf("ChunkShardingSpec{dim=%d, placements=[%s]}", s.Dim, strings.Join(parts, ", "))
}

// EnumerableShardingSpec lists every shard explicitly.
type EnumerableShardingSpec struct {
	Shards []ShardMetadata `json:"shards"`
}

// BuildMetadata implements ShardingSpec. It validates that the shards exactly tile the shape.
func (s *EnumerableShardingSpec) BuildMetadata(shape []int, properties TensorProperties) (*Metadata, error) {
	md := &Metadata{Shape: slices.Clone(shape), Properties: properties, Shards: make([]ShardMetadata, len(s.Shards))}
	for ii, shard := range s.Shards {
		md.Shards[ii] = shard.Clone()
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// String implements ShardingSpec.
func (s *EnumerableShardingSpec) String() string {
	return fmt.Sprintf("EnumerableShardingSpec{%d shards}", len(s.Shards))
}

// InferShardingSpec returns a spec describing an existing layout of shards.
//
// It returns a *ChunkShardingSpec if the shards are contiguous chunks along one axis that the chunk spec
// reproduces exactly, and an *EnumerableShardingSpec otherwise.
func InferShardingSpec(shards []ShardMetadata) ShardingSpec {
	if spec := inferChunkShardingSpec(shards); spec != nil {
		return spec
	}
	enumerable := &EnumerableShardingSpec{Shards: make([]ShardMetadata, len(shards))}
	for ii, shard := range shards {
		enumerable.Shards[ii] = shard.Clone()
	}
	return enumerable
}

func inferChunkShardingSpec(shards []ShardMetadata) *ChunkShardingSpec {
	if len(shards) == 0 || shards[0].NumAxes() == 0 {
		return nil
	}
	numAxes := shards[0].NumAxes()
	for _, shard := range shards {
		if shard.NumAxes() != numAxes {
			return nil
		}
	}
	for axis := range numAxes {
		sorted := slices.Clone(shards)
		slices.SortStableFunc(sorted, func(a, b ShardMetadata) int { return a.Offsets[axis] - b.Offsets[axis] })
		shape, ok := chunkedShape(sorted, axis)
		if !ok {
			continue
		}
		spec := &ChunkShardingSpec{Dim: axis, Placements: make([]Placement, len(sorted))}
		for ii, shard := range sorted {
			spec.Placements[ii] = shard.Placement
		}
		md, err := spec.BuildMetadata(shape, Float32Properties())
		if err == nil && sameShards(md.Shards, shards) {
			return spec
		}
	}
	return nil
}

// chunkedShape returns the global shape if the shards (sorted by offset on axis) are contiguous along axis and
// span the same full extent on every other axis.
func chunkedShape(sorted []ShardMetadata, axis int) ([]int, bool) {
	shape := slices.Clone(sorted[0].Sizes)
	shape[axis] = 0
	for _, shard := range sorted {
		for other := range shard.Sizes {
			if other == axis {
				continue
			}
			if shard.Offsets[other] != 0 || shard.Sizes[other] != shape[other] {
				return nil, false
			}
		}
		if shard.Offsets[axis] != shape[axis] {
			return nil, false
		}
		shape[axis] += shard.Sizes[axis]
	}
	return shape, true
}

// sameShards returns whether both lists hold the same shards, in any order.
func sameShards(a, b []ShardMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for _, shard := range a {
		if !slices.ContainsFunc(b, shard.Equal) {
			return false
		}
	}
	return true
}
