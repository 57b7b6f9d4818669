package distributed

import (
	"fmt"
	"testing"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlacement(t *testing.T) {
	p, err := ParsePlacement("rank:1/cuda:1")
	require.NoError(t, err)
	assert.Equal(t, Placement{Rank: 1, Device: buffers.Device{Type: "cuda", Index: 1}}, p)
	assert.Equal(t, "rank:1/cuda:1", p.String())

	p, err = ParsePlacement(" rank:3/cpu ")
	require.NoError(t, err)
	assert.Equal(t, Placement{Rank: 3, Device: buffers.CPU()}, p)

	for _, invalid := range []string{"cuda:1", "rank:-1/cpu", "rank:x/cpu", "rank:0/", "worker:0/cpu", "rank:0/CPU"} {
		_, err = ParsePlacement(invalid)
		assert.ErrorIs(t, err, ErrConfig, "placement %q", invalid)
	}
	assert.Panics(t, func() { MustParsePlacement("cpu") })

	text, err := p.MarshalText()
	require.NoError(t, err)
	var parsed Placement
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, p, parsed)
}

func TestChunkSizes(t *testing.T) {
	for _, tc := range []struct {
		extent, n int
		want      []int
	}{
		{8, 4, []int{2, 2, 2, 2}},
		{10, 4, []int{3, 3, 2, 2}},
		{5, 5, []int{1, 1, 1, 1, 1}},
		{7, 1, []int{7}},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.extent, tc.n), func(t *testing.T) {
			sizes, err := ChunkSizes(tc.extent, tc.n)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sizes)
		})
	}
	_, err := ChunkSizes(3, 4)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = ChunkSizes(3, 0)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestChunkShardingSpec(t *testing.T) {
	spec := MustNewChunkShardingSpec(0, "rank:0/cuda:0", "rank:1/cuda:1", "rank:2/cuda:2", "rank:3/cuda:3")
	assert.Equal(t, "ChunkShardingSpec{dim=0, placements=[rank:0/cuda:0, rank:1/cuda:1, rank:2/cuda:2, rank:3/cuda:3]}",
		spec.String())
	md, err := spec.BuildMetadata([]int{10, 3}, Float32Properties())
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	var offsets, sizes [][]int
	for ii, shard := range md.Shards {
		offsets = append(offsets, shard.Offsets)
		sizes = append(sizes, shard.Sizes)
		assert.Equal(t, spec.Placements[ii], shard.Placement)
	}
	assert.Equal(t, [][]int{{0, 0}, {3, 0}, {6, 0}, {8, 0}}, offsets)
	assert.Equal(t, [][]int{{3, 3}, {3, 3}, {2, 3}, {2, 3}}, sizes)

	// Negative dim counts from the end.
	md, err = CPUChunkShardingSpec(-1, 2).BuildMetadata([]int{3, 5}, Float32Properties())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, md.Shards[0].Sizes)
	assert.Equal(t, []int{0, 3}, md.Shards[1].Offsets)
	assert.Equal(t, []int{3, 2}, md.Shards[1].Sizes)

	// Deterministic: same inputs give byte-identical metadata.
	again, err := CPUChunkShardingSpec(-1, 2).BuildMetadata([]int{3, 5}, Float32Properties())
	require.NoError(t, err)
	assert.True(t, md.Equal(again))

	_, err = CPUChunkShardingSpec(2, 2).BuildMetadata([]int{3, 5}, Float32Properties())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = CPUChunkShardingSpec(-3, 2).BuildMetadata([]int{3, 5}, Float32Properties())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = CPUChunkShardingSpec(0, 4).BuildMetadata([]int{3, 5}, Float32Properties())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = CPUChunkShardingSpec(0, 1).BuildMetadata([]int{0, 5}, Float32Properties())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = (&ChunkShardingSpec{Dim: 0}).BuildMetadata([]int{3}, Float32Properties())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewChunkShardingSpec(0)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewChunkShardingSpec(0, "rank:0")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestEnumerableShardingSpec(t *testing.T) {
	cpu0, cpu1 := MustParsePlacement("rank:0/cpu"), MustParsePlacement("rank:1/cpu")
	grid := &EnumerableShardingSpec{Shards: []ShardMetadata{
		{Offsets: []int{0, 0}, Sizes: []int{2, 2}, Placement: cpu0},
		{Offsets: []int{0, 2}, Sizes: []int{2, 2}, Placement: cpu1},
		{Offsets: []int{2, 0}, Sizes: []int{2, 2}, Placement: cpu1},
		{Offsets: []int{2, 2}, Sizes: []int{2, 2}, Placement: cpu0},
	}}
	md, err := grid.BuildMetadata([]int{4, 4}, Float32Properties())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, md.ShardsOf(0))
	assert.Equal(t, []int{1, 2}, md.ShardsOf(1))

	// A grid is not a chunk layout.
	assert.IsType(t, &EnumerableShardingSpec{}, InferShardingSpec(md.Shards))

	_, err = grid.BuildMetadata([]int{4, 5}, Float32Properties())
	assert.ErrorIs(t, err, ErrInconsistent)
	_, err = grid.BuildMetadata([]int{4, 3}, Float32Properties())
	assert.ErrorIs(t, err, ErrInconsistent)

	overlapping := &EnumerableShardingSpec{Shards: []ShardMetadata{
		{Offsets: []int{0}, Sizes: []int{3}, Placement: cpu0},
		{Offsets: []int{2}, Sizes: []int{2}, Placement: cpu1},
	}}
	_, err = overlapping.BuildMetadata([]int{4}, Float32Properties())
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestInferShardingSpec(t *testing.T) {
	spec := MustNewChunkShardingSpec(1, "rank:2/cpu", "rank:0/cpu", "rank:1/cpu")
	md, err := spec.BuildMetadata([]int{2, 7}, Float32Properties())
	require.NoError(t, err)

	// Order of the shards doesn't matter.
	shuffled := []ShardMetadata{md.Shards[2], md.Shards[0], md.Shards[1]}
	inferred, ok := InferShardingSpec(shuffled).(*ChunkShardingSpec)
	require.True(t, ok)
	assert.True(t, spec.Equal(inferred), "inferred %s", inferred)

	// Remainder given to the last chunk instead of the first ones.
	uneven := []ShardMetadata{
		{Offsets: []int{0, 0}, Sizes: []int{2, 2}, Placement: spec.Placements[0]},
		{Offsets: []int{0, 2}, Sizes: []int{2, 2}, Placement: spec.Placements[1]},
		{Offsets: []int{0, 4}, Sizes: []int{2, 3}, Placement: spec.Placements[2]},
	}
	enumerable, ok := InferShardingSpec(uneven).(*EnumerableShardingSpec)
	require.True(t, ok)
	assert.Len(t, enumerable.Shards, 3)
}

func TestMetadata(t *testing.T) {
	props := TensorProperties{DType: dtypes.BFloat16, Layout: buffers.Strided, MemoryFormat: buffers.Contiguous, RequiresGrad: true}
	md, err := MustNewChunkShardingSpec(0, "rank:0/cuda:0", "rank:1/cuda:1").BuildMetadata([]int{4, 3}, props)
	require.NoError(t, err)

	data, err := md.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"placement":"rank:1/cuda:1"`)
	decoded, err := MetadataFromJSON(data)
	require.NoError(t, err)
	assert.True(t, md.Equal(decoded))
	assert.Equal(t, md.Fingerprint(), decoded.Fingerprint())

	clone := md.Clone()
	clone.Shards[0].Sizes[0] = 1
	assert.False(t, md.Equal(clone))
	assert.NotEqual(t, md.Fingerprint(), clone.Fingerprint())
	assert.ErrorIs(t, clone.Validate(), ErrInconsistent)

	_, err = MetadataFromJSON([]byte(`{"shape": [4], "shards": []}`))
	assert.ErrorIs(t, err, ErrConfig)
	_, err = MetadataFromJSON([]byte(`{"shape": [4`))
	assert.ErrorIs(t, err, ErrConfig)

	var nilMetadata *Metadata
	assert.False(t, md.Equal(nilMetadata))
	assert.ErrorIs(t, nilMetadata.Validate(), ErrConfig)
}

func TestShardMetadata(t *testing.T) {
	cpu0 := MustParsePlacement("rank:0/cpu")
	a := ShardMetadata{Offsets: []int{0, 2}, Sizes: []int{4, 4}, Placement: cpu0}
	b := ShardMetadata{Offsets: []int{2, 0}, Sizes: []int{4, 4}, Placement: cpu0}
	offsets, sizes, ok := a.Intersect(b)
	require.True(t, ok)
	assert.Equal(t, []int{2, 2}, offsets)
	assert.Equal(t, []int{2, 2}, sizes)
	assert.Equal(t, 16, a.NumElements())

	c := ShardMetadata{Offsets: []int{4, 0}, Sizes: []int{1, 1}, Placement: cpu0}
	_, _, ok = a.Intersect(c)
	assert.False(t, ok, "touching boxes don't overlap")

	assert.ErrorIs(t, ShardMetadata{Offsets: []int{0}, Sizes: []int{1, 1}, Placement: cpu0}.Validate(), ErrConfig)
	assert.ErrorIs(t, ShardMetadata{Offsets: []int{-1}, Sizes: []int{1}, Placement: cpu0}.Validate(), ErrConfig)
	assert.ErrorIs(t, ShardMetadata{Offsets: []int{0}, Sizes: []int{0}, Placement: cpu0}.Validate(), ErrConfig)
	assert.ErrorIs(t, ShardMetadata{Offsets: []int{0}, Sizes: []int{1}}.Validate(), ErrConfig)

	assert.ErrorIs(t, ValidateNonOverlapping([]ShardMetadata{a, b}), ErrInconsistent)
	assert.NoError(t, ValidateNonOverlapping([]ShardMetadata{a, c}))
	assert.ErrorIs(t, ValidateTiling([]ShardMetadata{a}, []int{4, 5}), ErrInconsistent)
}
