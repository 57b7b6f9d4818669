package distributed

import (
	"bytes"
	"context"
	"testing"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/rpc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	const size = 2
	shape := []int{4, 4}
	spec := CPUChunkShardingSpec(1, size)
	w := collective.NewWorld(size)
	saved := make([][]byte, size)
	tensors := make([]*ShardedTensor, size)
	for _, opts := range []SaveOptions{DefaultSaveOptions, {}, {Compression: true}, {Checksum: true}} {
		for rank := range size {
			g := w.Group(rank)
			st, err := New(ctx, g, spec, shape, Float32Properties())
			require.NoError(t, err)
			_, err = st.Apply(ctx, OpUniform, FloatArg(0), FloatArg(1))
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, st.SaveWithOptions(&buf, g, opts))
			saved[rank], tensors[rank] = buf.Bytes(), st
		}

		// Loading requires no communication without remote shards.
		for rank := range size {
			g := w.Group(rank)
			loaded, err := Load(ctx, bytes.NewReader(saved[rank]), g, g)
			require.NoError(t, err, "options %+v", opts)
			assert.True(t, tensors[rank].Metadata().Equal(loaded.Metadata()))
			assert.True(t, spec.Equal(loaded.Spec().(*ChunkShardingSpec)))
			want, err := tensors[rank].LocalBuffer()
			require.NoError(t, err)
			got, err := loaded.LocalBuffer()
			require.NoError(t, err)
			assert.True(t, want.Equal(got))
		}
	}

	// Saved by rank 1, loaded by rank 0.
	_, err := Load(ctx, bytes.NewReader(saved[1]), w.Group(0), w.Group(0))
	var mismatch *LoadMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, "local rank", mismatch.Field)
	assert.Equal(t, 1, mismatch.Saved)
	assert.Equal(t, 0, mismatch.Current)
	assert.ErrorIs(t, err, ErrConfig)
	assert.EqualError(t, err, "local rank at save time was 1, but at load time was 0")

	// Different global world.
	bigger := collective.NewWorld(3)
	_, err = Load(ctx, bytes.NewReader(saved[0]), w.Group(0), bigger.Group(0))
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, "global world size", mismatch.Field)
	assert.EqualError(t, err, "global world size at save time was 2, but at load time was 3")

	// Different local group, same global position.
	sub, err := bigger.NewGroup(0, 1, 2)
	require.NoError(t, err)
	_, err = Load(ctx, bytes.NewReader(saved[0]), sub[0], w.Group(0))
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, "local world size", mismatch.Field)
}

func TestLoadCorrupted(t *testing.T) {
	ctx := context.Background()
	g := collective.NewWorld(1).Group(0)
	st, err := FromLocalBuffer(ctx, g, rowChunk(0), CPUChunkShardingSpec(0, 1), []int{2, 4})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, st.Save(&buf, g))
	data := buf.Bytes()

	corrupted := bytes.Clone(data)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = Load(ctx, bytes.NewReader(corrupted), g, g)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorContains(t, err, "checksum")

	corrupted = bytes.Clone(data)
	corrupted[0] = 'x'
	_, err = Load(ctx, bytes.NewReader(corrupted), g, g)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorContains(t, err, "signature")

	corrupted = bytes.Clone(data)
	corrupted[len(saveSignature)] = saveVersion + 1
	_, err = Load(ctx, bytes.NewReader(corrupted), g, g)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Load(ctx, bytes.NewReader(data[:10]), g, g)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadWithRemoteShards(t *testing.T) {
	const size = 2
	network := rpc.NewNetwork(size)
	registries := []*Registry{NewRegistry(), NewRegistry()}
	saved := make([][]byte, size)
	runWorld(t, size, func(ctx context.Context, g collective.Group) error {
		rank := g.Rank()
		st, err := FromLocalBuffer(ctx, g, rowChunk(rank), CPUChunkShardingSpec(0, size), []int{4, 4},
			WithRemoteShards(network.Agent(rank), registries[rank]))
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := st.Save(&buf, g); err != nil {
			return err
		}
		saved[rank] = buf.Bytes()

		// Remote shards can't be restored without an agent.
		_, err = Load(ctx, bytes.NewReader(saved[rank]), g, g)
		assert.ErrorIs(t, err, ErrConfig)

		loaded, err := Load(ctx, bytes.NewReader(saved[rank]), g, g, WithRemoteShards(network.Agent(rank), registries[rank]))
		if err != nil {
			return err
		}
		shard, err := loaded.FetchRemoteShard(ctx, 1-rank, 0)
		if err != nil {
			return err
		}
		assert.True(t, rowChunk(1-rank).Equal(shard.Buffer))
		return g.Barrier(ctx)
	})
}

func TestSaveUnsupportedSpec(t *testing.T) {
	ctx := context.Background()
	g := collective.NewWorld(1).Group(0)
	st, err := New(ctx, g, &customSpec{}, []int{2}, Float32Properties())
	require.NoError(t, err)
	assert.ErrorIs(t, st.Save(&bytes.Buffer{}, g), ErrUnsupported)
}

// customSpec places the whole tensor on rank 0.
type customSpec struct{}

func (*customSpec) BuildMetadata(shape []int, properties TensorProperties) (*Metadata, error) {
	return &Metadata{
		Shape:      shape,
		Properties: properties,
		Shards: []ShardMetadata{{
			Offsets:   make([]int, len(shape)),
			Sizes:     shape,
			Placement: Placement{Rank: 0, Device: buffers.CPU()},
		}},
	}, nil
}

func (*customSpec) String() string { return "customSpec" }
