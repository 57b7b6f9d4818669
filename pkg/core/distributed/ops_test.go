package distributed

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpNames(t *testing.T) {
	assert.Equal(t, "Fill", OpFill.String())
	assert.Equal(t, "Normal", OpNormal.String())
	assert.Equal(t, "Op(1001)", (OpUser + 1).String())
	assert.Equal(t, "Float", ArgFloat.String())
	assert.Equal(t, "3", IntArg(3).String())
	assert.Equal(t, "0.5", FloatArg(0.5).String())
	assert.Equal(t, "ShardedTensor<nil>", TensorArg(nil).String())
}

func TestBuiltinOps(t *testing.T) {
	ctx := context.Background()
	g := collective.NewWorld(1).Group(0)
	metrics := NewMetrics()
	st, err := New(ctx, g, CPUChunkShardingSpec(0, 1), []int{4, 3}, Float32Properties(), WithMetrics(metrics))
	require.NoError(t, err)
	buf, err := st.LocalBuffer()
	require.NoError(t, err)

	results, err := st.Apply(ctx, OpFill, FloatArg(2.5))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Same(t, st, results[0].Tensor)
	for _, v := range buffers.MustFlat[float32](buf) {
		assert.Equal(t, float32(2.5), v)
	}

	_, err = st.Apply(ctx, OpScale, IntArg(-2))
	require.NoError(t, err)
	for _, v := range buffers.MustFlat[float32](buf) {
		assert.Equal(t, float32(-5), v)
	}

	_, err = st.ApplyWithKeywords(ctx, OpNormal, map[string]Value{"seed": IntArg(7)}, FloatArg(10), FloatArg(0.1))
	require.NoError(t, err)
	for _, v := range buffers.MustFlat[float32](buf) {
		assert.InDelta(t, 10.0, float64(v), 1.0)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.opsDispatched.WithLabelValues("Normal")))

	// Invalid arguments.
	_, err = st.Apply(ctx, OpFill)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = st.Apply(ctx, OpUniform, FloatArg(0), TensorArg(st))
	assert.ErrorIs(t, err, ErrConfig)
	_, err = st.ApplyWithKeywords(ctx, OpUniform, map[string]Value{"seed": FloatArg(1)}, FloatArg(0), FloatArg(1))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestBuiltinOpsDTypes(t *testing.T) {
	ctx := context.Background()
	g := collective.NewWorld(1).Group(0)
	for _, dtype := range []dtypes.DType{dtypes.Int8, dtypes.Uint32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16, dtypes.Bool} {
		t.Run(dtype.String(), func(t *testing.T) {
			props := Float32Properties()
			props.DType = dtype
			st, err := New(ctx, g, CPUChunkShardingSpec(0, 1), []int{3}, props)
			require.NoError(t, err)
			_, err = st.Apply(ctx, OpFill, FloatArg(1))
			require.NoError(t, err)
			buf, err := st.LocalBuffer()
			require.NoError(t, err)
			want, err := New(ctx, g, CPUChunkShardingSpec(0, 1), []int{3}, props)
			require.NoError(t, err)
			wantBuf, err := want.LocalBuffer()
			require.NoError(t, err)
			require.NoError(t, mapElements(wantBuf, func(float64) float64 { return 1 }))
			assert.True(t, wantBuf.Equal(buf))
			assert.NotEqual(t, make([]byte, buf.Memory()), buf.Bytes())
		})
	}

	props := Float32Properties()
	props.DType = dtypes.Complex64
	st, err := New(ctx, g, CPUChunkShardingSpec(0, 1), []int{3}, props)
	require.NoError(t, err)
	_, err = st.Apply(ctx, OpFill, FloatArg(1))
	assert.ErrorIs(t, err, ErrUnsupported)
}

// TestUniformDoesNotDependOnOwner fills two tensors with the same boxes but swapped owners, and checks
// they gather the same values.
func TestUniformDoesNotDependOnOwner(t *testing.T) {
	shape := []int{6, 5}
	gathered := make([][]float32, 2)
	runWorld(t, 2, func(ctx context.Context, g collective.Group) error {
		specs := []*ChunkShardingSpec{
			MustNewChunkShardingSpec(0, "rank:0/cpu", "rank:1/cpu"),
			MustNewChunkShardingSpec(0, "rank:1/cpu", "rank:0/cpu"),
		}
		for ii, spec := range specs {
			st, err := New(ctx, g, spec, shape, Float32Properties())
			if err != nil {
				return err
			}
			_, err = st.ApplyWithKeywords(ctx, OpUniform, map[string]Value{"seed": IntArg(42)}, FloatArg(-1), FloatArg(1))
			if err != nil {
				return err
			}
			var out *buffers.Buffer
			if g.Rank() == 0 {
				out = buffers.FromFlat(make([]float32, 30), shape...)
			}
			if err := st.Gather(ctx, 0, out); err != nil {
				return err
			}
			if g.Rank() == 0 {
				gathered[ii] = buffers.MustFlat[float32](out)
			}
		}
		return nil
	})
	assert.Equal(t, gathered[0], gathered[1])
	distinct := make(map[float32]bool)
	for _, v := range gathered[0] {
		assert.True(t, v >= -1 && v < 1 && !math.IsNaN(float64(v)), "value %g out of range", v)
		distinct[v] = true
	}
	assert.Greater(t, len(distinct), 20)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	g := collective.NewWorld(1).Group(0)
	table := NewOpTable()
	st, err := New(ctx, g, CPUChunkShardingSpec(0, 1), []int{2}, Float32Properties(), WithOpTable(table))
	require.NoError(t, err)

	// No handler registered.
	_, err = st.Apply(ctx, OpFill, FloatArg(1))
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, table.Has(OpFill))

	const opSum = OpUser + 1
	var gotKinds []ArgKind
	var gotGroup collective.Group
	require.NoError(t, table.Register(opSum, func(_ context.Context, kinds []ArgKind, args []Value,
		kwargs map[string]Value, group collective.Group) ([]Value, error) {
		gotKinds, gotGroup = kinds, group
		return []Value{FloatArg(args[1].Float + kwargs["extra"].Float)}, nil
	}))
	assert.True(t, table.Has(opSum))

	results, err := st.ApplyWithKeywords(ctx, opSum, map[string]Value{
		"extra":  FloatArg(2),
		"buffer": BufferArg(buffers.FromFlat([]int32{1}, 1)),
	}, FloatArg(1), TensorArg(st))
	require.NoError(t, err)
	assert.Equal(t, []Value{FloatArg(3)}, results)
	assert.Equal(t, []ArgKind{ArgTensor, ArgFloat, ArgBuffer}, gotKinds)
	assert.Same(t, g, gotGroup)

	// The tensor can come from the keyword arguments.
	_, err = table.Dispatch(ctx, opSum, []Value{IntArg(0), FloatArg(1)}, map[string]Value{
		"extra": FloatArg(2), "tensor": TensorArg(st),
	})
	require.NoError(t, err)
	assert.Equal(t, []ArgKind{ArgInt, ArgFloat, ArgTensor}, gotKinds)

	// No tensor at all.
	_, err = table.Dispatch(ctx, opSum, []Value{FloatArg(1)}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.ErrorIs(t, table.Register(OpInvalid, nil), ErrConfig)
	assert.ErrorIs(t, table.Register(opSum, nil), ErrConfig)
	require.NoError(t, table.WithBuiltinOps().Register(OpFill, DefaultOpTable.handlers[OpFill]))
	_, err = st.Apply(ctx, OpFill, FloatArg(1))
	assert.NoError(t, err)
}
