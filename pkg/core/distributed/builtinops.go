package distributed

import (
	"context"
	"encoding/binary"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/x448/float16"
)

// WithBuiltinOps registers OpFill, OpUniform, OpNormal and OpScale, and returns the table itself.
//
// The built-in operations modify in place the local shards of the first argument, which must be a
// ShardedTensor, and return it. Random operations seed each shard from its offsets, so the values of an
// element don't depend on which participant owns it.
func (t *OpTable) WithBuiltinOps() *OpTable {
	_ = t.Register(OpFill, elementwiseOp(OpFill, 1, func(args []float64, _ *rand.Rand) func(float64) float64 {
		value := args[0]
		return func(float64) float64 { return value }
	}))
	_ = t.Register(OpScale, elementwiseOp(OpScale, 1, func(args []float64, _ *rand.Rand) func(float64) float64 {
		factor := args[0]
		return func(x float64) float64 { return x * factor }
	}))
	_ = t.Register(OpUniform, elementwiseOp(OpUniform, 2, func(args []float64, rng *rand.Rand) func(float64) float64 {
		low, high := args[0], args[1]
		return func(float64) float64 { return low + rng.Float64()*(high-low) }
	}))
	_ = t.Register(OpNormal, elementwiseOp(OpNormal, 2, func(args []float64, rng *rand.Rand) func(float64) float64 {
		mean, stddev := args[0], args[1]
		return func(float64) float64 { return mean + rng.NormFloat64()*stddev }
	}))
	return t
}

// elementwiseOp creates the handler of an operation that maps every element of the local shards of its first
// argument. It takes numArgs Float arguments after the tensor.
func elementwiseOp(op Op, numArgs int, makeFn func(args []float64, rng *rand.Rand) func(float64) float64) Handler {
	return func(_ context.Context, _ []ArgKind, args []Value, kwargs map[string]Value, _ collective.Group) ([]Value, error) {
		if len(args) != numArgs+1 || args[0].Kind != ArgTensor || args[0].Tensor == nil {
			return nil, configErrorf("operation %s takes a ShardedTensor and %d Float arguments, got %v", op, numArgs, args)
		}
		floats := make([]float64, numArgs)
		for ii, arg := range args[1:] {
			switch arg.Kind {
			case ArgFloat:
				floats[ii] = arg.Float
			case ArgInt:
				floats[ii] = float64(arg.Int)
			default:
				return nil, configErrorf("operation %s argument #%d must be a Float, got %s", op, ii+1, arg.Kind)
			}
		}
		var seed uint64
		if v, found := kwargs["seed"]; found {
			if v.Kind != ArgInt {
				return nil, configErrorf("operation %s keyword \"seed\" must be an Int, got %s", op, v.Kind)
			}
			seed = uint64(v.Int)
		}
		tensor := args[0].Tensor
		for _, shard := range tensor.localShards {
			rng := rand.New(rand.NewPCG(seed, shardSeed(shard.Metadata)))
			if err := mapElements(shard.Buffer, makeFn(floats, rng)); err != nil {
				return nil, err
			}
		}
		return []Value{TensorArg(tensor)}, nil
	}
}

// shardSeed hashes the box of a shard.
func shardSeed(m ShardMetadata) uint64 {
	h := xxhash.New()
	var scratch [8]byte
	for _, values := range [][]int{m.Offsets, m.Sizes} {
		for _, v := range values {
			binary.LittleEndian.PutUint64(scratch[:], uint64(v))
			_, _ = h.Write(scratch[:])
		}
	}
	return h.Sum64()
}

type realNumber interface {
	float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

func mapFlat[T realNumber](b *buffers.Buffer, fn func(float64) float64) {
	flat := buffers.MustFlat[T](b)
	for ii, v := range flat {
		flat[ii] = T(fn(float64(v)))
	}
}

// mapElements replaces every element x of b by fn(x), in row-major order.
func mapElements(b *buffers.Buffer, fn func(float64) float64) error {
	switch b.DType() {
	case dtypes.Float32:
		mapFlat[float32](b, fn)
	case dtypes.Float64:
		mapFlat[float64](b, fn)
	case dtypes.Int8:
		mapFlat[int8](b, fn)
	case dtypes.Int16:
		mapFlat[int16](b, fn)
	case dtypes.Int32:
		mapFlat[int32](b, fn)
	case dtypes.Int64:
		mapFlat[int64](b, fn)
	case dtypes.Uint8:
		mapFlat[uint8](b, fn)
	case dtypes.Uint16:
		mapFlat[uint16](b, fn)
	case dtypes.Uint32:
		mapFlat[uint32](b, fn)
	case dtypes.Uint64:
		mapFlat[uint64](b, fn)
	case dtypes.Float16:
		flat := buffers.MustFlat[float16.Float16](b)
		for ii, v := range flat {
			flat[ii] = float16.Fromfloat32(float32(fn(float64(v.Float32()))))
		}
	case dtypes.BFloat16:
		flat := buffers.MustFlat[dtypes.BFloat16Value](b)
		for ii, v := range flat {
			flat[ii] = dtypes.BFloat16FromFloat32(float32(fn(float64(v.Float32()))))
		}
	case dtypes.Bool:
		flat := buffers.MustFlat[bool](b)
		for ii, v := range flat {
			x := 0.0
			if v {
				x = 1
			}
			flat[ii] = fn(x) != 0
		}
	default:
		return unsupportedErrorf("element-wise operations on dtype %s", b.DType())
	}
	return nil
}
