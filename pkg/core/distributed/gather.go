package distributed

import (
	"context"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// validateGatherOutput checks out is given only on dst, and that it can hold the full tensor.
func (t *ShardedTensor) validateGatherOutput(dst int, out *buffers.Buffer) error {
	rank := t.group.Rank()
	if dst < 0 || dst >= t.group.Size() {
		return configErrorf("gather destination rank %d out of range for group of size %d", dst, t.group.Size())
	}
	if rank != dst {
		if out != nil {
			return configErrorf("gather output buffer must only be provided on destination rank %d, but rank %d has one",
				dst, rank)
		}
		return nil
	}
	if out == nil {
		return configErrorf("gather output buffer must be provided on destination rank %d", dst)
	}
	if !slices.Equal(out.Dims(), t.metadata.Shape) {
		return configErrorf("gather output buffer %s doesn't match tensor shape %v", out, t.metadata.Shape)
	}
	if out.DType() != t.metadata.Properties.DType {
		return configErrorf("gather output buffer %s doesn't match tensor dtype %s", out, t.metadata.Properties.DType)
	}
	return nil
}

// Gather copies the full tensor into out on participant dst.
//
// It is a collective operation: every participant must call it with the same dst, and out must be given
// (with the global shape and the tensor dtype) only on dst, and be nil everywhere else. Every participant
// sends its local shards to dst, which copies each of them into its box of out.
func (t *ShardedTensor) Gather(ctx context.Context, dst int, out *buffers.Buffer) error {
	if err := t.validateGatherOutput(dst, out); err != nil {
		return err
	}
	gathered, present, err := collective.GatherObject(ctx, t.group, dst, t.localShards)
	if err != nil {
		return commError("gather of local shards", err)
	}
	if t.group.Rank() != dst {
		return nil
	}

	var shards []Shard
	for rank, rankShards := range gathered {
		if !present[rank] {
			return protocolErrorf("gathered shards cannot be missing on destination rank %d, rank %d sent none", dst, rank)
		}
		shards = append(shards, rankShards...)
	}
	view := out.View()
	err = t.opts.pool.ForEach(ctx, len(shards), func(i int) error {
		shard := shards[i]
		box, err := view.NarrowBox(shard.Metadata.Offsets, shard.Metadata.Sizes)
		if err != nil {
			return errors.WithMessagef(ErrInconsistent, "shard %s doesn't fit the output: %v", shard.Metadata, err)
		}
		if err := box.CopyFrom(shard.Buffer); err != nil {
			return errors.WithMessagef(ErrInconsistent, "failed to copy shard %s: %v", shard.Metadata, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.opts.metrics.gatheredBytes.Add(float64(out.Memory()))
	klog.V(1).Infof("rank %d: gathered %d shards into %s (%s)", dst, len(shards), out, humanize.Bytes(uint64(out.Memory())))
	return nil
}
