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

// reshardTagBase is added to the index of the new shard to form the tag of the reshard messages.
const reshardTagBase = 1 << 24

// Reshard modes, also used as metric labels.
const (
	reshardNoop      = "noop"
	reshardReshuffle = "reshuffle"
	reshardAllToAll  = "all_to_all"
)

// Reshard redistributes the shards according to spec, and returns t itself, modified in place.
//
// It is a collective operation. Only ChunkShardingSpec is supported, for both the current and the new spec, and
// every participant must currently own exactly one shard. There are three cases:
//
//   - Same chunk dim and placements: nothing to do.
//   - Same chunk dim and number of placements: the shards keep their boxes, and are sent whole to their new owners.
//   - Otherwise each participant sends to the owner of each new shard the part of its shard that falls in it, and
//     assembles its new shards from the parts it receives.
//
// All data is exchanged before the tensor is modified: if it fails, t keeps its current shards and metadata.
// The one exception is the advertisement of the new shards to the peers (with WithRemoteShards): if it fails,
// t is returned along with the error, already resharded, but its remote shards may be incomplete.
func (t *ShardedTensor) Reshard(ctx context.Context, spec ShardingSpec) (*ShardedTensor, error) {
	current, currentIsChunk := t.spec.(*ChunkShardingSpec)
	target, targetIsChunk := spec.(*ChunkShardingSpec)
	if !currentIsChunk || !targetIsChunk {
		return nil, unsupportedErrorf("only ChunkShardingSpec supported for reshard, got %s to %s", t.spec, spec)
	}
	size := t.group.Size()
	for rank := range size {
		if n := len(t.metadata.ShardsOf(rank)); n != 1 {
			return nil, unsupportedErrorf("only single local shard supported for reshard, rank %d has %d shards", rank, n)
		}
	}
	numAxes := len(t.metadata.Shape)
	currentAxis, err := current.Axis(numAxes)
	if err != nil {
		return nil, err
	}
	targetAxis, err := target.Axis(numAxes)
	if err != nil {
		return nil, err
	}

	mode := reshardAllToAll
	if currentAxis == targetAxis {
		if slices.Equal(current.Placements, target.Placements) {
			mode = reshardNoop
		} else if len(current.Placements) == len(target.Placements) {
			mode = reshardReshuffle
		}
	}
	if mode == reshardNoop {
		klog.V(1).Infof("rank %d: reshard to %s is a no-op", t.group.Rank(), target)
		t.opts.metrics.reshards.WithLabelValues(mode).Inc()
		return t, nil
	}

	md, err := target.BuildMetadata(t.metadata.Shape, t.metadata.Properties)
	if err != nil {
		return nil, err
	}
	if err := validatePlacements(md, size); err != nil {
		return nil, err
	}
	if md.Properties.Pinned {
		for _, shard := range md.Shards {
			if !shard.Placement.Device.IsCPU() {
				return nil, configErrorf("pinned tensor cannot be resharded to %s, pinned memory is only available "+
					"for %s devices: use ToDevice first", shard.Placement, buffers.DeviceCPU)
			}
		}
	}

	var local []Shard
	var sentBytes int
	if mode == reshardReshuffle {
		local, sentBytes, err = t.reshuffle(ctx, md)
	} else {
		local, sentBytes, err = t.allToAll(ctx, md)
	}
	if err != nil {
		return nil, err
	}

	t.localShards = local
	t.metadata = md
	t.spec = target
	t.opts.metrics.reshards.WithLabelValues(mode).Inc()
	t.opts.metrics.reshardBytes.WithLabelValues(mode).Add(float64(sentBytes))
	klog.V(1).Infof("rank %d: resharded to %s (%s), sent %s", t.group.Rank(), target, mode, humanize.Bytes(uint64(sentBytes)))

	if t.opts.agent != nil {
		t.resetRemoteShards()
		if err := t.advertiseLocalShards(ctx); err != nil {
			return t, err
		}
	}
	return t, nil
}

// reshuffle moves whole shards to their new owners: new shard k has the same box as one of the current shards.
func (t *ShardedTensor) reshuffle(ctx context.Context, md *Metadata) (local []Shard, sentBytes int, err error) {
	rank := t.group.Rank()
	mine := t.localShards[0]
	oldOwners := make([]int, len(md.Shards))
	for k, newShard := range md.Shards {
		j := slices.IndexFunc(t.metadata.Shards, newShard.SameBox)
		if j < 0 {
			return nil, 0, inconsistentErrorf("no current shard has the box of the new shard %s", newShard)
		}
		oldOwners[k] = t.metadata.Shards[j].Placement.Rank
	}

	for k, newShard := range md.Shards {
		newOwner := newShard.Placement.Rank
		if oldOwners[k] != rank || newOwner == rank {
			continue
		}
		if err := collective.SendObject(ctx, t.group, newOwner, reshardTagBase+k, mine.Buffer); err != nil {
			return nil, 0, commError("reshuffle send", err)
		}
		sentBytes += mine.Buffer.Memory()
	}

	for k, newShard := range md.Shards {
		if newShard.Placement.Rank != rank {
			continue
		}
		buf := mine.Buffer
		if oldOwners[k] != rank {
			buf, err = collective.RecvObject[*buffers.Buffer](ctx, t.group, oldOwners[k], reshardTagBase+k)
			if err != nil {
				return nil, 0, commError("reshuffle receive", err)
			}
			if !slices.Equal(buf.Dims(), newShard.Sizes) {
				return nil, 0, protocolErrorf("received buffer %s from rank %d for shard %s", buf, oldOwners[k], newShard)
			}
		}
		buf, err = t.opts.allocator.ToDevice(buf, newShard.Placement.Device)
		if err != nil {
			return nil, 0, errors.WithMessagef(ErrConfig, "rank %d failed to move shard %s: %v", rank, newShard, err)
		}
		local = append(local, Shard{Buffer: buf, Metadata: newShard.Clone()})
	}
	return local, sentBytes, nil
}

// piece of a new shard, with its offsets relative to the new shard.
type piece struct {
	offsets []int
	buf     *buffers.Buffer
}

// allToAll sends to the owner of each new shard the intersection of the local shard with it, and assembles the
// new local shards from the intersections received, in offset order.
func (t *ShardedTensor) allToAll(ctx context.Context, md *Metadata) (local []Shard, sentBytes int, err error) {
	rank := t.group.Rank()
	mine := t.localShards[0]
	kept := make(map[int]*buffers.Buffer)
	for k, newShard := range md.Shards {
		offsets, sizes, overlap := mine.Metadata.Intersect(newShard)
		if !overlap {
			continue
		}
		box, err := mine.Buffer.View().NarrowBox(relativeOffsets(offsets, mine.Metadata.Offsets), sizes)
		if err != nil {
			return nil, 0, errors.WithMessagef(ErrInconsistent, "local shard %s: %v", mine.Metadata, err)
		}
		part, err := box.Extract()
		if err != nil {
			return nil, 0, errors.WithMessagef(ErrInconsistent, "local shard %s: %v", mine.Metadata, err)
		}
		newOwner := newShard.Placement.Rank
		if newOwner == rank {
			kept[k] = part
			continue
		}
		if err := collective.SendObject(ctx, t.group, newOwner, reshardTagBase+k, part); err != nil {
			return nil, 0, commError("all-to-all send", err)
		}
		sentBytes += part.Memory()
	}

	// Current shards in offset order.
	oldShards := slices.Clone(t.metadata.Shards)
	slices.SortFunc(oldShards, func(a, b ShardMetadata) int { return slices.Compare(a.Offsets, b.Offsets) })

	for k, newShard := range md.Shards {
		if newShard.Placement.Rank != rank {
			continue
		}
		var pieces []piece
		for _, oldShard := range oldShards {
			offsets, sizes, overlap := oldShard.Intersect(newShard)
			if !overlap {
				continue
			}
			var part *buffers.Buffer
			if owner := oldShard.Placement.Rank; owner == rank {
				part = kept[k]
			} else {
				part, err = collective.RecvObject[*buffers.Buffer](ctx, t.group, owner, reshardTagBase+k)
				if err != nil {
					return nil, 0, commError("all-to-all receive", err)
				}
			}
			if part == nil || !slices.Equal(part.Dims(), sizes) {
				return nil, 0, protocolErrorf("invalid part %s from rank %d for shard %s", part, oldShard.Placement.Rank, newShard)
			}
			pieces = append(pieces, piece{offsets: relativeOffsets(offsets, newShard.Offsets), buf: part})
		}

		buf, err := t.opts.allocator.Allocate(md.Properties.bufferSpec(newShard.Sizes, newShard.Placement.Device))
		if err != nil {
			return nil, 0, errors.WithMessagef(ErrConfig, "rank %d failed to allocate shard %s: %v", rank, newShard, err)
		}
		err = t.opts.pool.ForEach(ctx, len(pieces), func(i int) error {
			p := pieces[i]
			return buffers.CopyRegion(buf, p.offsets, p.buf, make([]int, len(p.offsets)), p.buf.Dims())
		})
		if err != nil {
			return nil, 0, errors.WithMessagef(ErrInconsistent, "failed to assemble shard %s: %v", newShard, err)
		}
		local = append(local, Shard{Buffer: buf, Metadata: newShard.Clone()})
	}
	return local, sentBytes, nil
}

func relativeOffsets(global, origin []int) []int {
	rel := make([]int, len(global))
	for axis := range global {
		rel[axis] = global[axis] - origin[axis]
	}
	return rel
}
