// Package distributed implements ShardedTensor: a logical N-dimensional array partitioned into shards that live
// on the participants of a communication group (collective.Group), each participant holding only its own shards
// and a global view (Metadata) agreed by all of them.
//
// It is meant for SPMD programs: every participant runs the same code, and the methods documented as collective
// must be called by all participants, in the same order and with consistent arguments.
//
// A ShardedTensor can be constructed in three ways, that lead to the same result:
//
//   - New: from a ShardingSpec. Each participant builds the metadata independently, no communication is needed.
//   - FromLocalShards: from the shards each participant already has. Participants exchange their local view, and
//     the merged metadata is validated by all of them.
//   - FromLocalShardsAndMetadata: from the local shards and an already agreed Metadata. Only the local shards are
//     validated, no communication is needed.
//
// Once created, Gather copies the full tensor to one participant, and Reshard redistributes the shards according
// to a new ChunkShardingSpec.
package distributed

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/gomlx/sharding/pkg/core/rpc"
	"github.com/gomlx/sharding/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShardedTensor is the view that one participant has of a sharded tensor: its local shards and the global metadata.
//
// A ShardedTensor is not safe for concurrent use, except for the registration of remote shards by peers.
type ShardedTensor struct {
	group collective.Group
	opts  options

	metadata    *Metadata
	spec        ShardingSpec
	localShards []Shard

	// id is assigned by the registry if remote shards are enabled, 0 otherwise.
	id TensorID

	mu           sync.Mutex
	closed       bool
	localRefs    []rpc.RemoteRef
	remoteShards map[int][]rpc.RemoteRef
}

func newTensor(group collective.Group, md *Metadata, spec ShardingSpec, local []Shard, o options) *ShardedTensor {
	return &ShardedTensor{
		group:       group,
		opts:        o,
		metadata:    md,
		spec:        spec,
		localShards: local,
	}
}

// validatePlacements checks that every shard is placed on a rank of the group.
func validatePlacements(md *Metadata, groupSize int) error {
	for _, shard := range md.Shards {
		if err := shard.Placement.validateRank(groupSize); err != nil {
			return err
		}
	}
	return nil
}

// New creates a ShardedTensor from a ShardingSpec: every participant builds the metadata on its own, and
// allocates the (uninitialized) buffers of the shards placed on it.
//
// It requires no communication, but all participants must provide identical spec, shape and properties.
// If remote shards are enabled (WithRemoteShards) it is a collective operation.
func New(ctx context.Context, group collective.Group, spec ShardingSpec, shape []int,
	properties TensorProperties, opts ...Option) (*ShardedTensor, error) {
	o := newOptions(opts)
	md, err := spec.BuildMetadata(shape, properties)
	if err != nil {
		return nil, err
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	if err := validatePlacements(md, group.Size()); err != nil {
		return nil, err
	}
	rank := group.Rank()
	var local []Shard
	for _, shardMeta := range md.Shards {
		if shardMeta.Placement.Rank != rank {
			continue
		}
		buf, err := o.allocator.Allocate(properties.bufferSpec(shardMeta.Sizes, shardMeta.Placement.Device))
		if err != nil {
			return nil, errors.WithMessagef(ErrConfig, "rank %d failed to allocate shard %s: %v", rank, shardMeta, err)
		}
		local = append(local, Shard{Buffer: buf, Metadata: shardMeta.Clone()})
	}
	t := newTensor(group, md, spec, local, o)
	if err := t.postInit(ctx, "spec"); err != nil {
		return nil, err
	}
	return t, nil
}

// localView is what each participant knows before the metadata is agreed: its shards and their properties.
type localView struct {
	Shape      []int
	Shards     []ShardMetadata
	Properties *TensorProperties

	// Err is set if the participant failed to validate its own shards.
	Err string
}

func buildLocalView(shards []Shard, shape []int, rank int) (localView, error) {
	view := localView{Shape: slices.Clone(shape)}
	for axis, dim := range shape {
		if dim <= 0 {
			return view, configErrorf("tensor shape %v has non-positive dimension on axis %d", shape, axis)
		}
	}
	for _, shard := range shards {
		if err := shard.Metadata.Validate(); err != nil {
			return view, err
		}
		if shard.Metadata.Placement.Rank != rank {
			return view, configErrorf("local shard %s is placed on rank %d, but the current rank is %d",
				shard.Metadata, shard.Metadata.Placement.Rank, rank)
		}
		if shard.Buffer == nil {
			return view, configErrorf("local shard %s has no buffer on rank %d", shard.Metadata, rank)
		}
		if view.Properties == nil {
			properties := PropertiesOf(shard.Buffer)
			if err := properties.Validate(); err != nil {
				return view, err
			}
			view.Properties = &properties
		}
		if err := shard.validateAgainst(*view.Properties, rank); err != nil {
			return view, err
		}
		view.Shards = append(view.Shards, shard.Metadata.Clone())
	}
	return view, nil
}

// mergeLocalViews builds the global metadata from the views of all participants, in rank order.
func mergeLocalViews(views []localView) (*Metadata, error) {
	md := &Metadata{Shape: views[0].Shape}
	var propertiesRank int
	var properties *TensorProperties
	for rank, view := range views {
		if view.Err != "" {
			return nil, inconsistentErrorf("rank %d failed to validate its local shards: %s", rank, view.Err)
		}
		if !slices.Equal(view.Shape, md.Shape) {
			return nil, inconsistentErrorf("rank %d has tensor shape %v, but rank 0 has %v", rank, view.Shape, md.Shape)
		}
		if view.Properties != nil {
			if properties == nil {
				properties, propertiesRank = view.Properties, rank
			} else if *view.Properties != *properties {
				return nil, inconsistentErrorf("rank %d has tensor properties %s, but rank %d has %s",
					rank, *view.Properties, propertiesRank, *properties)
			}
		}
		md.Shards = append(md.Shards, view.Shards...)
	}
	if properties == nil {
		return nil, configErrorf("no participant has local shards")
	}
	md.Properties = *properties
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// FromLocalShards creates a ShardedTensor from the shards each participant already owns (possibly none) and
// the intended global shape.
//
// It is a collective operation: participants exchange their local views, and every one of them merges and
// validates the result, so that either all of them succeed with identical metadata or all of them fail.
// With a single participant no communication happens.
func FromLocalShards(ctx context.Context, group collective.Group, shards []Shard, shape []int,
	opts ...Option) (*ShardedTensor, error) {
	o := newOptions(opts)
	rank := group.Rank()
	view, localErr := buildLocalView(shards, shape, rank)
	if localErr != nil {
		view = localView{Shape: slices.Clone(shape), Err: localErr.Error()}
	}

	views := []localView{view}
	if group.Size() > 1 {
		var err error
		views, err = collective.AllGatherObject(ctx, group, view)
		if err != nil {
			return nil, commError("all-gather of local shards metadata", err)
		}
	}
	if localErr != nil {
		return nil, localErr
	}
	md, err := mergeLocalViews(views)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("rank %d: merged metadata of %d participants, fingerprint %016x", rank, len(views), md.Fingerprint())

	local := make([]Shard, len(shards))
	for ii, shard := range shards {
		local[ii] = Shard{Buffer: shard.Buffer, Metadata: shard.Metadata.Clone()}
	}
	t := newTensor(group, md, InferShardingSpec(md.Shards), local, o)
	if err := t.postInit(ctx, "local_shards"); err != nil {
		return nil, err
	}
	return t, nil
}

// FromLocalShardsAndMetadata creates a ShardedTensor from the local shards and metadata already agreed by
// all participants.
//
// Only the local shards are validated against the metadata: each must be declared in it, and match its size,
// device and properties. Inconsistencies across participants are not detected. It requires no communication,
// unless remote shards are enabled.
func FromLocalShardsAndMetadata(ctx context.Context, group collective.Group, shards []Shard, md *Metadata,
	opts ...Option) (*ShardedTensor, error) {
	return fromLocalShardsAndMetadata(ctx, group, shards, md, nil, "local_shards_and_metadata", newOptions(opts))
}

// fromLocalShardsAndMetadata implements FromLocalShardsAndMetadata. If spec is nil it is inferred from the metadata.
func fromLocalShardsAndMetadata(ctx context.Context, group collective.Group, shards []Shard, md *Metadata,
	spec ShardingSpec, protocol string, o options) (*ShardedTensor, error) {
	if md == nil || len(md.Shards) == 0 {
		return nil, configErrorf("metadata must have at least one shard")
	}
	if err := md.Properties.Validate(); err != nil {
		return nil, err
	}
	if err := validatePlacements(md, group.Size()); err != nil {
		return nil, err
	}
	rank := group.Rank()
	localIndices := md.ShardsOf(rank)
	if len(shards) != len(localIndices) {
		return nil, inconsistentErrorf("number of local shards (%d) does not match number of local shards "+
			"in the metadata (%d) on rank %d", len(shards), len(localIndices), rank)
	}
	local := make([]Shard, len(shards))
	matched := sets.Make[int](len(localIndices))
	for ii, shard := range shards {
		pos := slices.IndexFunc(localIndices, func(idx int) bool { return md.Shards[idx].Equal(shard.Metadata) })
		if pos < 0 {
			return nil, inconsistentErrorf("local shard %s is not in the metadata of rank %d", shard.Metadata, rank)
		}
		if !matched.InsertNew(localIndices[pos]) {
			return nil, inconsistentErrorf("local shard %s given more than once on rank %d", shard.Metadata, rank)
		}
		if err := shard.validateAgainst(md.Properties, rank); err != nil {
			return nil, err
		}
		local[ii] = Shard{Buffer: shard.Buffer, Metadata: shard.Metadata.Clone()}
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	md = md.Clone()
	if spec == nil {
		spec = InferShardingSpec(md.Shards)
	}
	t := newTensor(group, md, spec, local, o)
	if err := t.postInit(ctx, protocol); err != nil {
		return nil, err
	}
	return t, nil
}

// FromLocalBuffer creates a ShardedTensor where buf is the data of every shard that spec places on the current
// participant (usually exactly one). The properties are taken from buf, and buf is validated like in
// FromLocalShardsAndMetadata.
func FromLocalBuffer(ctx context.Context, group collective.Group, buf *buffers.Buffer, spec ShardingSpec,
	shape []int, opts ...Option) (*ShardedTensor, error) {
	if !buf.IsContiguous() {
		return nil, configErrorf("local buffer %s is not contiguous", buf)
	}
	md, err := spec.BuildMetadata(shape, PropertiesOf(buf))
	if err != nil {
		return nil, err
	}
	if err := validatePlacements(md, group.Size()); err != nil {
		return nil, err
	}
	var local []Shard
	for _, idx := range md.ShardsOf(group.Rank()) {
		local = append(local, Shard{Buffer: buf, Metadata: md.Shards[idx].Clone()})
	}
	return fromLocalShardsAndMetadata(ctx, group, local, md, spec, "local_buffer", newOptions(opts))
}

// postInit finishes the construction: it reports metrics and, if enabled, registers the tensor and exchanges
// the references to the remote shards.
func (t *ShardedTensor) postInit(ctx context.Context, protocol string) error {
	t.opts.metrics.constructions.WithLabelValues(protocol).Inc()
	if klog.V(1).Enabled() {
		klog.Infof("rank %d: created ShardedTensor%v with %d local shards (of %d) from %s",
			t.group.Rank(), t.metadata.Shape, len(t.localShards), len(t.metadata.Shards), protocol)
	}
	if t.opts.agent == nil {
		return nil
	}
	if err := t.initRemoteShards(ctx); err != nil {
		t.Close()
		return err
	}
	return nil
}

// Group returns the communication group of the tensor.
func (t *ShardedTensor) Group() collective.Group { return t.group }

// Shape returns a copy of the global shape.
func (t *ShardedTensor) Shape() []int { return slices.Clone(t.metadata.Shape) }

// NumAxes of the global shape.
func (t *ShardedTensor) NumAxes() int { return len(t.metadata.Shape) }

// Dim returns the global dimension of the given axis. Negative axes count from the end.
func (t *ShardedTensor) Dim(axis int) (int, error) {
	numAxes := len(t.metadata.Shape)
	if axis < -numAxes || axis >= numAxes {
		return 0, configErrorf("axis %d out of range for a tensor with %d axes", axis, numAxes)
	}
	if axis < 0 {
		axis += numAxes
	}
	return t.metadata.Shape[axis], nil
}

// DType of the tensor elements.
func (t *ShardedTensor) DType() dtypes.DType { return t.metadata.Properties.DType }

// Layout of the shards.
func (t *ShardedTensor) Layout() buffers.Layout { return t.metadata.Properties.Layout }

// RequiresGrad returns the requires-gradient flag of the shards.
func (t *ShardedTensor) RequiresGrad() bool { return t.metadata.Properties.RequiresGrad }

// IsPinned returns whether the shards are in pinned memory.
func (t *ShardedTensor) IsPinned() bool { return t.metadata.Properties.Pinned }

// IsContiguous returns whether the shards are strided and contiguous.
func (t *ShardedTensor) IsContiguous() bool {
	return t.metadata.Properties.Layout == buffers.Strided && t.metadata.Properties.MemoryFormat == buffers.Contiguous
}

// Properties shared by all shards.
func (t *ShardedTensor) Properties() TensorProperties { return t.metadata.Properties }

// Metadata returns a copy of the global metadata.
func (t *ShardedTensor) Metadata() *Metadata { return t.metadata.Clone() }

// Spec returns the sharding spec that created the tensor, or the one inferred from its shards.
func (t *ShardedTensor) Spec() ShardingSpec { return t.spec }

// LocalShards returns the shards owned by the current participant. The buffers are not copied.
func (t *ShardedTensor) LocalShards() []Shard { return slices.Clone(t.localShards) }

// LocalBuffer returns the buffer of the only local shard.
// It returns an ErrUnsupported if the participant doesn't own exactly one shard.
func (t *ShardedTensor) LocalBuffer() (*buffers.Buffer, error) {
	if len(t.localShards) != 1 {
		return nil, unsupportedErrorf("only a single local shard is supported, rank %d has %d",
			t.group.Rank(), len(t.localShards))
	}
	return t.localShards[0].Buffer, nil
}

// ID in the registry, or 0 if remote shards are not enabled.
func (t *ShardedTensor) ID() TensorID { return t.id }

// RemoteShards returns the references to the shards of the other participants, indexed by their rank.
// Participants without shards have no entry. It fails if the tensor was created without WithRemoteShards.
func (t *ShardedTensor) RemoteShards() (map[int][]rpc.RemoteRef, error) {
	if t.opts.agent == nil {
		return nil, configErrorf("ShardedTensor created without remote shards, no references available")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	remote := make(map[int][]rpc.RemoteRef, len(t.remoteShards))
	for rank, refs := range t.remoteShards {
		remote[rank] = slices.Clone(refs)
	}
	return remote, nil
}

// String implements fmt.Stringer.
func (t *ShardedTensor) String() string {
	return "ShardedTensor(" + t.metadata.String() + ")"
}

// ToDevice returns a ShardedTensor with all shards on the given device.
//
// If every shard is already on a device of that type it returns t itself. Otherwise the local shards are copied,
// every placement is rewritten to device, and the new tensor is validated like in FromLocalShardsAndMetadata.
// It is collective if remote shards are enabled.
func (t *ShardedTensor) ToDevice(ctx context.Context, device buffers.Device) (*ShardedTensor, error) {
	if !device.IsValid() {
		return nil, configErrorf("invalid target device")
	}
	allThere := true
	for _, shard := range t.metadata.Shards {
		allThere = allThere && shard.Placement.Device.Type == device.Type
	}
	if allThere {
		return t, nil
	}
	md := t.metadata.Clone()
	md.Properties.Pinned = md.Properties.Pinned && device.IsCPU()
	for ii := range md.Shards {
		md.Shards[ii].Placement.Device = device
	}
	local := make([]Shard, len(t.localShards))
	for ii, shard := range t.localShards {
		buf, err := t.opts.allocator.ToDevice(shard.Buffer, device)
		if err != nil {
			return nil, errors.WithMessagef(ErrConfig, "rank %d failed to move shard %s: %v", t.group.Rank(), shard.Metadata, err)
		}
		buf.SetRequiresGrad(md.Properties.RequiresGrad)
		meta := shard.Metadata.Clone()
		meta.Placement.Device = device
		local[ii] = Shard{Buffer: buf, Metadata: meta}
	}
	return fromLocalShardsAndMetadata(ctx, t.group, local, md, nil, "to_device", t.opts)
}

// Close ends the lifetime of the tensor: its local shards are no longer reachable by remote references, and
// the registry reports its id as expired until it is garbage collected. It is safe to call more than once.
func (t *ShardedTensor) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		klog.Warningf("rank %d: ShardedTensor (id=%d) closed more than once", t.group.Rank(), t.id)
		return nil
	}
	t.closed = true
	refs := t.localRefs
	t.localRefs = nil
	t.mu.Unlock()

	for _, ref := range refs {
		t.opts.agent.Release(ref)
	}
	return nil
}

// isClosed is used by the registry to report closed tensors as expired.
func (t *ShardedTensor) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ranksWithRemoteShards returns the sorted ranks that advertised shards to this participant.
func (t *ShardedTensor) ranksWithRemoteShards() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.remoteShards))
}
