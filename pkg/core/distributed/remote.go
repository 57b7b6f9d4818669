package distributed

import (
	"context"

	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/rpc"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Methods served by the agents bound to a Registry.
const (
	methodRegisterRemoteShards = "distributed.registerRemoteShards"
	methodFetchShard           = "distributed.fetchShard"
)

// remoteShardsRegistration is the payload of methodRegisterRemoteShards.
type remoteShardsRegistration struct {
	// ID of the tensor on the receiving participant.
	ID TensorID

	Refs []rpc.RemoteRef

	// Rank of the sender.
	Rank int
}

// handleRegisterRemoteShards stores the references sent by a peer in the tensor they refer to.
func (r *Registry) handleRegisterRemoteShards(_ context.Context, from rpc.WorkerInfo, payload []byte) ([]byte, error) {
	reg, err := collective.Decode[remoteShardsRegistration](payload)
	if err != nil {
		return nil, protocolErrorf("invalid remote shards registration from %s: %v", from, err)
	}
	t, status := r.Lookup(reg.ID)
	switch status {
	case LookupUnknown:
		return nil, protocolErrorf("could not find sharded tensor id %d in the registry (%d entries), "+
			"registration from rank %d", reg.ID, r.Len(), reg.Rank)
	case LookupExpired:
		klog.Warningf("remote shards from rank %d for sharded tensor id %d arrived after it was closed", reg.Rank, reg.ID)
		return nil, protocolErrorf("sharded tensor id %d has been deallocated", reg.ID)
	}
	t.addRemoteShards(reg.Rank, reg.Refs)
	return nil, nil
}

// fetchShardHandler returns a copy of a local shard referenced by a RemoteRef owned by agent.
func fetchShardHandler(agent rpc.Agent) rpc.Handler {
	return func(_ context.Context, from rpc.WorkerInfo, payload []byte) ([]byte, error) {
		ref, err := collective.Decode[rpc.RemoteRef](payload)
		if err != nil {
			return nil, protocolErrorf("invalid shard reference from %s: %v", from, err)
		}
		obj, err := agent.Resolve(ref)
		if err != nil {
			return nil, protocolErrorf("%s can't resolve %s for %s: %v", agent.Self(), ref, from, err)
		}
		shard, ok := obj.(Shard)
		if !ok {
			return nil, protocolErrorf("%s refers to a %T, not a Shard", ref, obj)
		}
		return collective.Encode(collective.DefaultCodec, shard)
	}
}

func (t *ShardedTensor) addRemoteShards(rank int, refs []rpc.RemoteRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteShards == nil {
		t.remoteShards = make(map[int][]rpc.RemoteRef)
	}
	t.remoteShards[rank] = refs
	t.opts.metrics.remoteRegistrations.Inc()
}

// initRemoteShards registers the tensor and runs the advertisement protocol.
func (t *ShardedTensor) initRemoteShards(ctx context.Context) error {
	agent, registry := t.opts.agent, t.opts.registry
	rank := t.group.Rank()
	if agent.Self().Rank != rank {
		return configErrorf("communication group and rpc ranks must be the same for ShardedTensor, "+
			"found group rank %d and rpc rank %d", rank, agent.Self().Rank)
	}
	if err := registry.serve(agent); err != nil {
		return err
	}
	t.id = registry.Register(t)
	return t.advertiseLocalShards(ctx)
}

// advertiseLocalShards is the collective protocol that fills the remote shards of every participant:
//
//  1. All participants exchange the ids of their tensors.
//  2. Each participant with local shards sends references to them to every peer, which stores them under the
//     sender's rank.
//  3. A barrier, so no participant proceeds before every peer finished advertising.
func (t *ShardedTensor) advertiseLocalShards(ctx context.Context) error {
	agent := t.opts.agent
	rank := t.group.Rank()
	ids, err := collective.AllGatherObject(ctx, t.group, t.id)
	if err != nil {
		return commError("all-gather of sharded tensor ids", err)
	}

	if len(t.localShards) > 0 {
		rankToName := make(map[int]string)
		for _, worker := range agent.Workers() {
			rankToName[worker.Rank] = worker.Name
		}
		for peer := range t.group.Size() {
			if _, found := rankToName[peer]; !found {
				return protocolErrorf("rank %d has no rpc worker", peer)
			}
		}
		refs := make([]rpc.RemoteRef, len(t.localShards))
		for ii, shard := range t.localShards {
			refs[ii] = agent.NewRef(shard)
		}
		t.mu.Lock()
		t.localRefs = append(t.localRefs, refs...)
		t.mu.Unlock()

		payloads := make([][]byte, t.group.Size())
		for peer := range t.group.Size() {
			if peer == rank {
				continue
			}
			payloads[peer], err = collective.Encode(collective.DefaultCodec,
				remoteShardsRegistration{ID: ids[peer], Refs: refs, Rank: rank})
			if err != nil {
				return err
			}
		}
		eg, egCtx := errgroup.WithContext(ctx)
		for peer := range t.group.Size() {
			if peer == rank {
				continue
			}
			name, payload := rankToName[peer], payloads[peer]
			eg.Go(func() error {
				if _, err := agent.Call(egCtx, name, methodRegisterRemoteShards, payload); err != nil {
					return commError("registration of remote shards on "+name, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	if err := t.group.Barrier(ctx); err != nil {
		return commError("barrier after remote shards registration", err)
	}
	klog.V(1).Infof("rank %d: sharded tensor id %d has remote shards from ranks %v", rank, t.id, t.ranksWithRemoteShards())
	return nil
}

// resetRemoteShards forgets the references of the current shards, so they can be advertised again.
func (t *ShardedTensor) resetRemoteShards() {
	t.mu.Lock()
	refs := t.localRefs
	t.localRefs = nil
	t.remoteShards = nil
	t.mu.Unlock()
	for _, ref := range refs {
		t.opts.agent.Release(ref)
	}
}

// FetchRemoteShard returns a copy of the index-th shard advertised by the participant of the given rank.
func (t *ShardedTensor) FetchRemoteShard(ctx context.Context, rank, index int) (Shard, error) {
	remote, err := t.RemoteShards()
	if err != nil {
		return Shard{}, err
	}
	refs := remote[rank]
	if index < 0 || index >= len(refs) {
		return Shard{}, configErrorf("rank %d advertised %d shards, index %d is out of range", rank, len(refs), index)
	}
	ref := refs[index]
	payload, err := collective.Encode(collective.DefaultCodec, ref)
	if err != nil {
		return Shard{}, err
	}
	data, err := t.opts.agent.Call(ctx, ref.Owner.Name, methodFetchShard, payload)
	if err != nil {
		return Shard{}, commError("fetch of "+ref.String(), err)
	}
	shard, err := collective.Decode[Shard](data)
	if err != nil {
		return Shard{}, protocolErrorf("invalid shard from %s: %v", ref.Owner, err)
	}
	return shard, nil
}
