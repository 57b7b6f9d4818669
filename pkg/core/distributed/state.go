package distributed

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Saved sharded tensors start with a 16 bytes prefix: the signature, the format version and a 64-bits word
// with the packing flags. Then come the xxhash checksum of the payload (if enabled) and the payload: the JSON
// encoded state, possibly lz4 compressed.
const (
	saveSignature = "gomlxst"
	saveVersion   = 1
	savePrefixLen = 16

	packCompressed = 1 << 0
	packChecksum   = 1 << 1
)

// SaveOptions configure ShardedTensor.SaveWithOptions.
type SaveOptions struct {
	Compression bool
	Checksum    bool
}

// DefaultSaveOptions are used by ShardedTensor.Save.
var DefaultSaveOptions = SaveOptions{Compression: true, Checksum: true}

// GroupState is the position of a participant when a ShardedTensor was saved. It must be the same when it is loaded.
type GroupState struct {
	LocalRank       int `json:"local_rank"`
	GlobalRank      int `json:"global_rank"`
	LocalWorldSize  int `json:"local_world_size"`
	GlobalWorldSize int `json:"global_world_size"`
}

func groupStateOf(group, world collective.Group) GroupState {
	return GroupState{
		LocalRank:       group.Rank(),
		GlobalRank:      world.Rank(),
		LocalWorldSize:  group.Size(),
		GlobalWorldSize: world.Size(),
	}
}

// check returns a *LoadMismatchError for the first field that differs from current.
func (s GroupState) check(current GroupState) error {
	for _, field := range []struct {
		name           string
		saved, current int
	}{
		{"local rank", s.LocalRank, current.LocalRank},
		{"global rank", s.GlobalRank, current.GlobalRank},
		{"local world size", s.LocalWorldSize, current.LocalWorldSize},
		{"global world size", s.GlobalWorldSize, current.GlobalWorldSize},
	} {
		if field.saved != field.current {
			return &LoadMismatchError{Field: field.name, Saved: field.saved, Current: field.current}
		}
	}
	return nil
}

type savedSpec struct {
	Chunk      *ChunkShardingSpec      `json:"chunk,omitempty"`
	Enumerable *EnumerableShardingSpec `json:"enumerable,omitempty"`
}

type savedShard struct {
	Metadata ShardMetadata    `json:"metadata"`
	Buffer   buffers.Snapshot `json:"buffer"`
}

type savedState struct {
	Metadata     *Metadata    `json:"metadata"`
	Spec         savedSpec    `json:"spec"`
	Group        GroupState   `json:"group"`
	RemoteShards bool         `json:"remote_shards"`
	Shards       []savedShard `json:"shards"`
}

// Save writes the local state of the tensor: local shards, metadata, spec, whether remote shards are enabled,
// and the position of the participant in its group and in world (usually the group of all participants).
func (t *ShardedTensor) Save(w io.Writer, world collective.Group) error {
	return t.SaveWithOptions(w, world, DefaultSaveOptions)
}

// SaveWithOptions is like Save, with control over compression and checksum.
func (t *ShardedTensor) SaveWithOptions(w io.Writer, world collective.Group, opts SaveOptions) error {
	state := savedState{
		Metadata:     t.metadata,
		Group:        groupStateOf(t.group, world),
		RemoteShards: t.opts.agent != nil,
		Shards:       make([]savedShard, len(t.localShards)),
	}
	switch spec := t.spec.(type) {
	case *ChunkShardingSpec:
		state.Spec.Chunk = spec
	case *EnumerableShardingSpec:
		state.Spec.Enumerable = spec
	default:
		return unsupportedErrorf("can't save sharding spec %s", t.spec)
	}
	for ii, shard := range t.localShards {
		state.Shards[ii] = savedShard{Metadata: shard.Metadata, Buffer: shard.Buffer.Snapshot()}
	}

	var payload bytes.Buffer
	var packing uint64
	if opts.Compression {
		packing |= packCompressed
		zw := lz4.NewWriter(&payload)
		if err := canonicalJSON.NewEncoder(zw).Encode(&state); err != nil {
			return errors.Wrap(err, "failed to encode sharded tensor state")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "failed to compress sharded tensor state")
		}
	} else if err := canonicalJSON.NewEncoder(&payload).Encode(&state); err != nil {
		return errors.Wrap(err, "failed to encode sharded tensor state")
	}

	var header [savePrefixLen + 8]byte
	copy(header[:], saveSignature)
	header[len(saveSignature)] = saveVersion
	headerLen := savePrefixLen
	if opts.Checksum {
		packing |= packChecksum
		binary.BigEndian.PutUint64(header[savePrefixLen:], xxhash.Sum64(payload.Bytes()))
		headerLen += 8
	}
	binary.BigEndian.PutUint64(header[savePrefixLen/2:savePrefixLen], packing)
	if _, err := w.Write(header[:headerLen]); err != nil {
		return errors.Wrap(err, "failed to write sharded tensor state")
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write sharded tensor state")
	}
	klog.V(2).Infof("rank %d: saved %d local shards (%d bytes payload)", t.group.Rank(), len(t.localShards), payload.Len())
	return nil
}

// Load reads a tensor written by Save. The participant must have the same position in group and world as
// when it was saved, otherwise it fails with a *LoadMismatchError.
//
// If the tensor was saved with remote shards enabled, opts must include WithRemoteShards, and Load is a
// collective operation.
func Load(ctx context.Context, r io.Reader, group, world collective.Group, opts ...Option) (*ShardedTensor, error) {
	var prefix [savePrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.WithMessagef(ErrConfig, "failed to read sharded tensor state: %v", err)
	}
	if string(prefix[:len(saveSignature)]) != saveSignature {
		return nil, configErrorf("bad signature %q in sharded tensor state", prefix[:len(saveSignature)])
	}
	if prefix[len(saveSignature)] != saveVersion {
		return nil, configErrorf("unsupported sharded tensor state version %d", prefix[len(saveSignature)])
	}
	packing := binary.BigEndian.Uint64(prefix[savePrefixLen/2:])
	var checksum [8]byte
	if packing&packChecksum != 0 {
		if _, err := io.ReadFull(r, checksum[:]); err != nil {
			return nil, errors.WithMessagef(ErrConfig, "failed to read sharded tensor state checksum: %v", err)
		}
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithMessagef(ErrConfig, "failed to read sharded tensor state: %v", err)
	}
	if packing&packChecksum != 0 {
		expected, actual := binary.BigEndian.Uint64(checksum[:]), xxhash.Sum64(payload)
		if expected != actual {
			return nil, configErrorf("bad sharded tensor state checksum: expected %016x, got %016x", expected, actual)
		}
	}
	var decoder io.Reader = bytes.NewReader(payload)
	if packing&packCompressed != 0 {
		decoder = lz4.NewReader(decoder)
	}
	var state savedState
	if err := canonicalJSON.NewDecoder(decoder).Decode(&state); err != nil {
		return nil, errors.WithMessagef(ErrConfig, "failed to decode sharded tensor state: %v", err)
	}

	if err := state.Group.check(groupStateOf(group, world)); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	if state.RemoteShards && o.agent == nil {
		return nil, configErrorf("sharded tensor was saved with remote shards, WithRemoteShards is required to load it")
	}
	var spec ShardingSpec
	switch {
	case state.Spec.Chunk != nil:
		spec = state.Spec.Chunk
	case state.Spec.Enumerable != nil:
		spec = state.Spec.Enumerable
	}
	shards := make([]Shard, len(state.Shards))
	for ii, saved := range state.Shards {
		buf, err := buffers.FromSnapshot(saved.Buffer)
		if err != nil {
			return nil, errors.WithMessagef(ErrConfig, "invalid saved shard %s: %v", saved.Metadata, err)
		}
		shards[ii] = Shard{Buffer: buf, Metadata: saved.Metadata}
	}
	return fromLocalShardsAndMetadata(ctx, group, shards, state.Metadata, spec, "load", o)
}
