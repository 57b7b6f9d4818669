package main

import (
	"bytes"
	"context"
	"os"
	"slices"
	"sync"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/gomlx/sharding/pkg/core/rpc"
	"github.com/gomlx/sharding/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// simulation holds the configuration of one run and what rank 0 learned about its result.
type simulation struct {
	numRanks   int
	shape      []int
	dtype      dtypes.DType
	dims       []int
	seed       int64
	remote     bool
	saveDir    string
	metrics    *distributed.Metrics
	registries []*distributed.Registry

	mu            sync.Mutex
	final         *distributed.Metadata
	fetchedShards int
	savedBytes    int
}

func newSimulation(numRanks int, shape []int, dtype dtypes.DType) *simulation {
	s := &simulation{
		numRanks: numRanks,
		shape:    shape,
		dtype:    dtype,
		dims:     *flagDims,
		seed:     *flagSeed,
		remote:   *flagRemote,
		saveDir:  *flagSave,
		metrics:  distributed.NewMetrics(),
	}
	if s.remote {
		s.registries = make([]*distributed.Registry, numRanks)
		for rank := range s.registries {
			s.registries[rank] = distributed.NewRegistry()
		}
	}
	return s
}

// run all participants to completion.
func (s *simulation) run(ctx context.Context) error {
	if s.saveDir != "" {
		dir, err := fsutil.EnsureDir(s.saveDir)
		if err != nil {
			return err
		}
		s.saveDir = dir
	}
	world := collective.NewWorld(s.numRanks)
	var network *rpc.Network
	if s.remote {
		network = rpc.NewNetwork(s.numRanks)
	}
	bar := newProgressBar(len(s.dims) - 1)
	defer func() { _ = bar.Finish() }()
	return collective.Run(ctx, world, func(ctx context.Context, g collective.Group) error {
		opts := []distributed.Option{distributed.WithMetrics(s.metrics)}
		if network != nil {
			opts = append(opts, distributed.WithRemoteShards(network.Agent(g.Rank()), s.registries[g.Rank()]))
		}
		var rankBar *progressbar.ProgressBar
		if g.Rank() == 0 {
			rankBar = bar
		}
		return s.participant(ctx, g, rankBar, opts)
	})
}

// participant runs the simulation for one rank. bar is only given on rank 0.
func (s *simulation) participant(ctx context.Context, g collective.Group, bar *progressbar.ProgressBar,
	opts []distributed.Option) error {
	props := distributed.Float32Properties()
	props.DType = s.dtype
	st, err := distributed.New(ctx, g, distributed.CPUChunkShardingSpec(s.dims[0], s.numRanks), s.shape, props, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	_, err = st.ApplyWithKeywords(ctx, distributed.OpUniform, map[string]distributed.Value{
		"seed": distributed.IntArg(s.seed),
	}, distributed.FloatArg(-1), distributed.FloatArg(1))
	if err != nil {
		return err
	}
	reference, err := s.gather(ctx, g, st)
	if err != nil {
		return err
	}
	if err := s.fetchRemoteShards(ctx, g, st); err != nil {
		return err
	}

	for _, dim := range s.dims[1:] {
		if _, err := st.Reshard(ctx, distributed.CPUChunkShardingSpec(dim, s.numRanks)); err != nil {
			return errors.WithMessagef(err, "resharding along axis %d", dim)
		}
		got, err := s.gather(ctx, g, st)
		if err != nil {
			return err
		}
		if g.Rank() == 0 {
			if err := check(g, got.Equal(reference), "values changed after resharding along axis %d", dim); err != nil {
				return err
			}
		}
		if err := s.fetchRemoteShards(ctx, g, st); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		klog.V(1).Infof("rank %d: %s", g.Rank(), st)
	}

	if s.saveDir != "" {
		loaded, err := s.saveAndLoad(ctx, g, st, opts)
		if err != nil {
			return err
		}
		defer func() { _ = loaded.Close() }()
		got, err := s.gather(ctx, g, loaded)
		if err != nil {
			return err
		}
		if g.Rank() == 0 {
			if err := check(g, got.Equal(reference), "values changed after save and load"); err != nil {
				return err
			}
		}
	}

	if g.Rank() == 0 {
		s.mu.Lock()
		s.final = st.Metadata()
		s.mu.Unlock()
	}
	// Peers may still be fetching our shards.
	return g.Barrier(ctx)
}

// gather the tensor into a new buffer on rank 0. Other ranks get nil.
func (s *simulation) gather(ctx context.Context, g collective.Group, st *distributed.ShardedTensor) (*buffers.Buffer, error) {
	var out *buffers.Buffer
	if g.Rank() == 0 {
		var err error
		out, err = buffers.HostAllocator{}.Allocate(buffers.Spec{DType: s.dtype, Dims: s.shape, Device: buffers.CPU()})
		if err != nil {
			return nil, err
		}
	}
	if err := st.Gather(ctx, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchRemoteShards fetches every shard advertised by the peers, and checks it matches the global metadata.
func (s *simulation) fetchRemoteShards(ctx context.Context, g collective.Group, st *distributed.ShardedTensor) error {
	if !s.remote {
		return nil
	}
	remote, err := st.RemoteShards()
	if err != nil {
		return err
	}
	md := st.Metadata()
	var count int
	for rank, refs := range remote {
		owned := md.ShardsOf(rank)
		for index := range refs {
			shard, err := st.FetchRemoteShard(ctx, rank, index)
			if err != nil {
				return err
			}
			matches := slices.ContainsFunc(owned, func(i int) bool { return md.Shards[i].Equal(shard.Metadata) })
			if err := check(g, matches,
				"remote shard %d of rank %d doesn't match the global metadata", index, rank); err != nil {
				return err
			}
			count++
		}
	}
	s.mu.Lock()
	s.fetchedShards += count
	s.mu.Unlock()
	// No participant moves on (and reshards) while others are still fetching its shards.
	return g.Barrier(ctx)
}

// saveAndLoad saves the state of the participant to its own file, and loads it back.
func (s *simulation) saveAndLoad(ctx context.Context, g collective.Group, st *distributed.ShardedTensor,
	opts []distributed.Option) (*distributed.ShardedTensor, error) {
	var buf bytes.Buffer
	if err := st.Save(&buf, g); err != nil {
		return nil, err
	}
	path := fsutil.RankFile(s.saveDir, "shardsim", g.Rank())
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write %q", path)
	}
	s.mu.Lock()
	s.savedBytes += buf.Len()
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	return distributed.Load(ctx, f, g, g, opts...)
}
