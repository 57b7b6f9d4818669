package distributed

import (
	"github.com/gomlx/sharding/internal/workerspool"
	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/rpc"
)

// Option configures the construction of a ShardedTensor.
type Option func(*options)

type options struct {
	allocator buffers.Allocator
	agent     rpc.Agent
	registry  *Registry
	ops       *OpTable
	metrics   *Metrics
	pool      *workerspool.Pool
}

func newOptions(opts []Option) options {
	o := options{
		allocator: buffers.DefaultAllocator,
		ops:       DefaultOpTable,
		metrics:   DefaultMetrics,
		pool:      workerspool.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAllocator sets the allocator used to create shard buffers and move them across devices.
// The default is buffers.DefaultAllocator.
func WithAllocator(allocator buffers.Allocator) Option {
	return func(o *options) {
		o.allocator = allocator
	}
}

// WithRemoteShards enables remote references to the shards of the other participants: on construction,
// the tensor is registered in registry (DefaultRegistry if nil) and every participant advertises its
// local shards to its peers through agent.
//
// The agent rank must match the rank of the participant in the communication group.
func WithRemoteShards(agent rpc.Agent, registry *Registry) Option {
	return func(o *options) {
		o.agent = agent
		o.registry = registry
		if o.registry == nil {
			o.registry = DefaultRegistry
		}
	}
}

// WithOpTable sets the table used by ShardedTensor.Apply. The default is DefaultOpTable.
func WithOpTable(table *OpTable) Option {
	return func(o *options) {
		o.ops = table
	}
}

// WithMetrics sets where the tensor reports its metrics. The default is DefaultMetrics.
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithWorkersPool sets the pool used to copy shard data in parallel. The default is workerspool.Default.
func WithWorkersPool(pool *workerspool.Pool) Option {
	return func(o *options) {
		o.pool = pool
	}
}
