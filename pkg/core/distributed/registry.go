package distributed

import (
	"runtime"
	"sync"
	"weak"

	"github.com/gomlx/sharding/pkg/core/rpc"
	"github.com/gomlx/sharding/pkg/support/sets"
	"github.com/pkg/errors"
)

// TensorID identifies a ShardedTensor in a Registry. Valid ids start at 1.
type TensorID uint64

// LookupStatus is the result of Registry.Lookup.
type LookupStatus int

const (
	// LookupFound means the tensor is registered and alive.
	LookupFound LookupStatus = iota

	// LookupUnknown means the id is not in the registry.
	LookupUnknown

	// LookupExpired means the id is registered, but the tensor was closed or garbage collected.
	LookupExpired
)

// String implements fmt.Stringer.
func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupUnknown:
		return "unknown"
	case LookupExpired:
		return "expired"
	}
	return "LookupStatus(?)"
}

// Registry maps TensorID to the live ShardedTensor with remote shards enabled, so that the registration calls
// from peers can find the tensor they refer to.
//
// It holds only weak references: a tensor that is no longer used is removed when it is garbage collected, if
// it was not closed before. All methods are safe for concurrent use, and the lock is never held while
// communicating.
type Registry struct {
	mu      sync.Mutex
	nextID  TensorID
	entries map[TensorID]weak.Pointer[ShardedTensor]

	// served holds the agents whose handlers are bound to this registry.
	served sets.Set[rpc.Agent]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		nextID:  1,
		entries: make(map[TensorID]weak.Pointer[ShardedTensor]),
		served:  sets.Make[rpc.Agent](),
	}
}

// DefaultRegistry is used by WithRemoteShards when no registry is given.
var DefaultRegistry = NewRegistry()

// Register adds t to the registry and returns its new id. Ids are never reused.
func (r *Registry) Register(t *ShardedTensor) TensorID {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.entries[id] = weak.Make(t)
	r.mu.Unlock()
	runtime.AddCleanup(t, r.Remove, id)
	return id
}

// Lookup returns the tensor registered with id, and whether it was found, unknown or expired.
func (r *Registry) Lookup(id TensorID) (*ShardedTensor, LookupStatus) {
	r.mu.Lock()
	entry, found := r.entries[id]
	r.mu.Unlock()
	if !found {
		return nil, LookupUnknown
	}
	t := entry.Value()
	if t == nil || t.isClosed() {
		return nil, LookupExpired
	}
	return t, LookupFound
}

// Remove the id from the registry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id TensorID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// serve binds the handlers of the remote shards protocol of agent to this registry. It is a no-op if the agent
// is already bound to it, and fails if it is bound to another registry.
func (r *Registry) serve(agent rpc.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.served.Has(agent) {
		return nil
	}
	if err := agent.Handle(methodRegisterRemoteShards, r.handleRegisterRemoteShards); err != nil {
		return errors.WithMessagef(ErrConfig, "agent %s can't serve this registry: %v", agent.Self(), err)
	}
	if err := agent.Handle(methodFetchShard, fetchShardHandler(agent)); err != nil {
		return errors.WithMessagef(ErrConfig, "agent %s can't serve this registry: %v", agent.Self(), err)
	}
	r.served.Insert(agent)
	return nil
}
