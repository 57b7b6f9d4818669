// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WorkerName returns the name used by Network for the worker of the given rank.
func WorkerName(rank int) string {
	return fmt.Sprintf("worker%d", rank)
}

// Network is an in-process rpc world. Calls execute the handler on a new goroutine, and the caller
// waits for it or for its context to be done.
type Network struct {
	workers []WorkerInfo
	agents  []*LocalAgent
	byName  map[string]*LocalAgent
}

// NewNetwork creates an in-process rpc world with size workers, named by WorkerName.
func NewNetwork(size int) *Network {
	n := &Network{byName: make(map[string]*LocalAgent, size)}
	for rank := range size {
		info := WorkerInfo{Name: WorkerName(rank), Rank: rank}
		agent := &LocalAgent{
			network:  n,
			self:     info,
			handlers: make(map[string]Handler),
			objects:  make(map[uuid.UUID]any),
		}
		n.workers = append(n.workers, info)
		n.agents = append(n.agents, agent)
		n.byName[info.Name] = agent
	}
	return n
}

// Size is the number of workers.
func (n *Network) Size() int { return len(n.agents) }

// Agent returns the agent of the worker with the given rank. It panics if rank is out of range.
func (n *Network) Agent(rank int) *LocalAgent {
	if rank < 0 || rank >= len(n.agents) {
		panic(errors.Errorf("rpc.Network.Agent(%d): rank out of range for %d workers", rank, len(n.agents)))
	}
	return n.agents[rank]
}

// LocalAgent implements Agent for a Network.
type LocalAgent struct {
	network *Network
	self    WorkerInfo

	mu       sync.Mutex
	handlers map[string]Handler
	objects  map[uuid.UUID]any
}

var _ Agent = (*LocalAgent)(nil)

// Self implements Agent.
func (a *LocalAgent) Self() WorkerInfo { return a.self }

// Workers implements Agent.
func (a *LocalAgent) Workers() []WorkerInfo { return slices.Clone(a.network.workers) }

// Handle implements Agent.
func (a *LocalAgent) Handle(method string, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, found := a.handlers[method]; found {
		return errors.Errorf("rpc: method %q already has a handler on %s", method, a.self)
	}
	a.handlers[method] = handler
	return nil
}

// Call implements Agent.
func (a *LocalAgent) Call(ctx context.Context, to string, method string, payload []byte) ([]byte, error) {
	target, found := a.network.byName[to]
	if !found {
		return nil, errors.Errorf("rpc: unknown worker %q", to)
	}
	target.mu.Lock()
	handler, found := target.handlers[method]
	target.mu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrUnknownMethod, "method %q on %s", method, target.self)
	}
	klog.V(3).Infof("rpc: %s calling %q on %s with %d bytes", a.self.Name, method, to, len(payload))

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := handler(ctx, a.self, slices.Clone(payload))
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.WithMessagef(r.err, "rpc %q on %s", method, to)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rpc %q on %s", method, to)
	}
}

// NewRef implements Agent.
func (a *LocalAgent) NewRef(obj any) RemoteRef {
	ref := RemoteRef{Owner: a.self, ID: uuid.New()}
	a.mu.Lock()
	a.objects[ref.ID] = obj
	a.mu.Unlock()
	return ref
}

// Resolve implements Agent.
func (a *LocalAgent) Resolve(ref RemoteRef) (any, error) {
	if ref.Owner.Name != a.self.Name {
		return nil, errors.Errorf("rpc: %s is owned by %s, it can't be resolved by %s", ref, ref.Owner, a.self)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, found := a.objects[ref.ID]
	if !found {
		return nil, errors.Wrapf(ErrUnknownRef, "%s", ref)
	}
	return obj, nil
}

// Release implements Agent.
func (a *LocalAgent) Release(ref RemoteRef) {
	if ref.Owner.Name != a.self.Name {
		return
	}
	a.mu.Lock()
	delete(a.objects, ref.ID)
	a.mu.Unlock()
}

// NumRefs returns the number of live references owned by the agent.
func (a *LocalAgent) NumRefs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}
