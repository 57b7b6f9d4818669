// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rpc defines the remote-call agent used to exchange references to shards between workers,
// and an in-process implementation of it (Network).
//
// Workers are identified by name and by their rank in the rpc world. An agent can register named
// handlers, call the handlers of other workers, and create RemoteRef values: opaque, serializable
// handles to objects owned by the worker that created them, that only the owner can resolve.
package rpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnknownMethod is returned by Call when the target worker has no handler for the method.
var ErrUnknownMethod = errors.New("unknown rpc method")

// ErrUnknownRef is returned by Resolve for references that were released or never created by the agent.
var ErrUnknownRef = errors.New("unknown remote reference")

// WorkerInfo identifies a worker of the rpc world.
type WorkerInfo struct {
	Name string
	Rank int
}

// String implements fmt.Stringer.
func (w WorkerInfo) String() string {
	return fmt.Sprintf("%s(rank %d)", w.Name, w.Rank)
}

// RemoteRef is a handle to an object owned by a (possibly different) worker.
type RemoteRef struct {
	Owner WorkerInfo
	ID    uuid.UUID
}

// String implements fmt.Stringer.
func (r RemoteRef) String() string {
	return fmt.Sprintf("RemoteRef(%s@%s)", r.ID, r.Owner.Name)
}

// Handler serves calls to one method. The payload and the returned bytes are opaque to the agent.
type Handler func(ctx context.Context, from WorkerInfo, payload []byte) ([]byte, error)

// Agent is the remote-call endpoint of one worker.
type Agent interface {
	// Self returns the identity of the worker.
	Self() WorkerInfo

	// Workers returns all the workers of the rpc world, indexed by rank.
	Workers() []WorkerInfo

	// Handle registers the handler for method. It fails if the method already has a handler.
	Handle(method string, handler Handler) error

	// Call executes method on worker to, and waits for its result.
	Call(ctx context.Context, to string, method string, payload []byte) ([]byte, error)

	// NewRef creates a reference to obj, owned by this worker.
	NewRef(obj any) RemoteRef

	// Resolve returns the object of a reference owned by this worker.
	Resolve(ref RemoteRef) (any, error)

	// Release forgets the object of a reference owned by this worker.
	Release(ref RemoteRef)
}
