// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective defines the communication group used by the participants of a distributed
// sharded array, and provides an in-process implementation of it (World) where each participant
// is a goroutine.
//
// The Group interface moves opaque bytes. The typed helpers (AllGatherObject, GatherObject,
// SendObject and RecvObject) serialize Go values with a Codec on top of it, so that a participant
// never shares memory with its peers.
//
// All operations are blocking. Collective operations (AllGather, Gather and Barrier) must be
// called by every member of the group, in the same order. Messages between a pair of participants
// are delivered in order, per tag.
package collective

import (
	"context"
)

// Group is a fixed set of participants, identified by their rank in [0, Size()).
type Group interface {
	// Rank of the current participant in the group.
	Rank() int

	// Size is the number of participants in the group.
	Size() int

	// AllGather sends data to every member of the group and returns the data sent by each of them,
	// indexed by rank (including the current participant's own data).
	AllGather(ctx context.Context, data []byte) ([][]byte, error)

	// Gather sends data to the dst member. On dst it returns the data sent by each member, indexed by rank.
	// On every other member it returns nil.
	Gather(ctx context.Context, dst int, data []byte) ([][]byte, error)

	// Send data to the dst member, with a user tag (>= 0). It doesn't wait for the matching Recv.
	Send(ctx context.Context, dst, tag int, data []byte) error

	// Recv waits for the next message sent by src with the given tag.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// Barrier returns only after every member of the group called it.
	Barrier(ctx context.Context) error
}
