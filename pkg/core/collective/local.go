// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Internal tags used by the collective operations. User tags must be >= 0.
const (
	tagAllGather = -1 - iota
	tagGather
)

// World is an in-process set of participants that communicate through unbounded mailboxes.
//
// Each participant is expected to run on its own goroutine, with the Group returned by World.Group.
// Sends never block, and receives block until a matching message arrives or the context is done.
type World struct {
	id   uuid.UUID
	size int

	mu          sync.Mutex
	mailboxes   map[mailboxKey]*mailbox
	nextGroupID int
}

type mailboxKey struct {
	group    int
	from, to int // Global ranks.
	tag      int
}

// NewWorld creates an in-process world with size participants.
func NewWorld(size int) *World {
	if size <= 0 {
		size = 1
	}
	w := &World{
		id:          uuid.New(),
		size:        size,
		mailboxes:   make(map[mailboxKey]*mailbox),
		nextGroupID: 1,
	}
	klog.V(1).Infof("collective: created world %s with %d participants", w.id, size)
	return w
}

// ID uniquely identifies the world.
func (w *World) ID() uuid.UUID { return w.id }

// Size of the world.
func (w *World) Size() int { return w.size }

// Group returns the world group (all participants) as seen by the participant with the given global rank.
// It panics if rank is out of range.
func (w *World) Group(rank int) Group {
	if rank < 0 || rank >= w.size {
		panic(errors.Errorf("collective.World.Group(%d): rank out of range for world of size %d", rank, w.size))
	}
	return &localGroup{world: w, id: 0, members: identity(w.size), rank: rank}
}

// NewGroup creates a sub-group with the given members (global ranks), and returns the handle of each
// member, in the order given. The rank of members[i] in the sub-group is i.
func (w *World) NewGroup(members ...int) ([]Group, error) {
	if len(members) == 0 {
		return nil, errors.New("collective.World.NewGroup: no members given")
	}
	seen := make(map[int]bool, len(members))
	for _, m := range members {
		if m < 0 || m >= w.size {
			return nil, errors.Errorf("collective.World.NewGroup: member %d out of range for world of size %d", m, w.size)
		}
		if seen[m] {
			return nil, errors.Errorf("collective.World.NewGroup: member %d given more than once", m)
		}
		seen[m] = true
	}
	w.mu.Lock()
	id := w.nextGroupID
	w.nextGroupID++
	w.mu.Unlock()
	groups := make([]Group, len(members))
	for i := range members {
		groups[i] = &localGroup{world: w, id: id, members: slices.Clone(members), rank: i}
	}
	return groups, nil
}

func identity(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (w *World) mailbox(key mailboxKey) *mailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	mb, found := w.mailboxes[key]
	if !found {
		mb = &mailbox{ready: make(chan struct{}, 1)}
		w.mailboxes[key] = mb
	}
	return mb
}

// mailbox is an unbounded FIFO queue with a single consumer.
type mailbox struct {
	mu       sync.Mutex
	messages [][]byte
	ready    chan struct{}
}

func (mb *mailbox) push(msg []byte) {
	mb.mu.Lock()
	mb.messages = append(mb.messages, msg)
	mb.mu.Unlock()
	select {
	case mb.ready <- struct{}{}:
	default:
	}
}

func (mb *mailbox) pop(ctx context.Context) ([]byte, error) {
	for {
		mb.mu.Lock()
		if len(mb.messages) > 0 {
			msg := mb.messages[0]
			mb.messages[0] = nil
			mb.messages = mb.messages[1:]
			mb.mu.Unlock()
			return msg, nil
		}
		mb.mu.Unlock()
		select {
		case <-mb.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// localGroup implements Group for a World.
type localGroup struct {
	world   *World
	id      int
	members []int
	rank    int
}

var _ Group = (*localGroup)(nil)

// Rank implements Group.
func (g *localGroup) Rank() int { return g.rank }

// Size implements Group.
func (g *localGroup) Size() int { return len(g.members) }

func (g *localGroup) key(from, to, tag int) mailboxKey {
	return mailboxKey{group: g.id, from: g.members[from], to: g.members[to], tag: tag}
}

func (g *localGroup) checkPeer(op string, peer int) error {
	if peer < 0 || peer >= len(g.members) {
		return errors.Errorf("collective.%s: rank %d out of range for group of size %d", op, peer, len(g.members))
	}
	return nil
}

func (g *localGroup) send(to, tag int, data []byte) {
	g.world.mailbox(g.key(g.rank, to, tag)).push(slices.Clone(data))
}

func (g *localGroup) recv(ctx context.Context, from, tag int) ([]byte, error) {
	return g.world.mailbox(g.key(from, g.rank, tag)).pop(ctx)
}

// Send implements Group.
func (g *localGroup) Send(ctx context.Context, dst, tag int, data []byte) error {
	if err := g.checkPeer("Send", dst); err != nil {
		return err
	}
	if tag < 0 {
		return errors.Errorf("collective.Send: negative tag %d is reserved", tag)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	klog.V(3).Infof("collective: group %d rank %d sending %d bytes to rank %d (tag %d)", g.id, g.rank, len(data), dst, tag)
	g.send(dst, tag, data)
	return nil
}

// Recv implements Group.
func (g *localGroup) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := g.checkPeer("Recv", src); err != nil {
		return nil, err
	}
	if tag < 0 {
		return nil, errors.Errorf("collective.Recv: negative tag %d is reserved", tag)
	}
	data, err := g.recv(ctx, src, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "collective.Recv: rank %d waiting for rank %d (tag %d)", g.rank, src, tag)
	}
	return data, nil
}

// AllGather implements Group.
func (g *localGroup) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	for peer := range g.members {
		if peer != g.rank {
			g.send(peer, tagAllGather, data)
		}
	}
	results := make([][]byte, len(g.members))
	for peer := range g.members {
		if peer == g.rank {
			results[peer] = slices.Clone(data)
			continue
		}
		msg, err := g.recv(ctx, peer, tagAllGather)
		if err != nil {
			return nil, errors.Wrapf(err, "collective.AllGather: rank %d waiting for rank %d", g.rank, peer)
		}
		results[peer] = msg
	}
	return results, nil
}

// Gather implements Group.
func (g *localGroup) Gather(ctx context.Context, dst int, data []byte) ([][]byte, error) {
	if err := g.checkPeer("Gather", dst); err != nil {
		return nil, err
	}
	if g.rank != dst {
		g.send(dst, tagGather, data)
		return nil, nil
	}
	results := make([][]byte, len(g.members))
	for peer := range g.members {
		if peer == g.rank {
			results[peer] = slices.Clone(data)
			continue
		}
		msg, err := g.recv(ctx, peer, tagGather)
		if err != nil {
			return nil, errors.Wrapf(err, "collective.Gather: rank %d waiting for rank %d", g.rank, peer)
		}
		results[peer] = msg
	}
	return results, nil
}

// Barrier implements Group.
func (g *localGroup) Barrier(ctx context.Context) error {
	_, err := g.AllGather(ctx, nil)
	if err != nil {
		return errors.WithMessage(err, "collective.Barrier")
	}
	return nil
}

// Run executes fn once per participant of the world, each on its own goroutine with its world Group,
// and waits for all of them.
//
// The context passed to fn is cancelled as soon as one participant returns an error, so that its
// peers blocked on communication are released. It returns the first error.
func Run(ctx context.Context, w *World, fn func(ctx context.Context, g Group) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for rank := range w.size {
		g := w.Group(rank)
		eg.Go(func() error {
			if err := fn(ctx, g); err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			return nil
		})
	}
	return eg.Wait()
}
