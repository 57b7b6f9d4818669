// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall(t *testing.T) {
	n := NewNetwork(3)
	ctx := context.Background()
	require.NoError(t, n.Agent(1).Handle("echo", func(_ context.Context, from WorkerInfo, payload []byte) ([]byte, error) {
		return append([]byte(from.Name+":"), payload...), nil
	}))
	require.Error(t, n.Agent(1).Handle("echo", nil))
	require.NoError(t, n.Agent(1).Handle("fail", func(context.Context, WorkerInfo, []byte) ([]byte, error) {
		return nil, errors.New("handler failed")
	}))

	got, err := n.Agent(0).Call(ctx, "worker1", "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "worker0:hi", string(got))

	_, err = n.Agent(0).Call(ctx, "worker1", "fail", nil)
	require.ErrorContains(t, err, "handler failed")
	_, err = n.Agent(0).Call(ctx, "worker2", "echo", nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
	_, err = n.Agent(0).Call(ctx, "worker9", "echo", nil)
	require.Error(t, err)

	assert.Equal(t, []WorkerInfo{{"worker0", 0}, {"worker1", 1}, {"worker2", 2}}, n.Agent(2).Workers())
}

func TestCallTimeout(t *testing.T) {
	n := NewNetwork(2)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, n.Agent(1).Handle("block", func(context.Context, WorkerInfo, []byte) ([]byte, error) {
		<-release
		return nil, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := n.Agent(0).Call(ctx, "worker1", "block", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefs(t *testing.T) {
	n := NewNetwork(2)
	owner := n.Agent(0)
	ref := owner.NewRef("shard")
	assert.Equal(t, "worker0", ref.Owner.Name)
	assert.Equal(t, 1, owner.NumRefs())

	obj, err := owner.Resolve(ref)
	require.NoError(t, err)
	assert.Equal(t, "shard", obj)

	_, err = n.Agent(1).Resolve(ref)
	require.ErrorContains(t, err, "owned by")

	n.Agent(1).Release(ref)
	assert.Equal(t, 1, owner.NumRefs())
	owner.Release(ref)
	_, err = owner.Resolve(ref)
	require.ErrorIs(t, err, ErrUnknownRef)
}
