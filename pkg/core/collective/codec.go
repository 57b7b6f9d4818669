// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec serializes Go values to be sent through a Group, using encoding/gob.
//
// Payloads larger than CompressAbove bytes are compressed with LZ4. CompressAbove <= 0 disables compression.
type Codec struct {
	CompressAbove int
}

// DefaultCodec is used by the typed helpers of this package.
var DefaultCodec = Codec{CompressAbove: 1 << 20}

const (
	framePlain byte = 0
	frameLZ4   byte = 1
)

// envelope allows encoding nil pointers and other zero values, which gob refuses at the top level.
type envelope[T any] struct {
	V T
}

// Encode value into a framed payload.
func Encode[T any](c Codec, value T) ([]byte, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(envelope[T]{V: value}); err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T", value)
	}
	if c.CompressAbove <= 0 || raw.Len() <= c.CompressAbove {
		return append([]byte{framePlain}, raw.Bytes()...), nil
	}
	var compressed bytes.Buffer
	compressed.WriteByte(frameLZ4)
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, errors.Wrap(err, "failed to compress payload")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to compress payload")
	}
	return compressed.Bytes(), nil
}

// Decode a payload created by Encode.
func Decode[T any](payload []byte) (T, error) {
	var env envelope[T]
	if len(payload) == 0 {
		return env.V, errors.New("empty payload")
	}
	var r io.Reader
	switch payload[0] {
	case framePlain:
		r = bytes.NewReader(payload[1:])
	case frameLZ4:
		r = lz4.NewReader(bytes.NewReader(payload[1:]))
	default:
		return env.V, errors.Errorf("unknown payload frame type %d", payload[0])
	}
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return env.V, errors.Wrapf(err, "failed to decode %T", env.V)
	}
	return env.V, nil
}

// AllGatherObject is the typed version of Group.AllGather: it returns the value sent by each member, indexed by rank.
func AllGatherObject[T any](ctx context.Context, g Group, value T) ([]T, error) {
	payload, err := Encode(DefaultCodec, value)
	if err != nil {
		return nil, err
	}
	payloads, err := g.AllGather(ctx, payload)
	if err != nil {
		return nil, err
	}
	values := make([]T, len(payloads))
	for rank, p := range payloads {
		if values[rank], err = Decode[T](p); err != nil {
			return nil, errors.WithMessagef(err, "all-gather payload from rank %d", rank)
		}
	}
	return values, nil
}

// GatherObject is the typed version of Group.Gather.
//
// On dst it returns one entry per member, indexed by rank, and present[rank] tells whether that member's
// payload was received. On every other member it returns nil slices.
func GatherObject[T any](ctx context.Context, g Group, dst int, value T) (values []T, present []bool, err error) {
	payload, err := Encode(DefaultCodec, value)
	if err != nil {
		return nil, nil, err
	}
	payloads, err := g.Gather(ctx, dst, payload)
	if err != nil || payloads == nil {
		return nil, nil, err
	}
	values = make([]T, len(payloads))
	present = make([]bool, len(payloads))
	for rank, p := range payloads {
		if p == nil {
			continue
		}
		if values[rank], err = Decode[T](p); err != nil {
			return nil, nil, errors.WithMessagef(err, "gather payload from rank %d", rank)
		}
		present[rank] = true
	}
	return values, present, nil
}

// SendObject is the typed version of Group.Send.
func SendObject[T any](ctx context.Context, g Group, dst, tag int, value T) error {
	payload, err := Encode(DefaultCodec, value)
	if err != nil {
		return err
	}
	return g.Send(ctx, dst, tag, payload)
}

// RecvObject is the typed version of Group.Recv.
func RecvObject[T any](ctx context.Context, g Group, src, tag int) (T, error) {
	payload, err := g.Recv(ctx, src, tag)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](payload)
}
