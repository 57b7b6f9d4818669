// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"flag"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpers(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Iota(3, 3))
	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
	assert.Equal(t, 32, Product([]int{8, 4}))
	assert.Equal(t, 1, Product(nil))
	assert.Equal(t, []string{"a", "b"}, SortedKeys(map[string]int{"b": 1, "a": 2}))

	values, err := ParseInts(" 8, 4")
	require.NoError(t, err)
	assert.Equal(t, []int{8, 4}, values)
	_, err = ParseInts("8,x")
	require.Error(t, err)
}

func TestFlag(t *testing.T) {
	ptr := Flag("test_xslices_flag", []int{1}, "list of ints", strconv.Atoi)
	assert.Equal(t, []int{1}, *ptr)
	require.NoError(t, flag.Set("test_xslices_flag", "5,6"))
	assert.Equal(t, []int{5, 6}, *ptr)
	assert.Equal(t, "5,6", flag.Lookup("test_xslices_flag").Value.String())
	require.Error(t, flag.Set("test_xslices_flag", "7,z"))
	assert.Equal(t, []int{5, 6}, *ptr)
}
