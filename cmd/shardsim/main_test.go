package main

import (
	"testing"

	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	g := collective.NewWorld(3).Group(2)
	require.NoError(t, check(g, true, "never %s", "reported"))
	err := check(g, false, "values changed after resharding along axis %d", 1)
	require.Error(t, err)
	assert.Equal(t, "rank 2: values changed after resharding along axis 1", err.Error())
}
