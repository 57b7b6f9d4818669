package distributed_test

import (
	"context"
	"testing"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{name: "1D mesh", shape: []int{8}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 8},
			{name: "2D mesh", shape: []int{2, 4}, axisNames: []string{"x", "y"}, wantRank: 2, wantNum: 8},
			{name: "3D mesh", shape: []int{2, 2, 2}, axisNames: []string{"x", "y", "z"}, wantRank: 3, wantNum: 8},
			{name: "single device", shape: []int{1}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
				assert.Equal(t, distributed.DefaultMeshName, mesh.Name())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{name: "mismatched lengths", shape: []int{2, 4}, axisNames: []string{"x"},
				wantErr: "axesSizes and axesNames must have the same length"},
			{name: "empty shape", shape: []int{}, axisNames: []string{}, wantErr: "DeviceMesh axesSizes cannot be empty"},
			{name: "empty axis name", shape: []int{4}, axisNames: []string{""}, wantErr: "is not a valid identifier"},
			{name: "invalid axis name", shape: []int{4}, axisNames: []string{"1x"}, wantErr: "is not a valid identifier"},
			{name: "duplicate axis names", shape: []int{2, 4}, axisNames: []string{"x", "x"},
				wantErr: "axis name \"x\" is duplicated"},
			{name: "empty axis", shape: []int{2, 0}, axisNames: []string{"x", "y"}, wantErr: "invalid size 0"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.ErrorIs(t, err, distributed.ErrConfig)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		mesh.SetName("grid")
		assert.Equal(t, "grid", mesh.Name())
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())
		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		assert.ErrorIs(t, err, distributed.ErrConfig)
		assert.Equal(t, "DeviceMesh(axesSizes={x: 2, y: 4}, device=cpu)", mesh.String())
	})
}

func TestDeviceMeshPlacements(t *testing.T) {
	mesh, err := distributed.NewDeviceMesh([]int{4}, []string{"shards"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, mesh.LogicalDeviceAssignment())

	require.NoError(t, mesh.SetDeviceType("cuda"))
	require.NoError(t, mesh.SetLogicalDeviceAssignment(1, 0, 3, 2))
	spec := mesh.ChunkShardingSpec(-1)
	assert.Equal(t, "ChunkShardingSpec{dim=-1, placements=[rank:1/cuda:1, rank:0/cuda:0, rank:3/cuda:3, rank:2/cuda:2]}",
		spec.String())

	require.NoError(t, mesh.SetDeviceType(buffers.DeviceCPU))
	for _, p := range mesh.Placements() {
		assert.Equal(t, buffers.CPU(), p.Device)
	}
	assert.ErrorIs(t, mesh.SetDeviceType("cuda:0"), distributed.ErrConfig)
	assert.ErrorIs(t, mesh.SetLogicalDeviceAssignment(0, 1, 2), distributed.ErrConfig)
	assert.ErrorIs(t, mesh.SetLogicalDeviceAssignment(0, 1, 2, 2), distributed.ErrConfig)
	assert.ErrorIs(t, mesh.SetLogicalDeviceAssignment(0, 1, 2, 4), distributed.ErrConfig)
	require.NoError(t, mesh.SetLogicalDeviceAssignment())
	assert.Equal(t, []int{0, 1, 2, 3}, mesh.LogicalDeviceAssignment())
}

func TestComputeReplicaGroups(t *testing.T) {
	mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
	require.NoError(t, err)

	groups, err := mesh.ComputeReplicaGroups([]string{"batch"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
	groups, err = mesh.ComputeReplicaGroups([]string{"data"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
	groups, err = mesh.ComputeReplicaGroups([]string{"batch", "data"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)
	groups, err = mesh.ComputeReplicaGroups(nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)

	_, err = mesh.ComputeReplicaGroups([]string{"model"})
	assert.ErrorIs(t, err, distributed.ErrConfig)
	_, err = mesh.ComputeReplicaGroups([]string{"batch", "batch"})
	assert.ErrorIs(t, err, distributed.ErrConfig)

	// Groups follow the logical assignment.
	require.NoError(t, mesh.SetLogicalDeviceAssignment(3, 2, 1, 0))
	groups, err = mesh.ComputeReplicaGroups([]string{"data"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{3, 2}, {1, 0}}, groups)
}

// TestShardingOnReplicaGroups shards one tensor per "data" replica group of a 2x2 mesh: each sub-group
// gathers its own copy.
func TestShardingOnReplicaGroups(t *testing.T) {
	mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
	require.NoError(t, err)
	replicaGroups, err := mesh.ComputeReplicaGroups([]string{"data"})
	require.NoError(t, err)

	world := collective.NewWorld(mesh.NumDevices())
	subGroups := make([]collective.Group, world.Size())
	for _, members := range replicaGroups {
		groups, err := world.NewGroup(members...)
		require.NoError(t, err)
		for i, member := range members {
			subGroups[member] = groups[i]
		}
	}

	ctx := context.Background()
	err = collective.Run(ctx, world, func(ctx context.Context, g collective.Group) error {
		sub := subGroups[g.Rank()]
		value := float32(g.Rank())
		local := buffers.FromFlat([]float32{value, value}, 1, 2)
		st, err := distributed.FromLocalBuffer(ctx, sub, local, distributed.CPUChunkShardingSpec(0, 2), []int{2, 2})
		if err != nil {
			return err
		}
		var out *buffers.Buffer
		if sub.Rank() == 0 {
			out = buffers.FromFlat(make([]float32, 4), 2, 2)
		}
		if err := st.Gather(ctx, 0, out); err != nil {
			return err
		}
		if sub.Rank() == 0 {
			first := float32(g.Rank())
			assert.Equal(t, []float32{first, first, first + 1, first + 1}, buffers.MustFlat[float32](out))
		}
		return nil
	})
	require.NoError(t, err)
}
