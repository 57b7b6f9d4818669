package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/support/sets"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
)

// DeviceMesh arranges the participants of a communication group in a grid with named axes.
//
// It is used to build the placements of a ChunkShardingSpec (in mesh order) and the member lists of the
// sub-groups that communicate along some of the mesh axes.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of participants along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of participants in the mesh.
	numDevices int

	// deviceType of the shards placed by the mesh: participant with rank r gets device deviceType:r, except
	// for the CPU that has a single device.
	deviceType string

	// logicalDeviceAssignment is the rank of the participant at each position of the mesh, in row-major order.
	logicalDeviceAssignment []int
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a mesh with the given sizes and names, one per axis. The participants are assigned in
// rank order, and their shards are placed on the CPU.
//
// The number of participants of the mesh is the product of axesSizes, and it must match the size of the
// group of the tensors it is used with.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.WithMessagef(ErrConfig, "axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, configErrorf("DeviceMesh axesSizes cannot be empty")
	}
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, configErrorf("DeviceMesh axis name %q at index %d is not a valid identifier, it must start "+
				"with a ASCII letter and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, configErrorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, configErrorf("DeviceMesh axis %q has invalid size %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
	}
	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: xslices.Product(axesSizes),
		deviceType: buffers.DeviceCPU,
	}, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of participants in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of participants along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, configErrorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// SetDeviceType sets the type of the devices where the mesh places shards, e.g. "cuda".
func (m *DeviceMesh) SetDeviceType(deviceType string) error {
	if _, err := buffers.ParseDevice(deviceType); err != nil || strings.Contains(deviceType, ":") {
		return configErrorf("invalid device type %q", deviceType)
	}
	m.deviceType = deviceType
	return nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	_, _ = fmt.Fprintf(&sb, "}, device=%s)", m.deviceType)
	return sb.String()
}

// SetLogicalDeviceAssignment sets the rank of the participant at each position of the mesh.
//
// ranks must be a permutation of 0 to NumDevices()-1. An empty list resets it to the rank order.
func (m *DeviceMesh) SetLogicalDeviceAssignment(ranks ...int) error {
	if len(ranks) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(ranks) != m.numDevices {
		return configErrorf("ranks must have %d elements, got %d", m.numDevices, len(ranks))
	}
	seen := sets.Make[int](m.numDevices)
	for _, rank := range ranks {
		if rank < 0 || rank >= m.numDevices {
			return configErrorf("ranks must be between 0 and %d (NumDevices()-1), got rank %d", m.numDevices-1, rank)
		}
		if !seen.InsertNew(rank) {
			return configErrorf("rank #%d is duplicated in mapping", rank)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(ranks)
	return nil
}

// LogicalDeviceAssignment returns the rank of the participant at each position of the mesh.
func (m *DeviceMesh) LogicalDeviceAssignment() []int {
	if m.logicalDeviceAssignment == nil {
		return xslices.Iota(0, m.numDevices)
	}
	return slices.Clone(m.logicalDeviceAssignment)
}

// Placements returns the placement of the participant at each position of the mesh.
func (m *DeviceMesh) Placements() []Placement {
	assignment := m.LogicalDeviceAssignment()
	placements := make([]Placement, len(assignment))
	for ii, rank := range assignment {
		device := buffers.Device{Type: m.deviceType}
		if m.deviceType != buffers.DeviceCPU {
			device.Index = rank
		}
		placements[ii] = Placement{Rank: rank, Device: device}
	}
	return placements
}

// ChunkShardingSpec returns a spec that splits the tensor axis dim in NumDevices() chunks, placed in mesh order.
func (m *DeviceMesh) ChunkShardingSpec(dim int) *ChunkShardingSpec {
	return &ChunkShardingSpec{Dim: dim, Placements: m.Placements()}
}

// ComputeReplicaGroups returns the groups of ranks that communicate along the given mesh axes: each group
// holds the participants that differ only in the position along those axes. The other axes split the
// participants into different groups.
//
// The groups can be created with collective.World.NewGroup.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, configErrorf("axis %q not found in mesh", axis)
		}
		if !axisSet.InsertNew(idx) {
			return nil, configErrorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
	}
	var nonAxisIndices []int
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}
	assignment := m.LogicalDeviceAssignment()
	indices := make([]int, len(m.axesSizes))
	for flatIdx := range m.numDevices {
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			groupIdx += indices[nonAxisIndices[i]] * multiplier
			multiplier *= m.axesSizes[nonAxisIndices[i]]
		}
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			posInGroup += indices[axisIndices[i]] * multiplier
			multiplier *= m.axesSizes[axisIndices[i]]
		}
		groups[groupIdx][posInGroup] = assignment[flatIdx]
	}
	return groups, nil
}
