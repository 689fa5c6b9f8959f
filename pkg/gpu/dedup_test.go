package gpu

import (
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeProcesses_ComputeWinsOnCollision(t *testing.T) {
	compute := []nvml.ProcessInfo{{Pid: 100, UsedGpuMemory: 1024}}
	graphics := []nvml.ProcessInfo{{Pid: 100, UsedGpuMemory: 9999}, {Pid: 200, UsedGpuMemory: 512}}

	procs := dedupeProcesses(compute, graphics)
	require.Len(t, procs, 2)

	byPID := map[uint32]uint64{}
	for _, p := range procs {
		byPID[p.PID] = p.UsedMemBytes
	}
	assert.EqualValues(t, 1024, byPID[100], "compute entry must win over graphics for the same PID")
	assert.EqualValues(t, 512, byPID[200])
}

func TestDedupeProcesses_SortedDescendingByMemory(t *testing.T) {
	compute := []nvml.ProcessInfo{
		{Pid: 1, UsedGpuMemory: 100},
		{Pid: 2, UsedGpuMemory: 500},
		{Pid: 3, UsedGpuMemory: 250},
	}

	procs := dedupeProcesses(compute, nil)
	require.Len(t, procs, 3)
	assert.EqualValues(t, 500, procs[0].UsedMemBytes)
	assert.EqualValues(t, 250, procs[1].UsedMemBytes)
	assert.EqualValues(t, 100, procs[2].UsedMemBytes)
}

func TestDedupeProcesses_NoDuplicatePIDs(t *testing.T) {
	compute := []nvml.ProcessInfo{{Pid: 7, UsedGpuMemory: 10}}
	graphics := []nvml.ProcessInfo{{Pid: 7, UsedGpuMemory: 20}}

	procs := dedupeProcesses(compute, graphics)
	seen := map[uint32]bool{}
	for _, p := range procs {
		assert.False(t, seen[p.PID])
		seen[p.PID] = true
	}
}
