package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSMIProbeOutput_S1(t *testing.T) {
	input := "0, NVIDIA GeForce RTX 3080, 45, 30, 8192, 10240, 65, 250.5\n"

	samples, err := ParseSMIProbeOutput([]byte(input))
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.EqualValues(t, 0, s.GpuID)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", s.Name)
	assert.EqualValues(t, 45, s.UtilGPUPct)
	assert.EqualValues(t, 30, s.UtilMemPct)
	assert.EqualValues(t, 8589934592, s.MemUsed)
	assert.EqualValues(t, 10737418240, s.MemTotal)
	assert.EqualValues(t, 65, s.TempC)
	assert.EqualValues(t, 250, s.PowerW)
	assert.Empty(t, s.Processes)
}

func TestParseSMIProbeOutput_SkipsShortLines(t *testing.T) {
	input := "0, NVIDIA GeForce RTX 3080, 45, 30, 8192, 10240\n" +
		"1, NVIDIA GeForce RTX 4090, 10, 5, 1024, 24576, 55, 100.0\n"

	samples, err := ParseSMIProbeOutput([]byte(input))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.EqualValues(t, 1, samples[0].GpuID)
}

func TestParseSMIProbeOutput_EmptyInput(t *testing.T) {
	samples, err := ParseSMIProbeOutput([]byte("\n"))
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestParseSMIProbeOutput_MultipleGPUsUniqueIDs(t *testing.T) {
	input := "0, GPU A, 10, 10, 100, 1000, 50, 50.0\n1, GPU B, 20, 20, 200, 2000, 60, 60.0\n"
	samples, err := ParseSMIProbeOutput([]byte(input))
	require.NoError(t, err)
	require.Len(t, samples, 2)

	seen := map[uint32]bool{}
	for _, s := range samples {
		assert.False(t, seen[s.GpuID], "duplicate gpu_id in one tick")
		seen[s.GpuID] = true
	}
}
