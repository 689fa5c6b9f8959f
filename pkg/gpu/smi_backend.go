package gpu

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
	"github.com/ikaganacar1/gpm/pkg/model"
)

const smiQueryFields = "index,name,utilization.gpu,utilization.memory,memory.used,memory.total,temperature.gpu,power.draw"

// smiBackend shells out to nvidia-smi for a CSV snapshot. It carries
// no process list (spec §4.A: "processes is empty in this mode").
type smiBackend struct {
	logger *zap.SugaredLogger
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func newSMIBackend(logger *zap.SugaredLogger) (Backend, error) {
	b := &smiBackend{logger: logger, runner: runCommand}
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil, fmt.Errorf("nvidia-smi not found in PATH: %w", errdefs.ErrIO)
	}
	return b, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (b *smiBackend) Variant() string { return "smi" }

func (b *smiBackend) Close() error { return nil }

func (b *smiBackend) DeviceCount() (uint32, error) {
	samples, err := b.Collect(context.Background())
	if err != nil {
		return 0, err
	}
	return uint32(len(samples)), nil
}

func (b *smiBackend) Collect(ctx context.Context) ([]model.GpuSample, error) {
	out, err := b.runner(ctx, "nvidia-smi",
		"--query-gpu="+smiQueryFields,
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi probe failed: %w", errdefs.ErrDriverQuery)
	}

	samples, err := ParseSMIProbeOutput(out)
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// ParseSMIProbeOutput parses CSV rows from `nvidia-smi --query-gpu=...
// --format=csv,noheader,nounits`. Lines with fewer than 8 comma
// separated fields are silently skipped (spec §4.A).
func ParseSMIProbeOutput(out []byte) ([]model.GpuSample, error) {
	now := time.Now().UTC()
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")

	samples := make([]model.GpuSample, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 8 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		idx, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		utilGPU, _ := strconv.ParseUint(fields[2], 10, 32)
		utilMem, _ := strconv.ParseUint(fields[3], 10, 32)
		memUsedMiB, _ := strconv.ParseUint(fields[4], 10, 64)
		memTotalMiB, _ := strconv.ParseUint(fields[5], 10, 64)
		tempC, _ := strconv.ParseUint(fields[6], 10, 32)
		powerF, _ := strconv.ParseFloat(fields[7], 64)

		samples = append(samples, model.GpuSample{
			Timestamp:  now,
			GpuID:      uint32(idx),
			Name:       fields[1],
			UtilGPUPct: uint32(utilGPU),
			UtilMemPct: uint32(utilMem),
			MemUsed:    memUsedMiB * 1024 * 1024,
			MemTotal:   memTotalMiB * 1024 * 1024,
			TempC:      uint32(tempC),
			PowerW:     uint32(math.Floor(powerF)),
			Processes:  []model.GpuProcess{},
		})
	}

	return samples, nil
}
