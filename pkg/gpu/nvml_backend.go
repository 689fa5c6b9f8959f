package gpu

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	gopsutilproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
	"github.com/ikaganacar1/gpm/pkg/model"
)

// nvmlBackend is the Driver variant. Device enumeration goes through
// go-nvlib's device.Interface rather than raw index-based
// nvml.DeviceGetHandleByIndex calls, the same wrapper the teacher
// builds around NVML (components/accelerator/nvidia/query/nvml/nvml.go).
// Per spec §5, init/shutdown is a process-wide one-shot capability; the
// RWMutex here guards repeated collect calls against a future reinit
// (writer), while collectors only ever take the reader.
type nvmlBackend struct {
	mu        sync.RWMutex
	nvmlLib   nvml.Interface
	deviceLib device.Interface
	logger    *zap.SugaredLogger
}

func newNVMLBackend(logger *zap.SugaredLogger) (Backend, error) {
	nvmlLib := nvml.New()
	if ret := nvmlLib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml.Init: %s: %w", nvml.ErrorString(ret), errdefs.ErrDriverInit)
	}
	deviceLib := device.New(nvmlLib)
	return &nvmlBackend{nvmlLib: nvmlLib, deviceLib: deviceLib, logger: logger}, nil
}

func (b *nvmlBackend) Variant() string { return "nvml" }

func (b *nvmlBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ret := b.nvmlLib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml.Shutdown: %s: %w", nvml.ErrorString(ret), errdefs.ErrDriverQuery)
	}
	return nil
}

func (b *nvmlBackend) DeviceCount() (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	devices, err := b.deviceLib.GetDevices()
	if err != nil {
		return 0, fmt.Errorf("deviceLib.GetDevices: %w: %w", err, errdefs.ErrDriverQuery)
	}
	return uint32(len(devices)), nil
}

func (b *nvmlBackend) Collect(ctx context.Context) ([]model.GpuSample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	devices, err := b.deviceLib.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("deviceLib.GetDevices: %w: %w", err, errdefs.ErrDriverQuery)
	}
	if len(devices) == 0 {
		return nil, nil
	}

	samples := make([]model.GpuSample, 0, len(devices))
	for i, dev := range devices {
		sample, err := b.collectOne(uint32(i), dev)
		if err != nil {
			b.logger.Warnw("gpu device query failed, skipping", "gpu_id", i, "error", err)
			continue
		}
		samples = append(samples, sample)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("all %d devices failed to query: %w", len(devices), errdefs.ErrDriverQuery)
	}
	return samples, nil
}

func (b *nvmlBackend) collectOne(idx uint32, dev device.Device) (model.GpuSample, error) {
	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		name = "unknown"
	}

	var utilGPU, utilMem uint32
	if util, r := dev.GetUtilizationRates(); r == nvml.SUCCESS {
		utilGPU, utilMem = util.Gpu, util.Memory
	}

	var memUsed, memTotal uint64
	if mem, r := dev.GetMemoryInfo(); r == nvml.SUCCESS {
		memUsed, memTotal = mem.Used, mem.Total
	}

	var tempC uint32
	if t, r := dev.GetTemperature(nvml.TEMPERATURE_GPU); r == nvml.SUCCESS {
		tempC = t
	}

	var powerW uint32
	if mw, r := dev.GetPowerUsage(); r == nvml.SUCCESS {
		powerW = mw / 1000
	}

	procs := b.collectProcesses(dev)

	return model.GpuSample{
		GpuID:      idx,
		Name:       name,
		UtilGPUPct: utilGPU,
		UtilMemPct: utilMem,
		MemUsed:    memUsed,
		MemTotal:   memTotal,
		TempC:      tempC,
		PowerW:     powerW,
		Processes:  procs,
	}, nil
}

// collectProcesses unions compute and graphics process lists, deduped
// by PID with compute winning, per spec's invariant.
func (b *nvmlBackend) collectProcesses(dev device.Device) []model.GpuProcess {
	var compute, graphics []nvml.ProcessInfo
	if c, r := dev.GetComputeRunningProcesses(); r == nvml.SUCCESS {
		compute = c
	}
	if g, r := dev.GetGraphicsRunningProcesses(); r == nvml.SUCCESS {
		graphics = g
	}
	return dedupeProcesses(compute, graphics)
}

// dedupeProcesses unions compute and graphics process lists, deduped
// by PID. Iteration order is compute then graphics, so the compute
// entry wins when a PID appears in both (spec §3 invariant). The
// result is sorted descending by used memory.
func dedupeProcesses(compute, graphics []nvml.ProcessInfo) []model.GpuProcess {
	byPID := make(map[uint32]uint64)

	for _, p := range compute {
		byPID[p.Pid] = p.UsedGpuMemory
	}
	for _, p := range graphics {
		if _, exists := byPID[p.Pid]; !exists {
			byPID[p.Pid] = p.UsedGpuMemory
		}
	}

	procs := make([]model.GpuProcess, 0, len(byPID))
	for pid, mem := range byPID {
		usedMem := mem
		if usedMem == ^uint64(0) {
			// NVML reports all-ones when memory usage is unavailable.
			usedMem = 0
		}
		procs = append(procs, model.GpuProcess{
			PID:          pid,
			Name:         resolveProcessName(pid),
			UsedMemBytes: usedMem,
		})
	}

	sort.Slice(procs, func(i, j int) bool {
		return procs[i].UsedMemBytes > procs[j].UsedMemBytes
	})
	return procs
}

func resolveProcessName(pid uint32) string {
	p, err := gopsutilproc.NewProcess(int32(pid))
	if err != nil {
		return fmt.Sprintf("pid_%d", pid)
	}
	name, err := p.Name()
	if err != nil || name == "" {
		return fmt.Sprintf("pid_%d", pid)
	}
	return name
}
