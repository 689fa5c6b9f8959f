// Package gpu implements the GPU Backend (spec §4.A): a driver
// capability (NVML) with graceful degradation to a textual probe
// (nvidia-smi).
package gpu

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
	"github.com/ikaganacar1/gpm/pkg/model"
)

// Backend abstracts a driver capability and a textual-probe fallback
// into one metric-sample producer.
type Backend interface {
	// DeviceCount returns the number of GPUs visible to this backend.
	DeviceCount() (uint32, error)
	// Collect returns one GpuSample per healthy device. A per-device
	// failure is logged and skipped; Collect only fails if every
	// device failed and DeviceCount() > 0.
	Collect(ctx context.Context) ([]model.GpuSample, error)
	// Variant reports which implementation is active ("nvml" or "smi").
	Variant() string
	// Close releases any driver resources (NVML shutdown).
	Close() error
}

// Options configures the init policy of New.
type Options struct {
	EnableNVML          bool
	FallbackToNvidiaSMI bool
}

// New applies spec §4.A's init policy: if driver-binding is enabled,
// attempt to initialize NVML; on success use the Driver variant; on
// failure, if textual-probe fallback is enabled, switch to Probe;
// else fail with ErrServiceUnavailable.
func New(opts Options, logger *zap.SugaredLogger) (Backend, error) {
	if opts.EnableNVML {
		b, err := newNVMLBackend(logger)
		if err == nil {
			return b, nil
		}
		logger.Warnw("nvml driver init failed", "error", err)
		if !opts.FallbackToNvidiaSMI {
			return nil, fmt.Errorf("nvml init failed and smi fallback disabled: %w", errdefs.ErrServiceUnavailable)
		}
	} else if !opts.FallbackToNvidiaSMI {
		return nil, fmt.Errorf("both nvml and nvidia-smi fallback disabled: %w", errdefs.ErrServiceUnavailable)
	}

	b, err := newSMIBackend(logger)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi probe init failed: %w", errdefs.ErrServiceUnavailable)
	}
	return b, nil
}
