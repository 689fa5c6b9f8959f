// Package scrape implements the Prometheus scrape half of the
// Telemetry Fan-out (spec §4.G): a registry of gpm_-prefixed gauges
// and histograms served at /metrics.
package scrape

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/model"
)

const namespace = "gpm"

// Registry owns the gpm_ metric family and exposes it over HTTP.
type Registry struct {
	reg *prometheus.Registry

	gpuUtilPct     *prometheus.GaugeVec
	gpuMemUsed     *prometheus.GaugeVec
	gpuMemTotal    *prometheus.GaugeVec
	gpuTempC       *prometheus.GaugeVec
	gpuPowerW      *prometheus.GaugeVec
	processCount   *prometheus.GaugeVec
	processMemBytes *prometheus.GaugeVec
	llmTPS         *prometheus.HistogramVec
	llmTTFT        *prometheus.HistogramVec
	llmSessions    *prometheus.CounterVec
}

// tpsBuckets and ttftBuckets are the exact boundaries named in spec §4.G.
var (
	tpsBuckets  = []float64{1, 5, 10, 25, 50, 100, 250, 500}
	ttftBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000}
)

// New builds and registers the full metric family.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		gpuUtilPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_util_pct", Help: "GPU compute utilization percent",
		}, []string{"gpu_id", "gpu_name"}),
		gpuMemUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_mem_used_bytes", Help: "GPU memory used in bytes",
		}, []string{"gpu_id", "gpu_name"}),
		gpuMemTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_mem_total_bytes", Help: "GPU total memory in bytes",
		}, []string{"gpu_id", "gpu_name"}),
		gpuTempC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_temp_celsius", Help: "GPU temperature in Celsius",
		}, []string{"gpu_id", "gpu_name"}),
		gpuPowerW: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_power_watts", Help: "GPU power draw in watts",
		}, []string{"gpu_id", "gpu_name"}),
		processCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_count", Help: "GPU-using process count by category",
		}, []string{"category"}),
		processMemBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_mem_bytes", Help: "GPU memory used by category in bytes",
		}, []string{"category"}),
		llmTPS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "llm_tokens_per_second", Help: "Observed LLM decode throughput",
			Buckets: tpsBuckets,
		}, []string{"model"}),
		llmTTFT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "llm_ttft_ms", Help: "Observed LLM time-to-first-token in milliseconds",
			Buckets: ttftBuckets,
		}, []string{"model"}),
		llmSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_session_count", Help: "Completed LLM sessions by model",
		}, []string{"model"}),
	}

	reg.MustRegister(
		r.gpuUtilPct, r.gpuMemUsed, r.gpuMemTotal, r.gpuTempC, r.gpuPowerW,
		r.processCount, r.processMemBytes, r.llmTPS, r.llmTTFT, r.llmSessions,
	)
	return r
}

// ObserveGpuSamples updates the per-device gauges from one poll tick.
func (r *Registry) ObserveGpuSamples(samples []model.GpuSample) {
	for _, s := range samples {
		id := gpuIDLabel(s.GpuID)
		r.gpuUtilPct.WithLabelValues(id, s.Name).Set(float64(s.UtilGPUPct))
		r.gpuMemUsed.WithLabelValues(id, s.Name).Set(float64(s.MemUsed))
		r.gpuMemTotal.WithLabelValues(id, s.Name).Set(float64(s.MemTotal))
		r.gpuTempC.WithLabelValues(id, s.Name).Set(float64(s.TempC))
		r.gpuPowerW.WithLabelValues(id, s.Name).Set(float64(s.PowerW))
	}
}

// ObserveClassifiedProcesses sets per-category process count and
// memory gauges, overwriting the previous tick's values.
func (r *Registry) ObserveClassifiedProcesses(procs []model.ClassifiedProcess) {
	counts := map[model.Category]float64{}
	mem := map[model.Category]float64{}
	for _, p := range procs {
		counts[p.Category]++
		mem[p.Category] += float64(p.GpuMemMB)
	}
	for _, cat := range []model.Category{
		model.CategoryGaming, model.CategoryLLMInference, model.CategoryMLTraining,
		model.CategoryGeneralCompute, model.CategoryUnknown,
	} {
		r.processCount.WithLabelValues(string(cat)).Set(counts[cat])
		r.processMemBytes.WithLabelValues(string(cat)).Set(mem[cat] * 1024 * 1024)
	}
}

// ObserveLlmSession folds one completed session into the histograms
// and increments the per-model session counter.
func (r *Registry) ObserveLlmSession(s model.LlmSession) {
	r.llmTPS.WithLabelValues(s.Model).Observe(s.TokensPerSecond)
	if s.TTFTMillis != nil {
		r.llmTTFT.WithLabelValues(s.Model).Observe(*s.TTFTMillis)
	}
	r.llmSessions.WithLabelValues(s.Model).Inc()
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func gpuIDLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ListenAndServe serves the metrics handler on addr until ctx is
// canceled. Per the REDESIGN FLAG in spec §4.G, this must be called
// exactly once, from the Supervisor's Run(), to avoid the original
// implementation's double-registration bug of constructing a second
// registry per collector tick.
func ListenAndServe(ctx context.Context, addr string, r *Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
