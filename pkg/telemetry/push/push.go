// Package push implements the OTLP push half of the Telemetry Fan-out
// (spec §4.G): a metrics and trace provider exporting over OTLP/HTTP
// on a fixed interval, always-on sampled.
package push

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
	"github.com/ikaganacar1/gpm/pkg/model"
)

const (
	pushInterval  = 10 * time.Second
	exportTimeout = 3 * time.Second
)

// Provider owns the OTLP trace and metric providers and the
// instruments used to push GPU and LLM telemetry.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	tracer trace.Tracer

	gpuUtil     metric.Float64Gauge
	gpuTemp     metric.Float64Gauge
	llmTPS      metric.Float64Histogram
	llmTTFT     metric.Float64Histogram
	llmSessions metric.Int64Counter
}

// New builds a Provider pushing to endpoint every 10s with a 3s
// per-export timeout, using always-on sampling (spec §4.G).
func New(ctx context.Context, endpoint string) (*Provider, error) {
	traceExp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", errdefs.ErrIO)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otelmetric.New(ctx,
		otelmetric.WithEndpoint(endpoint),
		otelmetric.WithInsecure(),
		otelmetric.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", errdefs.ErrIO)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(pushInterval))),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("gpm")

	gpuUtil, err := meter.Float64Gauge("gpm.gpu.util_pct")
	if err != nil {
		return nil, fmt.Errorf("create gpu util instrument: %w", errdefs.ErrIO)
	}
	gpuTemp, err := meter.Float64Gauge("gpm.gpu.temp_celsius")
	if err != nil {
		return nil, fmt.Errorf("create gpu temp instrument: %w", errdefs.ErrIO)
	}
	llmTPS, err := meter.Float64Histogram("gpm.llm.tokens_per_second")
	if err != nil {
		return nil, fmt.Errorf("create llm tps instrument: %w", errdefs.ErrIO)
	}
	llmTTFT, err := meter.Float64Histogram("gpm.llm.ttft_ms")
	if err != nil {
		return nil, fmt.Errorf("create llm ttft instrument: %w", errdefs.ErrIO)
	}
	llmSessions, err := meter.Int64Counter("gpm.llm.session_count")
	if err != nil {
		return nil, fmt.Errorf("create llm session counter: %w", errdefs.ErrIO)
	}

	return &Provider{
		tp: tp, mp: mp,
		tracer:      tp.Tracer("gpm"),
		gpuUtil:     gpuUtil,
		gpuTemp:     gpuTemp,
		llmTPS:      llmTPS,
		llmTTFT:     llmTTFT,
		llmSessions: llmSessions,
	}, nil
}

// ObserveGpuSamples pushes a gauge observation per device.
func (p *Provider) ObserveGpuSamples(ctx context.Context, samples []model.GpuSample) {
	for _, s := range samples {
		attrs := metric.WithAttributes(
			gpuIDAttr(s.GpuID),
			gpuNameAttr(s.Name),
		)
		p.gpuUtil.Record(ctx, float64(s.UtilGPUPct), attrs)
		p.gpuTemp.Record(ctx, float64(s.TempC), attrs)
	}
}

// ObserveLlmSession pushes one completed session's histograms and
// increments the session counter.
func (p *Provider) ObserveLlmSession(ctx context.Context, s model.LlmSession) {
	attrs := metric.WithAttributes(modelAttr(s.Model))
	p.llmTPS.Record(ctx, s.TokensPerSecond, attrs)
	if s.TTFTMillis != nil {
		p.llmTTFT.Record(ctx, *s.TTFTMillis, attrs)
	}
	p.llmSessions.Add(ctx, 1, attrs)
}

// StartSpan starts a trace span under the push provider's tracer, for
// annotating supervisor worker ticks.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

func gpuIDAttr(id uint32) attribute.KeyValue {
	return attribute.Int64("gpu_id", int64(id))
}

func gpuNameAttr(name string) attribute.KeyValue {
	return attribute.String("gpu_name", name)
}

func modelAttr(name string) attribute.KeyValue {
	return attribute.String("model", name)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown trace provider: %w", errdefs.ErrIO)
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", errdefs.ErrIO)
	}
	return nil
}
