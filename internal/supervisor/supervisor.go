// Package supervisor wires the three periodic workers named in spec
// §4.H (metrics collector, session reaper, maintenance) under one
// errgroup-joined lifecycle, and owns the single scrape HTTP server
// start-up the REDESIGN FLAG calls for.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ikaganacar1/gpm/pkg/archiver"
	"github.com/ikaganacar1/gpm/pkg/classifier"
	"github.com/ikaganacar1/gpm/pkg/gpu"
	"github.com/ikaganacar1/gpm/pkg/llm/session"
	"github.com/ikaganacar1/gpm/pkg/store"
	"github.com/ikaganacar1/gpm/pkg/telemetry/push"
	"github.com/ikaganacar1/gpm/pkg/telemetry/scrape"
)

const (
	sessionReaperInterval = 5 * time.Second
	maintenanceInterval   = time.Hour
)

// OllamaPinger is the narrow health-check dependency the session
// reaper polls every tick when Ollama monitoring is enabled (spec
// §4.H).
type OllamaPinger interface {
	Ping(ctx context.Context) error
}

// Config carries the supervisor's tunables, sourced from
// internal/config.Config.
type Config struct {
	PollInterval     time.Duration
	WeeklyRollup     bool
	ScrapeAddr       string
	EnablePrometheus bool
	OllamaEnabled    bool
}

// Supervisor runs the background workers that keep the Store,
// telemetry fan-out, and archive in sync with the GPU backend.
type Supervisor struct {
	cfg        Config
	backend    gpu.Backend
	classifier *classifier.Classifier
	tracker    *session.Tracker
	store      *store.Store
	archiver   *archiver.Archiver
	scrapeReg  *scrape.Registry
	pusher     *push.Provider
	ollama     OllamaPinger
	logger     *zap.SugaredLogger
}

// New builds a Supervisor from its collaborators. pusher and ollama
// may be nil when OTLP push / Ollama monitoring are disabled.
func New(
	cfg Config,
	backend gpu.Backend,
	clf *classifier.Classifier,
	tracker *session.Tracker,
	st *store.Store,
	arch *archiver.Archiver,
	scrapeReg *scrape.Registry,
	pusher *push.Provider,
	ollama OllamaPinger,
	logger *zap.SugaredLogger,
) *Supervisor {
	return &Supervisor{
		cfg: cfg, backend: backend, classifier: clf, tracker: tracker,
		store: st, archiver: arch, scrapeReg: scrapeReg, pusher: pusher,
		ollama: ollama, logger: logger,
	}
}

// Run starts all workers and blocks until ctx is canceled or a worker
// returns a fatal error. The scrape HTTP server is started exactly
// once, here: the original design re-registered collectors on every
// poll tick and crashed the second collection cycle with a
// duplicate-metrics panic (spec §4.G REDESIGN FLAG).
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.EnablePrometheus && s.scrapeReg != nil {
		g.Go(func() error {
			return scrape.ListenAndServe(ctx, s.cfg.ScrapeAddr, s.scrapeReg)
		})
	}

	g.Go(func() error { return s.runMetricsCollector(ctx) })
	g.Go(func() error { return s.runSessionReaper(ctx) })
	g.Go(func() error { return s.runMaintenance(ctx) })

	return g.Wait()
}

func (s *Supervisor) runMetricsCollector(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.collectOnce(ctx)
		}
	}
}

func (s *Supervisor) collectOnce(ctx context.Context) {
	samples, err := s.backend.Collect(ctx)
	if err != nil {
		s.logger.Warnw("gpu collection failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sample := range samples {
		sample.Timestamp = now
		if err := s.store.InsertGpuSample(ctx, sample); err != nil {
			s.logger.Warnw("failed to persist gpu sample", "gpu_id", sample.GpuID, "error", err)
		}
	}

	if s.scrapeReg != nil {
		s.scrapeReg.ObserveGpuSamples(samples)
	}
	if s.pusher != nil {
		s.pusher.ObserveGpuSamples(ctx, samples)
	}

	procs := s.classifier.ClassifySamples(ctx, samples)
	for _, p := range procs {
		if err := s.store.InsertProcessEvent(ctx, now, p); err != nil {
			s.logger.Warnw("failed to persist process event", "pid", p.PID, "error", err)
		}
	}
	if s.scrapeReg != nil {
		s.scrapeReg.ObserveClassifiedProcesses(procs)
	}
}

// runSessionReaper drains completed LLM sessions from the tracker,
// persists + publishes them, and health-checks the Ollama backend,
// every 5s (spec §4.H). The health check is skipped when Ollama
// monitoring is disabled.
func (s *Supervisor) runSessionReaper(ctx context.Context) error {
	ticker := time.NewTicker(sessionReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Supervisor) reapOnce(ctx context.Context) {
	if s.cfg.OllamaEnabled && s.ollama != nil {
		if err := s.ollama.Ping(ctx); err != nil {
			s.logger.Debugw("ollama health check failed", "error", err)
		}
	}

	completed := s.tracker.DrainCompleted()
	for _, sess := range completed {
		if err := s.store.InsertLlmSession(ctx, sess); err != nil {
			s.logger.Warnw("failed to persist llm session", "session_id", sess.ID, "error", err)
			continue
		}
		if s.scrapeReg != nil {
			s.scrapeReg.ObserveLlmSession(sess)
		}
		if s.pusher != nil {
			s.pusher.ObserveLlmSession(ctx, sess)
		}
	}
}

// runMaintenance runs the archiver and the weekly rollup once an hour
// (spec §4.H).
func (s *Supervisor) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.maintainOnce(ctx)
		}
	}
}

func (s *Supervisor) maintainOnce(ctx context.Context) {
	if s.archiver != nil {
		if err := s.archiver.Run(ctx); err != nil {
			s.logger.Warnw("archiver run failed", "error", err)
		}
	}

	if s.cfg.WeeklyRollup {
		weekStart := mostRecentMonday(time.Now().UTC())
		if err := s.store.ComputeWeeklyRollup(ctx, weekStart); err != nil {
			s.logger.Warnw("weekly rollup failed", "week_start", weekStart, "error", err)
		}
	}
}

func mostRecentMonday(t time.Time) time.Time {
	day := t.Weekday()
	offset := (int(day) + 6) % 7 // days since Monday
	monday := t.AddDate(0, 0, -offset)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}
