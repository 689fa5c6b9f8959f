package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/ikaganacar1/gpm/internal/config"
	"github.com/ikaganacar1/gpm/internal/httpapi"
	"github.com/ikaganacar1/gpm/internal/log"
	"github.com/ikaganacar1/gpm/internal/supervisor"
	"github.com/ikaganacar1/gpm/pkg/archiver"
	"github.com/ikaganacar1/gpm/pkg/classifier"
	"github.com/ikaganacar1/gpm/pkg/gpu"
	"github.com/ikaganacar1/gpm/pkg/llm/proxy"
	"github.com/ikaganacar1/gpm/pkg/llm/session"
	"github.com/ikaganacar1/gpm/pkg/store"
	"github.com/ikaganacar1/gpm/pkg/telemetry/push"
	"github.com/ikaganacar1/gpm/pkg/telemetry/scrape"
)

var handledSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

func cmdRun(_ *cli.Context) error {
	sugar, err := log.New(logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer sugar.Sync() //nolint:errcheck

	base, err := log.NewBase(logLevel)
	if err != nil {
		return fmt.Errorf("build base logger: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	backend, err := gpu.New(gpu.Options{
		EnableNVML:          cfg.GPU.EnableNVML,
		FallbackToNvidiaSMI: cfg.GPU.FallbackToNvidiaSMI,
	}, sugar)
	if err != nil {
		return fmt.Errorf("init gpu backend: %w", err)
	}
	defer backend.Close()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	clf := classifier.New(sugar, homeDir)
	tracker := session.New()

	st, err := store.Open(storeDBPath(cfg.Service.DataDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	arch := archiver.New(st, cfg.Storage.ArchiveDir, int(cfg.Storage.RetentionDays), cfg.Storage.EnableParquetArchival, sugar)

	var scrapeReg *scrape.Registry
	if cfg.Telemetry.EnablePrometheus {
		scrapeReg = scrape.New()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	var pusher *push.Provider
	if cfg.Telemetry.EnableOpenTelemetry {
		pusher, err = push.New(rootCtx, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			sugar.Warnw("otlp push provider unavailable, continuing without it", "error", err)
			pusher = nil
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = pusher.Shutdown(shutdownCtx)
			}()
		}
	}

	var ollamaPinger *proxy.Pinger
	var llmProxy *proxy.Proxy
	if cfg.Ollama.Enabled {
		ollamaPinger = proxy.NewPinger(cfg.Ollama.APIURL)
		llmProxy, err = proxy.New(cfg.Ollama.APIURL, tracker, sugar)
		if err != nil {
			return fmt.Errorf("init ollama proxy: %w", err)
		}
	}

	apiServer := httpapi.New(st, backend, ollamaPingAdapter(ollamaPinger), base)

	sup := supervisor.New(
		supervisor.Config{
			PollInterval:     time.Duration(cfg.Service.PollIntervalSecs) * time.Second,
			WeeklyRollup:     true,
			ScrapeAddr:       fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
			EnablePrometheus: cfg.Telemetry.EnablePrometheus,
			OllamaEnabled:    cfg.Ollama.Enabled,
		},
		backend, clf, tracker, st, arch, scrapeReg, pusher, supervisorOllamaAdapter(ollamaPinger), sugar,
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, handledSignals...)
	go func() {
		<-signals
		sugar.Infow("received shutdown signal")
		rootCancel()
	}()

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return httpapi.ListenAndServe(ctx, cfg.ReadAPIAddr, apiServer) })
	if llmProxy != nil {
		g.Go(func() error { return proxy.ListenAndServe(ctx, cfg.ProxyListenAddr, llmProxy) })
	}

	sugar.Infow("gpmd started", "data_dir", cfg.Service.DataDir, "read_api_addr", cfg.ReadAPIAddr, "proxy_addr", cfg.ProxyListenAddr)

	return g.Wait()
}

func storeDBPath(dataDir string) string {
	return dataDir + "/gpm.db"
}

// ollamaPingAdapter narrows *proxy.Pinger to httpapi.OllamaPing, and
// passes through a real nil interface value when ollama is disabled
// rather than a non-nil interface wrapping a nil pointer.
func ollamaPingAdapter(p *proxy.Pinger) httpapi.OllamaPing {
	if p == nil {
		return nil
	}
	return p
}

// supervisorOllamaAdapter is ollamaPingAdapter's twin for
// supervisor.OllamaPinger, used by the session reaper's health check.
func supervisorOllamaAdapter(p *proxy.Pinger) supervisor.OllamaPinger {
	if p == nil {
		return nil
	}
	return p
}
