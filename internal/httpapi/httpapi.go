// Package httpapi implements the HTTP Read API (spec §4.I): a
// read-only JSON surface over the Store and live GPU backend, plus
// the supplemented Ollama liveness passthrough.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	requestid "github.com/gin-contrib/requestid"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/gpu"
	"github.com/ikaganacar1/gpm/pkg/model"
	"github.com/ikaganacar1/gpm/pkg/store"
)

// OllamaPing is the subset of an Ollama client needed for the
// supplemented /api/ps liveness route.
type OllamaPing interface {
	Ping(ctx context.Context) error
}

// Server builds and owns the gin engine for the read API.
type Server struct {
	engine  *gin.Engine
	store   *store.Store
	backend gpu.Backend
	ollama  OllamaPing
	logger  *zap.SugaredLogger
}

// New builds a Server. ollama may be nil when the proxy is disabled
// (the supplemented /api/ps route then always reports unavailable).
func New(st *store.Store, backend gpu.Backend, ollama OllamaPing, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestid.New())
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(gzip.Gzip(gzip.DefaultCompression))
	engine.Use(corsMiddleware())

	s := &Server{engine: engine, store: st, backend: backend, ollama: ollama, logger: logger.Sugar()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// corsMiddleware is permissive on all three axes (any origin, method,
// header), matching the original's tower_http CorsLayer::new()
// .allow_origin(Any).allow_methods(Any).allow_headers(Any) (spec
// §4.I).
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "*")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/api/info", s.handleInfo)
	s.engine.GET("/api/realtime", s.handleRealtime)
	s.engine.GET("/api/gpus", s.handleGpus)
	s.engine.GET("/api/historical", s.handleHistorical)
	s.engine.GET("/api/chart", s.handleChart)
	s.engine.GET("/api/llm-sessions", s.handleLlmSessions)
	s.engine.GET("/api/ps", s.handlePs)
}

func (s *Server) handleInfo(c *gin.Context) {
	count, err := s.backend.DeviceCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gpu_backend":  s.backend.Variant(),
		"device_count": count,
	})
}

// handleRealtime bypasses the store entirely and returns a live
// collection (spec §4.I).
func (s *Server) handleRealtime(c *gin.Context) {
	samples, err := s.backend.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

// handleGpus is a supplemented read endpoint returning the live device
// list without per-process detail (SPEC_FULL.md supplement).
func (s *Server) handleGpus(c *gin.Context) {
	samples, err := s.backend.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	type gpuSummary struct {
		GpuID      uint32 `json:"gpu_id"`
		Name       string `json:"name"`
		UtilGPUPct uint32 `json:"util_gpu_pct"`
		TempC      uint32 `json:"temp_c"`
	}
	out := make([]gpuSummary, 0, len(samples))
	for _, sp := range samples {
		out = append(out, gpuSummary{GpuID: sp.GpuID, Name: sp.Name, UtilGPUPct: sp.UtilGPUPct, TempC: sp.TempC})
	}
	c.JSON(http.StatusOK, gin.H{"gpus": out})
}

func (s *Server) handleHistorical(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}

	samples, err := s.store.QueryRecentSamples(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

func (s *Server) handleChart(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}

	var gpuID *uint32
	if v := c.Query("gpu_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "gpu_id must be a non-negative integer"})
			return
		}
		id := uint32(n)
		gpuID = &id
	}

	samples, err := s.store.QueryRecentSamples(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var filtered []model.GpuSample
	for _, sp := range samples {
		if gpuID == nil || sp.GpuID == *gpuID {
			filtered = append(filtered, sp)
		}
	}
	c.JSON(http.StatusOK, chartSeries(filtered))
}

// chartSeries shapes a per-GPU series as spec §4.I describes it: a
// timestamp label array plus 5 parallel data arrays.
func chartSeries(samples []model.GpuSample) gin.H {
	labels := make([]string, 0, len(samples))
	utilGPU := make([]uint32, 0, len(samples))
	memUsed := make([]uint64, 0, len(samples))
	memTotal := make([]uint64, 0, len(samples))
	tempC := make([]uint32, 0, len(samples))
	powerW := make([]uint32, 0, len(samples))

	for _, sp := range samples {
		labels = append(labels, sp.Timestamp.Format(time.RFC3339Nano))
		utilGPU = append(utilGPU, sp.UtilGPUPct)
		memUsed = append(memUsed, sp.MemUsed)
		memTotal = append(memTotal, sp.MemTotal)
		tempC = append(tempC, sp.TempC)
		powerW = append(powerW, sp.PowerW)
	}

	return gin.H{
		"labels": labels,
		"series": gin.H{
			"util_gpu_pct":    utilGPU,
			"mem_used_bytes":  memUsed,
			"mem_total_bytes": memTotal,
			"temp_c":          tempC,
			"power_w":         powerW,
		},
	}
}

func (s *Server) handleLlmSessions(c *gin.Context) {
	start, end, ok := parseDateRange(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date and end_date must be RFC3339 or YYYY-MM-DD"})
		return
	}

	sessions, err := s.store.QuerySessions(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handlePs reports Ollama liveness from OllamaPing (the proxy's Pinger
// checks upstream GET /api/tags). Upstream /api/ps is not queried and
// no running-model list is returned.
func (s *Server) handlePs(c *gin.Context) {
	if s.ollama == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	if err := s.ollama.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseDateRange(c *gin.Context) (start, end time.Time, ok bool) {
	now := time.Now().UTC()
	startStr := c.Query("start_date")
	endStr := c.Query("end_date")

	if startStr == "" {
		start = now.AddDate(0, 0, -7)
	} else {
		t, err := parseFlexibleDate(startStr)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		start = t
	}

	if endStr == "" {
		end = now
	} else {
		t, err := parseFlexibleDate(endStr)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		end = t
	}

	return start, end, true
}

func parseFlexibleDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// ListenAndServe serves the read API on addr until ctx is canceled.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
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
