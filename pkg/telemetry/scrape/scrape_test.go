package scrape

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikaganacar1/gpm/pkg/model"
)

func TestObserveGpuSamples_ExposedOnMetricsEndpoint(t *testing.T) {
	r := New()
	r.ObserveGpuSamples([]model.GpuSample{
		{GpuID: 0, Name: "RTX 3080", UtilGPUPct: 45, MemUsed: 8589934592, MemTotal: 10737418240, TempC: 65, PowerW: 250},
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "gpm_gpu_util_pct")
	assert.Contains(t, body, `gpu_id="0"`)
	assert.Contains(t, body, `gpu_name="RTX 3080"`)
}

func TestObserveClassifiedProcesses_SetsCountAndMemByCategory(t *testing.T) {
	r := New()
	r.ObserveClassifiedProcesses([]model.ClassifiedProcess{
		{PID: 1, Category: model.CategoryGaming, GpuMemMB: 1024},
		{PID: 2, Category: model.CategoryGaming, GpuMemMB: 512},
		{PID: 3, Category: model.CategoryLLMInference, GpuMemMB: 2048},
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `category="gaming"`))
	assert.True(t, strings.Contains(body, `category="llm_inference"`))
}

func TestObserveLlmSession_IncrementsCounterAndHistograms(t *testing.T) {
	r := New()
	ttft := 120.0
	r.ObserveLlmSession(model.LlmSession{Model: "llama2", TokensPerSecond: 12.5, TTFTMillis: &ttft})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "gpm_llm_tokens_per_second")
	assert.Contains(t, body, "gpm_llm_ttft_ms")
	assert.Contains(t, body, `gpm_llm_session_count{model="llama2"} 1`)
}
