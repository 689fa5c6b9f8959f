package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/llm/session"
)

func TestExtractModel_S6(t *testing.T) {
	assert.Equal(t, "llama2", extractModel([]byte(`{"model":"llama2","prompt":"hello"}`)))
	assert.Equal(t, "unknown", extractModel([]byte("")))
	assert.Equal(t, "unknown", extractModel([]byte("not json")))
}

func TestIsStreaming(t *testing.T) {
	assert.True(t, isStreaming("/api/generate", 200))
	assert.True(t, isStreaming("/api/chat", 204))
	assert.False(t, isStreaming("/api/generate", 500))
	assert.False(t, isStreaming("/api/tags", 200))
}

func TestCopyHeaders_StripsHopHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Host", "example.com")
	src.Set("Content-Length", "10")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("X-Custom", "value")

	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Empty(t, dst.Get("Host"))
	assert.Empty(t, dst.Get("Content-Length"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Equal(t, "value", dst.Get("X-Custom"))
}

func TestServeHTTP_StreamingTeesIntoTracker(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"model":"llama2","response":"Hello","done":false,"eval_count":1,"eval_duration":100000000,"prompt_eval_count":10}` + "\n"))
		flusher.Flush()
		_, _ = w.Write([]byte(`{"model":"llama2","response":" world!","done":true,"eval_count":3,"eval_duration":300000000,"prompt_eval_count":10}` + "\n"))
		flusher.Flush()
	}))
	defer backend.Close()

	tracker := session.New()
	p, err := New(backend.URL, tracker, zap.NewNop().Sugar())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	reqBody := []byte(`{"model":"llama2","prompt":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(reqBody))
	p.ServeHTTP(rec, req)

	out, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"response":"Hello"`)
	assert.Contains(t, string(out), `"response":" world!"`)

	deadline := time.Now().Add(2 * time.Second)
	var completed []any
	for time.Now().Before(deadline) {
		sessions := tracker.DrainCompleted()
		if len(sessions) > 0 {
			for _, s := range sessions {
				completed = append(completed, s)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, completed, 1)
}

func TestServeHTTP_NonStreamingBuffered(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer backend.Close()

	tracker := session.New()
	p, err := New(backend.URL, tracker, zap.NewNop().Sugar())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Result().Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestServeHTTP_UpstreamDownReturns502(t *testing.T) {
	tracker := session.New()
	p, err := New("http://127.0.0.1:1", tracker, zap.NewNop().Sugar())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServeHTTP_OversizedBodyReturns400(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	tracker := session.New()
	p, err := New(backend.URL, tracker, zap.NewNop().Sugar())
	require.NoError(t, err)

	big := bytes.Repeat([]byte("a"), maxRequestBodyBytes+1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(big))
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
