// Package proxy implements the Ollama Reverse Proxy (spec §4.D): an
// HTTP forwarder that tees the response body of streaming endpoints
// into the LLM Session Tracker without delaying delivery to the
// client.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ikaganacar1/gpm/pkg/llm/session"
)

const (
	maxRequestBodyBytes = 10 << 20 // 10 MiB, spec §4.D

	// chunkBacklog bounds the fire-and-forget parse queue per stream;
	// spec §5/§9: payload delivery must never be delayed, so a full
	// queue drops the oldest pending chunk rather than blocking.
	chunkBacklog = 64
)

var streamingPaths = map[string]bool{
	"/api/generate": true,
	"/api/chat":     true,
}

// hopHeaders are stripped from the forwarded request (spec §4.D).
var hopHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// Proxy forwards requests to a backend Ollama server and observes
// streaming generation chunks.
type Proxy struct {
	backend *url.URL
	client  *http.Client
	tracker *session.Tracker
	logger  *zap.SugaredLogger

	newSessionID func() string
}

// New builds a Proxy forwarding to backendURL.
func New(backendURL string, tracker *session.Tracker, logger *zap.SugaredLogger) (*Proxy, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	return &Proxy{
		backend: u,
		client:  &http.Client{Timeout: 300 * time.Second},
		tracker: tracker,
		logger:  logger,
		newSessionID: func() string {
			return uuid.NewString()
		},
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limited := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	target := *p.backend
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to build upstream request")
		return
	}
	copyHeaders(outReq.Header, r.Header)

	resp, err := p.client.Do(outReq)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream connection failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if isStreaming(r.URL.Path, resp.StatusCode) {
		p.serveStreaming(w, resp, body)
		return
	}
	p.serveBuffered(w, resp)
}

func isStreaming(path string, status int) bool {
	return streamingPaths[path] && status >= 200 && status < 300
}

func (p *Proxy) serveBuffered(w http.ResponseWriter, resp *http.Response) {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream body read failed: "+err.Error())
		return
	}

	hdr := w.Header()
	copyHeaders(hdr, resp.Header)
	hdr.Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)
}

func (p *Proxy) serveStreaming(w http.ResponseWriter, resp *http.Response, requestBody []byte) {
	modelName := extractModel(requestBody)
	sessionID := p.newSessionID()

	hdr := w.Header()
	copyHeaders(hdr, resp.Header)
	hdr.Del("Content-Length")
	hdr.Set("Transfer-Encoding", "chunked")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	chunks := make(chan []byte, chunkBacklog)
	parseDone := make(chan struct{})
	go p.parseChunks(sessionID, modelName, chunks, parseDone)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			data := buf[:n]
			if _, werr := w.Write(data); werr != nil {
				p.logger.Warnw("downstream write failed, closing stream", "session_id", sessionID, "error", werr)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			enqueueChunk(chunks, append([]byte(nil), data...))
		}
		if readErr != nil {
			if readErr != io.EOF {
				p.logger.Warnw("upstream stream read error", "session_id", sessionID, "error", readErr)
			}
			break
		}
	}

	close(chunks)
	<-parseDone
}

// enqueueChunk performs a non-blocking, drop-oldest send so the
// parser can never delay the downstream write loop.
func enqueueChunk(chunks chan<- []byte, data []byte) {
	select {
	case chunks <- data:
	default:
		select {
		case <-chunks:
		default:
		}
		select {
		case chunks <- data:
		default:
		}
	}
}

// parseChunks runs as the background fire-and-forget consumer: it
// line-buffers the tee'd bytes, JSON-decodes each complete line into a
// session.Chunk, and folds it into the tracker. Decode failures are
// silent (spec §4.D).
func (p *Proxy) parseChunks(sessionID, modelName string, chunks <-chan []byte, done chan<- struct{}) {
	defer close(done)

	var pending strings.Builder
	for data := range chunks {
		pending.Write(data)
		buf := pending.String()
		pending.Reset()

		lines := strings.Split(buf, "\n")
		for i, line := range lines[:len(lines)-1] {
			_ = i
			p.decodeLine(sessionID, modelName, line)
		}
		pending.WriteString(lines[len(lines)-1])
	}
	if rest := pending.String(); strings.TrimSpace(rest) != "" {
		p.decodeLine(sessionID, modelName, rest)
	}
}

func (p *Proxy) decodeLine(sessionID, modelName, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var wire struct {
		Model                string `json:"model"`
		Response             string `json:"response"`
		Done                 bool   `json:"done"`
		EvalCount            *int64 `json:"eval_count"`
		EvalDuration         *int64 `json:"eval_duration"`
		PromptEvalCount      *int64 `json:"prompt_eval_count"`
		PromptEvalDuration   *int64 `json:"prompt_eval_duration"`
	}
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		return
	}

	p.tracker.Track(sessionID, modelName, session.Chunk{
		Model:                wire.Model,
		Response:             wire.Response,
		Done:                 wire.Done,
		EvalCount:            wire.EvalCount,
		EvalDurationNs:       wire.EvalDuration,
		PromptEvalCount:      wire.PromptEvalCount,
		PromptEvalDurationNs: wire.PromptEvalDuration,
	})
}

// extractModel parses the request body as JSON to extract the
// "model" field; defaults to "unknown" (spec §4.D, scenario S6).
func extractModel(body []byte) string {
	if len(body) == 0 {
		return "unknown"
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		return "unknown"
	}
	return req.Model
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ListenAndServe starts the proxy HTTP server on addr until ctx is
// canceled.
func ListenAndServe(ctx context.Context, addr string, p *Proxy) error {
	srv := &http.Server{Addr: addr, Handler: p}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

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
