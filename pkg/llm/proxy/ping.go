package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
)

// Pinger checks Ollama liveness for the httpapi /api/ps passthrough.
type Pinger struct {
	baseURL string
	client  *http.Client
}

// NewPinger builds a Pinger against baseURL (e.g. http://localhost:11434).
func NewPinger(baseURL string) *Pinger {
	return &Pinger{baseURL: baseURL, client: &http.Client{Timeout: 2 * time.Second}}
}

// Ping issues the spec §4.H health check against Ollama's tags
// endpoint (GET /api/tags), the same endpoint the session reaper
// polls to confirm the backend is reachable.
func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", errdefs.ErrOllama)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", errdefs.ErrOllama)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("ollama returned status %d: %w", resp.StatusCode, errdefs.ErrOllama)
	}
	return nil
}
