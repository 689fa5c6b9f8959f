// Package session implements the LLM Session Tracker (spec §4.C): an
// in-memory table of in-progress generations that folds parsed chunk
// records into finalized session records.
package session

import (
	"sync"
	"time"

	"github.com/ikaganacar1/gpm/pkg/model"
)

// Chunk is one newline-delimited JSON record parsed from a streaming
// Ollama response body (spec §4.D field list).
type Chunk struct {
	Model                string
	Response             string
	Done                 bool
	EvalCount            *int64
	EvalDurationNs       *int64
	PromptEvalCount      *int64
	PromptEvalDurationNs *int64
}

type partial struct {
	startTime            time.Time
	firstTokenTime       *time.Time
	model                string
	promptTokens         int64
	completionTokens     int64
	promptEvalDurationNs int64
	evalDurationNs       int64
}

// Tracker holds the keyed in-progress map and the completed buffer.
// Per spec §5: the partial map and the completed buffer are guarded
// by separate writer locks, and Track releases the partial lock
// before acquiring the completed lock to avoid lock-order inversion.
type Tracker struct {
	nowFunc func() time.Time

	partialMu sync.Mutex
	partials  map[string]*partial
	finalized map[string]struct{}

	completedMu sync.Mutex
	completed   []model.LlmSession
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{
		nowFunc:   time.Now,
		partials:  make(map[string]*partial),
		finalized: make(map[string]struct{}),
	}
}

// Track folds one chunk into the session keyed by sessionID. On a
// chunk with Done=true it finalizes the session and appends it to the
// completed buffer; any further chunk for an already-finalized id
// (the partial was removed and the id recorded as finalized) is a
// true no-op, never producing a second completed entry (idempotent
// finalization, spec §3 invariant).
func (t *Tracker) Track(sessionID, model_ string, chunk Chunk) {
	finalized, ok := t.foldChunk(sessionID, model_, chunk)
	if !ok {
		return
	}

	t.completedMu.Lock()
	t.completed = append(t.completed, finalized)
	t.completedMu.Unlock()
}

func (t *Tracker) foldChunk(sessionID, modelName string, chunk Chunk) (model.LlmSession, bool) {
	t.partialMu.Lock()
	defer t.partialMu.Unlock()

	if _, done := t.finalized[sessionID]; done {
		return model.LlmSession{}, false
	}

	p, exists := t.partials[sessionID]
	if !exists {
		p = &partial{startTime: t.nowFunc(), model: modelName}
		t.partials[sessionID] = p
	}

	now := t.nowFunc()
	if p.firstTokenTime == nil && chunk.Response != "" {
		p.firstTokenTime = &now
	}

	if chunk.PromptEvalCount != nil {
		p.promptTokens = *chunk.PromptEvalCount
	}
	if chunk.EvalCount != nil {
		p.completionTokens = *chunk.EvalCount
	}
	if chunk.PromptEvalDurationNs != nil {
		p.promptEvalDurationNs = *chunk.PromptEvalDurationNs
	}
	if chunk.EvalDurationNs != nil {
		p.evalDurationNs = *chunk.EvalDurationNs
	}
	if chunk.Model != "" {
		p.model = chunk.Model
	}

	if !chunk.Done {
		return model.LlmSession{}, false
	}

	delete(t.partials, sessionID)
	t.finalized[sessionID] = struct{}{}
	return finalize(sessionID, now, p), true
}

func finalize(sessionID string, endTime time.Time, p *partial) model.LlmSession {
	var tps float64
	if p.evalDurationNs > 0 {
		tps = float64(p.completionTokens) * 1e9 / float64(p.evalDurationNs)
	}

	var ttft *float64
	if p.firstTokenTime != nil {
		v := float64(p.firstTokenTime.Sub(p.startTime)) / float64(time.Millisecond)
		ttft = &v
	}

	var topt *float64
	if p.completionTokens > 0 && p.evalDurationNs > 0 {
		v := float64(p.evalDurationNs) / 1e6 / float64(p.completionTokens)
		topt = &v
	}

	end := endTime
	return model.LlmSession{
		ID:                   sessionID,
		StartTime:            p.startTime,
		EndTime:              &end,
		Model:                p.model,
		PromptTokens:         p.promptTokens,
		CompletionTokens:     p.completionTokens,
		TotalTokens:          p.promptTokens + p.completionTokens,
		TokensPerSecond:      tps,
		TTFTMillis:           ttft,
		TimePerOutputTokenMs: topt,
	}
}

// DrainCompleted returns and clears the completed buffer. It also
// evicts the drained IDs from the finalized set: once a session has
// been handed to the reaper it will never be looked up again, so the
// idempotency guard only needs to cover the window between
// finalization and the next reaper tick, not the life of the process.
func (t *Tracker) DrainCompleted() []model.LlmSession {
	t.completedMu.Lock()
	out := t.completed
	t.completed = nil
	t.completedMu.Unlock()

	if len(out) > 0 {
		t.partialMu.Lock()
		for _, sess := range out {
			delete(t.finalized, sess.ID)
		}
		t.partialMu.Unlock()
	}

	return out
}
