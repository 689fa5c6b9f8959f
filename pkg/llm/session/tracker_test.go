package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestTrack_S5_Finalization(t *testing.T) {
	tr := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	tr.nowFunc = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 10 * time.Millisecond)
	}

	tr.Track("sess-1", "llama2", Chunk{
		Response:        "Hello",
		Done:            false,
		EvalCount:       int64p(1),
		EvalDurationNs:  int64p(100_000_000),
		PromptEvalCount: int64p(10),
	})
	tr.Track("sess-1", "llama2", Chunk{
		Response:        " world!",
		Done:            true,
		EvalCount:       int64p(3),
		EvalDurationNs:  int64p(300_000_000),
		PromptEvalCount: int64p(10),
	})

	completed := tr.DrainCompleted()
	require.Len(t, completed, 1)
	s := completed[0]

	assert.Equal(t, "llama2", s.Model)
	assert.EqualValues(t, 10, s.PromptTokens)
	assert.EqualValues(t, 3, s.CompletionTokens)
	assert.EqualValues(t, 13, s.TotalTokens)
	assert.InDelta(t, 10.0, s.TokensPerSecond, 0.0001)
	require.NotNil(t, s.TimePerOutputTokenMs)
	assert.InDelta(t, 100.0, *s.TimePerOutputTokenMs, 0.0001)
	require.NotNil(t, s.TTFTMillis)
	assert.Greater(t, *s.TTFTMillis, 0.0)
	assert.True(t, s.StartTime.Add(time.Duration(*s.TTFTMillis)*time.Millisecond).Before(*s.EndTime) ||
		s.StartTime.Add(time.Duration(*s.TTFTMillis)*time.Millisecond).Equal(*s.EndTime))
}

func TestTrack_S6_ModelExtractionDefaultsToFirstChunkModel(t *testing.T) {
	tr := New()
	tr.Track("sess-2", "unknown", Chunk{Done: true, EvalCount: int64p(0), PromptEvalCount: int64p(0)})
	completed := tr.DrainCompleted()
	require.Len(t, completed, 1)
	assert.Equal(t, "unknown", completed[0].Model)
}

func TestTrack_IdempotentFinalization(t *testing.T) {
	tr := New()
	tr.Track("sess-3", "llama2", Chunk{Done: true, EvalCount: int64p(5), PromptEvalCount: int64p(2)})
	// A second "done" chunk for the same id must not produce a second
	// completed session: the id is recorded as finalized until drained.
	tr.Track("sess-3", "llama2", Chunk{Done: true, EvalCount: int64p(99), PromptEvalCount: int64p(99)})

	completed := tr.DrainCompleted()
	require.Len(t, completed, 1)
	assert.EqualValues(t, 5, completed[0].CompletionTokens)
}

func TestTrack_ZeroCompletionTokensZeroTPSAndNoTimePerToken(t *testing.T) {
	tr := New()
	tr.Track("sess-4", "llama2", Chunk{Done: true})
	completed := tr.DrainCompleted()
	require.Len(t, completed, 1)
	assert.Zero(t, completed[0].TokensPerSecond)
	assert.Nil(t, completed[0].TimePerOutputTokenMs)
}

func TestDrainCompleted_ClearsBuffer(t *testing.T) {
	tr := New()
	tr.Track("sess-5", "m", Chunk{Done: true})
	require.Len(t, tr.DrainCompleted(), 1)
	assert.Empty(t, tr.DrainCompleted())
}

func TestDrainCompleted_EvictsFinalizedIDs(t *testing.T) {
	tr := New()
	tr.Track("sess-6", "llama2", Chunk{Done: true, EvalCount: int64p(1), PromptEvalCount: int64p(1)})
	require.Len(t, tr.DrainCompleted(), 1)

	// Once drained, the id is no longer tracked as finalized: a later
	// chunk reusing it (a fresh request, not a replay) starts a new
	// session instead of being silently dropped.
	tr.Track("sess-6", "llama2", Chunk{Done: true, EvalCount: int64p(9), PromptEvalCount: int64p(9)})
	completed := tr.DrainCompleted()
	require.Len(t, completed, 1)
	assert.EqualValues(t, 9, completed[0].CompletionTokens)
}

func TestTrack_ConcurrentChunksForOneSessionFinalizeOnce(t *testing.T) {
	tr := New()
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(i int) {
			id := "concurrent-session"
			tr.Track(id, "m", Chunk{Done: false, EvalCount: int64p(int64(i))})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	tr.Track("concurrent-session", "m", Chunk{Done: true, EvalCount: int64p(1), PromptEvalCount: int64p(1)})
	completed := tr.DrainCompleted()
	require.Len(t, completed, 1)
}
