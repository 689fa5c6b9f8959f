// Package store implements the embedded relational Store (spec §4.E):
// schema creation, a bounded connection pool, and typed accessors for
// samples, process events, sessions, and weekly rollups.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
	"github.com/ikaganacar1/gpm/pkg/model"
)

const maxOpenConns = 5

const schemaSQL = `
CREATE TABLE IF NOT EXISTS gpu_metrics (
	timestamp      TEXT    NOT NULL,
	gpu_id         INTEGER NOT NULL,
	name           TEXT    NOT NULL,
	util_gpu_pct   INTEGER NOT NULL,
	util_mem_pct   INTEGER NOT NULL,
	mem_used_bytes INTEGER NOT NULL,
	mem_total_bytes INTEGER NOT NULL,
	temp_c         INTEGER NOT NULL,
	power_w        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_timestamp ON gpu_metrics(timestamp);

CREATE TABLE IF NOT EXISTS process_events (
	timestamp     TEXT    NOT NULL,
	pid           INTEGER NOT NULL,
	name          TEXT    NOT NULL,
	category      TEXT    NOT NULL,
	gpu_mem_mb    INTEGER NOT NULL,
	gpu_util_pct  INTEGER NOT NULL,
	cmdline       TEXT,
	exe_path      TEXT,
	duration_secs INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_process_events_timestamp ON process_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_process_events_category ON process_events(category);

CREATE TABLE IF NOT EXISTS llm_sessions (
	id                        TEXT PRIMARY KEY,
	start_time                TEXT NOT NULL,
	end_time                  TEXT,
	model                     TEXT NOT NULL,
	prompt_tokens             INTEGER NOT NULL DEFAULT 0,
	completion_tokens         INTEGER NOT NULL DEFAULT 0,
	total_tokens              INTEGER NOT NULL DEFAULT 0,
	tokens_per_second         REAL NOT NULL DEFAULT 0,
	ttft_ms                   REAL,
	time_per_output_token_ms  REAL
);
CREATE INDEX IF NOT EXISTS idx_llm_sessions_start_time ON llm_sessions(start_time);

CREATE TABLE IF NOT EXISTS weekly_summaries (
	week_start          TEXT NOT NULL,
	category            TEXT NOT NULL,
	total_duration_secs INTEGER NOT NULL,
	avg_util            REAL NOT NULL,
	max_util            REAL NOT NULL,
	total_mem_mb        REAL NOT NULL,
	event_count         INTEGER NOT NULL,
	PRIMARY KEY (week_start, category)
);
`

// Store wraps a bounded *sql.DB pool over one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if missing) the SQLite file at path, applies a
// bounded pool and busy_timeout, and idempotently creates the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, errdefs.ErrStore)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", errdefs.ErrStore)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertGpuSample writes one gpu_metrics row.
func (s *Store) InsertGpuSample(ctx context.Context, sample model.GpuSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gpu_metrics
			(timestamp, gpu_id, name, util_gpu_pct, util_mem_pct, mem_used_bytes, mem_total_bytes, temp_c, power_w)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.Timestamp.UTC().Format(time.RFC3339Nano),
		sample.GpuID, sample.Name, sample.UtilGPUPct, sample.UtilMemPct,
		sample.MemUsed, sample.MemTotal, sample.TempC, sample.PowerW,
	)
	if err != nil {
		return fmt.Errorf("insert gpu sample: %w", errdefs.ErrStore)
	}
	return nil
}

// InsertProcessEvent writes one process_events row for a poll tick,
// using ts as the observation timestamp.
func (s *Store) InsertProcessEvent(ctx context.Context, ts time.Time, p model.ClassifiedProcess) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_events
			(timestamp, pid, name, category, gpu_mem_mb, gpu_util_pct, cmdline, exe_path, duration_secs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano),
		p.PID, p.Name, string(p.Category), p.GpuMemMB, p.GpuUtilPct, p.Cmdline, p.ExePath, p.DurationSecs,
	)
	if err != nil {
		return fmt.Errorf("insert process event: %w", errdefs.ErrStore)
	}
	return nil
}

// InsertLlmSession upserts a session row keyed by id; on conflict it
// updates only the finalization columns (spec §4.E).
func (s *Store) InsertLlmSession(ctx context.Context, sess model.LlmSession) error {
	var endTime any
	if sess.EndTime != nil {
		endTime = sess.EndTime.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_sessions
			(id, start_time, end_time, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, ttft_ms, time_per_output_token_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			tokens_per_second = excluded.tokens_per_second,
			ttft_ms = excluded.ttft_ms,
			time_per_output_token_ms = excluded.time_per_output_token_ms`,
		sess.ID, sess.StartTime.UTC().Format(time.RFC3339Nano), endTime, sess.Model,
		sess.PromptTokens, sess.CompletionTokens, sess.TotalTokens, sess.TokensPerSecond,
		sess.TTFTMillis, sess.TimePerOutputTokenMs,
	)
	if err != nil {
		return fmt.Errorf("upsert llm session: %w", errdefs.ErrStore)
	}
	return nil
}

// InsertWeeklyRollup upserts on (week_start, category).
func (s *Store) InsertWeeklyRollup(ctx context.Context, r model.WeeklyRollup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weekly_summaries
			(week_start, category, total_duration_secs, avg_util, max_util, total_mem_mb, event_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(week_start, category) DO UPDATE SET
			total_duration_secs = excluded.total_duration_secs,
			avg_util = excluded.avg_util,
			max_util = excluded.max_util,
			total_mem_mb = excluded.total_mem_mb,
			event_count = excluded.event_count`,
		r.WeekStart.UTC().Format(time.RFC3339Nano), string(r.Category),
		r.TotalDurationSecs, r.AvgUtil, r.MaxUtil, r.TotalMemMB, r.EventCount,
	)
	if err != nil {
		return fmt.Errorf("upsert weekly rollup: %w", errdefs.ErrStore)
	}
	return nil
}

// QueryRecentSamples returns gpu_metrics rows from the last `hours`
// hours, ascending by timestamp. Rows whose timestamp cannot be
// parsed are silently skipped.
func (s *Store) QueryRecentSamples(ctx context.Context, hours int) ([]model.GpuSample, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, gpu_id, name, util_gpu_pct, util_mem_pct, mem_used_bytes, mem_total_bytes, temp_c, power_w
		FROM gpu_metrics WHERE timestamp >= ? ORDER BY timestamp ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent samples: %w", errdefs.ErrStore)
	}
	defer rows.Close()

	var out []model.GpuSample
	for rows.Next() {
		var tsStr string
		var s2 model.GpuSample
		if err := rows.Scan(&tsStr, &s2.GpuID, &s2.Name, &s2.UtilGPUPct, &s2.UtilMemPct, &s2.MemUsed, &s2.MemTotal, &s2.TempC, &s2.PowerW); err != nil {
			return nil, fmt.Errorf("scan gpu sample: %w", errdefs.ErrStore)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			continue
		}
		s2.Timestamp = ts
		out = append(out, s2)
	}
	return out, rows.Err()
}

// QuerySessions returns llm_sessions rows with start_time in
// [start,end], descending by timestamp (spec §4.E).
func (s *Store) QuerySessions(ctx context.Context, start, end time.Time) ([]model.LlmSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time, end_time, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, ttft_ms, time_per_output_token_ms
		FROM llm_sessions
		WHERE start_time >= ? AND start_time <= ?
		ORDER BY start_time DESC`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", errdefs.ErrStore)
	}
	defer rows.Close()

	var out []model.LlmSession
	for rows.Next() {
		var startStr string
		var endStr sql.NullString
		var ttft, topt sql.NullFloat64
		var sess model.LlmSession
		if err := rows.Scan(&sess.ID, &startStr, &endStr, &sess.Model, &sess.PromptTokens, &sess.CompletionTokens, &sess.TotalTokens, &sess.TokensPerSecond, &ttft, &topt); err != nil {
			return nil, fmt.Errorf("scan session: %w", errdefs.ErrStore)
		}
		ts, err := time.Parse(time.RFC3339Nano, startStr)
		if err != nil {
			continue
		}
		sess.StartTime = ts
		if endStr.Valid {
			if et, err := time.Parse(time.RFC3339Nano, endStr.String); err == nil {
				sess.EndTime = &et
			}
		}
		if ttft.Valid {
			v := ttft.Float64
			sess.TTFTMillis = &v
		}
		if topt.Valid {
			v := topt.Float64
			sess.TimePerOutputTokenMs = &v
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CleanupOlderThan prunes every table the Archiver exports, once their
// rows have been written to Parquet (spec §4.F: "if total exported
// rows > 0, call cleanup_older_than"). The DATE(...) predicates match
// ExportRows' selection exactly so a row is deleted here iff it was
// just archived.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoffDate := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	var total int64
	deletes := []struct {
		table, timestampColumn string
	}{
		{"gpu_metrics", "timestamp"},
		{"process_events", "timestamp"},
		{"llm_sessions", "start_time"},
	}
	for _, d := range deletes {
		query := fmt.Sprintf(`DELETE FROM %s WHERE DATE(%s) < DATE(?)`, d.table, d.timestampColumn)
		res, err := s.db.ExecContext(ctx, query, cutoffDate)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", d.table, errdefs.ErrStore)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cleanup %s rows affected: %w", d.table, errdefs.ErrStore)
		}
		total += n
	}
	return total, nil
}

// ComputeWeeklyRollup computes per-category aggregates from
// process_events over [weekStart, weekStart+7d) and upserts non-empty
// rows.
func (s *Store) ComputeWeeklyRollup(ctx context.Context, weekStart time.Time) error {
	weekEnd := weekStart.AddDate(0, 0, 7)

	rows, err := s.db.QueryContext(ctx, `
		SELECT category,
			COUNT(*) AS event_count,
			AVG(gpu_util_pct) AS avg_util,
			MAX(gpu_util_pct) AS max_util,
			SUM(gpu_mem_mb) AS total_mem_mb,
			SUM(duration_secs) AS total_duration_secs
		FROM process_events
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY category`,
		weekStart.UTC().Format(time.RFC3339Nano), weekEnd.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("compute weekly rollup: %w", errdefs.ErrStore)
	}
	defer rows.Close()

	var rollups []model.WeeklyRollup
	for rows.Next() {
		var r model.WeeklyRollup
		var category string
		if err := rows.Scan(&category, &r.EventCount, &r.AvgUtil, &r.MaxUtil, &r.TotalMemMB, &r.TotalDurationSecs); err != nil {
			return fmt.Errorf("scan weekly rollup: %w", errdefs.ErrStore)
		}
		if r.EventCount == 0 {
			continue
		}
		r.Category = model.Category(category)
		r.WeekStart = weekStart
		rollups = append(rollups, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate weekly rollup rows: %w", errdefs.ErrStore)
	}

	for _, r := range rollups {
		if err := s.InsertWeeklyRollup(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// ExportRows returns every column needed by the Archiver for one
// table's aged date range, keyed by column name, for rows whose
// DATE(timestampColumn) < cutoff.
func (s *Store) ExportRows(ctx context.Context, table, timestampColumn string, cutoff time.Time) ([]map[string]any, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE DATE(%s) < DATE(?)`, table, timestampColumn)
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("export rows from %s: %w", table, errdefs.ErrStore)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns for %s: %w", table, errdefs.ErrStore)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan export row from %s: %w", table, errdefs.ErrStore)
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			record[c] = vals[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
