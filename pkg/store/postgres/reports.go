package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chillpanda/bamboo/pkg/store"
)

// defaultReportLimit bounds report queries when the caller passes limit <= 0.
const defaultReportLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultReportLimit
	}
	return limit
}

// DailyHistory implements [store.UsageReporter].
func (s *Store) DailyHistory(ctx context.Context, userID string, limit int) ([]store.DailyUsage, error) {
	const q = `
		SELECT user_id, date, duration_ms, session_count, chunk_count, limit_reached_count
		FROM   voice_usage_daily
		WHERE  user_id = $1
		ORDER  BY date DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("usage store: daily history: %w", err)
	}
	return collectDaily(rows)
}

// MonthlyHistory implements [store.UsageReporter].
func (s *Store) MonthlyHistory(ctx context.Context, userID string, limit int) ([]store.MonthlyUsage, error) {
	const q = `
		SELECT user_id, year_month, duration_ms, session_count
		FROM   voice_usage_monthly
		WHERE  user_id = $1
		ORDER  BY year_month DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("usage store: monthly history: %w", err)
	}
	months, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MonthlyUsage, error) {
		var m store.MonthlyUsage
		err := row.Scan(&m.UserID, &m.YearMonth, &m.DurationMs, &m.SessionCount)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage store: monthly history: scan rows: %w", err)
	}
	if months == nil {
		months = []store.MonthlyUsage{}
	}
	return months, nil
}

// SessionsForUser implements [store.UsageReporter].
func (s *Store) SessionsForUser(ctx context.Context, userID string, limit int) ([]store.SessionUsage, error) {
	const q = `
		SELECT ` + sessionColumns + `
		FROM   voice_usage_sessions
		WHERE  user_id = $1
		ORDER  BY started_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("usage store: sessions for user: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SessionUsage, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("usage store: sessions for user: scan rows: %w", err)
	}
	if sessions == nil {
		sessions = []store.SessionUsage{}
	}
	return sessions, nil
}

// AllDailyForDate implements [store.UsageReporter].
func (s *Store) AllDailyForDate(ctx context.Context, date string, limit int) ([]store.DailyUsage, error) {
	const q = `
		SELECT user_id, date, duration_ms, session_count, chunk_count, limit_reached_count
		FROM   voice_usage_daily
		WHERE  date = $1
		ORDER  BY duration_ms DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, date, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("usage store: all daily for date: %w", err)
	}
	return collectDaily(rows)
}

// RecentLimitEvents implements [store.UsageReporter].
func (s *Store) RecentLimitEvents(ctx context.Context, userID string, limit int) ([]store.LimitEvent, error) {
	const q = `
		SELECT user_id, session_id, limit_type, limit_minutes, used_ms, created_at
		FROM   voice_limit_events
		WHERE  user_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("usage store: recent limit events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.LimitEvent, error) {
		var ev store.LimitEvent
		err := row.Scan(&ev.UserID, &ev.SessionID, &ev.LimitType, &ev.LimitMinutes, &ev.UsedMs, &ev.CreatedAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage store: recent limit events: scan rows: %w", err)
	}
	if events == nil {
		events = []store.LimitEvent{}
	}
	return events, nil
}

// RecentAbuseEvents implements [store.UsageReporter].
func (s *Store) RecentAbuseEvents(ctx context.Context, userID string, limit int) ([]store.AbuseEvent, error) {
	const q = `
		SELECT user_id, session_id, event_type, details, reviewed, created_at
		FROM   voice_abuse_events
		WHERE  user_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("usage store: recent abuse events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.AbuseEvent, error) {
		var ev store.AbuseEvent
		err := row.Scan(&ev.UserID, &ev.SessionID, &ev.EventType, &ev.Details, &ev.Reviewed, &ev.CreatedAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage store: recent abuse events: scan rows: %w", err)
	}
	if events == nil {
		events = []store.AbuseEvent{}
	}
	return events, nil
}

// ArchiveIdleSessions implements [store.UsageMaintenance]. Sessions whose
// teardown never ran are closed at their last recorded activity.
func (s *Store) ArchiveIdleSessions(ctx context.Context, idleSince time.Time) (int64, error) {
	const q = `
		UPDATE voice_usage_sessions
		SET    is_active = FALSE,
		       ended_at  = COALESCE(ended_at, last_activity_at)
		WHERE  is_active
		  AND  last_activity_at < $1`

	tag, err := s.pool.Exec(ctx, q, idleSince)
	if err != nil {
		return 0, fmt.Errorf("usage store: archive idle sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSessionsEndedBefore implements [store.UsageMaintenance]. Daily and
// monthly aggregates are kept; only per-session rows age out.
func (s *Store) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		DELETE FROM voice_usage_sessions
		WHERE  NOT is_active
		  AND  ended_at IS NOT NULL
		  AND  ended_at < $1`

	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("usage store: delete sessions ended before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// collectDaily scans pgx rows into a slice of DailyUsage values.
func collectDaily(rows pgx.Rows) ([]store.DailyUsage, error) {
	days, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.DailyUsage, error) {
		var d store.DailyUsage
		err := row.Scan(&d.UserID, &d.Date, &d.DurationMs, &d.SessionCount, &d.ChunkCount, &d.LimitReachedCount)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage store: scan daily rows: %w", err)
	}
	if days == nil {
		days = []store.DailyUsage{}
	}
	return days, nil
}
