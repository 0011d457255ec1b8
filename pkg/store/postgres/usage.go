package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chillpanda/bamboo/pkg/store"
)

const sessionColumns = `id, session_id, user_id, duration_ms, chunk_count,
       started_at, last_activity_at, ended_at, is_active, voice_disabled, limit_reached`

// CreateSession implements [store.UsageStore]. Re-creating an existing
// session is a no-op so a reconnect with the same id never errors.
func (s *Store) CreateSession(ctx context.Context, sessionID, userID string, startedAt time.Time) error {
	const q = `
		INSERT INTO voice_usage_sessions
		    (id, session_id, user_id, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), sessionID, userID, startedAt); err != nil {
		return fmt.Errorf("usage store: create session: %w", err)
	}
	return nil
}

// UpdateSessionUsage implements [store.UsageStore]. Only active sessions
// accumulate usage; an ended session returns [store.ErrNotActive] so the
// tracker stops metering instead of retrying.
func (s *Store) UpdateSessionUsage(ctx context.Context, sessionID string, deltaMs int64, at time.Time) (store.SessionUsage, error) {
	const q = `
		UPDATE voice_usage_sessions
		SET    duration_ms      = duration_ms + $2,
		       chunk_count      = chunk_count + 1,
		       last_activity_at = $3
		WHERE  session_id = $1
		  AND  is_active
		RETURNING ` + sessionColumns

	su, err := scanSession(s.pool.QueryRow(ctx, q, sessionID, deltaMs, at))
	if err == nil {
		return su, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.SessionUsage{}, fmt.Errorf("usage store: update session usage: %w", err)
	}

	// No active row matched: distinguish "ended" from "never existed".
	const exists = `SELECT EXISTS (SELECT 1 FROM voice_usage_sessions WHERE session_id = $1)`
	var found bool
	if err := s.pool.QueryRow(ctx, exists, sessionID).Scan(&found); err != nil {
		return store.SessionUsage{}, fmt.Errorf("usage store: update session usage: %w", err)
	}
	if found {
		return store.SessionUsage{}, store.ErrNotActive
	}
	return store.SessionUsage{}, store.ErrNotFound
}

// EndSession implements [store.UsageStore]. Ending an already-ended session
// keeps the first end time.
func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	const q = `
		UPDATE voice_usage_sessions
		SET    is_active = FALSE,
		       ended_at  = COALESCE(ended_at, $2)
		WHERE  session_id = $1`

	if _, err := s.pool.Exec(ctx, q, sessionID, at); err != nil {
		return fmt.Errorf("usage store: end session: %w", err)
	}
	return nil
}

// MarkSessionLimitReached implements [store.UsageStore]. A session that
// already tripped a limit keeps the first period.
func (s *Store) MarkSessionLimitReached(ctx context.Context, sessionID, limitType string, at time.Time) error {
	const q = `
		UPDATE voice_usage_sessions
		SET    voice_disabled   = TRUE,
		       limit_reached    = CASE WHEN limit_reached = '' THEN $2 ELSE limit_reached END,
		       last_activity_at = $3
		WHERE  session_id = $1`

	if _, err := s.pool.Exec(ctx, q, sessionID, limitType, at); err != nil {
		return fmt.Errorf("usage store: mark limit reached: %w", err)
	}
	return nil
}

// UpsertDaily implements [store.UsageStore]. The increment happens inside
// the upsert so concurrent writers never lose an update.
func (s *Store) UpsertDaily(ctx context.Context, userID, date string, deltaMs, deltaChunks int64) error {
	const q = `
		INSERT INTO voice_usage_daily (user_id, date, duration_ms, chunk_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, date) DO UPDATE
		SET duration_ms = voice_usage_daily.duration_ms + EXCLUDED.duration_ms,
		    chunk_count = voice_usage_daily.chunk_count + EXCLUDED.chunk_count,
		    updated_at  = now()`

	if _, err := s.pool.Exec(ctx, q, userID, date, deltaMs, deltaChunks); err != nil {
		return fmt.Errorf("usage store: upsert daily: %w", err)
	}
	return nil
}

// UpsertMonthly implements [store.UsageStore].
func (s *Store) UpsertMonthly(ctx context.Context, userID, yearMonth string, deltaMs int64) error {
	const q = `
		INSERT INTO voice_usage_monthly (user_id, year_month, duration_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, year_month) DO UPDATE
		SET duration_ms = voice_usage_monthly.duration_ms + EXCLUDED.duration_ms,
		    updated_at  = now()`

	if _, err := s.pool.Exec(ctx, q, userID, yearMonth, deltaMs); err != nil {
		return fmt.Errorf("usage store: upsert monthly: %w", err)
	}
	return nil
}

// IncrementDailySessionCount implements [store.UsageStore].
func (s *Store) IncrementDailySessionCount(ctx context.Context, userID, date string) error {
	const q = `
		INSERT INTO voice_usage_daily (user_id, date, session_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, date) DO UPDATE
		SET session_count = voice_usage_daily.session_count + 1,
		    updated_at    = now()`

	if _, err := s.pool.Exec(ctx, q, userID, date); err != nil {
		return fmt.Errorf("usage store: increment daily session count: %w", err)
	}
	return nil
}

// IncrementDailyLimitReached implements [store.UsageStore].
func (s *Store) IncrementDailyLimitReached(ctx context.Context, userID, date string) error {
	const q = `
		INSERT INTO voice_usage_daily (user_id, date, limit_reached_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, date) DO UPDATE
		SET limit_reached_count = voice_usage_daily.limit_reached_count + 1,
		    updated_at          = now()`

	if _, err := s.pool.Exec(ctx, q, userID, date); err != nil {
		return fmt.Errorf("usage store: increment daily limit reached: %w", err)
	}
	return nil
}

// IncrementMonthlySessionCount implements [store.UsageStore].
func (s *Store) IncrementMonthlySessionCount(ctx context.Context, userID, yearMonth string) error {
	const q = `
		INSERT INTO voice_usage_monthly (user_id, year_month, session_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, year_month) DO UPDATE
		SET session_count = voice_usage_monthly.session_count + 1,
		    updated_at    = now()`

	if _, err := s.pool.Exec(ctx, q, userID, yearMonth); err != nil {
		return fmt.Errorf("usage store: increment monthly session count: %w", err)
	}
	return nil
}

// RecordLimitEvent implements [store.UsageStore].
func (s *Store) RecordLimitEvent(ctx context.Context, ev store.LimitEvent) error {
	const q = `
		INSERT INTO voice_limit_events
		    (user_id, session_id, limit_type, limit_minutes, used_ms)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q, ev.UserID, ev.SessionID, ev.LimitType, ev.LimitMinutes, ev.UsedMs)
	if err != nil {
		return fmt.Errorf("usage store: record limit event: %w", err)
	}
	return nil
}

// RecordAbuseEvent implements [store.UsageStore]. Details are stored as JSONB.
func (s *Store) RecordAbuseEvent(ctx context.Context, ev store.AbuseEvent) error {
	const q = `
		INSERT INTO voice_abuse_events
		    (user_id, session_id, event_type, details)
		VALUES ($1, $2, $3, $4)`

	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	if _, err := s.pool.Exec(ctx, q, ev.UserID, ev.SessionID, ev.EventType, details); err != nil {
		return fmt.Errorf("usage store: record abuse event: %w", err)
	}
	return nil
}

// UsageSummary implements [store.UsageStore]. One round trip for all three
// periods; missing rows read as zero.
func (s *Store) UsageSummary(ctx context.Context, userID, sessionID, date, yearMonth string) (store.UsageSummary, error) {
	const q = `
		SELECT
		    COALESCE((SELECT duration_ms FROM voice_usage_sessions WHERE session_id = $2), 0),
		    COALESCE((SELECT duration_ms FROM voice_usage_daily    WHERE user_id = $1 AND date = $3), 0),
		    COALESCE((SELECT duration_ms FROM voice_usage_monthly  WHERE user_id = $1 AND year_month = $4), 0)`

	var sum store.UsageSummary
	err := s.pool.QueryRow(ctx, q, userID, sessionID, date, yearMonth).
		Scan(&sum.SessionMs, &sum.DayMs, &sum.MonthMs)
	if err != nil {
		return store.UsageSummary{}, fmt.Errorf("usage store: usage summary: %w", err)
	}
	return sum, nil
}

// RecentSessionCount implements [store.UsageStore].
func (s *Store) RecentSessionCount(ctx context.Context, userID string, since time.Time) (int, error) {
	const q = `
		SELECT count(*)
		FROM   voice_usage_sessions
		WHERE  user_id    = $1
		  AND  started_at >= $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("usage store: recent session count: %w", err)
	}
	return n, nil
}

// ResetUser implements [store.UsageStore]. Only the current day and month
// rows are zeroed; rows for past buckets are history and stay as written.
func (s *Store) ResetUser(ctx context.Context, userID, date, yearMonth string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const zeroDay = `
			UPDATE voice_usage_daily
			SET    duration_ms = 0,
			       chunk_count = 0,
			       updated_at  = now()
			WHERE  user_id = $1
			  AND  date    = $2`
		if _, err := tx.Exec(ctx, zeroDay, userID, date); err != nil {
			return err
		}
		const zeroMonth = `
			UPDATE voice_usage_monthly
			SET    duration_ms = 0,
			       updated_at  = now()
			WHERE  user_id    = $1
			  AND  year_month = $2`
		if _, err := tx.Exec(ctx, zeroMonth, userID, yearMonth); err != nil {
			return err
		}
		const reenable = `
			UPDATE voice_usage_sessions
			SET    voice_disabled = FALSE,
			       limit_reached  = ''
			WHERE  user_id = $1
			  AND  is_active`
		if _, err := tx.Exec(ctx, reenable, userID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("usage store: reset user: %w", err)
	}
	return nil
}

// scanSession scans one voice_usage_sessions row in sessionColumns order.
func scanSession(row pgx.Row) (store.SessionUsage, error) {
	var (
		su      store.SessionUsage
		endedAt *time.Time
	)
	err := row.Scan(
		&su.ID,
		&su.SessionID,
		&su.UserID,
		&su.DurationMs,
		&su.ChunkCount,
		&su.StartedAt,
		&su.LastActivityAt,
		&endedAt,
		&su.IsActive,
		&su.VoiceDisabled,
		&su.LimitReached,
	)
	if err != nil {
		return store.SessionUsage{}, err
	}
	su.EndedAt = endedAt
	return su, nil
}
