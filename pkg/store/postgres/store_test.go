package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/chillpanda/bamboo/pkg/store"
	"github.com/chillpanda/bamboo/pkg/store/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if BAMBOO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("BAMBOO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BAMBOO_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

// mustPool opens a pgxpool with pgvector types registered (needed so
// dropSchema can run against a database that already has the extension).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
		"DROP TABLE IF EXISTS wisdom_chunks CASCADE",
		"DROP TABLE IF EXISTS voice_abuse_events CASCADE",
		"DROP TABLE IF EXISTS voice_limit_events CASCADE",
		"DROP TABLE IF EXISTS voice_usage_monthly CASCADE",
		"DROP TABLE IF EXISTS voice_usage_daily CASCADE",
		"DROP TABLE IF EXISTS voice_usage_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Usage: sessions
// ─────────────────────────────────────────────────────────────────────────────

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Millisecond)

	if err := st.CreateSession(ctx, "sess-1", "user-1", started); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Re-creating the same session must be a no-op, not an error.
	if err := st.CreateSession(ctx, "sess-1", "user-1", started.Add(time.Hour)); err != nil {
		t.Fatalf("CreateSession (repeat): %v", err)
	}

	su, err := st.UpdateSessionUsage(ctx, "sess-1", 128, started.Add(time.Second))
	if err != nil {
		t.Fatalf("UpdateSessionUsage: %v", err)
	}
	if su.DurationMs != 128 || su.ChunkCount != 1 {
		t.Errorf("after first update: duration=%d chunks=%d, want 128/1", su.DurationMs, su.ChunkCount)
	}
	if !su.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v (repeat create must not move it)", su.StartedAt, started)
	}

	su, err = st.UpdateSessionUsage(ctx, "sess-1", 64, started.Add(2*time.Second))
	if err != nil {
		t.Fatalf("UpdateSessionUsage: %v", err)
	}
	if su.DurationMs != 192 || su.ChunkCount != 2 {
		t.Errorf("after second update: duration=%d chunks=%d, want 192/2", su.DurationMs, su.ChunkCount)
	}

	endAt := started.Add(3 * time.Second)
	if err := st.EndSession(ctx, "sess-1", endAt); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	// Ending again keeps the first end time.
	if err := st.EndSession(ctx, "sess-1", endAt.Add(time.Hour)); err != nil {
		t.Fatalf("EndSession (repeat): %v", err)
	}

	if _, err := st.UpdateSessionUsage(ctx, "sess-1", 10, endAt); !errors.Is(err, store.ErrNotActive) {
		t.Errorf("update after end: err = %v, want ErrNotActive", err)
	}
	if _, err := st.UpdateSessionUsage(ctx, "no-such-session", 10, endAt); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update unknown session: err = %v, want ErrNotFound", err)
	}

	sessions, err := st.SessionsForUser(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("SessionsForUser: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("SessionsForUser returned %d rows, want 1", len(sessions))
	}
	got := sessions[0]
	if got.IsActive {
		t.Error("session still active after EndSession")
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(endAt) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, endAt)
	}
	if got.DurationMs != 192 {
		t.Errorf("final duration = %d, want 192", got.DurationMs)
	}
}

func TestMarkSessionLimitReachedKeepsFirstPeriod(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateSession(ctx, "sess-lim", "user-1", now); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.MarkSessionLimitReached(ctx, "sess-lim", store.PeriodSession, now); err != nil {
		t.Fatalf("MarkSessionLimitReached: %v", err)
	}
	if err := st.MarkSessionLimitReached(ctx, "sess-lim", store.PeriodDaily, now); err != nil {
		t.Fatalf("MarkSessionLimitReached (second): %v", err)
	}

	sessions, err := st.SessionsForUser(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("SessionsForUser: %v", err)
	}
	if !sessions[0].VoiceDisabled {
		t.Error("VoiceDisabled = false, want true")
	}
	if sessions[0].LimitReached != store.PeriodSession {
		t.Errorf("LimitReached = %q, want %q (first period wins)", sessions[0].LimitReached, store.PeriodSession)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Usage: aggregates
// ─────────────────────────────────────────────────────────────────────────────

func TestDailyAndMonthlyUpserts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const (
		user  = "user-agg"
		day   = "2025-06-01"
		month = "2025-06"
	)

	for i := 0; i < 3; i++ {
		if err := st.UpsertDaily(ctx, user, day, 100, 1); err != nil {
			t.Fatalf("UpsertDaily: %v", err)
		}
		if err := st.UpsertMonthly(ctx, user, month, 100); err != nil {
			t.Fatalf("UpsertMonthly: %v", err)
		}
	}
	if err := st.IncrementDailySessionCount(ctx, user, day); err != nil {
		t.Fatalf("IncrementDailySessionCount: %v", err)
	}
	if err := st.IncrementDailyLimitReached(ctx, user, day); err != nil {
		t.Fatalf("IncrementDailyLimitReached: %v", err)
	}
	if err := st.IncrementMonthlySessionCount(ctx, user, month); err != nil {
		t.Fatalf("IncrementMonthlySessionCount: %v", err)
	}

	days, err := st.DailyHistory(ctx, user, 10)
	if err != nil {
		t.Fatalf("DailyHistory: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("DailyHistory returned %d rows, want 1", len(days))
	}
	d := days[0]
	if d.DurationMs != 300 || d.ChunkCount != 3 || d.SessionCount != 1 || d.LimitReachedCount != 1 {
		t.Errorf("daily row = %+v, want duration=300 chunks=3 sessions=1 limits=1", d)
	}

	months, err := st.MonthlyHistory(ctx, user, 10)
	if err != nil {
		t.Fatalf("MonthlyHistory: %v", err)
	}
	if len(months) != 1 {
		t.Fatalf("MonthlyHistory returned %d rows, want 1", len(months))
	}
	if months[0].DurationMs != 300 || months[0].SessionCount != 1 {
		t.Errorf("monthly row = %+v, want duration=300 sessions=1", months[0])
	}
}

func TestUsageSummaryAndReset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const (
		user  = "user-sum"
		day   = "2025-06-02"
		month = "2025-06"
	)

	// Unknown user reads as zero, not an error.
	sum, err := st.UsageSummary(ctx, user, "sess-none", day, month)
	if err != nil {
		t.Fatalf("UsageSummary (empty): %v", err)
	}
	if sum != (store.UsageSummary{}) {
		t.Errorf("empty summary = %+v, want zero", sum)
	}

	if err := st.CreateSession(ctx, "sess-sum", user, now); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := st.UpdateSessionUsage(ctx, "sess-sum", 500, now); err != nil {
		t.Fatalf("UpdateSessionUsage: %v", err)
	}
	if err := st.UpsertDaily(ctx, user, day, 500, 1); err != nil {
		t.Fatalf("UpsertDaily: %v", err)
	}
	if err := st.UpsertMonthly(ctx, user, month, 500); err != nil {
		t.Fatalf("UpsertMonthly: %v", err)
	}

	sum, err = st.UsageSummary(ctx, user, "sess-sum", day, month)
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	want := store.UsageSummary{SessionMs: 500, DayMs: 500, MonthMs: 500}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	// Seed an earlier day and month: reset must leave them as written.
	const (
		priorDay   = "2025-06-01"
		priorMonth = "2025-05"
	)
	if err := st.UpsertDaily(ctx, user, priorDay, 700, 2); err != nil {
		t.Fatalf("UpsertDaily (prior): %v", err)
	}
	if err := st.UpsertMonthly(ctx, user, priorMonth, 700); err != nil {
		t.Fatalf("UpsertMonthly (prior): %v", err)
	}

	if err := st.MarkSessionLimitReached(ctx, "sess-sum", store.PeriodDaily, now); err != nil {
		t.Fatalf("MarkSessionLimitReached: %v", err)
	}
	if err := st.ResetUser(ctx, user, day, month); err != nil {
		t.Fatalf("ResetUser: %v", err)
	}

	sum, err = st.UsageSummary(ctx, user, "sess-sum", day, month)
	if err != nil {
		t.Fatalf("UsageSummary (after reset): %v", err)
	}
	if sum.DayMs != 0 || sum.MonthMs != 0 {
		t.Errorf("after reset: day=%d month=%d, want 0/0", sum.DayMs, sum.MonthMs)
	}

	// History survives: the prior-day row is untouched, the current-day row
	// still exists but reads zero.
	days, err := st.DailyHistory(ctx, user, 10)
	if err != nil {
		t.Fatalf("DailyHistory (after reset): %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("DailyHistory returned %d rows after reset, want 2", len(days))
	}
	for _, d := range days {
		switch d.Date {
		case priorDay:
			if d.DurationMs != 700 || d.ChunkCount != 2 {
				t.Errorf("prior day row = %+v, want duration=700 chunks=2", d)
			}
		case day:
			if d.DurationMs != 0 || d.ChunkCount != 0 {
				t.Errorf("current day row = %+v, want zeroed", d)
			}
		default:
			t.Errorf("unexpected daily row %+v", d)
		}
	}
	months, err := st.MonthlyHistory(ctx, user, 10)
	if err != nil {
		t.Fatalf("MonthlyHistory (after reset): %v", err)
	}
	if len(months) != 2 {
		t.Fatalf("MonthlyHistory returned %d rows after reset, want 2", len(months))
	}
	for _, m := range months {
		switch m.YearMonth {
		case priorMonth:
			if m.DurationMs != 700 {
				t.Errorf("prior month row = %+v, want duration=700", m)
			}
		case month:
			if m.DurationMs != 0 {
				t.Errorf("current month row = %+v, want zeroed", m)
			}
		default:
			t.Errorf("unexpected monthly row %+v", m)
		}
	}
	// The session row keeps its duration but voice is re-enabled.
	sessions, err := st.SessionsForUser(ctx, user, 1)
	if err != nil {
		t.Fatalf("SessionsForUser: %v", err)
	}
	if sessions[0].VoiceDisabled || sessions[0].LimitReached != "" {
		t.Errorf("after reset: disabled=%v limit=%q, want re-enabled", sessions[0].VoiceDisabled, sessions[0].LimitReached)
	}
}

func TestRecentSessionCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, started := range []time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-4 * time.Minute),
		now.Add(-1 * time.Minute),
	} {
		id := string(rune('a'+i)) + "-recent"
		if err := st.CreateSession(ctx, id, "user-recent", started); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	n, err := st.RecentSessionCount(ctx, "user-recent", now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("RecentSessionCount: %v", err)
	}
	if n != 2 {
		t.Errorf("RecentSessionCount = %d, want 2", n)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Usage: events and maintenance
// ─────────────────────────────────────────────────────────────────────────────

func TestLimitAndAbuseEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.RecordLimitEvent(ctx, store.LimitEvent{
		UserID:       "user-ev",
		SessionID:    "sess-ev",
		LimitType:    store.PeriodSession,
		LimitMinutes: 1,
		UsedMs:       60000,
	})
	if err != nil {
		t.Fatalf("RecordLimitEvent: %v", err)
	}

	err = st.RecordAbuseEvent(ctx, store.AbuseEvent{
		UserID:    "user-ev",
		SessionID: "sess-ev",
		EventType: store.AbuseRapidReconnection,
		Details:   map[string]any{"session_count": float64(11), "window_seconds": float64(300)},
	})
	if err != nil {
		t.Fatalf("RecordAbuseEvent: %v", err)
	}

	limits, err := st.RecentLimitEvents(ctx, "user-ev", 10)
	if err != nil {
		t.Fatalf("RecentLimitEvents: %v", err)
	}
	if len(limits) != 1 || limits[0].LimitType != store.PeriodSession || limits[0].UsedMs != 60000 {
		t.Errorf("limit events = %+v, want one session event with 60000ms", limits)
	}

	abuses, err := st.RecentAbuseEvents(ctx, "user-ev", 10)
	if err != nil {
		t.Fatalf("RecentAbuseEvents: %v", err)
	}
	if len(abuses) != 1 || abuses[0].EventType != store.AbuseRapidReconnection {
		t.Fatalf("abuse events = %+v, want one rapid_reconnection event", abuses)
	}
	if abuses[0].Details["session_count"] != float64(11) {
		t.Errorf("details = %v, want session_count 11", abuses[0].Details)
	}
	if abuses[0].Reviewed {
		t.Error("new abuse event already marked reviewed")
	}
}

func TestMaintenanceSweep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Stale active session, fresh active session and a long-ended one.
	if err := st.CreateSession(ctx, "sess-stale", "user-m", now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.CreateSession(ctx, "sess-fresh", "user-m", now); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.CreateSession(ctx, "sess-old", "user-m", now.Add(-100*24*time.Hour)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := st.EndSession(ctx, "sess-old", now.Add(-100*24*time.Hour)); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	archived, err := st.ArchiveIdleSessions(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ArchiveIdleSessions: %v", err)
	}
	if archived != 1 {
		t.Errorf("archived %d sessions, want 1", archived)
	}

	deleted, err := st.DeleteSessionsEndedBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsEndedBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d sessions, want 1", deleted)
	}

	sessions, err := st.SessionsForUser(ctx, "user-m", 10)
	if err != nil {
		t.Fatalf("SessionsForUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("%d sessions remain, want 2", len(sessions))
	}
	for _, su := range sessions {
		if su.SessionID == "sess-stale" && su.IsActive {
			t.Error("stale session still active after archive sweep")
		}
		if su.SessionID == "sess-fresh" && !su.IsActive {
			t.Error("fresh session ended by archive sweep")
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

func TestConversationLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.EnsureConversation(ctx, "conv-1", "user-c"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if err := st.EnsureConversation(ctx, "conv-1", "user-c"); err != nil {
		t.Fatalf("EnsureConversation (repeat): %v", err)
	}

	turns := []struct{ role, content string }{
		{"user", "I had a rough day."},
		{"assistant", "I'm here. What happened?"},
		{"user", "Work was overwhelming."},
		{"assistant", "That sounds exhausting. Want to talk it through?"},
	}
	for _, turn := range turns {
		id, err := st.AppendMessage(ctx, "conv-1", turn.role, turn.content)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if id == "" {
			t.Fatal("AppendMessage returned empty id")
		}
	}

	history, err := st.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != len(turns) {
		t.Fatalf("History returned %d messages, want %d", len(history), len(turns))
	}
	for i, msg := range history {
		if msg.Role != turns[i].role || msg.Content != turns[i].content {
			t.Errorf("history[%d] = %s %q, want %s %q", i, msg.Role, msg.Content, turns[i].role, turns[i].content)
		}
	}

	// Limited history keeps the newest turns, still oldest first.
	last, err := st.History(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("History (limit): %v", err)
	}
	if len(last) != 2 || last[0].Content != turns[2].content || last[1].Content != turns[3].content {
		t.Errorf("limited history = %+v, want last two turns oldest first", last)
	}

	infos, err := st.Conversations(ctx, "user-c", 10)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(infos) != 1 || infos[0].MessageCount != int64(len(turns)) {
		t.Errorf("conversations = %+v, want one with %d messages", infos, len(turns))
	}

	if err := st.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if err := st.DeleteConversation(ctx, "conv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
	history, err = st.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("History (after delete): %v", err)
	}
	if len(history) != 0 {
		t.Errorf("%d messages survive conversation delete, want 0", len(history))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Wisdom index
// ─────────────────────────────────────────────────────────────────────────────

func TestWisdomSearchOrdersByDistance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	chunks := []store.WisdomChunk{
		{ID: "w1", Content: "Box breathing calms the nervous system.", Source: "breathing", Embedding: []float32{1, 0, 0, 0}},
		{ID: "w2", Content: "Name five things you can see to ground yourself.", Source: "grounding", Embedding: []float32{0, 1, 0, 0}},
		{ID: "w3", Content: "Slow exhales signal safety to the body.", Source: "breathing", Embedding: []float32{0.9, 0.1, 0, 0}},
	}
	for _, c := range chunks {
		if err := st.IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk(%s): %v", c.ID, err)
		}
	}
	// Re-indexing an id replaces the chunk.
	if err := st.IndexChunk(ctx, chunks[0]); err != nil {
		t.Fatalf("IndexChunk (repeat): %v", err)
	}

	results, err := st.Search(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].Chunk.ID != "w1" || results[1].Chunk.ID != "w3" {
		t.Errorf("result order = %s, %s; want w1, w3", results[0].Chunk.ID, results[1].Chunk.ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("distances not ascending: %f then %f", results[0].Distance, results[1].Distance)
	}
}
