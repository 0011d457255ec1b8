package store

import "time"

// Quota periods, ordered by enforcement priority.
const (
	PeriodSession = "session"
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// Abuse event types recorded by the heuristics in internal/usage.
const (
	AbuseRapidReconnection    = "rapid_reconnection"
	AbuseExcessiveContinuous  = "excessive_continuous_use"
	AbuseLongSessionNoBreaks  = "long_session_no_breaks"
)

// SessionUsage is the per-session metering record. Exactly one row exists
// per session id.
type SessionUsage struct {
	ID             string
	SessionID      string
	UserID         string
	DurationMs     int64
	ChunkCount     int64
	StartedAt      time.Time
	LastActivityAt time.Time

	// EndedAt is nil while the session is live.
	EndedAt *time.Time

	IsActive      bool
	VoiceDisabled bool

	// LimitReached is the period that disabled voice ("session", "daily",
	// "monthly"), or "" if no limit was hit.
	LimitReached string
}

// DailyUsage aggregates one user's voice usage for one UTC day.
// Monotonically non-decreasing except during an administrative reset.
type DailyUsage struct {
	UserID string

	// Date is the UTC day in YYYY-MM-DD form.
	Date string

	DurationMs        int64
	SessionCount      int64
	ChunkCount        int64
	LimitReachedCount int64
}

// MonthlyUsage aggregates one user's voice usage for one UTC month.
type MonthlyUsage struct {
	UserID string

	// YearMonth is the UTC month in YYYY-MM form.
	YearMonth string

	DurationMs   int64
	SessionCount int64
}

// LimitEvent is an append-only audit record of a quota being exhausted.
type LimitEvent struct {
	UserID    string
	SessionID string

	// LimitType is one of the Period constants.
	LimitType string

	LimitMinutes int
	UsedMs       int64
	CreatedAt    time.Time
}

// AbuseEvent is an append-only advisory record of a suspicious usage
// pattern. Abuse events never block a session on their own.
type AbuseEvent struct {
	UserID    string
	SessionID string

	// EventType is one of the Abuse constants.
	EventType string

	// Details carries heuristic-specific fields (counts, thresholds, rates).
	Details map[string]any

	Reviewed  bool
	CreatedAt time.Time
}

// UsageSummary is the snapshot the tracker loads on session start and the
// live view served by the usage API. The three durations need not be read
// transactionally; callers tolerate values stale by one write.
type UsageSummary struct {
	SessionMs int64
	DayMs     int64
	MonthMs   int64
}

// ChatMessage is one record of a conversation history.
type ChatMessage struct {
	ID        string
	SessionID string

	// Role is "user" or "assistant" ("system" records are not persisted).
	Role string

	Content   string
	CreatedAt time.Time
}

// ConversationInfo summarises one conversation for listing endpoints.
type ConversationInfo struct {
	SessionID    string
	UserID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int64
}

// WisdomChunk is one pre-embedded passage of the companion knowledge base.
type WisdomChunk struct {
	ID        string
	Content   string
	Source    string
	Embedding []float32
}

// WisdomResult pairs a chunk with its cosine distance to the query vector.
// Smaller distance means more similar.
type WisdomResult struct {
	Chunk    WisdomChunk
	Distance float64
}
