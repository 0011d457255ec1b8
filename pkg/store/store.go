// Package store defines the persistence contracts for voice usage
// metering, conversation history and the wisdom knowledge base.
//
// Implementations live in subpackages (postgres for production, mock for
// tests). All write operations are idempotent where the contract says so:
// re-applying a create or end for the same session must not error and must
// not double-count.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads whose subject does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNotActive is returned by UpdateSessionUsage when the session row
// exists but has already been ended. Callers treat it as a signal to stop
// metering, not as a fault.
var ErrNotActive = errors.New("store: session not active")

// UsageStore is the write surface used by the per-session usage tracker.
type UsageStore interface {
	// CreateSession inserts the metering row for a new session. Calling it
	// again for the same session id is a no-op.
	CreateSession(ctx context.Context, sessionID, userID string, startedAt time.Time) error

	// UpdateSessionUsage adds duration and one chunk to an active session
	// and returns the updated row. Returns ErrNotActive if the session has
	// ended, ErrNotFound if it never existed.
	UpdateSessionUsage(ctx context.Context, sessionID string, deltaMs int64, at time.Time) (SessionUsage, error)

	// EndSession marks the session inactive and stamps EndedAt. Ending an
	// already-ended session is a no-op and keeps the first end time.
	EndSession(ctx context.Context, sessionID string, at time.Time) error

	// MarkSessionLimitReached disables voice on the session row and records
	// which period tripped. Later calls for the same session keep the first
	// period.
	MarkSessionLimitReached(ctx context.Context, sessionID, limitType string, at time.Time) error

	// UpsertDaily atomically adds duration and chunks to the user's daily
	// aggregate, creating the row on first touch of the day.
	UpsertDaily(ctx context.Context, userID, date string, deltaMs, deltaChunks int64) error

	// UpsertMonthly atomically adds duration to the user's monthly
	// aggregate, creating the row on first touch of the month.
	UpsertMonthly(ctx context.Context, userID, yearMonth string, deltaMs int64) error

	// IncrementDailySessionCount bumps the day's session counter by one.
	IncrementDailySessionCount(ctx context.Context, userID, date string) error

	// IncrementDailyLimitReached bumps the day's limit-reached counter by one.
	IncrementDailyLimitReached(ctx context.Context, userID, date string) error

	// IncrementMonthlySessionCount bumps the month's session counter by one.
	IncrementMonthlySessionCount(ctx context.Context, userID, yearMonth string) error

	// RecordLimitEvent appends an audit record of a quota being exhausted.
	RecordLimitEvent(ctx context.Context, ev LimitEvent) error

	// RecordAbuseEvent appends an advisory abuse record.
	RecordAbuseEvent(ctx context.Context, ev AbuseEvent) error

	// UsageSummary returns the user's current session/day/month totals.
	// A user with no history gets a zero summary, not ErrNotFound.
	UsageSummary(ctx context.Context, userID, sessionID, date, yearMonth string) (UsageSummary, error)

	// RecentSessionCount counts the user's sessions started at or after
	// since. Feeds the rapid-reconnection heuristic.
	RecentSessionCount(ctx context.Context, userID string, since time.Time) (int, error)

	// ResetUser zeroes the user's aggregates for the given current day and
	// month buckets and re-enables voice on their active sessions. Past
	// daily and monthly rows are history and are never touched.
	// Administrative use only.
	ResetUser(ctx context.Context, userID, date, yearMonth string) error
}

// UsageReporter is the read surface behind the usage and management APIs.
type UsageReporter interface {
	// DailyHistory returns up to limit daily aggregates, newest first.
	DailyHistory(ctx context.Context, userID string, limit int) ([]DailyUsage, error)

	// MonthlyHistory returns up to limit monthly aggregates, newest first.
	MonthlyHistory(ctx context.Context, userID string, limit int) ([]MonthlyUsage, error)

	// SessionsForUser returns the user's session rows, newest first.
	SessionsForUser(ctx context.Context, userID string, limit int) ([]SessionUsage, error)

	// AllDailyForDate returns every user's aggregate for one UTC day,
	// highest usage first.
	AllDailyForDate(ctx context.Context, date string, limit int) ([]DailyUsage, error)

	// RecentLimitEvents returns the newest limit events for a user.
	RecentLimitEvents(ctx context.Context, userID string, limit int) ([]LimitEvent, error)

	// RecentAbuseEvents returns the newest abuse events for a user.
	RecentAbuseEvents(ctx context.Context, userID string, limit int) ([]AbuseEvent, error)
}

// UsageMaintenance is the surface used by the nightly sweep.
type UsageMaintenance interface {
	// ArchiveIdleSessions ends sessions with no activity since the cutoff
	// and returns how many rows it touched. Crash recovery for sessions
	// whose teardown never ran.
	ArchiveIdleSessions(ctx context.Context, idleSince time.Time) (int64, error)

	// DeleteSessionsEndedBefore removes session rows older than the cutoff
	// and returns how many rows it removed. Aggregates are kept.
	DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConversationStore persists chat history for both the voice pipeline and
// the text chat API.
type ConversationStore interface {
	// EnsureConversation creates the conversation row if it does not exist.
	EnsureConversation(ctx context.Context, sessionID, userID string) error

	// AppendMessage stores one message and returns its id.
	AppendMessage(ctx context.Context, sessionID, role, content string) (string, error)

	// History returns the conversation's messages, oldest first.
	History(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)

	// Conversations lists the user's conversations, most recently updated
	// first.
	Conversations(ctx context.Context, userID string, limit int) ([]ConversationInfo, error)

	// DeleteConversation removes the conversation and its messages.
	// Deleting a conversation that does not exist returns ErrNotFound.
	DeleteConversation(ctx context.Context, sessionID string) error
}

// WisdomIndex is the vector search surface behind the search_wisdom tool.
type WisdomIndex interface {
	// IndexChunk stores one embedded passage, replacing any previous chunk
	// with the same id.
	IndexChunk(ctx context.Context, chunk WisdomChunk) error

	// Search returns the k nearest chunks to the query embedding by cosine
	// distance, nearest first.
	Search(ctx context.Context, embedding []float32, k int) ([]WisdomResult, error)
}
