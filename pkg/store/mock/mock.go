// Package mock provides an in-memory test double for the store interfaces.
//
// Unlike a pure stub, [Store] keeps real state: session durations accumulate
// across calls, upserts increment aggregates and histories come back in the
// documented order, so code under test observes the same semantics as the
// PostgreSQL implementation. Every method records a [Call] for assertion and
// has an *Err field that forces a failure when non-nil. All methods are safe
// for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	st := mock.NewStore()
//	st.UpdateSessionUsageErr = errors.New("db down")
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("UpdateSessionUsage"); got != 1 {
//	    t.Errorf("expected 1 UpdateSessionUsage call, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chillpanda/bamboo/pkg/store"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Ensure Store satisfies every contract at compile time.
var (
	_ store.UsageStore        = (*Store)(nil)
	_ store.UsageReporter     = (*Store)(nil)
	_ store.UsageMaintenance  = (*Store)(nil)
	_ store.ConversationStore = (*Store)(nil)
	_ store.WisdomIndex       = (*Store)(nil)
)

type conversation struct {
	info store.ConversationInfo
	msgs []store.ChatMessage
}

// Store is a stateful in-memory implementation of all store contracts.
// The zero value is not usable; construct via [NewStore].
type Store struct {
	mu sync.Mutex

	calls []Call

	sessions map[string]*store.SessionUsage
	daily    map[string]*store.DailyUsage   // key: userID + "|" + date
	monthly  map[string]*store.MonthlyUsage // key: userID + "|" + yearMonth

	limitEvents []store.LimitEvent
	abuseEvents []store.AbuseEvent

	conversations map[string]*conversation
	wisdom        map[string]store.WisdomChunk

	// ──── failure injection (per method, returned when non-nil) ─────────────
	CreateSessionErr              error
	UpdateSessionUsageErr         error
	EndSessionErr                 error
	MarkSessionLimitReachedErr    error
	UpsertDailyErr                error
	UpsertMonthlyErr              error
	IncrementDailySessionErr      error
	IncrementDailyLimitErr        error
	IncrementMonthlySessionErr    error
	RecordLimitEventErr           error
	RecordAbuseEventErr           error
	UsageSummaryErr               error
	RecentSessionCountErr         error
	ResetUserErr                  error
	DailyHistoryErr               error
	MonthlyHistoryErr             error
	SessionsForUserErr            error
	AllDailyForDateErr            error
	RecentLimitEventsErr          error
	RecentAbuseEventsErr          error
	ArchiveIdleSessionsErr        error
	DeleteSessionsEndedBeforeErr  error
	EnsureConversationErr         error
	AppendMessageErr              error
	HistoryErr                    error
	ConversationsErr              error
	DeleteConversationErr         error
	IndexChunkErr                 error
	SearchErr                     error

	// ──── response overrides (used instead of state when non-nil) ───────────

	// UsageSummaryResult overrides the summary derived from recorded state.
	UsageSummaryResult *store.UsageSummary

	// RecentSessionCountResult overrides the count derived from recorded state.
	RecentSessionCountResult *int

	// SearchResult overrides wisdom search results (the mock does no real
	// vector math; without the override Search returns chunks in id order).
	SearchResult []store.WisdomResult
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions:      map[string]*store.SessionUsage{},
		daily:         map[string]*store.DailyUsage{},
		monthly:       map[string]*store.MonthlyUsage{},
		conversations: map[string]*conversation{},
		wisdom:        map[string]store.WisdomChunk{},
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and state without altering failure injection.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.sessions = map[string]*store.SessionUsage{}
	m.daily = map[string]*store.DailyUsage{}
	m.monthly = map[string]*store.MonthlyUsage{}
	m.limitEvents = nil
	m.abuseEvents = nil
	m.conversations = map[string]*conversation{}
	m.wisdom = map[string]store.WisdomChunk{}
}

// Session returns a copy of the recorded session row, if any.
func (m *Store) Session(sessionID string) (store.SessionUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	su, ok := m.sessions[sessionID]
	if !ok {
		return store.SessionUsage{}, false
	}
	return *su, true
}

// LimitEvents returns a copy of all recorded limit events.
func (m *Store) LimitEvents() []store.LimitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.LimitEvent, len(m.limitEvents))
	copy(out, m.limitEvents)
	return out
}

// AbuseEvents returns a copy of all recorded abuse events.
func (m *Store) AbuseEvents() []store.AbuseEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AbuseEvent, len(m.abuseEvents))
	copy(out, m.abuseEvents)
	return out
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// ─────────────────────────────────────────────────────────────────────────────
// UsageStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateSession implements [store.UsageStore].
func (m *Store) CreateSession(_ context.Context, sessionID, userID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateSession", sessionID, userID, startedAt)
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	if _, ok := m.sessions[sessionID]; ok {
		return nil
	}
	m.sessions[sessionID] = &store.SessionUsage{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		StartedAt:      startedAt,
		LastActivityAt: startedAt,
		IsActive:       true,
	}
	return nil
}

// UpdateSessionUsage implements [store.UsageStore].
func (m *Store) UpdateSessionUsage(_ context.Context, sessionID string, deltaMs int64, at time.Time) (store.SessionUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateSessionUsage", sessionID, deltaMs, at)
	if m.UpdateSessionUsageErr != nil {
		return store.SessionUsage{}, m.UpdateSessionUsageErr
	}
	su, ok := m.sessions[sessionID]
	if !ok {
		return store.SessionUsage{}, store.ErrNotFound
	}
	if !su.IsActive {
		return store.SessionUsage{}, store.ErrNotActive
	}
	su.DurationMs += deltaMs
	su.ChunkCount++
	su.LastActivityAt = at
	return *su, nil
}

// EndSession implements [store.UsageStore].
func (m *Store) EndSession(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("EndSession", sessionID, at)
	if m.EndSessionErr != nil {
		return m.EndSessionErr
	}
	if su, ok := m.sessions[sessionID]; ok {
		su.IsActive = false
		if su.EndedAt == nil {
			t := at
			su.EndedAt = &t
		}
	}
	return nil
}

// MarkSessionLimitReached implements [store.UsageStore].
func (m *Store) MarkSessionLimitReached(_ context.Context, sessionID, limitType string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkSessionLimitReached", sessionID, limitType, at)
	if m.MarkSessionLimitReachedErr != nil {
		return m.MarkSessionLimitReachedErr
	}
	if su, ok := m.sessions[sessionID]; ok {
		su.VoiceDisabled = true
		if su.LimitReached == "" {
			su.LimitReached = limitType
		}
		su.LastActivityAt = at
	}
	return nil
}

func (m *Store) dailyRow(userID, date string) *store.DailyUsage {
	key := userID + "|" + date
	d, ok := m.daily[key]
	if !ok {
		d = &store.DailyUsage{UserID: userID, Date: date}
		m.daily[key] = d
	}
	return d
}

func (m *Store) monthlyRow(userID, yearMonth string) *store.MonthlyUsage {
	key := userID + "|" + yearMonth
	mo, ok := m.monthly[key]
	if !ok {
		mo = &store.MonthlyUsage{UserID: userID, YearMonth: yearMonth}
		m.monthly[key] = mo
	}
	return mo
}

// UpsertDaily implements [store.UsageStore].
func (m *Store) UpsertDaily(_ context.Context, userID, date string, deltaMs, deltaChunks int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertDaily", userID, date, deltaMs, deltaChunks)
	if m.UpsertDailyErr != nil {
		return m.UpsertDailyErr
	}
	d := m.dailyRow(userID, date)
	d.DurationMs += deltaMs
	d.ChunkCount += deltaChunks
	return nil
}

// UpsertMonthly implements [store.UsageStore].
func (m *Store) UpsertMonthly(_ context.Context, userID, yearMonth string, deltaMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertMonthly", userID, yearMonth, deltaMs)
	if m.UpsertMonthlyErr != nil {
		return m.UpsertMonthlyErr
	}
	m.monthlyRow(userID, yearMonth).DurationMs += deltaMs
	return nil
}

// IncrementDailySessionCount implements [store.UsageStore].
func (m *Store) IncrementDailySessionCount(_ context.Context, userID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IncrementDailySessionCount", userID, date)
	if m.IncrementDailySessionErr != nil {
		return m.IncrementDailySessionErr
	}
	m.dailyRow(userID, date).SessionCount++
	return nil
}

// IncrementDailyLimitReached implements [store.UsageStore].
func (m *Store) IncrementDailyLimitReached(_ context.Context, userID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IncrementDailyLimitReached", userID, date)
	if m.IncrementDailyLimitErr != nil {
		return m.IncrementDailyLimitErr
	}
	m.dailyRow(userID, date).LimitReachedCount++
	return nil
}

// IncrementMonthlySessionCount implements [store.UsageStore].
func (m *Store) IncrementMonthlySessionCount(_ context.Context, userID, yearMonth string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IncrementMonthlySessionCount", userID, yearMonth)
	if m.IncrementMonthlySessionErr != nil {
		return m.IncrementMonthlySessionErr
	}
	m.monthlyRow(userID, yearMonth).SessionCount++
	return nil
}

// RecordLimitEvent implements [store.UsageStore].
func (m *Store) RecordLimitEvent(_ context.Context, ev store.LimitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecordLimitEvent", ev)
	if m.RecordLimitEventErr != nil {
		return m.RecordLimitEventErr
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.limitEvents = append(m.limitEvents, ev)
	return nil
}

// RecordAbuseEvent implements [store.UsageStore].
func (m *Store) RecordAbuseEvent(_ context.Context, ev store.AbuseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecordAbuseEvent", ev)
	if m.RecordAbuseEventErr != nil {
		return m.RecordAbuseEventErr
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.abuseEvents = append(m.abuseEvents, ev)
	return nil
}

// UsageSummary implements [store.UsageStore].
func (m *Store) UsageSummary(_ context.Context, userID, sessionID, date, yearMonth string) (store.UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UsageSummary", userID, sessionID, date, yearMonth)
	if m.UsageSummaryErr != nil {
		return store.UsageSummary{}, m.UsageSummaryErr
	}
	if m.UsageSummaryResult != nil {
		return *m.UsageSummaryResult, nil
	}
	var sum store.UsageSummary
	if su, ok := m.sessions[sessionID]; ok {
		sum.SessionMs = su.DurationMs
	}
	if d, ok := m.daily[userID+"|"+date]; ok {
		sum.DayMs = d.DurationMs
	}
	if mo, ok := m.monthly[userID+"|"+yearMonth]; ok {
		sum.MonthMs = mo.DurationMs
	}
	return sum, nil
}

// RecentSessionCount implements [store.UsageStore].
func (m *Store) RecentSessionCount(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentSessionCount", userID, since)
	if m.RecentSessionCountErr != nil {
		return 0, m.RecentSessionCountErr
	}
	if m.RecentSessionCountResult != nil {
		return *m.RecentSessionCountResult, nil
	}
	n := 0
	for _, su := range m.sessions {
		if su.UserID == userID && !su.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ResetUser implements [store.UsageStore]. Only the named current buckets
// are zeroed; rows for other days and months stay as written.
func (m *Store) ResetUser(_ context.Context, userID, date, yearMonth string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ResetUser", userID, date, yearMonth)
	if m.ResetUserErr != nil {
		return m.ResetUserErr
	}
	if d, ok := m.daily[userID+"|"+date]; ok {
		d.DurationMs = 0
		d.ChunkCount = 0
	}
	if mo, ok := m.monthly[userID+"|"+yearMonth]; ok {
		mo.DurationMs = 0
	}
	for _, su := range m.sessions {
		if su.UserID == userID && su.IsActive {
			su.VoiceDisabled = false
			su.LimitReached = ""
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// UsageReporter
// ─────────────────────────────────────────────────────────────────────────────

// DailyHistory implements [store.UsageReporter].
func (m *Store) DailyHistory(_ context.Context, userID string, limit int) ([]store.DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DailyHistory", userID, limit)
	if m.DailyHistoryErr != nil {
		return nil, m.DailyHistoryErr
	}
	out := []store.DailyUsage{}
	for _, d := range m.daily {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return truncate(out, limit), nil
}

// MonthlyHistory implements [store.UsageReporter].
func (m *Store) MonthlyHistory(_ context.Context, userID string, limit int) ([]store.MonthlyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MonthlyHistory", userID, limit)
	if m.MonthlyHistoryErr != nil {
		return nil, m.MonthlyHistoryErr
	}
	out := []store.MonthlyUsage{}
	for _, mo := range m.monthly {
		if mo.UserID == userID {
			out = append(out, *mo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].YearMonth > out[j].YearMonth })
	return truncate(out, limit), nil
}

// SessionsForUser implements [store.UsageReporter].
func (m *Store) SessionsForUser(_ context.Context, userID string, limit int) ([]store.SessionUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SessionsForUser", userID, limit)
	if m.SessionsForUserErr != nil {
		return nil, m.SessionsForUserErr
	}
	out := []store.SessionUsage{}
	for _, su := range m.sessions {
		if su.UserID == userID {
			out = append(out, *su)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return truncate(out, limit), nil
}

// AllDailyForDate implements [store.UsageReporter].
func (m *Store) AllDailyForDate(_ context.Context, date string, limit int) ([]store.DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AllDailyForDate", date, limit)
	if m.AllDailyForDateErr != nil {
		return nil, m.AllDailyForDateErr
	}
	out := []store.DailyUsage{}
	for _, d := range m.daily {
		if d.Date == date {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DurationMs > out[j].DurationMs })
	return truncate(out, limit), nil
}

// RecentLimitEvents implements [store.UsageReporter].
func (m *Store) RecentLimitEvents(_ context.Context, userID string, limit int) ([]store.LimitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentLimitEvents", userID, limit)
	if m.RecentLimitEventsErr != nil {
		return nil, m.RecentLimitEventsErr
	}
	out := []store.LimitEvent{}
	for i := len(m.limitEvents) - 1; i >= 0; i-- {
		if m.limitEvents[i].UserID == userID {
			out = append(out, m.limitEvents[i])
		}
	}
	return truncate(out, limit), nil
}

// RecentAbuseEvents implements [store.UsageReporter].
func (m *Store) RecentAbuseEvents(_ context.Context, userID string, limit int) ([]store.AbuseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentAbuseEvents", userID, limit)
	if m.RecentAbuseEventsErr != nil {
		return nil, m.RecentAbuseEventsErr
	}
	out := []store.AbuseEvent{}
	for i := len(m.abuseEvents) - 1; i >= 0; i-- {
		if m.abuseEvents[i].UserID == userID {
			out = append(out, m.abuseEvents[i])
		}
	}
	return truncate(out, limit), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// UsageMaintenance
// ─────────────────────────────────────────────────────────────────────────────

// ArchiveIdleSessions implements [store.UsageMaintenance].
func (m *Store) ArchiveIdleSessions(_ context.Context, idleSince time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ArchiveIdleSessions", idleSince)
	if m.ArchiveIdleSessionsErr != nil {
		return 0, m.ArchiveIdleSessionsErr
	}
	var n int64
	for _, su := range m.sessions {
		if su.IsActive && su.LastActivityAt.Before(idleSince) {
			su.IsActive = false
			if su.EndedAt == nil {
				t := su.LastActivityAt
				su.EndedAt = &t
			}
			n++
		}
	}
	return n, nil
}

// DeleteSessionsEndedBefore implements [store.UsageMaintenance].
func (m *Store) DeleteSessionsEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteSessionsEndedBefore", cutoff)
	if m.DeleteSessionsEndedBeforeErr != nil {
		return 0, m.DeleteSessionsEndedBeforeErr
	}
	var n int64
	for id, su := range m.sessions {
		if !su.IsActive && su.EndedAt != nil && su.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore
// ─────────────────────────────────────────────────────────────────────────────

// EnsureConversation implements [store.ConversationStore].
func (m *Store) EnsureConversation(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("EnsureConversation", sessionID, userID)
	if m.EnsureConversationErr != nil {
		return m.EnsureConversationErr
	}
	if _, ok := m.conversations[sessionID]; !ok {
		now := time.Now()
		m.conversations[sessionID] = &conversation{
			info: store.ConversationInfo{SessionID: sessionID, UserID: userID, CreatedAt: now, UpdatedAt: now},
		}
	}
	return nil
}

// AppendMessage implements [store.ConversationStore].
func (m *Store) AppendMessage(_ context.Context, sessionID, role, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendMessage", sessionID, role, content)
	if m.AppendMessageErr != nil {
		return "", m.AppendMessageErr
	}
	conv, ok := m.conversations[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	msg := store.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	conv.msgs = append(conv.msgs, msg)
	conv.info.UpdatedAt = msg.CreatedAt
	conv.info.MessageCount++
	return msg.ID, nil
}

// History implements [store.ConversationStore].
func (m *Store) History(_ context.Context, sessionID string, limit int) ([]store.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("History", sessionID, limit)
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	conv, ok := m.conversations[sessionID]
	if !ok {
		return []store.ChatMessage{}, nil
	}
	msgs := conv.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Conversations implements [store.ConversationStore].
func (m *Store) Conversations(_ context.Context, userID string, limit int) ([]store.ConversationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Conversations", userID, limit)
	if m.ConversationsErr != nil {
		return nil, m.ConversationsErr
	}
	out := []store.ConversationInfo{}
	for _, conv := range m.conversations {
		if conv.info.UserID == userID {
			out = append(out, conv.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

// DeleteConversation implements [store.ConversationStore].
func (m *Store) DeleteConversation(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteConversation", sessionID)
	if m.DeleteConversationErr != nil {
		return m.DeleteConversationErr
	}
	if _, ok := m.conversations[sessionID]; !ok {
		return store.ErrNotFound
	}
	delete(m.conversations, sessionID)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// WisdomIndex
// ─────────────────────────────────────────────────────────────────────────────

// IndexChunk implements [store.WisdomIndex].
func (m *Store) IndexChunk(_ context.Context, chunk store.WisdomChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IndexChunk", chunk)
	if m.IndexChunkErr != nil {
		return m.IndexChunkErr
	}
	m.wisdom[chunk.ID] = chunk
	return nil
}

// Search implements [store.WisdomIndex].
func (m *Store) Search(_ context.Context, embedding []float32, k int) ([]store.WisdomResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Search", embedding, k)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult != nil {
		out := make([]store.WisdomResult, len(m.SearchResult))
		copy(out, m.SearchResult)
		return truncate(out, k), nil
	}
	out := []store.WisdomResult{}
	for _, chunk := range m.wisdom {
		out = append(out, store.WisdomResult{Chunk: chunk})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chunk.ID < out[j].Chunk.ID })
	return truncate(out, k), nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
