// Package usage meters outbound synthesis audio against per-session, daily
// and monthly quotas, publishes warning and limit events on the session
// bus, and runs the advisory abuse heuristics.
//
// The tracker is the authority on whether audio may be sent: the
// synthesizer asks it before forwarding every chunk. Quota state lives in
// local counters guarded by one mutex; persistence happens on background
// goroutines so a slow store never stalls the audio path. Store failures
// degrade metering, never the session: a tracker that cannot read its
// summary starts from zero and stays permissive.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/observe"
	"github.com/chillpanda/bamboo/pkg/store"
)

const (
	// defaultBytesPerMs converts 16kHz 16-bit mono PCM byte counts to
	// playback milliseconds.
	defaultBytesPerMs = 32

	// defaultWarningRatio is the fraction of a limit at which the one-shot
	// warning fires.
	defaultWarningRatio = 0.8

	// minChunkMs is the floor on a single chunk's metered duration.
	minChunkMs = 1

	// persistTimeout bounds each background store write.
	persistTimeout = 5 * time.Second
)

// TrackerConfig identifies the session being metered and carries its quota
// and abuse settings. Limits are captured at session start; a config reload
// affects only sessions created afterwards.
type TrackerConfig struct {
	SessionID string
	UserID    string
	Limits    config.LimitsConfig
	Abuse     config.AbuseConfig
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithClock overrides the tracker's time source. Tests use it to drive the
// abuse heuristics deterministically.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker meters one session's outbound audio. All methods are safe for
// concurrent use, though in the pipeline a single goroutine (the
// synthesizer) calls [Tracker.TrackChunk].
type Tracker struct {
	sessionID string
	userID    string
	st        store.UsageStore
	bus       *dispatch.Dispatcher
	limits    config.LimitsConfig
	abuse     *AbuseDetector
	metrics   *observe.Metrics

	warningRatio float64
	bytesPerMs   int64
	now          func() time.Time
	startedAt    time.Time

	mu           sync.Mutex
	sessionMs    int64
	dayMs        int64
	monthMs      int64
	chunkCount   int64
	voiceEnabled bool
	limitReached string
	warned       map[string]bool
	ended        bool
	draining     bool

	// wg tracks in-flight persistence goroutines so EndSession can let
	// counters land before closing the row.
	wg sync.WaitGroup
}

// NewTracker creates the tracker for a new session and runs its store
// initialization: the rapid-reconnection check, session row creation,
// session-count increments, and the usage summary load that seeds the
// local counters. If any period is already exhausted the limit and
// voice-disabled events are published immediately.
//
// Store errors during initialization are logged and absorbed; the session
// proceeds with zero counters rather than failing to start.
func NewTracker(ctx context.Context, cfg TrackerConfig, st store.UsageStore, bus *dispatch.Dispatcher, opts ...Option) *Tracker {
	t := &Tracker{
		sessionID:    cfg.SessionID,
		userID:       cfg.UserID,
		st:           st,
		bus:          bus,
		limits:       cfg.Limits,
		metrics:      observe.DefaultMetrics(),
		warningRatio: cfg.Limits.WarningRatio,
		bytesPerMs:   int64(cfg.Limits.BytesPerMs),
		now:          time.Now,
		voiceEnabled: true,
		warned:       make(map[string]bool),
	}
	if t.warningRatio <= 0 || t.warningRatio > 1 {
		t.warningRatio = defaultWarningRatio
	}
	if t.bytesPerMs <= 0 {
		t.bytesPerMs = defaultBytesPerMs
	}
	for _, opt := range opts {
		opt(t)
	}
	t.startedAt = t.now()
	t.abuse = NewAbuseDetector(cfg.Abuse, t.startedAt)

	if !t.limits.Enabled {
		return t
	}
	t.initialize(ctx)
	return t
}

// initialize performs the store round-trips of session start. The
// reconnection check runs before the session row exists so the new session
// does not count itself.
func (t *Tracker) initialize(ctx context.Context) {
	now := t.startedAt
	window := time.Duration(t.abuse.cfg.ReconnectWindowSeconds) * time.Second
	if window > 0 {
		count, err := t.st.RecentSessionCount(ctx, t.userID, now.Add(-window))
		if err != nil {
			slog.Warn("usage: recent session count failed", "session_id", t.sessionID, "err", err)
		} else if f := t.abuse.OnSessionStart(count); f != nil {
			t.reportAbuse(f)
		}
	}

	if err := t.st.CreateSession(ctx, t.sessionID, t.userID, now); err != nil {
		slog.Warn("usage: create session failed", "session_id", t.sessionID, "err", err)
	}
	if err := t.st.IncrementDailySessionCount(ctx, t.userID, dateKey(now)); err != nil {
		slog.Warn("usage: daily session count failed", "session_id", t.sessionID, "err", err)
	}
	if err := t.st.IncrementMonthlySessionCount(ctx, t.userID, monthKey(now)); err != nil {
		slog.Warn("usage: monthly session count failed", "session_id", t.sessionID, "err", err)
	}

	sum, err := t.st.UsageSummary(ctx, t.userID, t.sessionID, dateKey(now), monthKey(now))
	if err != nil {
		slog.Warn("usage: summary load failed, starting from zero", "session_id", t.sessionID, "err", err)
		return
	}

	t.mu.Lock()
	t.sessionMs = sum.SessionMs
	t.dayMs = sum.DayMs
	t.monthMs = sum.MonthMs
	kind := t.exceededLimitLocked()
	var alert dispatch.UsageAlert
	if kind != "" {
		t.voiceEnabled = false
		t.limitReached = kind
		alert = t.limitAlertLocked(kind)
	}
	t.mu.Unlock()

	if kind != "" {
		slog.Info("usage: voice disabled on session start",
			"session_id", t.sessionID, "user_id", t.userID, "limit_type", kind)
		t.bus.Broadcast(t.sessionID, dispatch.UsageLimitReached, alert)
		t.bus.Broadcast(t.sessionID, dispatch.VoiceDisabled, dispatch.Disabled{Reason: kind + "_limit_reached"})
		// The fresh session row carries the disabled marker, but the audit
		// event and daily counter record distinct exhaustion moments and
		// are not repeated on reconnect.
		t.persistAsync("mark session limit", func(ctx context.Context) error {
			return t.st.MarkSessionLimitReached(ctx, t.sessionID, kind, t.now())
		})
	}
}

// TrackChunk meters one outbound audio chunk and reports whether it may be
// sent. Duration is derived from the raw PCM byte length; chunks shorter
// than one millisecond of audio are counted as one millisecond. A false
// return means a quota is exhausted and the chunk must be dropped; the
// corresponding events have already been published.
func (t *Tracker) TrackChunk(chunk []byte) bool {
	if !t.limits.Enabled {
		return true
	}
	if len(chunk) == 0 {
		return t.VoiceEnabled()
	}

	durationMs := int64(len(chunk)) / t.bytesPerMs
	if durationMs < minChunkMs {
		durationMs = minChunkMs
	}
	now := t.now()

	t.mu.Lock()
	if t.ended || !t.voiceEnabled {
		t.mu.Unlock()
		t.metrics.RecordVoiceMs(context.Background(), durationMs, "blocked")
		return false
	}
	t.sessionMs += durationMs
	t.dayMs += durationMs
	t.monthMs += durationMs
	t.chunkCount++

	warnings := t.collectWarningsLocked()

	kind := t.exceededLimitLocked()
	var alert dispatch.UsageAlert
	if kind != "" {
		t.voiceEnabled = false
		t.limitReached = kind
		alert = t.limitAlertLocked(kind)
	}
	usedMs := t.usedMsLocked(kind)
	t.mu.Unlock()

	for _, w := range warnings {
		t.bus.Broadcast(t.sessionID, dispatch.UsageWarning, w)
	}

	if kind != "" {
		slog.Info("usage: limit reached",
			"session_id", t.sessionID, "user_id", t.userID,
			"limit_type", kind, "used_minutes", float64(usedMs)/60000)
		t.bus.Broadcast(t.sessionID, dispatch.UsageLimitReached, alert)
		t.bus.Broadcast(t.sessionID, dispatch.VoiceDisabled, dispatch.Disabled{Reason: kind + "_limit_reached"})
		t.persistLimit(kind, alert.LimitMinutes, usedMs)
		t.metrics.RecordVoiceMs(context.Background(), durationMs, "blocked")
		return false
	}

	t.metrics.RecordVoiceMs(context.Background(), durationMs, "allowed")
	t.persistUsage(durationMs, now)

	if f := t.abuse.OnAudioChunk(durationMs, now); f != nil {
		t.reportAbuse(f)
	}
	return true
}

// VoiceEnabled reports whether audio may currently be sent. Always true
// when metering is disabled.
func (t *Tracker) VoiceEnabled() bool {
	if !t.limits.Enabled {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.voiceEnabled
}

// LimitReached returns the period that disabled voice, or "".
func (t *Tracker) LimitReached() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limitReached
}

// PeriodSnapshot is one quota period's live state. LimitMs zero means the
// period is unlimited.
type PeriodSnapshot struct {
	UsedMs      int64
	LimitMs     int64
	RemainingMs int64
}

// Snapshot is the tracker's live state, served by the usage API.
type Snapshot struct {
	UserID       string
	SessionID    string
	VoiceEnabled bool
	LimitReached string
	Session      PeriodSnapshot
	Daily        PeriodSnapshot
	Monthly      PeriodSnapshot
}

// Snapshot returns the tracker's current counters and limits.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		UserID:       t.userID,
		SessionID:    t.sessionID,
		VoiceEnabled: !t.limits.Enabled || t.voiceEnabled,
		LimitReached: t.limitReached,
	}
	for _, p := range t.periodsLocked() {
		ps := PeriodSnapshot{UsedMs: p.usedMs, LimitMs: p.limitMs}
		if p.limitMs > 0 {
			ps.RemainingMs = max(0, p.limitMs-p.usedMs)
		}
		switch p.kind {
		case store.PeriodSession:
			snap.Session = ps
		case store.PeriodDaily:
			snap.Daily = ps
		case store.PeriodMonthly:
			snap.Monthly = ps
		}
	}
	return snap
}

// EndSession runs the teardown heuristics, waits for in-flight persistence
// writes, and closes the session row. Idempotent; only the first call does
// work.
func (t *Tracker) EndSession(ctx context.Context) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	audioMs := t.sessionMs
	chunks := t.chunkCount
	t.mu.Unlock()

	if !t.limits.Enabled {
		return
	}

	if f := t.abuse.OnSessionEnd(audioMs, chunks, t.now()); f != nil {
		t.reportAbuse(f)
	}

	// Refuse new persistence work, then let pending deltas land before the
	// row stops accepting them.
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
	t.wg.Wait()

	if err := t.st.EndSession(ctx, t.sessionID, t.now()); err != nil {
		slog.Warn("usage: end session failed", "session_id", t.sessionID, "err", err)
		return
	}
	slog.Info("usage: session ended",
		"session_id", t.sessionID, "user_id", t.userID,
		"total_minutes", float64(audioMs)/60000, "chunks", chunks)
}

// ─── internal ────────────────────────────────────────────────────────────────

type periodState struct {
	kind    string
	limitMs int64
	usedMs  int64
}

// periodsLocked returns the three quota periods in enforcement priority
// order. Caller holds t.mu.
func (t *Tracker) periodsLocked() [3]periodState {
	return [3]periodState{
		{store.PeriodSession, int64(t.limits.SessionMinutes) * 60 * 1000, t.sessionMs},
		{store.PeriodDaily, int64(t.limits.DailyMinutes) * 60 * 1000, t.dayMs},
		{store.PeriodMonthly, int64(t.limits.MonthlyMinutes) * 60 * 1000, t.monthMs},
	}
}

// collectWarningsLocked flips the one-shot warning flag for every period
// that crossed its warning threshold and returns the alerts to publish.
// Caller holds t.mu.
func (t *Tracker) collectWarningsLocked() []dispatch.UsageAlert {
	var alerts []dispatch.UsageAlert
	for _, p := range t.periodsLocked() {
		if p.limitMs <= 0 || t.warned[p.kind] {
			continue
		}
		if p.usedMs < int64(t.warningRatio*float64(p.limitMs)) {
			continue
		}
		t.warned[p.kind] = true
		remaining := float64(p.limitMs-p.usedMs) / 60000
		alerts = append(alerts, dispatch.UsageAlert{
			LimitType:        p.kind,
			LimitMinutes:     int(p.limitMs / 60000),
			UsedMinutes:      float64(p.usedMs) / 60000,
			RemainingMinutes: remaining,
			Message: fmt.Sprintf(
				"You have approximately %.1f minutes of voice time remaining for this %s limit.",
				remaining, p.kind),
		})
	}
	return alerts
}

// exceededLimitLocked returns the first exhausted period in priority order,
// or "". Caller holds t.mu.
func (t *Tracker) exceededLimitLocked() string {
	for _, p := range t.periodsLocked() {
		if p.limitMs > 0 && p.usedMs >= p.limitMs {
			return p.kind
		}
	}
	return ""
}

// limitAlertLocked builds the limit-reached payload for kind. Caller holds
// t.mu.
func (t *Tracker) limitAlertLocked(kind string) dispatch.UsageAlert {
	var limitMs, usedMs int64
	for _, p := range t.periodsLocked() {
		if p.kind == kind {
			limitMs, usedMs = p.limitMs, p.usedMs
			break
		}
	}
	limitMinutes := int(limitMs / 60000)
	return dispatch.UsageAlert{
		LimitType:    kind,
		LimitMinutes: limitMinutes,
		UsedMinutes:  float64(usedMs) / 60000,
		Message:      limitMessage(kind, limitMinutes),
	}
}

// usedMsLocked returns the counter backing kind, or the session counter
// when kind is empty. Caller holds t.mu.
func (t *Tracker) usedMsLocked(kind string) int64 {
	switch kind {
	case store.PeriodDaily:
		return t.dayMs
	case store.PeriodMonthly:
		return t.monthMs
	default:
		return t.sessionMs
	}
}

func limitMessage(kind string, limitMinutes int) string {
	switch kind {
	case store.PeriodSession:
		return fmt.Sprintf("You've reached your session voice limit of %d minutes. Voice responses are now disabled, but text chat continues to work.", limitMinutes)
	case store.PeriodDaily:
		return fmt.Sprintf("You've reached your daily voice limit of %d minutes. Voice will be available again tomorrow. Text chat continues to work.", limitMinutes)
	case store.PeriodMonthly:
		return fmt.Sprintf("You've reached your monthly voice limit of %d minutes. Voice will be available next month. Text chat continues to work.", limitMinutes)
	default:
		return "Voice limit reached. Text chat continues to work."
	}
}

// persistUsage schedules the per-chunk counter writes. The period keys are
// computed from the chunk's arrival time, so a session that crosses a UTC
// day or month boundary lands subsequent deltas in the new bucket.
func (t *Tracker) persistUsage(durationMs int64, at time.Time) {
	date, month := dateKey(at), monthKey(at)
	t.persistAsync("update usage", func(ctx context.Context) error {
		if _, err := t.st.UpdateSessionUsage(ctx, t.sessionID, durationMs, at); err != nil && !errors.Is(err, store.ErrNotActive) {
			return fmt.Errorf("session: %w", err)
		}
		if err := t.st.UpsertDaily(ctx, t.userID, date, durationMs, 1); err != nil {
			return fmt.Errorf("daily: %w", err)
		}
		if err := t.st.UpsertMonthly(ctx, t.userID, month, durationMs); err != nil {
			return fmt.Errorf("monthly: %w", err)
		}
		return nil
	})
}

// persistLimit schedules the audit writes for an exhausted quota.
func (t *Tracker) persistLimit(kind string, limitMinutes int, usedMs int64) {
	at := t.now()
	t.persistAsync("record limit", func(ctx context.Context) error {
		if err := t.st.RecordLimitEvent(ctx, store.LimitEvent{
			UserID:       t.userID,
			SessionID:    t.sessionID,
			LimitType:    kind,
			LimitMinutes: limitMinutes,
			UsedMs:       usedMs,
			CreatedAt:    at,
		}); err != nil {
			return fmt.Errorf("event: %w", err)
		}
		if err := t.st.MarkSessionLimitReached(ctx, t.sessionID, kind, at); err != nil {
			return fmt.Errorf("mark session: %w", err)
		}
		if err := t.st.IncrementDailyLimitReached(ctx, t.userID, dateKey(at)); err != nil {
			return fmt.Errorf("daily counter: %w", err)
		}
		return nil
	})
}

// reportAbuse publishes the advisory event and schedules its audit record.
func (t *Tracker) reportAbuse(f *Finding) {
	slog.Warn("usage: abuse pattern detected",
		"session_id", t.sessionID, "user_id", t.userID,
		"event_type", f.EventType, "detail", f.Message)
	t.bus.Broadcast(t.sessionID, dispatch.AbuseDetected, dispatch.Abuse{
		EventType: f.EventType,
		Message:   f.Message,
	})
	at := t.now()
	t.persistAsync("record abuse", func(ctx context.Context) error {
		return t.st.RecordAbuseEvent(ctx, store.AbuseEvent{
			UserID:    t.userID,
			SessionID: t.sessionID,
			EventType: f.EventType,
			Details:   f.Details,
			CreatedAt: at,
		})
	})
}

// persistAsync runs fn on a background goroutine with a bounded context.
// Failures are logged; metering never blocks or fails on the store.
//
// The Add happens under t.mu so it is strictly ordered against EndSession
// setting draining and waiting: work is either scheduled before the wait
// and covered by it, or refused.
func (t *Tracker) persistAsync(op string, fn func(context.Context) error) {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn("usage: persistence failed",
				"session_id", t.sessionID, "op", op, "err", err)
		}
	}()
}

// dateKey formats the UTC day bucket key (YYYY-MM-DD).
func dateKey(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// monthKey formats the UTC month bucket key (YYYY-MM).
func monthKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}
