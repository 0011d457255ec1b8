package api

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/chillpanda/bamboo/pkg/store"
)

const (
	// defaultHistoryDays and maxHistoryDays bound the daily history query.
	defaultHistoryDays = 30
	maxHistoryDays     = 365

	// managementListLimit caps the operator overview row count.
	managementListLimit = 100

	// managementMonths and managementEventLimit bound the per-user detail
	// view.
	managementMonths     = 12
	managementEventLimit = 20
)

// periodBody is one quota period in a usage summary: durations in
// milliseconds with minute conveniences for display.
type periodBody struct {
	UsedMs       int64   `json:"used_ms"`
	LimitMs      int64   `json:"limit_ms"`
	RemainingMs  int64   `json:"remaining_ms"`
	UsedMinutes  float64 `json:"used_minutes"`
	LimitMinutes float64 `json:"limit_minutes"`
}

// usageSummaryBody is the response for the per-user usage endpoint.
type usageSummaryBody struct {
	UserID       string     `json:"user_id"`
	VoiceEnabled bool       `json:"voice_enabled"`
	LimitReached string     `json:"limit_reached,omitempty"`
	Session      periodBody `json:"session"`
	Daily        periodBody `json:"daily"`
	Monthly      periodBody `json:"monthly"`
}

// usageDayBody is one daily aggregate row.
type usageDayBody struct {
	Date              string  `json:"date"`
	DurationMs        int64   `json:"duration_ms"`
	UsedMinutes       float64 `json:"used_minutes"`
	SessionCount      int64   `json:"session_count"`
	ChunkCount        int64   `json:"chunk_count"`
	LimitReachedCount int64   `json:"limit_reached_count"`
}

// usageMonthBody is one monthly aggregate row.
type usageMonthBody struct {
	YearMonth    string  `json:"year_month"`
	DurationMs   int64   `json:"duration_ms"`
	UsedMinutes  float64 `json:"used_minutes"`
	SessionCount int64   `json:"session_count"`
}

// usageHistoryBody is the response for the daily history endpoint.
type usageHistoryBody struct {
	UserID string         `json:"user_id"`
	Days   []usageDayBody `json:"days"`
}

// handleUsageSummary handles GET /api/v1/voice-usage/{user_id}. Without a
// live session the session period reads zero; the daily and monthly
// periods cover the current UTC buckets.
func (h *Handler) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	now := h.now()

	sum, err := h.usage.UsageSummary(r.Context(), userID, "", dateKey(now), monthKey(now))
	if err != nil {
		slog.Error("usage summary failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load voice usage")
		return
	}
	writeJSON(w, http.StatusOK, h.summaryBody(userID, sum))
}

// handleUsageHistory handles GET /api/v1/voice-usage/{user_id}/history.
// The days query parameter bounds the window; out-of-range values fall
// back to the default.
func (h *Handler) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	days := queryInt(r, "days", defaultHistoryDays)
	if days < 1 || days > maxHistoryDays {
		days = defaultHistoryDays
	}

	rows, err := h.reports.DailyHistory(r.Context(), userID, days)
	if err != nil {
		slog.Error("usage history failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage history")
		return
	}

	body := usageHistoryBody{UserID: userID, Days: make([]usageDayBody, 0, len(rows))}
	for _, d := range rows {
		body.Days = append(body.Days, dayBody(d))
	}
	writeJSON(w, http.StatusOK, body)
}

// managementDayBody is one user's row in the operator overview.
type managementDayBody struct {
	UserID            string  `json:"user_id"`
	DurationMs        int64   `json:"duration_ms"`
	UsedMinutes       float64 `json:"used_minutes"`
	SessionCount      int64   `json:"session_count"`
	LimitReachedCount int64   `json:"limit_reached_count"`
}

// managementAllBody is the response for the operator overview endpoint.
type managementAllBody struct {
	Date  string              `json:"date"`
	Users []managementDayBody `json:"users"`
}

// limitEventBody is one quota exhaustion record in the detail view.
type limitEventBody struct {
	SessionID    string    `json:"session_id"`
	LimitType    string    `json:"limit_type"`
	LimitMinutes int       `json:"limit_minutes"`
	UsedMs       int64     `json:"used_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// abuseEventBody is one advisory abuse record in the detail view.
type abuseEventBody struct {
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// managementDetailBody extends the usage summary with histories and the
// recent audit trail.
type managementDetailBody struct {
	usageSummaryBody
	DailyHistory   []usageDayBody   `json:"daily_history"`
	MonthlyHistory []usageMonthBody `json:"monthly_history"`
	LimitEvents    []limitEventBody `json:"limit_events"`
	AbuseEvents    []abuseEventBody `json:"abuse_events"`
}

// resetBody is the response for the quota reset endpoint.
type resetBody struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	UserID    string    `json:"user_id"`
	DateReset time.Time `json:"date_reset"`
}

// handleManagementAll handles GET /api/v1/voice/management/all. The date
// query parameter selects a UTC day; it defaults to today.
func (h *Handler) handleManagementAll(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = dateKey(h.now())
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	rows, err := h.reports.AllDailyForDate(r.Context(), date, managementListLimit)
	if err != nil {
		slog.Error("management overview failed", "date", date, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage overview")
		return
	}

	body := managementAllBody{Date: date, Users: make([]managementDayBody, 0, len(rows))}
	for _, d := range rows {
		body.Users = append(body.Users, managementDayBody{
			UserID:            d.UserID,
			DurationMs:        d.DurationMs,
			UsedMinutes:       minutes(d.DurationMs),
			SessionCount:      d.SessionCount,
			LimitReachedCount: d.LimitReachedCount,
		})
	}
	writeJSON(w, http.StatusOK, body)
}

// handleManagementDetail handles GET /api/v1/voice/management/{user_id}.
func (h *Handler) handleManagementDetail(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	now := h.now()
	ctx := r.Context()

	sum, err := h.usage.UsageSummary(ctx, userID, "", dateKey(now), monthKey(now))
	if err != nil {
		detailError(w, userID, err)
		return
	}
	daily, err := h.reports.DailyHistory(ctx, userID, defaultHistoryDays)
	if err != nil {
		detailError(w, userID, err)
		return
	}
	monthly, err := h.reports.MonthlyHistory(ctx, userID, managementMonths)
	if err != nil {
		detailError(w, userID, err)
		return
	}
	limits, err := h.reports.RecentLimitEvents(ctx, userID, managementEventLimit)
	if err != nil {
		detailError(w, userID, err)
		return
	}
	abuses, err := h.reports.RecentAbuseEvents(ctx, userID, managementEventLimit)
	if err != nil {
		detailError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.detailBody(userID, sum, daily, monthly, limits, abuses))
}

func detailError(w http.ResponseWriter, userID string, err error) {
	slog.Error("management detail failed", "user_id", userID, "err", err)
	writeError(w, http.StatusInternalServerError, "failed to load usage detail")
}

// handleManagementReset handles POST /api/v1/voice/management/{user_id}/reset.
func (h *Handler) handleManagementReset(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	now := h.now()

	if err := h.usage.ResetUser(r.Context(), userID, dateKey(now), monthKey(now)); err != nil {
		slog.Error("usage reset failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to reset user quota")
		return
	}

	slog.Info("voice usage reset", "user_id", userID)
	writeJSON(w, http.StatusOK, resetBody{
		Success:   true,
		Message:   fmt.Sprintf("Voice usage quota for user %s has been reset successfully.", userID),
		UserID:    userID,
		DateReset: now.UTC(),
	})
}

func (h *Handler) summaryBody(userID string, sum store.UsageSummary) usageSummaryBody {
	body := usageSummaryBody{
		UserID:  userID,
		Session: h.period(sum.SessionMs, h.limits.SessionMinutes),
		Daily:   h.period(sum.DayMs, h.limits.DailyMinutes),
		Monthly: h.period(sum.MonthMs, h.limits.MonthlyMinutes),
	}
	body.LimitReached = h.exceeded(sum)
	body.VoiceEnabled = !h.limits.Enabled || body.LimitReached == ""
	return body
}

func (h *Handler) detailBody(userID string, sum store.UsageSummary, daily []store.DailyUsage, monthly []store.MonthlyUsage, limits []store.LimitEvent, abuses []store.AbuseEvent) managementDetailBody {
	body := managementDetailBody{
		usageSummaryBody: h.summaryBody(userID, sum),
		DailyHistory:     make([]usageDayBody, 0, len(daily)),
		MonthlyHistory:   make([]usageMonthBody, 0, len(monthly)),
		LimitEvents:      make([]limitEventBody, 0, len(limits)),
		AbuseEvents:      make([]abuseEventBody, 0, len(abuses)),
	}
	for _, d := range daily {
		body.DailyHistory = append(body.DailyHistory, dayBody(d))
	}
	for _, m := range monthly {
		body.MonthlyHistory = append(body.MonthlyHistory, usageMonthBody{
			YearMonth:    m.YearMonth,
			DurationMs:   m.DurationMs,
			UsedMinutes:  minutes(m.DurationMs),
			SessionCount: m.SessionCount,
		})
	}
	for _, ev := range limits {
		body.LimitEvents = append(body.LimitEvents, limitEventBody{
			SessionID:    ev.SessionID,
			LimitType:    ev.LimitType,
			LimitMinutes: ev.LimitMinutes,
			UsedMs:       ev.UsedMs,
			CreatedAt:    ev.CreatedAt,
		})
	}
	for _, ev := range abuses {
		body.AbuseEvents = append(body.AbuseEvents, abuseEventBody{
			SessionID: ev.SessionID,
			EventType: ev.EventType,
			Details:   ev.Details,
			CreatedAt: ev.CreatedAt,
		})
	}
	return body
}

// period builds one quota period's view. A zero limit means the period is
// unbounded; remaining stays zero.
func (h *Handler) period(usedMs int64, limitMinutes int) periodBody {
	p := periodBody{
		UsedMs:       usedMs,
		LimitMs:      int64(limitMinutes) * 60_000,
		UsedMinutes:  minutes(usedMs),
		LimitMinutes: float64(limitMinutes),
	}
	if p.LimitMs > 0 {
		p.RemainingMs = max(0, p.LimitMs-usedMs)
	}
	return p
}

// exceeded reports the highest-priority period at or past its limit, or ""
// when none is.
func (h *Handler) exceeded(sum store.UsageSummary) string {
	if !h.limits.Enabled {
		return ""
	}
	checks := []struct {
		kind         string
		usedMs       int64
		limitMinutes int
	}{
		{store.PeriodSession, sum.SessionMs, h.limits.SessionMinutes},
		{store.PeriodDaily, sum.DayMs, h.limits.DailyMinutes},
		{store.PeriodMonthly, sum.MonthMs, h.limits.MonthlyMinutes},
	}
	for _, c := range checks {
		if c.limitMinutes > 0 && c.usedMs >= int64(c.limitMinutes)*60_000 {
			return c.kind
		}
	}
	return ""
}

func dayBody(d store.DailyUsage) usageDayBody {
	return usageDayBody{
		Date:              d.Date,
		DurationMs:        d.DurationMs,
		UsedMinutes:       minutes(d.DurationMs),
		SessionCount:      d.SessionCount,
		ChunkCount:        d.ChunkCount,
		LimitReachedCount: d.LimitReachedCount,
	}
}

// minutes converts milliseconds to minutes rounded to two decimals, the
// precision the companion app renders.
func minutes(ms int64) float64 {
	return math.Round(float64(ms)/60_000*100) / 100
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// dateKey formats the UTC day bucket key (YYYY-MM-DD).
func dateKey(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// monthKey formats the UTC month bucket key (YYYY-MM).
func monthKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}
