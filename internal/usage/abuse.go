package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/pkg/store"
)

// Finding is one detected abuse pattern. The detector only decides; the
// tracker records the event and publishes the advisory notification.
type Finding struct {
	// EventType is one of the store.Abuse* constants.
	EventType string

	// Message is a short operator-readable description.
	Message string

	// Details carries the heuristic's counts and thresholds for the audit
	// record. It always includes a "message" key mirroring Message.
	Details map[string]any
}

// AbuseDetector watches one session for suspicious voice-usage patterns:
// rapid reconnection, excessive continuous use, and marathon sessions
// without breaks. Findings are advisory; the detector never denies audio.
//
// A zero threshold in the configuration disables the corresponding
// heuristic. All methods are safe for concurrent use.
type AbuseDetector struct {
	cfg       config.AbuseConfig
	startedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	continuousMs int64
}

// NewAbuseDetector creates a detector for a session that started at
// startedAt.
func NewAbuseDetector(cfg config.AbuseConfig, startedAt time.Time) *AbuseDetector {
	return &AbuseDetector{cfg: cfg, startedAt: startedAt}
}

// OnSessionStart evaluates the rapid-reconnection heuristic against the
// user's session count inside the configured window. Returns nil when the
// pattern is absent or the heuristic is disabled.
func (d *AbuseDetector) OnSessionStart(recentSessions int) *Finding {
	if d.cfg.ReconnectSessions <= 0 || d.cfg.ReconnectWindowSeconds <= 0 {
		return nil
	}
	if recentSessions < d.cfg.ReconnectSessions {
		return nil
	}
	msg := fmt.Sprintf("User started %d sessions in %ds window",
		recentSessions, d.cfg.ReconnectWindowSeconds)
	return &Finding{
		EventType: store.AbuseRapidReconnection,
		Message:   msg,
		Details: map[string]any{
			"session_count":  recentSessions,
			"window_seconds": d.cfg.ReconnectWindowSeconds,
			"threshold":      d.cfg.ReconnectSessions,
			"message":        msg,
		},
	}
}

// OnAudioChunk folds one metered chunk into the continuous-use clock.
// Chunks arriving within the configured gap of the previous one accumulate;
// a longer silence restarts the clock at the current chunk. Crossing the
// continuous-use threshold produces a finding and resets the counter, so
// another sustained stretch can be flagged again later in the session.
func (d *AbuseDetector) OnAudioChunk(durationMs int64, at time.Time) *Finding {
	thresholdMs := int64(d.cfg.ContinuousMinutes) * 60 * 1000
	if thresholdMs <= 0 {
		return nil
	}
	gap := time.Duration(d.cfg.ContinuousGapSeconds) * time.Second

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastActivity.IsZero() && at.Sub(d.lastActivity) < gap {
		d.continuousMs += durationMs
	} else {
		d.continuousMs = durationMs
	}
	d.lastActivity = at

	if d.continuousMs < thresholdMs {
		return nil
	}

	continuous := d.continuousMs
	d.continuousMs = 0

	msg := fmt.Sprintf("Continuous voice use for %.1f minutes", float64(continuous)/60000)
	return &Finding{
		EventType: store.AbuseExcessiveContinuous,
		Message:   msg,
		Details: map[string]any{
			"continuous_duration_ms":   continuous,
			"threshold_ms":             thresholdMs,
			"session_duration_seconds": at.Sub(d.startedAt).Seconds(),
			"message":                  msg,
		},
	}
}

// OnSessionEnd evaluates the marathon-session heuristic at teardown: a
// session longer than the configured wall-clock threshold whose active
// ratio (audio time over wall time) is above the configured ratio produces
// a finding. Sessions that never produced audio are never flagged.
func (d *AbuseDetector) OnSessionEnd(audioMs, chunkCount int64, endedAt time.Time) *Finding {
	threshold := time.Duration(d.cfg.LongSessionHours) * time.Hour
	if threshold <= 0 || chunkCount == 0 {
		return nil
	}

	wall := endedAt.Sub(d.startedAt)
	if wall <= threshold {
		return nil
	}

	rate := float64(audioMs) / float64(wall.Milliseconds())
	if rate <= d.cfg.LongSessionActiveRatio {
		return nil
	}

	msg := fmt.Sprintf("Session lasted %.1f hours with %.0f%% voice activity",
		wall.Hours(), rate*100)
	return &Finding{
		EventType: store.AbuseLongSessionNoBreaks,
		Message:   msg,
		Details: map[string]any{
			"session_duration_seconds": wall.Seconds(),
			"voice_duration_ms":        audioMs,
			"activity_rate":            rate,
			"chunk_count":              chunkCount,
			"message":                  msg,
		},
	}
}
