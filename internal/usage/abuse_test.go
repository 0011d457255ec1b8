package usage_test

import (
	"testing"
	"time"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/usage"
	"github.com/chillpanda/bamboo/pkg/store"
)

func abuseConfig() config.AbuseConfig {
	return config.AbuseConfig{
		ReconnectSessions:      10,
		ReconnectWindowSeconds: 300,
		ContinuousMinutes:      30,
		ContinuousGapSeconds:   5,
		LongSessionHours:       2,
		LongSessionActiveRatio: 0.5,
	}
}

func TestAbuseDetector_RapidReconnection(t *testing.T) {
	t.Parallel()
	d := usage.NewAbuseDetector(abuseConfig(), time.Now())

	if f := d.OnSessionStart(9); f != nil {
		t.Errorf("9 sessions should not flag, got %+v", f)
	}
	f := d.OnSessionStart(10)
	if f == nil {
		t.Fatal("10 sessions should flag rapid reconnection")
	}
	if f.EventType != store.AbuseRapidReconnection {
		t.Errorf("event type: got %q, want %q", f.EventType, store.AbuseRapidReconnection)
	}
	if got := f.Details["session_count"]; got != 10 {
		t.Errorf("details session_count: got %v, want 10", got)
	}
	if got := f.Details["window_seconds"]; got != 300 {
		t.Errorf("details window_seconds: got %v, want 300", got)
	}
}

func TestAbuseDetector_RapidReconnectionDisabled(t *testing.T) {
	t.Parallel()
	cfg := abuseConfig()
	cfg.ReconnectSessions = 0
	d := usage.NewAbuseDetector(cfg, time.Now())

	if f := d.OnSessionStart(100); f != nil {
		t.Errorf("disabled heuristic should never flag, got %+v", f)
	}
}

func TestAbuseDetector_ContinuousUseAccumulates(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	// One minute of audio per chunk, one second apart. The 30th chunk
	// reaches the 30-minute threshold.
	at := base
	for i := 1; i <= 29; i++ {
		at = at.Add(time.Second)
		if f := d.OnAudioChunk(60000, at); f != nil {
			t.Fatalf("chunk %d should not flag yet, got %+v", i, f)
		}
	}
	at = at.Add(time.Second)
	f := d.OnAudioChunk(60000, at)
	if f == nil {
		t.Fatal("30 accumulated minutes should flag continuous use")
	}
	if f.EventType != store.AbuseExcessiveContinuous {
		t.Errorf("event type: got %q, want %q", f.EventType, store.AbuseExcessiveContinuous)
	}
	if got := f.Details["continuous_duration_ms"]; got != int64(1800000) {
		t.Errorf("details continuous_duration_ms: got %v, want 1800000", got)
	}
}

func TestAbuseDetector_BreakResetsCounter(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	// 25 minutes of audio, then a 10-second silence, then 25 more. The gap
	// restarts the clock, so neither stretch reaches 30 minutes.
	if f := d.OnAudioChunk(1500000, base); f != nil {
		t.Fatalf("first stretch should not flag, got %+v", f)
	}
	afterBreak := base.Add(10 * time.Second)
	if f := d.OnAudioChunk(1500000, afterBreak); f != nil {
		t.Fatalf("stretch after break should not flag, got %+v", f)
	}
	// Within the gap this time: 25 + 25 = 50 minutes continuous.
	f := d.OnAudioChunk(1500000, afterBreak.Add(time.Second))
	if f == nil {
		t.Fatal("accumulated 50 minutes should flag")
	}
}

func TestAbuseDetector_ContinuousFlagsAgainAfterReset(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	at := base
	flagged := 0
	// Two back-to-back 30-minute stretches; the counter resets after each
	// finding so both are flagged.
	for i := 0; i < 60; i++ {
		at = at.Add(time.Second)
		if f := d.OnAudioChunk(60000, at); f != nil {
			flagged++
		}
	}
	if flagged != 2 {
		t.Errorf("expected 2 findings across 60 accumulated minutes, got %d", flagged)
	}
}

func TestAbuseDetector_LongSessionFlagged(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	// Three hours wall clock, two hours of audio: 66% active.
	end := base.Add(3 * time.Hour)
	f := d.OnSessionEnd(2*60*60*1000, 720, end)
	if f == nil {
		t.Fatal("3h session with two-thirds activity should flag")
	}
	if f.EventType != store.AbuseLongSessionNoBreaks {
		t.Errorf("event type: got %q, want %q", f.EventType, store.AbuseLongSessionNoBreaks)
	}
	if got := f.Details["chunk_count"]; got != int64(720) {
		t.Errorf("details chunk_count: got %v, want 720", got)
	}
	rate, ok := f.Details["activity_rate"].(float64)
	if !ok || rate < 0.6 || rate > 0.7 {
		t.Errorf("details activity_rate: got %v, want ~0.67", f.Details["activity_rate"])
	}
}

func TestAbuseDetector_LongSessionLowActivityNotFlagged(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	// Three hours wall clock but only one hour of audio: 33% active.
	end := base.Add(3 * time.Hour)
	if f := d.OnSessionEnd(60*60*1000, 360, end); f != nil {
		t.Errorf("one-third activity should not flag, got %+v", f)
	}
}

func TestAbuseDetector_ShortSessionNotFlagged(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	// One hour wall clock, fully active: under the 2h threshold.
	end := base.Add(time.Hour)
	if f := d.OnSessionEnd(60*60*1000, 360, end); f != nil {
		t.Errorf("1h session should not flag, got %+v", f)
	}
}

func TestAbuseDetector_SilentSessionNotFlagged(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := usage.NewAbuseDetector(abuseConfig(), base)

	// Long wall clock but zero chunks: an idle socket, not abuse.
	end := base.Add(5 * time.Hour)
	if f := d.OnSessionEnd(0, 0, end); f != nil {
		t.Errorf("session with no audio should not flag, got %+v", f)
	}
}
