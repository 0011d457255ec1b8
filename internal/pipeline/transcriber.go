package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/observe"
	"github.com/chillpanda/bamboo/pkg/provider/stt"
)

// Reconnect policy for the recognition stream. The delay doubles per
// consecutive failure from sttInitialBackoff up to sttMaxBackoff.
const (
	sttInitialBackoff    = 100 * time.Millisecond
	sttMaxBackoff        = 5 * time.Second
	defaultSTTMaxRetries = 5
)

// Transcriber pumps client audio frames into the speech-to-text provider and
// publishes the provider's hypotheses: every partial as [dispatch.InterimTranscript]
// and every non-empty final as [dispatch.FinalTranscript]. Text frames skip
// recognition and are published as finals directly, so typed input drives the
// same turn machinery as speech.
//
// When the provider stream drops mid-session the Transcriber reconnects with
// jittered exponential backoff. After maxRetries consecutive failed connection
// attempts it publishes [dispatch.SessionClose] with [dispatch.ReasonSTTUnavailable]
// and returns an error, which tears the session down.
type Transcriber struct {
	sessionID  string
	provider   stt.Provider
	cfg        stt.StreamConfig
	maxRetries int
	bus        *dispatch.Dispatcher
	metrics    *observe.Metrics

	frames *dispatch.Subscription
}

// NewTranscriber builds a Transcriber for one session. The inbound-frame
// subscription is registered here, not in Run, so frames published between
// session setup and task start are not lost. Run must be called to drain it.
// maxRetries values below 1 fall back to the default.
func NewTranscriber(sessionID string, provider stt.Provider, cfg stt.StreamConfig, maxRetries int, bus *dispatch.Dispatcher) *Transcriber {
	if maxRetries < 1 {
		maxRetries = defaultSTTMaxRetries
	}
	return &Transcriber{
		sessionID:  sessionID,
		provider:   provider,
		cfg:        cfg,
		maxRetries: maxRetries,
		bus:        bus,
		metrics:    observe.DefaultMetrics(),
		frames:     bus.Subscribe(sessionID, dispatch.InboundFrame),
	}
}

// Run connects to the provider and pumps frames and transcripts until ctx is
// cancelled, the dispatcher closes, or the provider stays unreachable past
// the retry budget.
func (t *Transcriber) Run(ctx context.Context) error {
	defer t.frames.Release()

	failures := 0
	for {
		session, err := t.provider.StartStream(ctx, t.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= t.maxRetries {
				slog.Error("transcriber: speech-to-text unavailable",
					"session_id", t.sessionID, "attempts", failures, "err", err)
				t.bus.Broadcast(t.sessionID, dispatch.SessionClose, dispatch.Close{Reason: dispatch.ReasonSTTUnavailable})
				return fmt.Errorf("transcriber: start stream after %d attempts: %w", failures, err)
			}
			delay := backoffDelay(failures, sttInitialBackoff, sttMaxBackoff)
			slog.Warn("transcriber: stream start failed, retrying",
				"session_id", t.sessionID, "attempt", failures, "backoff", delay, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			t.metrics.STTReconnects.Add(ctx, 1)
			continue
		}
		failures = 0

		reconnect, err := t.pump(ctx, session)
		if cerr := session.Close(); cerr != nil {
			slog.Debug("transcriber: close stream", "session_id", t.sessionID, "err", cerr)
		}
		if err != nil {
			return err
		}
		if !reconnect {
			return nil
		}
		t.metrics.STTReconnects.Add(ctx, 1)
		slog.Info("transcriber: stream ended, reconnecting", "session_id", t.sessionID)
	}
}

// pump forwards frames to the session and transcripts to the bus. It returns
// (true, nil) when the provider stream ended and a fresh connection should be
// made, (false, nil) when the dispatcher closed, and a non-nil error only on
// context cancellation.
func (t *Transcriber) pump(ctx context.Context, session stt.SessionHandle) (bool, error) {
	partials := session.Partials()
	finals := session.Finals()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case ev, ok := <-t.frames.Events():
			if !ok {
				return false, nil
			}
			frame, ok := ev.Data.(dispatch.Frame)
			if !ok {
				continue
			}
			if !frame.Binary {
				// Typed input: publish as a final directly.
				text := strings.TrimSpace(frame.Text)
				if text == "" {
					continue
				}
				t.bus.Broadcast(t.sessionID, dispatch.FinalTranscript, dispatch.TranscriptText{Text: text})
				continue
			}
			if err := session.SendAudio(frame.Data); err != nil {
				slog.Warn("transcriber: send audio failed", "session_id", t.sessionID, "err", err)
				return true, nil
			}

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					return true, nil
				}
				continue
			}
			t.bus.Broadcast(t.sessionID, dispatch.InterimTranscript, dispatch.TranscriptText{Text: tr.Text})

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					return true, nil
				}
				continue
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			t.bus.Broadcast(t.sessionID, dispatch.FinalTranscript, dispatch.TranscriptText{Text: text})
		}
	}
}

// backoffDelay returns the delay before the given 1-based reconnect attempt,
// doubling from base up to limit, with 25% jitter in either direction so
// concurrent sessions do not retry in lockstep.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			d = limit
			break
		}
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
