package safety

import (
	"context"
	"log/slog"

	"github.com/chillpanda/bamboo/internal/dispatch"
)

// Monitor is the per-session safety task: it consumes final transcripts and
// publishes a crisis event for every confirmed detection. It never produces
// a session close; a crisis is a state transition for the client, not a
// reason to drop the connection.
type Monitor struct {
	sessionID string
	bus       *dispatch.Dispatcher
	detector  *Detector
	sub       *dispatch.Subscription
}

// NewMonitor creates a monitor for sessionID. The transcript subscription is
// registered here, not in Run, so transcripts published between session
// setup and task start are not lost. Run must be called to drain it.
func NewMonitor(sessionID string, detector *Detector, bus *dispatch.Dispatcher) *Monitor {
	return &Monitor{
		sessionID: sessionID,
		bus:       bus,
		detector:  detector,
		sub:       bus.Subscribe(sessionID, dispatch.FinalTranscript),
	}
}

// Run consumes final transcripts until ctx is cancelled or the dispatcher
// shuts down. Detection runs inline, so a slow classifier delays only the
// next safety check, never the voice pipeline.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.sub.Release()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.sub.Events():
			if !ok {
				return nil
			}
			tr, ok := ev.Data.(dispatch.TranscriptText)
			if !ok {
				continue
			}
			if m.detector.Detect(ctx, tr.Text) {
				slog.Warn("safety: crisis signal confirmed", "session_id", m.sessionID)
				m.bus.Broadcast(m.sessionID, dispatch.CrisisDetected, dispatch.Crisis{Critical: true})
			}
		}
	}
}
