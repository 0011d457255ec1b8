// Package session owns the lifetime of one voice connection. The
// Supervisor mints the session identity, composes the persona prompt,
// seeds conversation history, and runs the socket, pipeline, safety and
// persistence tasks as one failure-propagating group: the first task to
// fail, or the first close event on the bus, unwinds all of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/gateway"
	"github.com/chillpanda/bamboo/internal/pipeline"
	"github.com/chillpanda/bamboo/internal/prompt"
	"github.com/chillpanda/bamboo/internal/safety"
	"github.com/chillpanda/bamboo/internal/tools"
	"github.com/chillpanda/bamboo/internal/usage"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	"github.com/chillpanda/bamboo/pkg/provider/stt"
	"github.com/chillpanda/bamboo/pkg/provider/tts"
	"github.com/chillpanda/bamboo/pkg/store"
	"github.com/chillpanda/bamboo/pkg/types"
)

const (
	// sessionSampleRate and sessionChannels describe the PCM format the
	// clients record and play back. Recognition input and synthesis output
	// both use it.
	sessionSampleRate = 16000
	sessionChannels   = 1

	// teardownTimeout bounds the store writes and the goodbye notice that
	// close a session out after its task group has stopped.
	teardownTimeout = 5 * time.Second
)

// Goodbye notices for sessions ended by a dead provider. They go straight
// to the client connection after the task group stops, when the bus no
// longer delivers.
const (
	sttFarewell = "I'm having trouble hearing you right now. Please reconnect in a moment and we can keep talking."
	ttsFarewell = "I'm having trouble speaking right now. Please reconnect in a moment and we can keep talking."
)

// errSessionEnded signals the task group that a close event ended the
// session. It never escapes RunSession.
var errSessionEnded = errors.New("session ended")

// SupervisorConfig carries the process-wide dependencies shared by every
// session. Providers and stores are long-lived; the Supervisor scopes
// everything else per connection.
type SupervisorConfig struct {
	// Bus is the shared event dispatcher.
	Bus *dispatch.Dispatcher

	// STT, LLM and TTS are the media providers.
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Usage persists voice metering; Conversations persists chat history.
	Usage         store.UsageStore
	Conversations store.ConversationStore

	// Tools is the registry offered to the model. Optional.
	Tools *tools.Registry

	// Detector confirms crisis signals on user transcripts. Nil disables
	// safety monitoring.
	Detector *safety.Detector

	// Session, Limits and Abuse are captured per session at connect time;
	// a config reload affects only sessions created afterwards.
	Session config.SessionConfig
	Limits  config.LimitsConfig
	Abuse   config.AbuseConfig

	// Voices maps a session language to the provider voice id. Languages
	// not in the map use the provider's default voice.
	Voices map[config.Language]string
}

// Supervisor builds and runs one task group per client connection. It
// implements [gateway.SessionRunner]. Safe for concurrent use; it holds no
// per-session state.
type Supervisor struct {
	cfg SupervisorConfig
}

var _ gateway.SessionRunner = (*Supervisor)(nil)

// NewSupervisor validates cfg and returns a Supervisor.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("session: dispatcher is required")
	}
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, fmt.Errorf("session: stt, llm and tts providers are required")
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("session: usage store is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("session: conversation store is required")
	}
	return &Supervisor{cfg: cfg}, nil
}

// RunSession drives one client connection from accept to teardown: mint or
// validate the session id, seed history, start the socket, pipeline,
// recorder and safety tasks, and close the session out when the first of
// them fails or a close event lands on the bus.
//
// The returned error is nil for peer-initiated and bus-initiated closes;
// provider failures and cancellation propagate to the caller.
func (s *Supervisor) RunSession(ctx context.Context, conn *websocket.Conn, p gateway.Params) error {
	sessionID, minted := ensureSessionID(p.SessionID)
	slog.Info("session starting",
		"session_id", sessionID, "user_id", p.UserID, "source", p.Source,
		"language", p.Language, "role", p.Role, "minted_id", minted)

	history := s.seedHistory(ctx, sessionID, p)
	tracker := usage.NewTracker(ctx, usage.TrackerConfig{
		SessionID: sessionID,
		UserID:    p.UserID,
		Limits:    s.cfg.Limits,
		Abuse:     s.cfg.Abuse,
	}, s.cfg.Usage, s.cfg.Bus)

	// Every component subscribes in its constructor, before any task runs,
	// so events published during startup are not lost.
	sock := gateway.NewSocket(sessionID, p.Source, conn, s.cfg.Bus)
	transcriber := pipeline.NewTranscriber(sessionID, s.cfg.STT, stt.StreamConfig{
		SampleRate: sessionSampleRate,
		Channels:   sessionChannels,
		Language:   string(p.Language),
	}, s.cfg.Session.STTMaxRetries, s.cfg.Bus)
	generator := pipeline.NewGenerator(sessionID, s.cfg.LLM, s.cfg.Tools, history, s.cfg.Bus)
	synthesizer := pipeline.NewSynthesizer(sessionID, s.cfg.TTS, s.voice(p.Language), tracker, s.cfg.Bus)
	recorder := newRecorder(sessionID, p.UserID, s.cfg.Conversations, s.cfg.Bus)
	var monitor *safety.Monitor
	if s.cfg.Detector != nil {
		monitor = safety.NewMonitor(sessionID, s.cfg.Detector, s.cfg.Bus)
	}
	closes := s.cfg.Bus.Subscribe(sessionID, dispatch.SessionClose)

	var closeReason string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sock.Run(gctx) })
	g.Go(func() error { return transcriber.Run(gctx) })
	g.Go(func() error { return generator.Run(gctx) })
	g.Go(func() error { return synthesizer.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	if monitor != nil {
		g.Go(func() error { return monitor.Run(gctx) })
	}
	g.Go(func() error {
		defer closes.Release()
		reason, err := watchClose(gctx, closes)
		closeReason = reason
		return err
	})

	err := g.Wait()

	// The group context is gone; teardown gets its own deadline. Values
	// survive so store writes keep their tracing metadata.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	tracker.EndSession(endCtx)
	s.cfg.Bus.Broadcast(sessionID, dispatch.SessionClose, dispatch.Close{Reason: dispatch.ReasonSupervisor})

	if msg := farewellFor(closeReason); msg != "" {
		if nerr := gateway.SendNotice(endCtx, conn, msg); nerr != nil {
			slog.Debug("session: goodbye notice not delivered", "session_id", sessionID, "err", nerr)
		}
	}

	if errors.Is(err, errSessionEnded) {
		err = nil
	}
	slog.Info("session ended",
		"session_id", sessionID, "user_id", p.UserID, "reason", closeReason, "err", err)
	return err
}

// watchClose waits for the session's close event. It returns the close
// reason alongside errSessionEnded so the group unwinds, or the
// cancellation error when another task failed first. A close published in
// the same instant the group fails is still reported: the event was
// enqueued before the failing task returned, so the queue has it even
// after cancellation.
func watchClose(ctx context.Context, sub *dispatch.Subscription) (string, error) {
	select {
	case <-ctx.Done():
		if ev, ok := sub.TryNext(); ok {
			return closeReasonOf(ev), ctx.Err()
		}
		return "", ctx.Err()
	case ev, ok := <-sub.Events():
		if !ok {
			// Dispatcher shut down: the whole process is going away.
			return "", errSessionEnded
		}
		return closeReasonOf(ev), errSessionEnded
	}
}

func closeReasonOf(ev dispatch.Event) string {
	if c, ok := ev.Data.(dispatch.Close); ok {
		return c.Reason
	}
	return ""
}

// farewellFor returns the goodbye for teardowns the client should hear
// about. Peer-initiated and supervisor-initiated closes need none.
func farewellFor(reason string) string {
	switch reason {
	case dispatch.ReasonSTTUnavailable:
		return sttFarewell
	case dispatch.ReasonTTSUnavailable:
		return ttsFarewell
	}
	return ""
}

// ensureSessionID returns the client-supplied id when it is a well-formed
// 36-character UUID, otherwise a freshly minted one. The bool reports
// whether a new id was minted.
func ensureSessionID(raw string) (string, bool) {
	if len(raw) == 36 {
		if _, err := uuid.Parse(raw); err == nil {
			return raw, false
		}
	}
	return uuid.NewString(), true
}

// seedHistory builds the generator's starting context: the system message
// composed from persona and language, followed by the stored tail of the
// conversation. Store failures start the session with the system message
// alone.
func (s *Supervisor) seedHistory(ctx context.Context, sessionID string, p gateway.Params) []types.Message {
	history := []types.Message{{
		Role:    types.RoleSystem,
		Content: prompt.Build(p.Role, p.Language),
	}}

	if err := s.cfg.Conversations.EnsureConversation(ctx, sessionID, p.UserID); err != nil {
		slog.Warn("session: ensure conversation failed, starting fresh",
			"session_id", sessionID, "err", err)
		return history
	}
	stored, err := s.cfg.Conversations.History(ctx, sessionID, s.cfg.Session.HistoryLimit)
	if err != nil {
		slog.Warn("session: history load failed, starting fresh",
			"session_id", sessionID, "err", err)
		return history
	}
	for _, m := range stored {
		history = append(history, types.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// voice assembles the synthesis config for a session language.
func (s *Supervisor) voice(lang config.Language) tts.SessionConfig {
	return tts.SessionConfig{
		Voice:      s.cfg.Voices[lang],
		SampleRate: sessionSampleRate,
	}
}
