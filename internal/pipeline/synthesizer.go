package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/observe"
	"github.com/chillpanda/bamboo/internal/usage"
	"github.com/chillpanda/bamboo/pkg/provider/tts"
)

// Buffering thresholds. A segment is flushed to the provider when it ends in
// sentence punctuation with at least sentenceMinRunes characters, reaches the
// word threshold, goes quiet past the wait deadline, or hits the byte cap.
const (
	defaultMinBufferWords = 8
	defaultMaxBufferWait  = 2500 * time.Millisecond
	sentenceMinRunes      = 10
	maxSegmentBytes       = 8 << 10
)

// Provider connection policy. Connects are lazy and retried a bounded number
// of times; a task start must be confirmed by the provider within
// taskStartTimeout.
const (
	ttsConnectAttempts = 3
	ttsRetryDelay      = 2 * time.Second
	taskStartTimeout   = 10 * time.Second
)

// errTTSUnavailable marks the provider as unreachable past the retry budget.
// Run translates it into a session close.
var errTTSUnavailable = errors.New("text-to-speech provider unavailable")

// synthState tracks the provider-connection state machine.
type synthState int32

const (
	stateDisconnected synthState = iota
	stateConnecting
	stateIdle
	stateGenerating
	stateFlushing
	stateInterrupted
	stateClosed
)

func (s synthState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateIdle:
		return "idle"
	case stateGenerating:
		return "generating"
	case stateFlushing:
		return "flushing"
	case stateInterrupted:
		return "interrupted"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Synthesizer turns the token stream into speech. It buffers tokens until a
// flush trigger fires, sends each buffered segment to the text-to-speech
// provider, and publishes the provider's audio as base64
// [dispatch.OutboundAudio] events, metered through the usage tracker.
//
// A final transcript is a barge-in: the buffer is dropped, the provider task
// is finished, and [dispatch.ClearBuffer] tells the client to discard queued
// audio. Audio keeps being dropped until the next token arrives.
//
// Lock order: bufMu guards the text buffer and flush timer; connMu guards the
// provider session and task flag. Neither is ever held while acquiring the
// other. The connection state is atomic because the audio listener updates it
// while the send path may be holding connMu.
type Synthesizer struct {
	sessionID string
	provider  tts.Provider
	cfg       tts.SessionConfig
	tracker   *usage.Tracker
	bus       *dispatch.Dispatcher
	metrics   *observe.Metrics

	minBufferWords int
	maxBufferWait  time.Duration
	retryDelay     time.Duration
	taskWait       time.Duration

	tokens  *dispatch.Subscription
	turns   *dispatch.Subscription
	flushes *dispatch.Subscription
	finals  *dispatch.Subscription

	bufMu      sync.Mutex
	buf        strings.Builder
	flushTimer *time.Timer

	connMu   sync.Mutex
	session  tts.Session
	taskOpen bool

	state       atomic.Int32
	interrupted atomic.Bool

	// taskReady receives one signal per confirmed task start.
	taskReady chan struct{}

	wg sync.WaitGroup
}

// SynthOption adjusts Synthesizer construction.
type SynthOption func(*Synthesizer)

// WithMinBufferWords sets the word-count flush threshold. Values below 1 are
// ignored.
func WithMinBufferWords(n int) SynthOption {
	return func(s *Synthesizer) {
		if n >= 1 {
			s.minBufferWords = n
		}
	}
}

// WithMaxBufferWait sets how long a non-empty buffer may sit without new
// tokens before it is flushed. Non-positive values are ignored.
func WithMaxBufferWait(d time.Duration) SynthOption {
	return func(s *Synthesizer) {
		if d > 0 {
			s.maxBufferWait = d
		}
	}
}

// NewSynthesizer builds a Synthesizer for one session. All four topic
// subscriptions are registered here, not in Run, so events published between
// session setup and task start are not lost. Run must be called to drain
// them.
func NewSynthesizer(sessionID string, provider tts.Provider, cfg tts.SessionConfig, tracker *usage.Tracker, bus *dispatch.Dispatcher, opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{
		sessionID:      sessionID,
		provider:       provider,
		cfg:            cfg,
		tracker:        tracker,
		bus:            bus,
		metrics:        observe.DefaultMetrics(),
		minBufferWords: defaultMinBufferWords,
		maxBufferWait:  defaultMaxBufferWait,
		retryDelay:     ttsRetryDelay,
		taskWait:       taskStartTimeout,
		tokens:         bus.Subscribe(sessionID, dispatch.LLMToken),
		turns:          bus.Subscribe(sessionID, dispatch.TurnEnded),
		flushes:        bus.Subscribe(sessionID, dispatch.TTSBufferFlush),
		finals:         bus.Subscribe(sessionID, dispatch.FinalTranscript),
		flushTimer:     newStoppedTimer(),
		taskReady:      make(chan struct{}, 1),
	}
	s.state.Store(int32(stateDisconnected))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes tokens, turn ends, flush requests and barge-ins until ctx is
// cancelled, the dispatcher closes, or the provider stays unreachable past
// the retry budget.
func (s *Synthesizer) Run(ctx context.Context) error {
	defer func() {
		s.tokens.Release()
		s.turns.Release()
		s.flushes.Release()
		s.finals.Release()
		s.shutdown()
	}()

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-s.tokens.Events():
			if !ok {
				return nil
			}
			tok, ok := ev.Data.(dispatch.Token)
			if !ok {
				continue
			}
			err = s.handleToken(ctx, tok.Text)

		case _, ok := <-s.turns.Events():
			if !ok {
				return nil
			}
			err = s.handleTurnEnd(ctx)

		case _, ok := <-s.flushes.Events():
			if !ok {
				return nil
			}
			err = s.handleForcedFlush(ctx)

		case ev, ok := <-s.finals.Events():
			if !ok {
				return nil
			}
			if _, ok := ev.Data.(dispatch.TranscriptText); !ok {
				continue
			}
			s.handleBargeIn()

		case <-s.flushTimer.C:
			err = s.handleTimerFlush(ctx)
		}

		if err != nil {
			if errors.Is(err, errTTSUnavailable) {
				s.bus.Broadcast(s.sessionID, dispatch.SessionClose, dispatch.Close{Reason: dispatch.ReasonTTSUnavailable})
			}
			return err
		}
	}
}

// handleToken appends one delta to the buffer and flushes if a trigger fires.
// The first token after a barge-in resumes normal buffering.
func (s *Synthesizer) handleToken(ctx context.Context, text string) error {
	if s.interrupted.Swap(false) {
		slog.Debug("synthesizer: resuming after interrupt", "session_id", s.sessionID)
	}

	s.bufMu.Lock()
	s.buf.WriteString(text)
	var segment string
	if s.shouldFlushLocked() {
		s.stopTimerLocked()
		segment = s.takeLocked()
	} else if s.buf.Len() > 0 {
		s.armTimerLocked()
	}
	s.bufMu.Unlock()

	if segment == "" {
		return nil
	}
	return s.sendSegment(ctx, segment)
}

// handleTurnEnd flushes whatever the buffer still holds and finishes the
// provider task. Queued token events are drained first: tokens and turn ends
// travel on different topics, so the turn-end event can be delivered while
// the tail of the reply is still queued.
func (s *Synthesizer) handleTurnEnd(ctx context.Context) error {
	if err := s.drainTokens(ctx); err != nil {
		return err
	}
	if err := s.flushNow(ctx); err != nil {
		return err
	}
	s.finishTask(stateFlushing)
	return nil
}

// handleForcedFlush flushes the buffer regardless of size, leaving the
// provider task open.
func (s *Synthesizer) handleForcedFlush(ctx context.Context) error {
	if err := s.drainTokens(ctx); err != nil {
		return err
	}
	return s.flushNow(ctx)
}

// handleTimerFlush fires when the buffer went quiet past the wait deadline.
// The timer expiry already consumed the timer channel, so there is nothing to
// stop.
func (s *Synthesizer) handleTimerFlush(ctx context.Context) error {
	s.bufMu.Lock()
	segment := s.takeLocked()
	s.bufMu.Unlock()

	if segment == "" || s.interrupted.Load() {
		return nil
	}
	return s.sendSegment(ctx, segment)
}

// handleBargeIn reacts to a final transcript while audio may be playing: drop
// the buffer, stop the provider task, and tell the client to clear its queue.
func (s *Synthesizer) handleBargeIn() {
	s.interrupted.Store(true)

	s.bufMu.Lock()
	s.stopTimerLocked()
	s.buf.Reset()
	s.bufMu.Unlock()

	s.finishTask(stateInterrupted)
	s.bus.Broadcast(s.sessionID, dispatch.ClearBuffer, dispatch.Clear{Source: "tts_interrupt"})
	slog.Debug("synthesizer: barge-in", "session_id", s.sessionID)
}

// drainTokens consumes every queued token event without blocking.
func (s *Synthesizer) drainTokens(ctx context.Context) error {
	for {
		ev, ok := s.tokens.TryNext()
		if !ok {
			return nil
		}
		tok, ok := ev.Data.(dispatch.Token)
		if !ok {
			continue
		}
		if err := s.handleToken(ctx, tok.Text); err != nil {
			return err
		}
	}
}

// flushNow empties the buffer and sends it as one segment, unless a barge-in
// is pending.
func (s *Synthesizer) flushNow(ctx context.Context) error {
	s.bufMu.Lock()
	s.stopTimerLocked()
	segment := s.takeLocked()
	s.bufMu.Unlock()

	if segment == "" || s.interrupted.Load() {
		return nil
	}
	return s.sendSegment(ctx, segment)
}

// shouldFlushLocked reports whether the buffer hit a flush trigger. Callers
// hold bufMu.
func (s *Synthesizer) shouldFlushLocked() bool {
	text := s.buf.String()
	if len(text) >= maxSegmentBytes {
		return true
	}
	trimmed := strings.TrimRight(text, " \t\r\n")
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if (last == '.' || last == '!' || last == '?') && utf8.RuneCountInString(trimmed) >= sentenceMinRunes {
		return true
	}
	return len(strings.Fields(text)) >= s.minBufferWords
}

// takeLocked empties the buffer and returns its content. Callers hold bufMu.
func (s *Synthesizer) takeLocked() string {
	text := s.buf.String()
	s.buf.Reset()
	return text
}

// armTimerLocked restarts the inactivity timer. Callers hold bufMu.
func (s *Synthesizer) armTimerLocked() {
	s.stopTimerLocked()
	s.flushTimer.Reset(s.maxBufferWait)
}

// stopTimerLocked stops the inactivity timer, draining a pending expiry so
// the next Reset does not fire immediately (per the time.Timer
// documentation). Callers hold bufMu.
func (s *Synthesizer) stopTimerLocked() {
	if !s.flushTimer.Stop() {
		select {
		case <-s.flushTimer.C:
		default:
		}
	}
}

// sendSegment ships one buffered segment to the provider, connecting and
// opening a task as needed. Soft failures drop the provider session so the
// next segment reconnects; only a connect that exhausts its retry budget is
// returned as an error.
func (s *Synthesizer) sendSegment(ctx context.Context, text string) error {
	// Strip markdown emphasis markers; they are noise when spoken.
	text = strings.ReplaceAll(text, "*", "")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !s.tracker.VoiceEnabled() {
		slog.Debug("synthesizer: voice disabled, dropping segment", "session_id", s.sessionID)
		return nil
	}

	started := time.Now()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if synthState(s.state.Load()) == stateClosed {
		return nil
	}
	if err := s.ensureSessionLocked(ctx); err != nil {
		return err
	}
	if err := s.ensureTaskLocked(ctx); err != nil {
		slog.Warn("synthesizer: task start failed", "session_id", s.sessionID, "err", err)
		s.dropSessionLocked()
		return nil
	}
	if err := s.session.SendText(text); err != nil {
		slog.Warn("synthesizer: send text failed", "session_id", s.sessionID, "err", err)
		s.dropSessionLocked()
		return nil
	}
	s.metrics.TTSFlushes.Add(ctx, 1)
	s.metrics.FlushLatency.Record(ctx, time.Since(started).Seconds())
	return nil
}

// ensureSessionLocked lazily connects to the provider, retrying a bounded
// number of times. Callers hold connMu.
func (s *Synthesizer) ensureSessionLocked(ctx context.Context) error {
	if s.session != nil {
		return nil
	}
	s.state.Store(int32(stateConnecting))

	var lastErr error
	for attempt := 1; attempt <= ttsConnectAttempts; attempt++ {
		session, err := s.provider.StartSession(ctx, s.cfg)
		if err == nil {
			s.session = session
			s.state.Store(int32(stateIdle))
			s.wg.Add(1)
			go s.listen(session)
			slog.Info("synthesizer: provider connected", "session_id", s.sessionID, "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("synthesizer: connect failed",
			"session_id", s.sessionID, "attempt", attempt, "err", err)
		if attempt < ttsConnectAttempts {
			select {
			case <-ctx.Done():
				s.state.Store(int32(stateDisconnected))
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	s.state.Store(int32(stateDisconnected))
	return fmt.Errorf("%w: connect after %d attempts: %w", errTTSUnavailable, ttsConnectAttempts, lastErr)
}

// ensureTaskLocked opens a synthesis task if none is open, waiting for the
// provider's confirmation. Callers hold connMu.
func (s *Synthesizer) ensureTaskLocked(ctx context.Context) error {
	if s.taskOpen {
		return nil
	}

	// Drop a stale confirmation left over from a task whose wait timed out.
	select {
	case <-s.taskReady:
	default:
	}

	if err := s.session.StartTask(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	wait := time.NewTimer(s.taskWait)
	defer wait.Stop()
	select {
	case <-s.taskReady:
	case <-wait.C:
		return fmt.Errorf("task start not confirmed within %s", s.taskWait)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.taskOpen = true
	s.state.Store(int32(stateGenerating))
	return nil
}

// finishTask flushes and closes the open provider task, if any, and moves the
// state machine to next until the provider confirms.
func (s *Synthesizer) finishTask(next synthState) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.session == nil || !s.taskOpen {
		return
	}
	if err := s.session.Flush(); err != nil {
		slog.Warn("synthesizer: flush failed", "session_id", s.sessionID, "err", err)
	}
	if err := s.session.FinishTask(); err != nil {
		slog.Warn("synthesizer: finish task failed", "session_id", s.sessionID, "err", err)
	}
	s.taskOpen = false
	s.state.Store(int32(next))
}

// dropSessionLocked closes and forgets the provider session after a send
// failure. The next segment reconnects lazily. Callers hold connMu.
func (s *Synthesizer) dropSessionLocked() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		slog.Debug("synthesizer: close session", "session_id", s.sessionID, "err", err)
	}
	s.session = nil
	s.taskOpen = false
	if synthState(s.state.Load()) != stateClosed {
		s.state.Store(int32(stateDisconnected))
	}
}

// listen consumes provider events for the lifetime of one connection. It
// forwards audio, confirms task starts, and tracks task completion. It exits
// when the provider closes the event channel.
func (s *Synthesizer) listen(session tts.Session) {
	defer s.wg.Done()

	for ev := range session.Events() {
		switch ev.Type {
		case tts.EventTaskStarted:
			select {
			case s.taskReady <- struct{}{}:
			default:
			}

		case tts.EventAudio:
			s.forwardAudio(ev.Audio)

		case tts.EventTaskFinished:
			// CAS keeps this lock-free: the send path may be holding
			// connMu waiting for the next task start.
			if !s.state.CompareAndSwap(int32(stateFlushing), int32(stateIdle)) {
				s.state.CompareAndSwap(int32(stateInterrupted), int32(stateIdle))
			}

		case tts.EventError:
			slog.Warn("synthesizer: provider error", "session_id", s.sessionID, "err", ev.Err)

		case tts.EventClosed:
			s.connMu.Lock()
			if s.session == session {
				s.session = nil
				s.taskOpen = false
				if synthState(s.state.Load()) != stateClosed {
					s.state.Store(int32(stateDisconnected))
				}
			}
			s.connMu.Unlock()
			return
		}
	}
}

// forwardAudio meters one provider chunk and publishes it for the client.
// Chunks are dropped while a barge-in is pending; a chunk the tracker denies
// flips the interrupted flag so the rest of the segment is dropped too.
func (s *Synthesizer) forwardAudio(chunk []byte) {
	if len(chunk) == 0 || s.interrupted.Load() {
		return
	}
	if !s.tracker.TrackChunk(chunk) {
		s.interrupted.Store(true)
		slog.Info("synthesizer: usage limit reached, suppressing audio", "session_id", s.sessionID)
		return
	}
	s.bus.Broadcast(s.sessionID, dispatch.OutboundAudio, dispatch.Audio{
		B64: base64.StdEncoding.EncodeToString(chunk),
	})
}

// shutdown closes the provider session and waits for the audio listener.
func (s *Synthesizer) shutdown() {
	s.connMu.Lock()
	s.state.Store(int32(stateClosed))
	session := s.session
	s.session = nil
	s.taskOpen = false
	s.connMu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			slog.Debug("synthesizer: close session", "session_id", s.sessionID, "err", err)
		}
	}
	s.wg.Wait()
}

// newStoppedTimer returns a timer that will not fire until Reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}
