// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// SessionConfig. Use Session to script synthesis events and inspect the text
// fragments and task boundaries the caller produced.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.StartSession(ctx, cfg)
//	_ = s.StartTask(ctx) // Auto mode emits EventTaskStarted
package mock

import (
	"context"
	"sync"

	"github.com/chillpanda/bamboo/pkg/provider/tts"
)

// StartSessionCall records a single invocation of Provider.StartSession.
type StartSessionCall struct {
	// Ctx is the context passed to StartSession.
	Ctx context.Context
	// Cfg is the SessionConfig passed to StartSession.
	Cfg tts.SessionConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by StartSession. If nil, StartSession
	// returns NewSession().
	Session tts.Session

	// Sessions, if non-empty, scripts the session returned by each successive
	// StartSession call: call i returns Sessions[i]. Calls beyond the script
	// fall back to Session (or NewSession()).
	Sessions []tts.Session

	// StartSessionErr, if non-nil, is returned as the error from StartSession.
	StartSessionErr error

	// StartSessionErrs, if non-empty, scripts the error returned by each
	// successive StartSession call (nil means success). Calls beyond the
	// script fall back to StartSessionErr.
	StartSessionErrs []error

	// StartSessionCalls records every call to StartSession.
	StartSessionCalls []StartSessionCall
}

// StartSession records the call and returns the scripted or configured result.
func (p *Provider) StartSession(ctx context.Context, cfg tts.SessionConfig) (tts.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.StartSessionCalls)
	p.StartSessionCalls = append(p.StartSessionCalls, StartSessionCall{Ctx: ctx, Cfg: cfg})

	if n < len(p.StartSessionErrs) {
		if err := p.StartSessionErrs[n]; err != nil {
			return nil, err
		}
	} else if p.StartSessionErr != nil {
		return nil, p.StartSessionErr
	}

	if n < len(p.Sessions) {
		return p.Sessions[n], nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// StartSessionCallCount returns the number of StartSession calls. Thread-safe.
func (p *Provider) StartSessionCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartSessionCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	// Text is the fragment passed to SendText.
	Text string
}

// Session is a mock implementation of tts.Session.
//
// In Auto mode (the default from NewSession) the task lifecycle is simulated:
// StartTask emits EventTaskStarted, FinishTask emits EventTaskFinished, and
// Close emits EventClosed and closes EventsCh. With Auto false the test owns
// EventsCh entirely and must feed and close it itself.
type Session struct {
	mu     sync.Mutex
	closed bool

	// EventsCh is returned by Events. Must be non-nil before use.
	EventsCh chan tts.Event

	// Auto enables the simulated task lifecycle described above.
	Auto bool

	// StartTaskErr, if non-nil, is returned from StartTask (no event emitted).
	StartTaskErr error

	// SendTextErr, if non-nil, is returned from SendText.
	SendTextErr error

	// FinishTaskErr, if non-nil, is returned from FinishTask (no event emitted).
	FinishTaskErr error

	// FlushErr is returned by Flush.
	FlushErr error

	// CloseErr is returned by Close.
	CloseErr error

	// StartTaskCallCount is the number of times StartTask was called.
	StartTaskCallCount int

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// FinishTaskCallCount is the number of times FinishTask was called.
	FinishTaskCallCount int

	// FlushCallCount is the number of times Flush was called.
	FlushCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session in Auto mode with a buffered event channel.
func NewSession() *Session {
	return &Session{
		EventsCh: make(chan tts.Event, 64),
		Auto:     true,
	}
}

// StartTask records the call. In Auto mode it emits EventTaskStarted.
func (s *Session) StartTask(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartTaskCallCount++
	if s.StartTaskErr != nil {
		return s.StartTaskErr
	}
	if s.Auto && !s.closed {
		s.EventsCh <- tts.Event{Type: tts.EventTaskStarted}
	}
	return nil
}

// SendText records the fragment and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Text: text})
	return s.SendTextErr
}

// FinishTask records the call. In Auto mode it emits EventTaskFinished.
func (s *Session) FinishTask() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishTaskCallCount++
	if s.FinishTaskErr != nil {
		return s.FinishTaskErr
	}
	if s.Auto && !s.closed {
		s.EventsCh <- tts.Event{Type: tts.EventTaskFinished}
	}
	return nil
}

// Flush records the call and returns FlushErr.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCallCount++
	return s.FlushErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan tts.Event {
	return s.EventsCh
}

// EmitAudio pushes an EventAudio carrying data onto EventsCh. Convenience for
// tests scripting synthesis output.
func (s *Session) EmitAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.EventsCh <- tts.Event{Type: tts.EventAudio, Audio: data}
}

// Texts returns the fragments recorded by SendText, in order. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendTextCalls))
	for i, c := range s.SendTextCalls {
		out[i] = c.Text
	}
	return out
}

// Close records the call. In Auto mode the first Close emits EventClosed and
// closes EventsCh. Subsequent calls only increment the counter.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.Auto && !s.closed {
		s.closed = true
		s.EventsCh <- tts.Event{Type: tts.EventClosed}
		close(s.EventsCh)
	}
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartTaskCallCount = 0
	s.SendTextCalls = nil
	s.FinishTaskCallCount = 0
	s.FlushCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements tts.Session at compile time.
var _ tts.Session = (*Session)(nil)
