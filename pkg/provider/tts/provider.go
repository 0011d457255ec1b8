// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Minimax) and presents
// a uniform task-oriented streaming interface. The primary entry point is
// StartSession, which opens a long-lived synthesis connection; within a
// session the caller runs sequential tasks, each one reply's worth of speech:
// StartTask, one or more SendText calls as LLM text arrives, then FinishTask.
// Audio and lifecycle notifications flow back on a single Events channel,
// enabling low-latency pipelining between the LLM output and the client
// socket.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// SessionConfig describes the voice and audio format for a new TTS session.
type SessionConfig struct {
	// Voice is the provider-specific voice identifier.
	Voice string

	// Speed adjusts speaking rate (0.5–2.0, 1.0 = default).
	Speed float64

	// Volume adjusts loudness (provider-specific scale, 1.0 = default).
	Volume float64

	// Pitch adjusts pitch (-12 to +12 semitones, 0 = default).
	Pitch float64

	// SampleRate is the output audio sample rate in Hz. The pipeline uses
	// 16000 to match the client playback format.
	SampleRate int
}

// EventType discriminates the variants of Event.
type EventType string

// Event variants emitted on a Session's Events channel.
const (
	// EventAudio carries a decoded PCM audio fragment in Event.Audio.
	EventAudio EventType = "audio"

	// EventTaskStarted confirms the provider accepted a StartTask and is
	// ready to receive text.
	EventTaskStarted EventType = "task_started"

	// EventTaskFinished marks the last audio of the current task as
	// delivered. The session is ready for the next StartTask.
	EventTaskFinished EventType = "task_finished"

	// EventError reports a synthesis failure in Event.Err. The session is
	// unusable afterwards; the caller should Close and reconnect.
	EventError EventType = "error"

	// EventClosed is the terminal event, emitted exactly once before the
	// Events channel closes.
	EventClosed EventType = "closed"
)

// Event is one notification from a synthesis session. Type selects the
// variant; the other fields are populated according to the Type documentation.
type Event struct {
	// Type discriminates which variant this event is.
	Type EventType

	// Audio is a raw PCM fragment, set when Type is EventAudio.
	Audio []byte

	// Err describes the failure, set when Type is EventError.
	Err error
}

// Session represents an open synthesis connection running sequential tasks.
//
// Tasks must not overlap: after StartTask the caller waits for EventTaskStarted
// before SendText, and after FinishTask it waits for EventTaskFinished before
// starting the next task. All methods must be safe for concurrent use with the
// Events consumer.
//
// Callers must call Close when the session is no longer needed and must drain
// Events until it closes; failing to do so may leak goroutines inside the
// provider implementation.
type Session interface {
	// StartTask begins a new synthesis task. The provider answers with
	// EventTaskStarted on the Events channel once it is ready for text, or
	// EventError if the task cannot start. ctx bounds only the send of the
	// request, not the task itself.
	StartTask(ctx context.Context) error

	// SendText delivers a text fragment for synthesis within the current
	// task. Fragments may be whole sentences or smaller pieces; the provider
	// synthesises them in order. Calling SendText outside a task returns an
	// error.
	SendText(text string) error

	// FinishTask tells the provider no more text is coming for the current
	// task. The provider synthesises any remaining buffered text, emits the
	// final EventAudio fragments, then EventTaskFinished.
	FinishTask() error

	// Flush asks the provider to synthesise buffered text immediately
	// without ending the task. Providers with no notion of a mid-task flush
	// implement it as a no-op.
	Flush() error

	// Events returns the read-only notification channel. It delivers
	// EventAudio, EventTaskStarted, EventTaskFinished and EventError values,
	// then a single EventClosed before closing.
	Events() <-chan Event

	// Close terminates the session and releases all associated resources.
	// Any in-flight task is abandoned. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected client).
type Provider interface {
	// StartSession opens a new synthesis session with the given voice and
	// audio configuration. The returned Session is ready for StartTask
	// immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// Session and must call Close when done.
	StartSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
