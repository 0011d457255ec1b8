package dispatch

import "github.com/chillpanda/bamboo/pkg/types"

// MessageType identifies the kind of event carried on a topic. The set is
// closed: every event flowing through the [Dispatcher] uses one of these
// constants, and components switch on them exhaustively.
type MessageType string

const (
	// InboundFrame carries raw bytes or text received from the client socket.
	InboundFrame MessageType = "INBOUND_FRAME"

	// InterimTranscript is a partial STT hypothesis, superseded by later events.
	InterimTranscript MessageType = "INTERIM_TRANSCRIPT"

	// FinalTranscript is an authoritative STT result that opens a turn.
	FinalTranscript MessageType = "FINAL_TRANSCRIPT"

	// LLMToken is one streamed text delta from the model.
	LLMToken MessageType = "LLM_TOKEN"

	// LLMToolCall carries fully accumulated tool invocations for a turn.
	LLMToolCall MessageType = "LLM_TOOL_CALL"

	// TurnEnded closes the open turn and carries the full assistant text.
	TurnEnded MessageType = "TURN_END"

	// TTSBufferFlush forces the synthesizer to flush its smart buffer and
	// finalize the current audio segment.
	TTSBufferFlush MessageType = "TTS_BUFFER_FLUSH"

	// OutboundAudio is a base64-encoded PCM chunk bound for the client.
	OutboundAudio MessageType = "OUTBOUND_AUDIO"

	// OutboundText is a text event bound for the client: transcript echo,
	// streamed assistant text, or the turn-end marker.
	OutboundText MessageType = "OUTBOUND_TEXT"

	// ClearBuffer tells the client to discard all queued audio.
	ClearBuffer MessageType = "CLEAR_BUFFER"

	// UsageWarning fires once per period when usage crosses the warning ratio.
	UsageWarning MessageType = "USAGE_WARNING"

	// UsageLimitReached fires when a quota period is exhausted.
	UsageLimitReached MessageType = "USAGE_LIMIT_REACHED"

	// VoiceDisabled announces that audio synthesis is suppressed for the
	// rest of the session.
	VoiceDisabled MessageType = "VOICE_DISABLED"

	// AbuseDetected is an advisory event recorded by the abuse heuristics.
	AbuseDetected MessageType = "ABUSE_DETECTED"

	// CrisisDetected flags a user utterance as a safety-critical signal.
	CrisisDetected MessageType = "CRISIS_DETECTED"

	// SessionClose is the terminal signal; the supervisor tears the session
	// down when it observes it.
	SessionClose MessageType = "SESSION_CLOSE"
)

// Session close reasons.
const (
	ReasonPeerClosed     = "peer_closed"
	ReasonSTTUnavailable = "stt_unavailable"
	ReasonTTSUnavailable = "tts_unavailable"
	ReasonSupervisor     = "supervisor_shutdown"
)

// ─── Event payloads ──────────────────────────────────────────────────────────
//
// Each MessageType carries at most one of the structs below in [Event.Data].
// TTSBufferFlush carries nil.

// Frame is the payload of [InboundFrame].
type Frame struct {
	// Binary is true for raw PCM frames, false for text frames.
	Binary bool

	// Data holds the PCM bytes when Binary is true.
	Data []byte

	// Text holds the decoded text when Binary is false.
	Text string
}

// TranscriptText is the payload of [InterimTranscript] and [FinalTranscript].
type TranscriptText struct {
	Text string
}

// Token is the payload of [LLMToken].
type Token struct {
	Text string
}

// ToolCalls is the payload of [LLMToolCall].
type ToolCalls struct {
	Calls []types.ToolCall
}

// TurnEnd is the payload of [TurnEnded]. Err is non-empty when the turn was
// terminated by a provider error.
type TurnEnd struct {
	FullText string
	Err      string
}

// Audio is the payload of [OutboundAudio]. B64 is standard base64 of raw
// PCM16 mono bytes.
type Audio struct {
	B64 string
}

// Text is the payload of [OutboundText].
type Text struct {
	Msg string

	// Transcription marks Msg as an echoed user transcript.
	Transcription bool

	// End marks the turn terminator. A turn-end marker carries End with an
	// empty Msg.
	End bool
}

// Clear is the payload of [ClearBuffer].
type Clear struct {
	Source string
}

// UsageAlert is the payload of [UsageWarning] and [UsageLimitReached].
type UsageAlert struct {
	// LimitType is one of "session", "daily", "monthly".
	LimitType string

	LimitMinutes     int
	UsedMinutes      float64
	RemainingMinutes float64
	Message          string
}

// Disabled is the payload of [VoiceDisabled].
type Disabled struct {
	// Reason is "<period>_limit_reached".
	Reason string
}

// Abuse is the payload of [AbuseDetected].
type Abuse struct {
	EventType string
	Message   string
}

// Crisis is the payload of [CrisisDetected].
type Crisis struct {
	Critical bool
}

// Close is the payload of [SessionClose].
type Close struct {
	Reason string
}
