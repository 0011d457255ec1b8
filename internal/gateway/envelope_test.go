package gateway

import (
	"encoding/json"
	"testing"

	"github.com/chillpanda/bamboo/internal/dispatch"
)

// The exact JSON below is load-bearing: deployed clients parse these field
// names and expect msg to be an explicit null on markers.
func TestEnvelopeJSONShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   dispatch.Event
		want string
	}{
		{
			name: "streamed token",
			ev:   dispatch.Event{Type: dispatch.LLMToken, Data: dispatch.Token{Text: "Hi"}},
			want: `{"is_text":true,"is_clear_event":false,"is_transcription":false,"is_end":false,"msg":"Hi"}`,
		},
		{
			name: "transcript echo",
			ev:   dispatch.Event{Type: dispatch.FinalTranscript, Data: dispatch.TranscriptText{Text: "i feel calm"}},
			want: `{"is_text":true,"is_clear_event":false,"is_transcription":true,"is_end":true,"msg":"i feel calm"}`,
		},
		{
			name: "turn end marker",
			ev:   dispatch.Event{Type: dispatch.TurnEnded, Data: dispatch.TurnEnd{FullText: "Hi there."}},
			want: `{"is_text":true,"is_clear_event":false,"is_transcription":false,"is_end":true,"msg":null}`,
		},
		{
			name: "error turn end uses the same marker",
			ev:   dispatch.Event{Type: dispatch.TurnEnded, Data: dispatch.TurnEnd{Err: "model overloaded"}},
			want: `{"is_text":true,"is_clear_event":false,"is_transcription":false,"is_end":true,"msg":null}`,
		},
		{
			name: "clear event",
			ev:   dispatch.Event{Type: dispatch.ClearBuffer, Data: dispatch.Clear{Source: "tts_interrupt"}},
			want: `{"is_text":false,"is_clear_event":true,"is_transcription":false,"is_end":false,"msg":null}`,
		},
		{
			name: "audio chunk",
			ev:   dispatch.Event{Type: dispatch.OutboundAudio, Data: dispatch.Audio{B64: "AAECAw=="}},
			want: `{"is_text":false,"audio":"AAECAw=="}`,
		},
		{
			name: "crisis flag",
			ev:   dispatch.Event{Type: dispatch.CrisisDetected, Data: dispatch.Crisis{Critical: true}},
			want: `{"is_critical":true}`,
		},
		{
			name: "voice disabled",
			ev:   dispatch.Event{Type: dispatch.VoiceDisabled, Data: dispatch.Disabled{Reason: "session_limit_reached"}},
			want: `{"type":"voice_disabled","reason":"session_limit_reached","voice_disabled":true,"is_text":false,"is_clear_event":false}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, ok := envelopeFor(tc.ev)
			if !ok {
				t.Fatal("envelopeFor returned ok=false")
			}
			data, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tc.want {
				t.Errorf("envelope = %s\nwant       %s", data, tc.want)
			}
		})
	}
}

func TestEnvelopeForSkipsUnforwardedEvents(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   dispatch.Event
	}{
		{"inbound frame", dispatch.Event{Type: dispatch.InboundFrame, Data: dispatch.Frame{Text: "hi"}}},
		{"interim transcript", dispatch.Event{Type: dispatch.InterimTranscript, Data: dispatch.TranscriptText{Text: "par"}}},
		{"tool call", dispatch.Event{Type: dispatch.LLMToolCall, Data: dispatch.ToolCalls{}}},
		{"session close", dispatch.Event{Type: dispatch.SessionClose, Data: dispatch.Close{Reason: dispatch.ReasonPeerClosed}}},
		{"flush control", dispatch.Event{Type: dispatch.TTSBufferFlush}},
		{"empty token", dispatch.Event{Type: dispatch.LLMToken, Data: dispatch.Token{}}},
		{"empty audio", dispatch.Event{Type: dispatch.OutboundAudio, Data: dispatch.Audio{}}},
		{"wrong payload shape", dispatch.Event{Type: dispatch.OutboundAudio, Data: dispatch.Token{Text: "x"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if env, ok := envelopeFor(tc.ev); ok {
				t.Errorf("envelopeFor forwarded %v as %#v", tc.ev.Type, env)
			}
		})
	}
}

func TestUsageEnvelopeFields(t *testing.T) {
	t.Parallel()

	alert := dispatch.UsageAlert{
		LimitType:        "daily",
		LimitMinutes:     60,
		UsedMinutes:      48.5,
		RemainingMinutes: 11.5,
		Message:          "You have approximately 11.5 minutes of voice time remaining for this daily limit.",
	}

	env, ok := envelopeFor(dispatch.Event{Type: dispatch.UsageWarning, Data: alert})
	if !ok {
		t.Fatal("warning not forwarded")
	}
	warn, ok := env.(warningEnvelope)
	if !ok {
		t.Fatalf("warning envelope type %T", env)
	}
	if warn.Type != "voice_usage_warning" || warn.RemainingMinutes != 11.5 || warn.Message != alert.Message {
		t.Errorf("unexpected warning envelope: %+v", warn)
	}

	env, ok = envelopeFor(dispatch.Event{Type: dispatch.UsageLimitReached, Data: alert})
	if !ok {
		t.Fatal("limit not forwarded")
	}
	limit, ok := env.(limitEnvelope)
	if !ok {
		t.Fatalf("limit envelope type %T", env)
	}
	if limit.Type != "voice_limit_reached" || !limit.VoiceDisabled || limit.UsedMinutes != 48.5 {
		t.Errorf("unexpected limit envelope: %+v", limit)
	}
}
