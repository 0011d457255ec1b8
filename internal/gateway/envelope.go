package gateway

import "github.com/chillpanda/bamboo/internal/dispatch"

// The envelope shapes below are the wire contract with the companion
// clients. Text events always carry the full flag set, with msg null for
// the turn-end marker; usage and abuse events carry a type discriminator
// instead. Field names and presence must not change without a client
// rollout.

type textEnvelope struct {
	IsText          bool    `json:"is_text"`
	IsClearEvent    bool    `json:"is_clear_event"`
	IsTranscription bool    `json:"is_transcription"`
	IsEnd           bool    `json:"is_end"`
	Msg             *string `json:"msg"`
}

type audioEnvelope struct {
	IsText bool   `json:"is_text"`
	Audio  string `json:"audio"`
}

type limitEnvelope struct {
	Type          string  `json:"type"`
	LimitType     string  `json:"limit_type"`
	LimitMinutes  int     `json:"limit_minutes"`
	UsedMinutes   float64 `json:"used_minutes"`
	Message       string  `json:"message"`
	VoiceDisabled bool    `json:"voice_disabled"`
	IsText        bool    `json:"is_text"`
	IsClearEvent  bool    `json:"is_clear_event"`
}

type warningEnvelope struct {
	Type             string  `json:"type"`
	LimitType        string  `json:"limit_type"`
	LimitMinutes     int     `json:"limit_minutes"`
	UsedMinutes      float64 `json:"used_minutes"`
	RemainingMinutes float64 `json:"remaining_minutes"`
	Message          string  `json:"message"`
	IsText           bool    `json:"is_text"`
	IsClearEvent     bool    `json:"is_clear_event"`
}

type disabledEnvelope struct {
	Type          string `json:"type"`
	Reason        string `json:"reason"`
	VoiceDisabled bool   `json:"voice_disabled"`
	IsText        bool   `json:"is_text"`
	IsClearEvent  bool   `json:"is_clear_event"`
}

type abuseEnvelope struct {
	Type         string `json:"type"`
	EventType    string `json:"event_type"`
	Message      string `json:"message"`
	IsText       bool   `json:"is_text"`
	IsClearEvent bool   `json:"is_clear_event"`
}

type crisisEnvelope struct {
	IsCritical bool `json:"is_critical"`
}

// envelopeFor converts one bus event into its client envelope. The second
// return is false for event types the socket does not forward and for
// payloads of an unexpected shape; the caller drops those.
func envelopeFor(ev dispatch.Event) (any, bool) {
	switch ev.Type {
	case dispatch.OutboundAudio:
		audio, ok := ev.Data.(dispatch.Audio)
		if !ok || audio.B64 == "" {
			return nil, false
		}
		return audioEnvelope{Audio: audio.B64}, true

	case dispatch.OutboundText:
		txt, ok := ev.Data.(dispatch.Text)
		if !ok {
			return nil, false
		}
		return textEvent(txt.Msg, txt.Transcription, txt.End), true

	case dispatch.FinalTranscript:
		tr, ok := ev.Data.(dispatch.TranscriptText)
		if !ok || tr.Text == "" {
			return nil, false
		}
		return textEvent(tr.Text, true, true), true

	case dispatch.LLMToken:
		tok, ok := ev.Data.(dispatch.Token)
		if !ok || tok.Text == "" {
			return nil, false
		}
		return textEvent(tok.Text, false, false), true

	case dispatch.TurnEnded:
		// Error turns get the same marker as clean ones; the failure is
		// logged server-side and the client just sees the turn close.
		if _, ok := ev.Data.(dispatch.TurnEnd); !ok {
			return nil, false
		}
		return textEvent("", false, true), true

	case dispatch.ClearBuffer:
		return textEnvelope{IsClearEvent: true}, true

	case dispatch.UsageWarning:
		alert, ok := ev.Data.(dispatch.UsageAlert)
		if !ok {
			return nil, false
		}
		return warningEnvelope{
			Type:             "voice_usage_warning",
			LimitType:        alert.LimitType,
			LimitMinutes:     alert.LimitMinutes,
			UsedMinutes:      alert.UsedMinutes,
			RemainingMinutes: alert.RemainingMinutes,
			Message:          alert.Message,
		}, true

	case dispatch.UsageLimitReached:
		alert, ok := ev.Data.(dispatch.UsageAlert)
		if !ok {
			return nil, false
		}
		return limitEnvelope{
			Type:          "voice_limit_reached",
			LimitType:     alert.LimitType,
			LimitMinutes:  alert.LimitMinutes,
			UsedMinutes:   alert.UsedMinutes,
			Message:       alert.Message,
			VoiceDisabled: true,
		}, true

	case dispatch.VoiceDisabled:
		dis, ok := ev.Data.(dispatch.Disabled)
		if !ok {
			return nil, false
		}
		return disabledEnvelope{
			Type:          "voice_disabled",
			Reason:        dis.Reason,
			VoiceDisabled: true,
		}, true

	case dispatch.AbuseDetected:
		ab, ok := ev.Data.(dispatch.Abuse)
		if !ok {
			return nil, false
		}
		return abuseEnvelope{
			Type:      "voice_abuse_detected",
			EventType: ab.EventType,
			Message:   ab.Message,
		}, true

	case dispatch.CrisisDetected:
		crisis, ok := ev.Data.(dispatch.Crisis)
		if !ok {
			return nil, false
		}
		return crisisEnvelope{IsCritical: crisis.Critical}, true
	}

	return nil, false
}

// textEvent builds the shared text envelope. An empty msg serializes as
// null, which is how the turn-end marker is framed on the wire.
func textEvent(msg string, transcription, end bool) textEnvelope {
	env := textEnvelope{IsText: true, IsTranscription: transcription, IsEnd: end}
	if msg != "" {
		env.Msg = &msg
	}
	return env
}
