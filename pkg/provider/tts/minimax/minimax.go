// Package minimax provides a Minimax-backed TTS provider using the Minimax
// t2a_v2 streaming WebSocket API. It implements the tts.Provider interface.
//
// The Minimax protocol is task-oriented: after a connected_success handshake
// the client sends task_start and waits for task_started, streams text with
// task_continue, and ends the task with task_finish. Synthesized audio arrives
// hex-encoded in data.audio fields; is_final marks the end of a task's audio.
package minimax

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chillpanda/bamboo/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	minimaxEndpoint = "wss://api.minimax.io/ws/v1/t2a_v2"
	defaultModel    = "speech-2.6-turbo"
	defaultVoice    = "English_expressive_narrator"

	defaultSampleRate = 16000
	defaultBitrate    = 128000

	// handshakeTimeout bounds the wait for connected_success after dialing.
	handshakeTimeout = 10 * time.Second

	// taskStartTimeout bounds the wait for task_started after task_start.
	taskStartTimeout = 10 * time.Second

	// pingInterval keeps the connection alive between tasks. Minimax drops
	// connections that stay silent too long.
	pingInterval = 30 * time.Second
)

// Option is a functional option for configuring the Minimax Provider.
type Option func(*Provider)

// WithModel sets the Minimax speech model (e.g., "speech-2.6-turbo",
// "speech-2.6-hd").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used for testing.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the Minimax streaming API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a new Minimax Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("minimax: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: minimaxEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartSession dials the Minimax WebSocket, performs the connected_success
// handshake, and returns a Session ready for StartTask.
func (p *Provider) StartSession(ctx context.Context, cfg tts.SessionConfig) (tts.Session, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("minimax: dial: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, raw, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "handshake failed")
		return nil, fmt.Errorf("minimax: read handshake: %w", err)
	}
	msg, err := decodeServerMessage(raw)
	if err != nil || msg.Event != "connected_success" {
		conn.Close(websocket.StatusAbnormalClosure, "handshake failed")
		return nil, fmt.Errorf("minimax: unexpected handshake message %q", string(raw))
	}

	startMsg, err := buildTaskStart(p.model, cfg)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "bad config")
		return nil, fmt.Errorf("minimax: build task_start: %w", err)
	}

	sess := &session{
		conn:     conn,
		startMsg: startMsg,
		events:   make(chan tts.Event, 64),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.pingLoop(ctx)

	return sess, nil
}

// ---- wire format ----

type voiceSetting struct {
	VoiceID              string  `json:"voice_id"`
	Speed                float64 `json:"speed"`
	Vol                  float64 `json:"vol"`
	Pitch                float64 `json:"pitch"`
	EnglishNormalization bool    `json:"english_normalization"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type taskStartMessage struct {
	Event        string       `json:"event"`
	Model        string       `json:"model"`
	VoiceSetting voiceSetting `json:"voice_setting"`
	AudioSetting audioSetting `json:"audio_setting"`
}

type taskTextMessage struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

// serverMessage is the envelope Minimax sends for every event and audio chunk.
type serverMessage struct {
	Event   string `json:"event"`
	IsFinal bool   `json:"is_final"`
	Data    struct {
		Audio string `json:"audio"`
	} `json:"data"`
}

// buildTaskStart assembles the task_start payload from the session config,
// filling Minimax defaults for zero-valued fields.
func buildTaskStart(model string, cfg tts.SessionConfig) ([]byte, error) {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	speed := cfg.Speed
	if speed == 0 {
		speed = 1.0
	}
	vol := cfg.Volume
	if vol == 0 {
		vol = 1.0
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	msg := taskStartMessage{
		Event: "task_start",
		Model: model,
		VoiceSetting: voiceSetting{
			VoiceID: voice,
			Speed:   speed,
			Vol:     vol,
			Pitch:   cfg.Pitch,
		},
		AudioSetting: audioSetting{
			SampleRate: sr,
			Bitrate:    defaultBitrate,
			Format:     "pcm",
			Channel:    1,
		},
	}
	return json.Marshal(msg)
}

// decodeServerMessage parses a raw Minimax WebSocket message.
func decodeServerMessage(data []byte) (serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{}, err
	}
	return msg, nil
}

// cleanText strips markdown asterisks and surrounding whitespace; the model
// otherwise reads emphasis markers aloud.
func cleanText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "*", ""))
}

// ---- session ----

// session is a live Minimax synthesis connection. It implements tts.Session.
type session struct {
	conn     *websocket.Conn
	startMsg []byte
	events   chan tts.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	wmu sync.Mutex // serializes conn writes

	mu         sync.Mutex
	closed     bool
	taskOpen   bool
	awaitStart chan struct{}
}

// StartTask sends task_start and arms the task_started deadline. The provider
// confirms with EventTaskStarted on the Events channel.
func (s *session) StartTask(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("minimax: session is closed")
	}
	if s.taskOpen {
		s.mu.Unlock()
		return errors.New("minimax: task already in progress")
	}
	s.taskOpen = true
	await := make(chan struct{})
	s.awaitStart = await
	// Registered under mu so Close cannot start waiting between the check
	// above and this Add.
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.write(ctx, s.startMsg); err != nil {
		s.mu.Lock()
		s.taskOpen = false
		s.awaitStart = nil
		s.mu.Unlock()
		s.wg.Done()
		return fmt.Errorf("minimax: send task_start: %w", err)
	}

	go func() {
		defer s.wg.Done()
		select {
		case <-await:
		case <-time.After(taskStartTimeout):
			s.emit(tts.Event{Type: tts.EventError, Err: errors.New("minimax: timeout waiting for task_started")})
		case <-s.done:
		}
	}()

	return nil
}

// SendText streams a text fragment into the current task. Empty fragments
// (after cleaning) are dropped silently.
func (s *session) SendText(text string) error {
	clean := cleanText(text)
	if clean == "" {
		return nil
	}

	s.mu.Lock()
	open := s.taskOpen
	s.mu.Unlock()
	if !open {
		return errors.New("minimax: no task in progress")
	}

	payload, err := json.Marshal(taskTextMessage{Event: "task_continue", Text: clean})
	if err != nil {
		return fmt.Errorf("minimax: marshal task_continue: %w", err)
	}
	if err := s.write(context.Background(), payload); err != nil {
		return fmt.Errorf("minimax: send task_continue: %w", err)
	}
	return nil
}

// FinishTask ends the current task. Remaining buffered text is synthesized by
// the server before it reports is_final.
func (s *session) FinishTask() error {
	s.mu.Lock()
	if !s.taskOpen {
		s.mu.Unlock()
		return errors.New("minimax: no task in progress")
	}
	s.taskOpen = false
	s.awaitStart = nil
	s.mu.Unlock()

	if err := s.write(context.Background(), []byte(`{"event":"task_finish"}`)); err != nil {
		return fmt.Errorf("minimax: send task_finish: %w", err)
	}
	return nil
}

// Flush is a no-op: the Minimax protocol has no mid-task flush; task_finish is
// the only way to force out buffered text.
func (s *session) Flush() error {
	return nil
}

// Events returns the session notification channel.
func (s *session) Events() <-chan tts.Event {
	return s.events
}

// Close ends any open task, closes the connection, and emits EventClosed.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		open := s.taskOpen
		s.taskOpen = false
		s.awaitStart = nil
		s.mu.Unlock()
		if open {
			// Best effort; the connection is going away regardless.
			_ = s.write(context.Background(), []byte(`{"event":"task_finish"}`))
		}

		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()

		select {
		case s.events <- tts.Event{Type: tts.EventClosed}:
		default:
		}
		close(s.events)
	})
	return nil
}

// write serializes access to the WebSocket; coder/websocket allows only one
// concurrent writer.
func (s *session) write(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return errors.New("minimax: session is closed")
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(ev tts.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// readLoop receives server messages and turns them into session events.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(tts.Event{Type: tts.EventError, Err: fmt.Errorf("minimax: read: %w", err)})
			}
			return
		}

		msg, err := decodeServerMessage(raw)
		if err != nil {
			continue
		}
		s.handleMessage(msg)
	}
}

// handleMessage dispatches one decoded server message.
func (s *session) handleMessage(msg serverMessage) {
	switch msg.Event {
	case "task_started":
		s.mu.Lock()
		if s.awaitStart != nil {
			close(s.awaitStart)
			s.awaitStart = nil
		}
		s.mu.Unlock()
		s.emit(tts.Event{Type: tts.EventTaskStarted})
		return

	case "task_failed":
		s.mu.Lock()
		s.taskOpen = false
		s.awaitStart = nil
		s.mu.Unlock()
		s.emit(tts.Event{Type: tts.EventError, Err: errors.New("minimax: task failed")})
		return
	}

	if msg.Data.Audio != "" {
		audio, err := hex.DecodeString(msg.Data.Audio)
		if err != nil {
			s.emit(tts.Event{Type: tts.EventError, Err: fmt.Errorf("minimax: decode audio: %w", err)})
			return
		}
		if len(audio) > 0 {
			s.emit(tts.Event{Type: tts.EventAudio, Audio: audio})
		}
	}

	if msg.IsFinal {
		s.mu.Lock()
		s.taskOpen = false
		s.mu.Unlock()
		s.emit(tts.Event{Type: tts.EventTaskFinished})
	}
}

// pingLoop keeps the connection alive while no audio is flowing.
func (s *session) pingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				select {
				case <-s.done:
				default:
					s.emit(tts.Event{Type: tts.EventError, Err: fmt.Errorf("minimax: ping: %w", err)})
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

// Ensure session implements tts.Session at compile time.
var _ tts.Session = (*session)(nil)
