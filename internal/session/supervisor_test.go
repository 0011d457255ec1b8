package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/gateway"
	"github.com/chillpanda/bamboo/internal/prompt"
	"github.com/chillpanda/bamboo/internal/safety"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	llmmock "github.com/chillpanda/bamboo/pkg/provider/llm/mock"
	sttmock "github.com/chillpanda/bamboo/pkg/provider/stt/mock"
	ttsmock "github.com/chillpanda/bamboo/pkg/provider/tts/mock"
	storemock "github.com/chillpanda/bamboo/pkg/store/mock"
	"github.com/chillpanda/bamboo/pkg/types"
)

const supSession = "a1b2c3d4-5e6f-4a7b-8c9d-0e1f2a3b4c5d"

func deviceParams() gateway.Params {
	return gateway.Params{
		UserID:    "u-17",
		SessionID: supSession,
		Source:    config.SourceDevice,
		Language:  config.LangEnglish,
		Role:      config.RoleCoach,
	}
}

// sessionFixture is one live supervised session: mock providers and a mock
// store behind a real websocket pair and a running RunSession call.
type sessionFixture struct {
	bus        *dispatch.Dispatcher
	stt        *sttmock.Provider
	llm        *llmmock.Provider
	tts        *ttsmock.Provider
	ttsSession *ttsmock.Session
	store      *storemock.Store

	client *websocket.Conn
	errc   chan error
	cancel context.CancelFunc
}

// newSessionFixture builds the mock set for one session. Script the mocks
// first, then call start; everything set before start is visible to the
// session's goroutines.
func newSessionFixture() *sessionFixture {
	f := &sessionFixture{
		bus:        dispatch.New(),
		stt:        &sttmock.Provider{},
		llm:        &llmmock.Provider{},
		tts:        &ttsmock.Provider{},
		ttsSession: ttsmock.NewSession(),
		store:      storemock.NewStore(),
		errc:       make(chan error, 1),
	}
	f.tts.Session = f.ttsSession
	return f
}

// start runs RunSession behind a test server and connects the client side.
func (f *sessionFixture) start(t *testing.T, p gateway.Params, mutate func(*SupervisorConfig)) {
	t.Helper()

	cfg := SupervisorConfig{
		Bus:           f.bus,
		STT:           f.stt,
		LLM:           f.llm,
		TTS:           f.tts,
		Usage:         f.store,
		Conversations: f.store,
		Session: config.SessionConfig{
			HistoryLimit:  50,
			STTMaxRetries: 2,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := NewSupervisor(cfg)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		f.errc <- sup.RunSession(ctx, conn, p)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()
	client, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	f.client = client

	t.Cleanup(func() {
		cancel()
		client.CloseNow()
		f.bus.Close()
	})
}

func (f *sessionFixture) writeText(t *testing.T, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.client.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (f *sessionFixture) readEnvelope(t *testing.T) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	kind, data, err := f.client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if kind != websocket.MessageText {
		t.Fatalf("server sent frame kind %v, want text", kind)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// awaitEnd expects RunSession to finish and returns its error.
func (f *sessionFixture) awaitEnd(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSessionRunsFullVoiceTurn(t *testing.T) {
	const reply = "Take a slow breath with me."
	f := newSessionFixture()
	f.llm.StreamChunks = []llm.Chunk{{Text: reply, FinishReason: llm.FinishStop}}
	f.start(t, deviceParams(), func(cfg *SupervisorConfig) {
		cfg.Voices = map[config.Language]string{config.LangEnglish: "panda_warm"}
	})

	f.writeText(t, `{"transcribed_text":"i feel nervous"}`)

	// One turn produces the transcript echo, the reply token and the
	// turn-end marker. They ride separate topics, so the set is fixed but
	// not the order.
	var echo, token, marker bool
	for i := 0; i < 3; i++ {
		m := f.readEnvelope(t)
		switch {
		case m["is_transcription"] == true:
			echo = true
			if m["msg"] != "i feel nervous" {
				t.Errorf("echo msg = %v", m["msg"])
			}
		case m["msg"] == reply:
			token = true
			if m["is_end"] != false {
				t.Errorf("token envelope marked as end: %v", m)
			}
		case m["is_end"] == true && m["msg"] == nil:
			marker = true
		default:
			t.Errorf("unexpected envelope %v", m)
		}
	}
	if !echo || !token || !marker {
		t.Fatalf("missing envelopes: echo=%v token=%v marker=%v", echo, token, marker)
	}

	waitFor(t, func() bool { return f.stt.StartStreamCallCount() == 1 }, "recognition stream opened")
	if cfg := f.stt.StartStreamCalls[0].Cfg; cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "en" {
		t.Errorf("recognition config = %+v", cfg)
	}
	waitFor(t, func() bool { return f.tts.StartSessionCallCount() == 1 }, "synthesis session opened")
	if cfg := f.tts.StartSessionCalls[0].Cfg; cfg.Voice != "panda_warm" || cfg.SampleRate != 16000 {
		t.Errorf("synthesis config = %+v", cfg)
	}

	// Synthesis output flows back to the client as a base64 audio frame.
	waitFor(t, func() bool { return len(f.ttsSession.Texts()) >= 1 }, "reply text reached synthesis")
	f.ttsSession.EmitAudio([]byte{1, 2, 3, 4})
	m := f.readEnvelope(t)
	if m["is_text"] != false || m["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Fatalf("audio envelope = %v", m)
	}

	waitFor(t, func() bool { return f.store.CallCount("AppendMessage") == 2 }, "conversation persisted")

	if err := f.client.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if err := f.awaitEnd(t); err != nil {
		t.Fatalf("RunSession returned %v, want nil on peer close", err)
	}

	msgs, err := f.store.History(context.Background(), supSession, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var gotUser, gotAssistant bool
	for _, msg := range msgs {
		if msg.Role == "user" && msg.Content == "i feel nervous" {
			gotUser = true
		}
		if msg.Role == "assistant" && msg.Content == reply {
			gotAssistant = true
		}
	}
	if !gotUser || !gotAssistant {
		t.Errorf("stored conversation %+v missing a side of the exchange", msgs)
	}

	req := f.llm.StreamCalls[0].Req
	if len(req.Messages) != 2 {
		t.Fatalf("model got %d messages, want system + user", len(req.Messages))
	}
	if req.Messages[0].Role != types.RoleSystem ||
		req.Messages[0].Content != prompt.Build(config.RoleCoach, config.LangEnglish) {
		t.Errorf("system message not composed from role and language")
	}
	if req.Messages[1].Role != types.RoleUser || req.Messages[1].Content != "i feel nervous" {
		t.Errorf("user message = %+v", req.Messages[1])
	}
}

func TestSessionSeedsStoredHistory(t *testing.T) {
	f := newSessionFixture()
	ctx := context.Background()
	if err := f.store.EnsureConversation(ctx, supSession, "u-17"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	for _, m := range []struct{ role, content string }{
		{"user", "we talked before"},
		{"assistant", "I remember."},
		{"user", "good"},
	} {
		if _, err := f.store.AppendMessage(ctx, supSession, m.role, m.content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	f.start(t, deviceParams(), func(cfg *SupervisorConfig) {
		cfg.Session.HistoryLimit = 2
	})
	f.writeText(t, `{"user_msg":"how are you"}`)
	waitFor(t, func() bool { return f.llm.StreamCallCount() == 1 }, "turn started")

	f.client.Close(websocket.StatusNormalClosure, "")
	f.awaitEnd(t)

	req := f.llm.StreamCalls[0].Req
	if len(req.Messages) != 4 {
		t.Fatalf("model got %d messages, want system + 2 seeded + new input", len(req.Messages))
	}
	if req.Messages[1].Role != types.RoleAssistant || req.Messages[1].Content != "I remember." {
		t.Errorf("first seeded message = %+v, want the stored tail", req.Messages[1])
	}
	if req.Messages[2].Role != types.RoleUser || req.Messages[2].Content != "good" {
		t.Errorf("second seeded message = %+v", req.Messages[2])
	}
	if req.Messages[3].Content != "how are you" {
		t.Errorf("new input = %+v", req.Messages[3])
	}
}

func TestSessionGoodbyeWhenRecognitionDies(t *testing.T) {
	f := newSessionFixture()
	f.stt.StartStreamErr = errors.New("recognition endpoint down")
	f.start(t, deviceParams(), func(cfg *SupervisorConfig) {
		cfg.Session.STTMaxRetries = 1
	})

	m := f.readEnvelope(t)
	if m["msg"] != sttFarewell || m["is_end"] != true {
		t.Fatalf("goodbye envelope = %v", m)
	}

	err := f.awaitEnd(t)
	if err == nil || !strings.Contains(err.Error(), "start stream") {
		t.Fatalf("RunSession returned %v, want the recognition failure", err)
	}
}

func TestSessionMetersUsageLifecycle(t *testing.T) {
	f := newSessionFixture()
	f.start(t, deviceParams(), func(cfg *SupervisorConfig) {
		d := config.Default()
		cfg.Limits = d.Limits
		cfg.Abuse = d.Abuse
	})

	waitFor(t, func() bool { return f.store.CallCount("CreateSession") == 1 }, "session row created")

	f.client.Close(websocket.StatusNormalClosure, "")
	if err := f.awaitEnd(t); err != nil {
		t.Fatalf("RunSession returned %v, want nil", err)
	}

	if n := f.store.CallCount("EndSession"); n != 1 {
		t.Errorf("EndSession called %d times, want 1", n)
	}
	row, ok := f.store.Session(supSession)
	if !ok {
		t.Fatal("session row missing")
	}
	if row.IsActive || row.EndedAt == nil {
		t.Errorf("session row not closed: %+v", row)
	}
}

func TestSessionCrisisEventReachesClient(t *testing.T) {
	f := newSessionFixture()
	classifier := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "true"}}
	f.start(t, deviceParams(), func(cfg *SupervisorConfig) {
		cfg.Detector = safety.NewDetector(classifier)
	})

	f.writeText(t, `{"transcribed_text":"i want to end my life"}`)

	found := false
	for i := 0; i < 4 && !found; i++ {
		if m := f.readEnvelope(t); m["is_critical"] == true {
			found = true
		}
	}
	if !found {
		t.Fatal("crisis envelope never arrived")
	}
}

func TestEnsureSessionID(t *testing.T) {
	const valid = "123e4567-e89b-12d3-a456-426614174000"
	if got, minted := ensureSessionID(valid); got != valid || minted {
		t.Errorf("ensureSessionID(%q) = %q, minted=%v; want the input kept", valid, got, minted)
	}

	for _, raw := range []string{
		"",
		"panda",
		"zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz", // 36 chars but not a UUID
	} {
		got, minted := ensureSessionID(raw)
		if !minted {
			t.Errorf("ensureSessionID(%q) kept the input", raw)
			continue
		}
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("minted id %q does not parse: %v", got, err)
		}
	}
}

func TestNewSupervisorRequiresDependencies(t *testing.T) {
	full := func() SupervisorConfig {
		return SupervisorConfig{
			Bus:           dispatch.New(),
			STT:           &sttmock.Provider{},
			LLM:           &llmmock.Provider{},
			TTS:           &ttsmock.Provider{},
			Usage:         storemock.NewStore(),
			Conversations: storemock.NewStore(),
		}
	}
	if _, err := NewSupervisor(full()); err != nil {
		t.Fatalf("complete config rejected: %v", err)
	}

	drop := map[string]func(*SupervisorConfig){
		"bus":           func(c *SupervisorConfig) { c.Bus = nil },
		"stt":           func(c *SupervisorConfig) { c.STT = nil },
		"llm":           func(c *SupervisorConfig) { c.LLM = nil },
		"tts":           func(c *SupervisorConfig) { c.TTS = nil },
		"usage":         func(c *SupervisorConfig) { c.Usage = nil },
		"conversations": func(c *SupervisorConfig) { c.Conversations = nil },
	}
	for name, mutate := range drop {
		cfg := full()
		mutate(&cfg)
		if _, err := NewSupervisor(cfg); err == nil {
			t.Errorf("config without %s accepted", name)
		}
	}
}

func TestSeedHistoryTrimsToLimit(t *testing.T) {
	st := storemock.NewStore()
	ctx := context.Background()
	if err := st.EnsureConversation(ctx, supSession, "u-17"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	for _, m := range []struct{ role, content string }{
		{"user", "we talked before"},
		{"assistant", "I remember."},
		{"user", "good"},
	} {
		if _, err := st.AppendMessage(ctx, supSession, m.role, m.content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	sup, err := NewSupervisor(SupervisorConfig{
		Bus:           dispatch.New(),
		STT:           &sttmock.Provider{},
		LLM:           &llmmock.Provider{},
		TTS:           &ttsmock.Provider{},
		Usage:         st,
		Conversations: st,
		Session:       config.SessionConfig{HistoryLimit: 2},
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	p := gateway.Params{UserID: "u-17", Source: config.SourceDevice, Language: config.LangFrench, Role: config.RoleCaringParent}
	history := sup.seedHistory(ctx, supSession, p)

	if len(history) != 3 {
		t.Fatalf("seeded %d messages, want system + 2", len(history))
	}
	if history[0].Role != types.RoleSystem ||
		history[0].Content != prompt.Build(config.RoleCaringParent, config.LangFrench) {
		t.Errorf("system message not composed from role and language")
	}
	if history[1].Content != "I remember." || history[2].Content != "good" {
		t.Errorf("seeded tail = %+v", history[1:])
	}
}

func TestSeedHistoryDegradesOnStoreFailure(t *testing.T) {
	st := storemock.NewStore()
	st.HistoryErr = errors.New("database down")

	sup, err := NewSupervisor(SupervisorConfig{
		Bus:           dispatch.New(),
		STT:           &sttmock.Provider{},
		LLM:           &llmmock.Provider{},
		TTS:           &ttsmock.Provider{},
		Usage:         st,
		Conversations: st,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	history := sup.seedHistory(context.Background(), supSession, deviceParams())
	if len(history) != 1 || history[0].Role != types.RoleSystem {
		t.Fatalf("degraded seed = %+v, want the system message alone", history)
	}
}

func TestFarewellFor(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{dispatch.ReasonSTTUnavailable, sttFarewell},
		{dispatch.ReasonTTSUnavailable, ttsFarewell},
		{dispatch.ReasonPeerClosed, ""},
		{dispatch.ReasonSupervisor, ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := farewellFor(tc.reason); got != tc.want {
			t.Errorf("farewellFor(%q) = %q, want %q", tc.reason, got, tc.want)
		}
	}
}

func TestWatchCloseReportsReason(t *testing.T) {
	bus := dispatch.New()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(supSession, dispatch.SessionClose)
	bus.Broadcast(supSession, dispatch.SessionClose, dispatch.Close{Reason: dispatch.ReasonPeerClosed})

	reason, err := watchClose(context.Background(), sub)
	if reason != dispatch.ReasonPeerClosed || !errors.Is(err, errSessionEnded) {
		t.Errorf("watchClose = %q, %v; want peer reason and session end", reason, err)
	}
}

func TestWatchCloseDrainsQueuedReasonOnCancel(t *testing.T) {
	bus := dispatch.New()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(supSession, dispatch.SessionClose)
	bus.Broadcast(supSession, dispatch.SessionClose, dispatch.Close{Reason: dispatch.ReasonSTTUnavailable})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Both select arms are ready; the reason must come through on either.
	reason, err := watchClose(ctx, sub)
	if reason != dispatch.ReasonSTTUnavailable {
		t.Errorf("reason = %q, want the queued close reason", reason)
	}
	if err == nil {
		t.Error("watchClose returned nil error")
	}
}

func TestWatchCloseCancelWithoutEvent(t *testing.T) {
	bus := dispatch.New()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(supSession, dispatch.SessionClose)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason, err := watchClose(ctx, sub)
	if reason != "" || !errors.Is(err, context.Canceled) {
		t.Errorf("watchClose = %q, %v; want empty reason and context.Canceled", reason, err)
	}
}

func TestWatchCloseDispatcherShutdown(t *testing.T) {
	bus := dispatch.New()
	sub := bus.Subscribe(supSession, dispatch.SessionClose)
	bus.Close()

	reason, err := watchClose(context.Background(), sub)
	if reason != "" || !errors.Is(err, errSessionEnded) {
		t.Errorf("watchClose = %q, %v; want empty reason and session end", reason, err)
	}
}
