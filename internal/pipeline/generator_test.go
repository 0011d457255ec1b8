package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/tools"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	llmmock "github.com/chillpanda/bamboo/pkg/provider/llm/mock"
	"github.com/chillpanda/bamboo/pkg/types"
)

const genSession = "a4b8c1d2-3e4f-4a5b-9c6d-7e8f9a0b1c2d"

const genSystemPrompt = "You are a calm companion."

type genFixture struct {
	bus    *dispatch.Dispatcher
	tokens *dispatch.Subscription
	turns  *dispatch.Subscription
	errc   chan error
	cancel context.CancelFunc
}

// startGenerator wires a Generator to a fresh bus, seeds it with a system
// message, and runs it until the test ends.
func startGenerator(t *testing.T, provider *llmmock.Provider, reg *tools.Registry) *genFixture {
	t.Helper()
	bus := dispatch.New()
	gen := NewGenerator(genSession, provider, reg,
		[]types.Message{{Role: types.RoleSystem, Content: genSystemPrompt}}, bus)

	f := &genFixture{
		bus:    bus,
		tokens: bus.Subscribe(genSession, dispatch.LLMToken),
		turns:  bus.Subscribe(genSession, dispatch.TurnEnded),
		errc:   make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.errc <- gen.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})
	return f
}

func (f *genFixture) say(text string) {
	f.bus.Broadcast(genSession, dispatch.FinalTranscript, dispatch.TranscriptText{Text: text})
}

func stubRegistry(t *testing.T, name, result string) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Tool{
		Definition: types.ToolDefinition{
			Name:        name,
			Description: "test stub",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(ctx context.Context, args string) (string, error) { return result, nil },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func toolCapable() llm.ModelCapabilities {
	return llm.ModelCapabilities{
		ContextWindow:       128000,
		MaxOutputTokens:     4096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

func TestGenerator_StreamsTurn(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Take a slow "},
			{Text: "breath."},
			{FinishReason: llm.FinishStop},
		},
		ModelCapabilities: toolCapable(),
	}
	f := startGenerator(t, provider, stubRegistry(t, "search_wisdom", "PASSAGE"))

	f.say("I feel anxious")

	for _, want := range []string{"Take a slow ", "breath."} {
		ev := recvEvent(t, f.tokens, 2*time.Second)
		if got := ev.Data.(dispatch.Token).Text; got != want {
			t.Errorf("token = %q, want %q", got, want)
		}
	}
	ev := recvEvent(t, f.turns, 2*time.Second)
	end := ev.Data.(dispatch.TurnEnd)
	if end.FullText != "Take a slow breath." || end.Err != "" {
		t.Errorf("turn end = %+v, want full text %q and no error", end, "Take a slow breath.")
	}

	f.cancel()
	select {
	case err := <-f.errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	req := provider.StreamCalls[0].Req
	if req.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", req.Temperature)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "search_wisdom" {
		t.Errorf("tools = %+v, want the registered definition", req.Tools)
	}
	wantMessages := []types.Message{
		{Role: types.RoleSystem, Content: genSystemPrompt},
		{Role: types.RoleUser, Content: "I feel anxious"},
	}
	if len(req.Messages) != len(wantMessages) {
		t.Fatalf("request carried %d messages, want %d", len(req.Messages), len(wantMessages))
	}
	for i, want := range wantMessages {
		if req.Messages[i].Role != want.Role || req.Messages[i].Content != want.Content {
			t.Errorf("message[%d] = %+v, want %+v", i, req.Messages[i], want)
		}
	}
}

func TestGenerator_ExecutesToolsAndReenters(t *testing.T) {
	provider := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "search_wisdom", Arguments: `{"que`}}},
				{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `ry":"calm"}`}}},
				{FinishReason: llm.FinishToolCalls},
			},
			{
				{Text: "The book suggests rest."},
				{FinishReason: llm.FinishStop},
			},
		},
		ModelCapabilities: toolCapable(),
	}
	f := startGenerator(t, provider, stubRegistry(t, "search_wisdom", "PASSAGE"))
	calls := f.bus.Subscribe(genSession, dispatch.LLMToolCall)
	defer calls.Release()

	f.say("help me settle down")

	ev := recvEvent(t, calls, 2*time.Second)
	payload := ev.Data.(dispatch.ToolCalls)
	if len(payload.Calls) != 1 {
		t.Fatalf("tool call event carried %d calls, want 1", len(payload.Calls))
	}
	call := payload.Calls[0]
	if call.ID != "call_1" || call.Name != "search_wisdom" || call.Arguments != `{"query":"calm"}` {
		t.Errorf("accumulated call = %+v, want id call_1 with joined arguments", call)
	}

	ev = recvEvent(t, f.turns, 2*time.Second)
	if got := ev.Data.(dispatch.TurnEnd).FullText; got != "The book suggests rest." {
		t.Errorf("turn end text = %q, want %q", got, "The book suggests rest.")
	}

	// The second request must carry the assistant's tool call and the tool
	// result in order.
	msgs := provider.StreamCalls[1].Req.Messages
	if len(msgs) != 4 {
		t.Fatalf("re-entry carried %d messages, want 4", len(msgs))
	}
	assistant := msgs[2]
	if assistant.Role != types.RoleAssistant || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant message = %+v, want tool call call_1", assistant)
	}
	result := msgs[3]
	if result.Role != types.RoleTool || result.Content != "PASSAGE" || result.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v, want PASSAGE for call_1", result)
	}
}

func TestGenerator_BargeInStartsNextTurn(t *testing.T) {
	provider := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{{Text: "Once upon a "}},
			{
				{Text: "Sure, something else."},
				{FinishReason: llm.FinishStop},
			},
		},
		StreamHold:        make(chan struct{}),
		ModelCapabilities: toolCapable(),
	}
	f := startGenerator(t, provider, stubRegistry(t, "search_wisdom", "PASSAGE"))

	f.say("tell me a story")
	ev := recvEvent(t, f.tokens, 2*time.Second)
	if got := ev.Data.(dispatch.Token).Text; got != "Once upon a " {
		t.Fatalf("first token = %q, want %q", got, "Once upon a ")
	}

	f.say("actually, something else")

	ev = recvEvent(t, f.tokens, 2*time.Second)
	if got := ev.Data.(dispatch.Token).Text; got != "Sure, something else." {
		t.Errorf("token after barge-in = %q, want the second turn's text", got)
	}
	ev = recvEvent(t, f.turns, 2*time.Second)
	if got := ev.Data.(dispatch.TurnEnd).FullText; got != "Sure, something else." {
		t.Errorf("turn end text = %q, want %q", got, "Sure, something else.")
	}

	// The interrupted turn must not publish its own turn end.
	if extra, ok := f.turns.TryNext(); ok {
		t.Errorf("unexpected extra turn end: %+v", extra.Data)
	}

	if n := provider.StreamCallCount(); n != 2 {
		t.Fatalf("StreamCompletion called %d times, want 2", n)
	}
	msgs := provider.StreamCalls[1].Req.Messages
	want := []types.Message{
		{Role: types.RoleSystem, Content: genSystemPrompt},
		{Role: types.RoleUser, Content: "tell me a story"},
		{Role: types.RoleAssistant, Content: "Once upon a "},
		{Role: types.RoleUser, Content: "actually, something else"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("second request carried %d messages, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].Role != w.Role || msgs[i].Content != w.Content {
			t.Errorf("message[%d] = %+v, want %+v", i, msgs[i], w)
		}
	}
}

func TestGenerator_ProviderErrorKeepsSessionOpen(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Let me think"},
			{Text: "model overloaded", FinishReason: llm.FinishError},
		},
		ModelCapabilities: toolCapable(),
	}
	f := startGenerator(t, provider, stubRegistry(t, "search_wisdom", "PASSAGE"))

	f.say("hello")

	ev := recvEvent(t, f.tokens, 2*time.Second)
	if got := ev.Data.(dispatch.Token).Text; got != "Let me think" {
		t.Fatalf("token = %q, want %q", got, "Let me think")
	}
	ev = recvEvent(t, f.turns, 2*time.Second)
	end := ev.Data.(dispatch.TurnEnd)
	if end.Err != "model overloaded" || end.FullText != "" {
		t.Errorf("turn end = %+v, want bare error %q", end, "model overloaded")
	}

	// The failure description must not leak into the token stream.
	if extra, ok := f.tokens.TryNext(); ok {
		t.Errorf("unexpected token after failure: %+v", extra.Data)
	}

	// A later transcript still opens a turn: the session survived.
	f.say("are you there")
	waitFor(t, func() bool { return provider.StreamCallCount() == 2 }, "a second completion")

	msgs := provider.StreamCalls[1].Req.Messages
	if len(msgs) != 4 {
		t.Fatalf("second request carried %d messages, want 4", len(msgs))
	}
	if a := msgs[2]; a.Role != types.RoleAssistant || a.Content != "" || len(a.ToolCalls) != 0 {
		t.Errorf("assistant message after failure = %+v, want an empty one", a)
	}
}

func TestGenerator_StartErrorEndsTurn(t *testing.T) {
	provider := &llmmock.Provider{
		StreamErr:         errors.New("quota exhausted"),
		ModelCapabilities: toolCapable(),
	}
	f := startGenerator(t, provider, stubRegistry(t, "search_wisdom", "PASSAGE"))

	f.say("hello")
	ev := recvEvent(t, f.turns, 2*time.Second)
	if got := ev.Data.(dispatch.TurnEnd).Err; got != "quota exhausted" {
		t.Errorf("turn end error = %q, want %q", got, "quota exhausted")
	}

	f.say("hello again")
	ev = recvEvent(t, f.turns, 2*time.Second)
	if got := ev.Data.(dispatch.TurnEnd).Err; got != "quota exhausted" {
		t.Errorf("second turn end error = %q, want %q", got, "quota exhausted")
	}
}

func TestGenerator_OmitsToolsWhenUnsupported(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks:      []llm.Chunk{{Text: "ok"}, {FinishReason: llm.FinishStop}},
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
	}
	f := startGenerator(t, provider, stubRegistry(t, "search_wisdom", "PASSAGE"))

	f.say("hi")
	recvEvent(t, f.turns, 2*time.Second)

	if defs := provider.StreamCalls[0].Req.Tools; len(defs) != 0 {
		t.Errorf("request carried %d tool definitions, want none", len(defs))
	}
}

func TestGenerator_StopsWhenDispatcherCloses(t *testing.T) {
	provider := &llmmock.Provider{ModelCapabilities: toolCapable()}
	bus := dispatch.New()
	gen := NewGenerator(genSession, provider, nil,
		[]types.Message{{Role: types.RoleSystem, Content: genSystemPrompt}}, bus)

	errc := make(chan error, 1)
	go func() { errc <- gen.Run(context.Background()) }()

	bus.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v after dispatcher close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after dispatcher close")
	}
}
