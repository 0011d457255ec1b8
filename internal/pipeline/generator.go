// Package pipeline contains the three per-session media tasks: the
// Transcriber feeding client audio into speech recognition, the Generator
// driving the language-model turn loop, and the Synthesizer shaping the
// model's streamed text into speech. The tasks never call each other; every
// hand-off crosses the session bus, so each task can be cancelled, restarted
// and tested on its own.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/observe"
	"github.com/chillpanda/bamboo/internal/tools"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	"github.com/chillpanda/bamboo/pkg/types"
)

// voiceTemperature is the sampling temperature for spoken replies. Voice
// turns run cooler than freeform chat so the companion stays consistent.
const voiceTemperature = 0.3

// errBusClosed signals that the dispatcher shut down while a turn was in
// flight. It never escapes Run.
var errBusClosed = errors.New("session bus closed")

// Generator owns the conversation history and the turn loop. Each final
// transcript opens a turn: the full history goes to the model, streamed
// deltas are published as [dispatch.LLMToken], tool calls are executed and
// fed back, and the finished reply is published as [dispatch.TurnEnded].
//
// A final transcript that arrives while a completion is streaming interrupts
// it: the in-flight stream is cancelled, the partial assistant text is kept
// in history, and the new input opens the next turn immediately. History is
// only ever touched from the Run goroutine.
type Generator struct {
	sessionID string
	provider  llm.Provider
	registry  *tools.Registry
	bus       *dispatch.Dispatcher
	metrics   *observe.Metrics

	history []types.Message

	finals *dispatch.Subscription
}

// streamOutcome is the result of one streamed completion round.
type streamOutcome struct {
	// text is the concatenation of all content deltas.
	text string

	// calls holds the accumulated tool calls when finish is FinishToolCalls.
	calls []types.ToolCall

	// finish is the provider's finish reason, or FinishInterrupted when a
	// final transcript cancelled the stream.
	finish string

	// errMsg describes the provider failure when finish is FinishError.
	errMsg string

	// interrupt carries the transcript text that cancelled the stream.
	interrupt string
}

// NewGenerator builds a Generator seeded with history, which must start with
// the session's system message. The slice is copied; the caller keeps no
// handle on the live history. The transcript subscription is registered here,
// not in Run, so transcripts published between session setup and task start
// are not lost.
func NewGenerator(sessionID string, provider llm.Provider, registry *tools.Registry, history []types.Message, bus *dispatch.Dispatcher) *Generator {
	seed := make([]types.Message, len(history))
	copy(seed, history)
	return &Generator{
		sessionID: sessionID,
		provider:  provider,
		registry:  registry,
		bus:       bus,
		metrics:   observe.DefaultMetrics(),
		history:   seed,
		finals:    bus.Subscribe(sessionID, dispatch.FinalTranscript),
	}
}

// Run consumes final transcripts and drives one turn per input until ctx is
// cancelled or the dispatcher closes.
func (g *Generator) Run(ctx context.Context) error {
	defer g.finals.Release()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-g.finals.Events():
			if !ok {
				return nil
			}
			tr, ok := ev.Data.(dispatch.TranscriptText)
			if !ok {
				continue
			}

			// An interrupted turn hands back the transcript that cut it
			// off, which opens the next turn without going through the
			// subscription again.
			text := tr.Text
			for text != "" {
				next, err := g.turn(ctx, text)
				if errors.Is(err, errBusClosed) {
					return nil
				}
				if err != nil {
					return err
				}
				text = next
			}
		}
	}
}

// turn appends userText to history and streams rounds of completion until the
// model finishes, a provider error ends the turn, or a new final transcript
// interrupts it. The returned string is the interrupting transcript, empty
// when the turn ran to completion.
func (g *Generator) turn(ctx context.Context, userText string) (string, error) {
	g.history = append(g.history, types.Message{Role: types.RoleUser, Content: userText})

	for {
		out, err := g.stream(ctx)
		if err != nil {
			return "", err
		}

		switch out.finish {
		case llm.FinishInterrupted:
			// Keep the partial reply so the model knows where it was cut
			// off. Even an empty one preserves role alternation.
			g.history = append(g.history, types.Message{Role: types.RoleAssistant, Content: out.text})
			slog.Info("generator: turn interrupted",
				"session_id", g.sessionID, "finish_reason", llm.FinishInterrupted)
			return out.interrupt, nil

		case llm.FinishError:
			slog.Error("generator: completion failed",
				"session_id", g.sessionID, "err", out.errMsg)
			g.history = append(g.history, types.Message{Role: types.RoleAssistant})
			g.bus.Broadcast(g.sessionID, dispatch.TurnEnded, dispatch.TurnEnd{Err: out.errMsg})
			return "", nil

		case llm.FinishToolCalls:
			if g.registry == nil {
				slog.Warn("generator: model requested tools but none are registered",
					"session_id", g.sessionID)
				g.history = append(g.history, types.Message{Role: types.RoleAssistant, Content: out.text})
				g.bus.Broadcast(g.sessionID, dispatch.TurnEnded, dispatch.TurnEnd{FullText: out.text})
				return "", nil
			}
			g.history = append(g.history, types.Message{
				Role:      types.RoleAssistant,
				Content:   out.text,
				ToolCalls: out.calls,
			})
			g.bus.Broadcast(g.sessionID, dispatch.LLMToolCall, dispatch.ToolCalls{Calls: out.calls})
			for _, call := range out.calls {
				res := g.registry.Execute(ctx, call)
				g.history = append(g.history, types.Message{
					Role:       types.RoleTool,
					Content:    res.Content,
					ToolCallID: call.ID,
				})
			}
			// Re-enter with the tool results in history.

		default:
			g.history = append(g.history, types.Message{Role: types.RoleAssistant, Content: out.text})
			g.bus.Broadcast(g.sessionID, dispatch.TurnEnded, dispatch.TurnEnd{FullText: out.text})
			return "", nil
		}
	}
}

// stream runs one completion round: it publishes every content delta as a
// token event, accumulates tool-call deltas by index, and watches the final
// transcript subscription so a barge-in can cancel the stream. The returned
// error is non-nil only for context cancellation or a closed dispatcher;
// provider failures are reported through the outcome's finish reason.
func (g *Generator) stream(ctx context.Context) (streamOutcome, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	awaitingFirst := true

	chunks, err := g.provider.StreamCompletion(streamCtx, llm.CompletionRequest{
		Messages:    g.history,
		Tools:       g.tools(),
		Temperature: voiceTemperature,
	})
	if err != nil {
		return streamOutcome{finish: llm.FinishError, errMsg: err.Error()}, nil
	}

	var (
		out  streamOutcome
		text strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return streamOutcome{}, ctx.Err()

		case ev, ok := <-g.finals.Events():
			if !ok {
				return streamOutcome{}, errBusClosed
			}
			tr, ok := ev.Data.(dispatch.TranscriptText)
			if !ok {
				continue
			}
			cancel()
			out.text = text.String()
			out.finish = llm.FinishInterrupted
			out.interrupt = tr.Text
			return out, nil

		case chunk, ok := <-chunks:
			if !ok {
				// Stream closed without a finish marker: treat as a
				// normal stop with whatever accumulated.
				out.text = text.String()
				out.finish = llm.FinishStop
				return out, nil
			}
			if awaitingFirst {
				awaitingFirst = false
				g.metrics.FirstTokenLatency.Record(ctx, time.Since(started).Seconds())
			}
			if chunk.Text != "" && chunk.FinishReason != llm.FinishError {
				text.WriteString(chunk.Text)
				g.bus.Broadcast(g.sessionID, dispatch.LLMToken, dispatch.Token{Text: chunk.Text})
			}
			for _, d := range chunk.ToolCalls {
				accumulateToolCall(&out.calls, d)
			}
			if chunk.FinishReason != "" {
				out.text = text.String()
				out.finish = chunk.FinishReason
				if chunk.FinishReason == llm.FinishError {
					// An error chunk carries the failure description in
					// its Text field, not reply content.
					out.errMsg = chunk.Text
				}
				return out, nil
			}
		}
	}
}

// tools returns the definitions to offer, or nil when the model cannot call
// them.
func (g *Generator) tools() []types.ToolDefinition {
	if g.registry == nil || !g.provider.Capabilities().SupportsToolCalling {
		return nil
	}
	return g.registry.Definitions()
}

// accumulateToolCall folds one streamed delta into the call at its index.
// Providers split a call across chunks: ID and Name arrive on the first
// fragment and the argument JSON is concatenated in arrival order.
func accumulateToolCall(calls *[]types.ToolCall, d llm.ToolCallDelta) {
	if d.Index < 0 {
		return
	}
	for len(*calls) <= d.Index {
		*calls = append(*calls, types.ToolCall{})
	}
	c := &(*calls)[d.Index]
	if d.ID != "" {
		c.ID = d.ID
	}
	if d.Name != "" {
		c.Name = d.Name
	}
	c.Arguments += d.Arguments
}
