// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform interface
// for the bamboo pipeline to perform completions, count tokens, and inspect
// model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/chillpanda/bamboo/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly rather than computing it
	// from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function/tool definitions offered to the model. The
	// model may choose to call one or more of them in its response. Providers
	// that do not support tool calling should ignore this field; callers
	// should check Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. Lower
	// values produce more deterministic outputs. A value of 0.0 typically
	// requests greedy decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. If the provider does not natively support a
	// dedicated system prompt, implementors should prepend it as a
	// "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, tool-call deltas, a finish signal, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. See the Finish* constants; empty on non-final chunks.
	FinishReason string

	// ToolCalls contains incremental tool-call fragments. Streaming providers
	// split a single invocation across many chunks: the first fragment for an
	// Index carries the ID and Name, subsequent fragments append to Arguments.
	// Callers accumulate fragments by Index until the stream finishes.
	ToolCalls []ToolCallDelta
}

// Finish reasons reported on the terminal chunk of a stream.
const (
	// FinishStop means the model reached a natural end of its reply.
	FinishStop = "stop"

	// FinishLength means generation hit the MaxTokens cap.
	FinishLength = "length"

	// FinishToolCalls means the model wants one or more tools invoked before
	// it can continue.
	FinishToolCalls = "tool_calls"

	// FinishError means the stream failed after it was opened. The chunk's
	// Text carries a short description of the failure.
	FinishError = "error"

	// FinishInterrupted is never emitted by providers. The pipeline records it
	// when a reply is cut off mid-stream by user barge-in.
	FinishInterrupted = "interrupted"
)

// ToolCallDelta is one streamed fragment of a tool invocation.
type ToolCallDelta struct {
	// Index identifies which in-flight tool call this fragment belongs to.
	// Providers number parallel calls 0, 1, 2, … within a single response.
	Index int

	// ID is the provider-assigned call identifier. Only present on the first
	// fragment of a call.
	ID string

	// Name is the tool name. Only present on the first fragment of a call.
	Name string

	// Arguments is a fragment of the JSON-encoded arguments string. Fragments
	// concatenate in arrival order to form the complete document.
	Arguments string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model, fully
	// accumulated. The caller is responsible for executing them and appending
	// the results to the conversation.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes what an LLM model supports. The values are
// static for the lifetime of a Provider instance.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates whether the model accepts tool
	// definitions and can emit tool calls.
	SupportsToolCalling bool

	// SupportsStreaming indicates whether StreamCompletion delivers true
	// incremental output (false means the stream carries one terminal chunk).
	SupportsStreaming bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason FinishError; the initial error return is non-nil only for
	// failures that prevent the stream from starting (e.g., invalid
	// credentials, malformed request).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. It is
	// a convenience wrapper around StreamCompletion for callers that do not
	// need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list
	// would consume in the model's context window. Implementations may call
	// the provider's tokenisation API or perform a local approximation. The
	// result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports.
	Capabilities() ModelCapabilities
}
