// Package chat answers text conversations outside the voice pipeline. The
// same persona prompts, wisdom retrieval and crisis screening apply; the
// transport is plain HTTP instead of a websocket, and every answered
// exchange is persisted before the reply is returned.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/prompt"
	"github.com/chillpanda/bamboo/internal/safety"
	"github.com/chillpanda/bamboo/internal/tools"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	"github.com/chillpanda/bamboo/pkg/store"
	"github.com/chillpanda/bamboo/pkg/types"
)

const (
	// chatTemperature keeps text replies as measured as the voice persona.
	chatTemperature = 0.2

	// completeMaxTokens and streamMaxTokens cap one reply. Streaming gets
	// a little more headroom since the client renders as tokens arrive.
	completeMaxTokens = 250
	streamMaxTokens   = 300

	// historyTail is how many stored messages accompany the new input.
	historyTail = 6

	// respondCue separates retrieved passages from the user's words in the
	// composed model input.
	respondCue = "Respond as Chill Panda:"
)

// Validation errors returned before any model call is made.
var (
	ErrEmptyInput     = errors.New("chat: input text is empty")
	ErrMissingSession = errors.New("chat: session id is required")
	ErrMissingUser    = errors.New("chat: user id is required")
)

// Request is one chat exchange to answer.
type Request struct {
	SessionID string
	UserID    string
	InputText string
	Language  config.Language
	Role      config.Role
}

// Reply is an answered exchange. MessageID identifies the stored assistant
// message so clients can reference it later.
type Reply struct {
	Reply      string
	SessionID  string
	MessageID  string
	IsCritical bool
}

// ServiceConfig carries the dependencies of a Service.
type ServiceConfig struct {
	LLM           llm.Provider
	Conversations store.ConversationStore

	// Retriever injects book passages ahead of the user's words. Nil
	// answers without retrieval.
	Retriever *tools.WisdomRetriever

	// Detector screens the input for crisis signals. Nil disables
	// screening.
	Detector *safety.Detector
}

// Service runs the text chat flow: load history, retrieve wisdom, complete,
// persist both sides. Safe for concurrent use.
type Service struct {
	llm       llm.Provider
	convs     store.ConversationStore
	retriever *tools.WisdomRetriever
	detector  *safety.Detector
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("chat: llm provider is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("chat: conversation store is required")
	}
	return &Service{
		llm:       cfg.LLM,
		convs:     cfg.Conversations,
		retriever: cfg.Retriever,
		detector:  cfg.Detector,
	}, nil
}

// Complete answers req in one round trip and persists the exchange. Store
// failures while persisting are errors: the contract includes the stored
// message id.
func (s *Service) Complete(ctx context.Context, req Request) (Reply, error) {
	req.InputText = strings.TrimSpace(req.InputText)
	if err := validate(req); err != nil {
		return Reply{}, err
	}

	critical := s.screen(ctx, req.InputText)
	msgs, err := s.buildMessages(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		Temperature:  chatTemperature,
		MaxTokens:    completeMaxTokens,
		SystemPrompt: prompt.Build(req.Role, req.Language),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat: completion: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	msgID, err := s.persistExchange(ctx, req, reply)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Reply: reply, SessionID: req.SessionID, MessageID: msgID, IsCritical: critical}, nil
}

// Stream answers req incrementally: emit is called once per text delta, in
// arrival order. The returned Reply carries the assembled text and the
// stored message id. When emit fails or the stream errors, nothing is
// persisted.
func (s *Service) Stream(ctx context.Context, req Request, emit func(delta string) error) (Reply, error) {
	req.InputText = strings.TrimSpace(req.InputText)
	if err := validate(req); err != nil {
		return Reply{}, err
	}

	critical := s.screen(ctx, req.InputText)
	msgs, err := s.buildMessages(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	chunks, err := s.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     msgs,
		Temperature:  chatTemperature,
		MaxTokens:    streamMaxTokens,
		SystemPrompt: prompt.Build(req.Role, req.Language),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat: completion: %w", err)
	}

	var full strings.Builder
	for chunk := range chunks {
		if chunk.FinishReason == llm.FinishError {
			return Reply{}, fmt.Errorf("chat: stream failed: %s", chunk.Text)
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		if err := emit(chunk.Text); err != nil {
			return Reply{}, fmt.Errorf("chat: emit delta: %w", err)
		}
	}
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}

	reply := strings.TrimSpace(full.String())
	msgID, err := s.persistExchange(ctx, req, reply)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Reply: reply, SessionID: req.SessionID, MessageID: msgID, IsCritical: critical}, nil
}

func validate(req Request) error {
	switch {
	case req.SessionID == "":
		return ErrMissingSession
	case req.UserID == "":
		return ErrMissingUser
	case req.InputText == "":
		return ErrEmptyInput
	}
	return nil
}

// buildMessages assembles the model input: the stored conversation tail,
// then the user's words with retrieved passages ahead of them. A history
// load failure degrades to answering without history; the conversation row
// itself must exist so the exchange can be persisted afterwards.
func (s *Service) buildMessages(ctx context.Context, req Request) ([]types.Message, error) {
	if err := s.convs.EnsureConversation(ctx, req.SessionID, req.UserID); err != nil {
		return nil, fmt.Errorf("chat: ensure conversation: %w", err)
	}

	var msgs []types.Message
	history, err := s.convs.History(ctx, req.SessionID, historyTail)
	if err != nil {
		slog.Warn("chat: history load failed, answering without it",
			"session_id", req.SessionID, "err", err)
	}
	for _, m := range history {
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			continue
		}
		msgs = append(msgs, types.Message{Role: m.Role, Content: m.Content})
	}

	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: s.composeInput(ctx, req.InputText)})
	return msgs, nil
}

// composeInput prefixes the input with relevant book passages when the
// retriever finds any. Retrieval failures degrade to the bare input.
func (s *Service) composeInput(ctx context.Context, input string) string {
	if s.retriever == nil {
		return input
	}
	passages, err := s.retriever.Context(ctx, input)
	if err != nil {
		slog.Warn("chat: wisdom retrieval failed, answering without it", "err", err)
		return input
	}
	if passages == "" {
		return input
	}
	return passages + "\n\n" + respondCue + "\n" + input
}

// persistExchange stores the user's raw input and the reply, returning the
// reply's message id.
func (s *Service) persistExchange(ctx context.Context, req Request, reply string) (string, error) {
	if _, err := s.convs.AppendMessage(ctx, req.SessionID, types.RoleUser, req.InputText); err != nil {
		return "", fmt.Errorf("chat: persist user message: %w", err)
	}
	msgID, err := s.convs.AppendMessage(ctx, req.SessionID, types.RoleAssistant, reply)
	if err != nil {
		return "", fmt.Errorf("chat: persist reply: %w", err)
	}
	return msgID, nil
}

func (s *Service) screen(ctx context.Context, input string) bool {
	if s.detector == nil {
		return false
	}
	return s.detector.Detect(ctx, input)
}
