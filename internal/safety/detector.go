package safety

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chillpanda/bamboo/pkg/provider/llm"
	"github.com/chillpanda/bamboo/pkg/types"
)

const classifierSystemPrompt = "You are a specialized crisis detection assistant. " +
	"Analyze the following user input for any signs of self-harm, suicide ideation, or serious emotional crisis. " +
	"If the user is expressing a desire to hurt themselves, end their life, or is in immediate danger of doing so, respond with 'true'. " +
	"Otherwise, respond with 'false'. " +
	"Respond ONLY with 'true' or 'false'."

const (
	classifierTemperature = 0
	classifierMaxTokens   = 5

	// minInputLen filters out fragments too short to carry a signal.
	minInputLen = 3
)

// Detector runs the two detection stages. The lexicon stage is pure and
// cheap; the classifier stage costs one bounded LLM call and only runs on a
// lexicon hit. Classifier failures are absorbed as "no crisis" so a provider
// outage never blocks the conversation.
type Detector struct {
	llm     llm.Provider
	lexicon *Lexicon
}

// Option configures a [Detector].
type Option func(*Detector)

// WithLexicon replaces the builtin phrase list.
func WithLexicon(l *Lexicon) Option {
	return func(d *Detector) {
		if l != nil {
			d.lexicon = l
		}
	}
}

// NewDetector creates a detector classifying through provider.
func NewDetector(provider llm.Provider, opts ...Option) *Detector {
	d := &Detector{llm: provider, lexicon: NewLexicon()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect reports whether text carries a crisis signal. It returns false for
// trivially short input, lexicon misses, classifier rejections and
// classifier errors.
func (d *Detector) Detect(ctx context.Context, text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minInputLen {
		return false
	}

	phrase, hit := d.lexicon.Match(trimmed)
	if !hit {
		return false
	}

	resp, err := d.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierSystemPrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: trimmed},
		},
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,
	})
	if err != nil {
		slog.Warn("safety: crisis classifier failed, assuming no crisis",
			"matched_phrase", phrase, "err", err)
		return false
	}
	return strings.Contains(strings.ToLower(resp.Content), "true")
}
