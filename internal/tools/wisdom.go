package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chillpanda/bamboo/pkg/provider/embeddings"
	"github.com/chillpanda/bamboo/pkg/store"
	"github.com/chillpanda/bamboo/pkg/types"
)

// WisdomToolName is the registered name of the book-retrieval tool.
const WisdomToolName = "search_wisdom"

const (
	defaultWisdomTopK          = 3
	defaultWisdomMinSimilarity = 0.7

	wisdomTimeout = 10 * time.Second

	wisdomHeader    = "Relevant wisdom from The Chill Panda book:\n\n"
	wisdomSeparator = "\n\n---\n\n"
)

// WisdomRetriever answers free-text queries with passages from the embedded
// book index: the query is embedded, the index is searched by cosine
// distance, and only passages clearing the similarity floor are returned.
// It backs both the search_wisdom tool and direct prompt injection in the
// text chat path.
type WisdomRetriever struct {
	embedder      embeddings.Provider
	index         store.WisdomIndex
	topK          int
	minSimilarity float64
}

// WisdomOption configures a [WisdomRetriever].
type WisdomOption func(*WisdomRetriever)

// WithTopK sets how many nearest chunks are fetched before filtering.
// Values below 1 are ignored.
func WithTopK(k int) WisdomOption {
	return func(r *WisdomRetriever) {
		if k >= 1 {
			r.topK = k
		}
	}
}

// WithMinSimilarity sets the cosine-similarity floor a chunk must clear to
// be included. Values outside (0, 1] are ignored.
func WithMinSimilarity(s float64) WisdomOption {
	return func(r *WisdomRetriever) {
		if s > 0 && s <= 1 {
			r.minSimilarity = s
		}
	}
}

// NewWisdomRetriever creates a retriever over the given embedder and index.
func NewWisdomRetriever(embedder embeddings.Provider, index store.WisdomIndex, opts ...WisdomOption) *WisdomRetriever {
	r := &WisdomRetriever{
		embedder:      embedder,
		index:         index,
		topK:          defaultWisdomTopK,
		minSimilarity: defaultWisdomMinSimilarity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Context returns the passages relevant to query, formatted for insertion
// into a prompt, or the empty string when no passage clears the similarity
// floor.
func (r *WisdomRetriever) Context(ctx context.Context, query string) (string, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("wisdom retrieval: embed query: %w", err)
	}

	results, err := r.index.Search(ctx, vec, r.topK)
	if err != nil {
		return "", fmt.Errorf("wisdom retrieval: search: %w", err)
	}

	passages := make([]string, 0, len(results))
	for _, res := range results {
		if 1-res.Distance < r.minSimilarity {
			continue
		}
		passages = append(passages, res.Chunk.Content)
	}
	if len(passages) == 0 {
		return "", nil
	}
	return wisdomHeader + strings.Join(passages, wisdomSeparator), nil
}

// wisdomArgs is the JSON-decoded input for the search_wisdom tool.
type wisdomArgs struct {
	// Query is what the user is struggling with, in a few words.
	Query string `json:"query"`
}

// Tool returns the search_wisdom registration backed by this retriever.
func (r *WisdomRetriever) Tool() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name: WisdomToolName,
			Description: "Search The Chill Panda book for teachings relevant to the user's concern. " +
				"Use this when the user asks for guidance on stress, worry, fear, anger or self-doubt, " +
				"or when one of the eight lessons would help.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What the user is struggling with, in a few words.",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: r.handleSearch,
		Timeout: wisdomTimeout,
	}
}

func (r *WisdomRetriever) handleSearch(ctx context.Context, args string) (string, error) {
	var a wisdomArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("wisdom tool: parse arguments: %w", err)
	}
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return "", errors.New("wisdom tool: query must not be empty")
	}

	text, err := r.Context(ctx, a.Query)
	if err != nil {
		return "", fmt.Errorf("wisdom tool: %w", err)
	}
	if text == "" {
		return "The book has no passage close enough to this query. Answer from the core lessons instead.", nil
	}
	return text, nil
}
