package cache

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/semantis-ai/semantis/embedding"
	"github.com/semantis-ai/semantis/openai"
	"github.com/semantis-ai/semantis/provider"
)

const (
	primaryWeight = 0.7
	contextWeight = 0.3

	// Number of trailing user messages, primary included, joined into the
	// context text.
	contextWindow = 3
)

// ErrNoUserMessage is returned when a conversation has no user turn to
// derive a query from. Callers map it to a validation failure.
var ErrNoUserMessage = errors.New("conversation contains no user message")

// ContextEmbedder turns a conversation into a single query vector. The last
// user message is the primary signal; up to contextWindow earlier user
// messages contribute a weighted context component.
type ContextEmbedder struct {
	provider provider.EmbeddingProvider
	cache    *embedding.Cache
}

func NewContextEmbedder(p provider.EmbeddingProvider, cache *embedding.Cache) *ContextEmbedder {
	return &ContextEmbedder{provider: p, cache: cache}
}

// Embed returns the cached embedding for text, computing and caching it on
// a cold lookup.
func (c *ContextEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := c.cache.Get(text); ok {
		return vector, nil
	}
	vector, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Put(text, vector)
	return vector, nil
}

// EmbedConversation builds the query vector for a conversation. It returns
// the vector and the primary text (the last user message). With no prior
// user messages the primary embedding is returned unchanged.
func (c *ContextEmbedder) EmbedConversation(ctx context.Context, messages []openai.Message) ([]float32, string, error) {
	var userTexts []string
	for _, message := range messages {
		if message.Role == "user" {
			userTexts = append(userTexts, message.Content)
		}
	}
	if len(userTexts) == 0 {
		return nil, "", ErrNoUserMessage
	}

	primary := userTexts[len(userTexts)-1]
	primaryVector, err := c.Embed(ctx, primary)
	if err != nil {
		return nil, "", err
	}
	if len(userTexts) == 1 {
		return primaryVector, primary, nil
	}

	window := userTexts
	if len(window) > contextWindow {
		window = window[len(window)-contextWindow:]
	}
	contextVector, err := c.Embed(ctx, strings.Join(window, " "))
	if err != nil {
		return nil, "", err
	}
	if len(contextVector) != len(primaryVector) {
		return primaryVector, primary, nil
	}

	blended := make([]float32, len(primaryVector))
	for i := range blended {
		blended[i] = float32(primaryWeight*float64(primaryVector[i]) + contextWeight*float64(contextVector[i]))
	}
	return renormalize(blended), primary, nil
}

func renormalize(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vector
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector
}
