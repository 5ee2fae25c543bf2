package cache

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semantis-ai/semantis/embedding"
	"github.com/semantis-ai/semantis/openai"
	"github.com/semantis-ai/semantis/utils"
)

func newTestContextEmbedder(embed *stubEmbedder) *ContextEmbedder {
	return NewContextEmbedder(embed, utils.Must(embedding.NewCache(16)))
}

func TestContextEmbedder_SingleUserMessage(t *testing.T) {
	embed := newStubEmbedder(4)
	embed.set("only question", []float32{0, 1, 0, 0})
	embedder := newTestContextEmbedder(embed)

	vector, primary, err := embedder.EmbedConversation(context.Background(), []openai.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "only question"},
	})
	require.NoError(t, err)
	assert.Equal(t, "only question", primary)
	assert.Equal(t, []float32{0, 1, 0, 0}, vector)
}

func TestContextEmbedder_BlendsPriorUserMessages(t *testing.T) {
	embed := newStubEmbedder(4)
	embed.set("current", []float32{1, 0, 0, 0})
	embed.set("earlier current", []float32{0, 1, 0, 0})
	embedder := newTestContextEmbedder(embed)

	vector, primary, err := embedder.EmbedConversation(context.Background(), []openai.Message{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "noted"},
		{Role: "user", Content: "current"},
	})
	require.NoError(t, err)
	assert.Equal(t, "current", primary)

	// 0.7*primary + 0.3*context, renormalized to unit length.
	norm := math.Sqrt(0.7*0.7 + 0.3*0.3)
	assert.InDelta(t, 0.7/norm, float64(vector[0]), 1e-6)
	assert.InDelta(t, 0.3/norm, float64(vector[1]), 1e-6)

	var length float64
	for _, v := range vector {
		length += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, length, 1e-6)
}

func TestContextEmbedder_ContextWindowIsLastThree(t *testing.T) {
	embed := newStubEmbedder(8)
	embedder := newTestContextEmbedder(embed)

	messages := []openai.Message{
		{Role: "user", Content: "one"},
		{Role: "user", Content: "two"},
		{Role: "user", Content: "three"},
		{Role: "user", Content: "four"},
		{Role: "user", Content: "five"},
	}
	_, primary, err := embedder.EmbedConversation(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, "five", primary)

	// The context text joins only the last three user turns.
	_, ok := embed.vectors["three four five"]
	assert.True(t, ok)
	_, excluded := embed.vectors["two three four five"]
	assert.False(t, excluded)
}

func TestContextEmbedder_NoUserMessages(t *testing.T) {
	embedder := newTestContextEmbedder(newStubEmbedder(4))
	_, _, err := embedder.EmbedConversation(context.Background(), []openai.Message{
		{Role: "system", Content: "be terse"},
	})
	assert.ErrorIs(t, err, ErrNoUserMessage)
}

func TestContextEmbedder_CachesProviderResults(t *testing.T) {
	embed := newStubEmbedder(4)
	embedder := newTestContextEmbedder(embed)

	_, err := embedder.Embed(context.Background(), "repeated text")
	require.NoError(t, err)
	_, err = embedder.Embed(context.Background(), "repeated text")
	require.NoError(t, err)
	_, err = embedder.Embed(context.Background(), "  Repeated TEXT ")
	require.NoError(t, err)

	assert.Equal(t, 1, embed.calls)
}
