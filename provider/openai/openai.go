// Package openai implements the embedding and chat providers against the
// OpenAI REST API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/semantis-ai/semantis/openai"
	"github.com/semantis-ai/semantis/provider"
)

const (
	DefaultBaseUrl        = "https://api.openai.com/v1"
	DefaultEmbeddingModel = "text-embedding-3-large"
	DefaultChatModel      = "gpt-4o-mini"

	// Deadline applied to every outbound call unless the request context
	// expires earlier.
	callTimeout = 30 * time.Second
)

type Endpoint struct {
	client         *resty.Client
	embeddingModel string
	chatModel      string
}

// NewEndpoint creates a client for both the embeddings and chat completions
// APIs. Empty model names fall back to the defaults above.
func NewEndpoint(baseUrl string, apiKey string, embeddingModel string, chatModel string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}

	client := resty.New().
		SetBaseURL(baseUrl).
		SetAuthToken(apiKey).
		SetTimeout(callTimeout).
		SetHeader("Content-Type", "application/json")

	return &Endpoint{
		client:         client,
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
	}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the L2-normalized embedding of text.
func (e *Endpoint) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embeddingResponse
	response, err := e.client.R().
		SetContext(ctx).
		SetBody(embeddingRequest{Model: e.embeddingModel, Input: text}).
		SetResult(&result).
		Post("/embeddings")
	if err := classifyError(response, err); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, provider.FatalError{Err: fmt.Errorf("embeddings response contained no data")}
	}
	return normalize(result.Data[0].Embedding), nil
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []openai.Message `json:"messages"`
	Temperature float32          `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message openai.Message `json:"message"`
	} `json:"choices"`
}

// Complete generates an assistant answer for the conversation.
func (e *Endpoint) Complete(ctx context.Context, messages []openai.Message, temperature float32) (string, error) {
	var result chatResponse
	response, err := e.client.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: e.chatModel, Messages: messages, Temperature: temperature}).
		SetResult(&result).
		Post("/chat/completions")
	if err := classifyError(response, err); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", provider.FatalError{Err: fmt.Errorf("chat response contained no choices")}
	}
	return result.Choices[0].Message.Content, nil
}

func classifyError(response *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return provider.TransientError{Err: err}
		}
		// Network-level failures are worth retrying by the caller.
		return provider.TransientError{Err: err}
	}
	status := response.StatusCode()
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return provider.TransientError{Err: fmt.Errorf("upstream returned HTTP %d: %s", status, response.String())}
	default:
		return provider.FatalError{Err: fmt.Errorf("upstream returned HTTP %d: %s", status, response.String())}
	}
}

func normalize(vector []float32) []float32 {
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
