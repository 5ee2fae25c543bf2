// Package openai defines the OpenAI-compatible wire types served by the
// semantic cache. Only the subset of the chat completions schema that the
// cache consumes is modeled; unknown request fields are ignored on decode.
package openai

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reference: https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	Model string `json:"model"`

	// A list of messages comprising the conversation so far.
	Messages []Message `json:"messages"`

	// Between 0 and 2. Lower values make the output more deterministic.
	Temperature *float32 `json:"temperature,omitempty"`

	// Time-to-live for the cached entry created on a miss. Zero or absent
	// falls back to the server default.
	TtlSeconds *int `json:"ttl_seconds,omitempty"`
}

type Message struct {
	// One of "system", "user", or "assistant".
	Role string `json:"role"`

	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	Id      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int32   `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage mirrors the OpenAI accounting block. The cache does not count
// tokens, so all fields are nullable and null when served from cache.
type Usage struct {
	PromptTokens     *int32 `json:"prompt_tokens"`
	CompletionTokens *int32 `json:"completion_tokens"`
	TotalTokens      *int32 `json:"total_tokens"`
}

// Validate rejects requests the cache engine cannot serve.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, message := range r.Messages {
		switch message.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, message.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.TtlSeconds != nil && *r.TtlSeconds < 0 {
		return fmt.Errorf("ttl_seconds must be >= 0")
	}
	return nil
}

// UserText joins the user-role message contents in order, which is the text
// the cache keys on.
func UserText(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, message := range messages {
		if message.Role == "user" {
			parts = append(parts, message.Content)
		}
	}
	return strings.Join(parts, " ")
}

// NewChatCompletionResponse assembles a completed (non-streamed) response
// around an assistant answer.
func NewChatCompletionResponse(model string, answer string, now time.Time) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		Id:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      Message{Role: "assistant", Content: answer},
				FinishReason: "stop",
			},
		},
	}
}
