// ABOUTME: Completion backend abstraction plus OpenAI-compatible and Anthropic clients
// ABOUTME: One backend per configured provider, all exposing the same Generate signature

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoContent indicates the backend returned an empty completion.
var ErrNoContent = errors.New("backend returned no content")

// Usage reports token consumption for one completion, when the vendor
// returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is the raw result of one backend call.
type Completion struct {
	Content string
	Usage   *Usage
}

// Backend is one completion vendor. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Generate produces a completion for the prompt under the given system
	// instruction. An empty model selects the backend's default.
	Generate(ctx context.Context, prompt, systemPrompt, model string) (*Completion, error)
}

// OpenAIBackend serves OpenAI and any OpenAI-compatible vendor via a
// per-provider base URL override.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIBackend creates a backend for an OpenAI-compatible endpoint.
// baseURL may be empty for api.openai.com.
func NewOpenAIBackend(apiKey, baseURL, defaultModel string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

// Generate issues a chat completion request.
func (b *OpenAIBackend) Generate(ctx context.Context, prompt, systemPrompt, model string) (*Completion, error) {
	if model == "" {
		model = b.defaultModel
	}

	messages := []openai.ChatCompletionMessage{}
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrNoContent
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// AnthropicBackend calls the Anthropic messages API directly.
type AnthropicBackend struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

const (
	anthropicDefaultURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 2048
)

// NewAnthropicBackend creates an Anthropic backend. baseURL may be empty
// for the public API endpoint.
func NewAnthropicBackend(apiKey, baseURL, defaultModel string) *AnthropicBackend {
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}
	return &AnthropicBackend{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

// anthropicResponse is the subset of the messages API response we read.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate issues a messages API request.
func (b *AnthropicBackend) Generate(ctx context.Context, prompt, systemPrompt, model string) (*Completion, error) {
	if model == "" {
		model = b.defaultModel
	}

	reqBody := map[string]any{
		"model":      model,
		"max_tokens": anthropicMaxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if systemPrompt != "" {
		reqBody["system"] = systemPrompt
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, ErrNoContent
	}

	return &Completion{
		Content: content,
		Usage: &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}
