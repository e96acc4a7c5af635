// Package llm wraps the OpenAI-compatible chat completion API used by
// model-backed agents. Any provider exposing the /chat/completions
// shape works via baseUrl.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/confab/confab/internal/common/config"
	"github.com/confab/confab/internal/common/logger"
)

const requestTimeout = 120 * time.Second

// Message is one chat turn handed to the model.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Completer performs synchronous chat completions.
type Completer struct {
	client *openai.Client
	model  string
	log    *logger.Logger
}

// NewCompleter builds a completer from config. An API key is required;
// the base URL is optional and defaults to the OpenAI endpoint.
func NewCompleter(cfg config.LLMConfig, log *logger.Logger) (*Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.apiKey is required for model-backed agents")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: requestTimeout}

	return &Completer{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		log:    log.WithFields(zap.String("component", "llm")),
	}, nil
}

// Complete sends the messages and returns the assistant reply.
func (c *Completer) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}

	c.log.Debug("completion finished",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(started)))
	return resp.Choices[0].Message.Content, nil
}
