package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Tyrowin/gochat-relay/internal/logging"
)

// OpenAIConfig configures the chat-completion backed responder.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// OpenAI answers chat lines with an OpenAI chat completion.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAI builds an OpenAI responder. An empty key yields Unconfigured so the
// relay still starts and answers with the configuration fallback.
func NewOpenAI(cfg OpenAIConfig) Responder {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Unconfigured{}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func systemPrompt(displayName string) string {
	return fmt.Sprintf("You are a helpful and friendly assistant in a WhatsApp-like chat app. "+
		"The user's name is %s. Keep responses conversational, helpful, and under 100 words. "+
		"Use some emojis to make it fun and engaging! Be natural and chat-like.", displayName)
}

// Respond implements Responder.
func (o *OpenAI) Respond(ctx context.Context, text, displayName string) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(displayName)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("responder: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("responder: chat completion returned no choices")
	}
	logger := logging.Ctx(ctx)
	logger.Debug().
		Str("model", o.model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("elapsed", time.Since(start)).
		Msg("chat completion finished")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
