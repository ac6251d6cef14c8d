package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/parleyhq/parley/internal/config"
)

const defaultOpenAITimeout = 60 * time.Second

// NewOpenAI builds the chat model for an openai provider. A BaseURL covers
// Azure-style and proxy deployments of the same API.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	mc := &einoopenai.ChatModelConfig{
		APIKey:  auth.Value,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: defaultOpenAITimeout,
	}

	if cfg.Timeout.Duration() > 0 {
		mc.Timeout = cfg.Timeout.Duration()
	}

	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		mc.MaxCompletionTokens = &maxTokens
	}

	if t, ok := floatOption(cfg.Options, "temperature"); ok {
		mc.Temperature = &t
	}
	if p, ok := floatOption(cfg.Options, "top_p"); ok {
		mc.TopP = &p
	}

	return einoopenai.NewChatModel(ctx, mc)
}
