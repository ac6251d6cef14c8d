package models

import (
	"context"

	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"

	"github.com/parleyhq/parley/internal/config"
)

const defaultClaudeMaxTokens = 4096

// NewClaude builds the chat model for a claude provider. The API requires
// max_tokens, so an unset MaxTokens gets a default.
func NewClaude(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	mc := &einoclaude.Config{
		APIKey:    auth.Value,
		Model:     cfg.Model,
		MaxTokens: maxTokens,
	}

	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		mc.BaseURL = &baseURL
	}

	if t, ok := floatOption(cfg.Options, "temperature"); ok {
		mc.Temperature = &t
	}
	if p, ok := floatOption(cfg.Options, "top_p"); ok {
		mc.TopP = &p
	}

	return einoclaude.NewChatModel(ctx, mc)
}
