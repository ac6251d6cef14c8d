package models

import (
	"context"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"github.com/parleyhq/parley/internal/config"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	// Local models can be slow to load into memory on the first turn.
	defaultOllamaTimeout = 300 * time.Second
)

// NewOllama builds the chat model for a local ollama provider.
func NewOllama(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	mc := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
		Timeout: defaultOllamaTimeout,
	}
	if cfg.Timeout.Duration() > 0 {
		mc.Timeout = cfg.Timeout.Duration()
	}

	opts := &einoollama.Options{}
	if cfg.MaxTokens > 0 {
		opts.NumPredict = cfg.MaxTokens
	}
	if t, ok := floatOption(cfg.Options, "temperature"); ok {
		opts.Temperature = t
	}
	if p, ok := floatOption(cfg.Options, "top_p"); ok {
		opts.TopP = p
	}
	if numCtx, ok := cfg.Options["num_ctx"].(float64); ok {
		opts.NumCtx = int(numCtx)
	}
	mc.Options = opts

	return einoollama.NewChatModel(ctx, mc)
}
