package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/marcozac/go-jsonc"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before stripping comments,
	// since templates live inside string values.
	expanded := expandEnvTemplates(string(data))

	var cfg Config
	if err := jsonc.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields. A process with nothing but
// OPENAI_API_KEY (or OLLAMA_HOST) in its environment ends up with a working
// single-provider setup.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8729
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Ledger.Path == "" {
		if v := os.Getenv("PARLEY_LEDGER_PATH"); v != "" {
			cfg.Ledger.Path = v
		} else {
			cfg.Ledger.Path = LedgerPath()
		}
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "Assistant"
	}
	if cfg.Agent.Instructions == "" {
		cfg.Agent.Instructions = "You are a helpful assistant."
	}

	if len(cfg.Models.Providers) == 0 {
		if p, name, ok := providerFromEnv(); ok {
			cfg.Models.Providers = map[string]ProviderConfig{name: p}
			if cfg.Models.Default == "" {
				cfg.Models.Default = name
			}
		}
	}
	if cfg.Models.Default == "" && len(cfg.Models.Providers) == 1 {
		for name := range cfg.Models.Providers {
			cfg.Models.Default = name
		}
	}
}

// providerFromEnv builds a provider from well-known env vars so the server can
// run without a config file.
func providerFromEnv() (ProviderConfig, string, bool) {
	model := os.Getenv("PARLEY_MODEL")

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if model == "" {
			model = "gpt-4o-mini"
		}
		return ProviderConfig{
			Driver:  "openai",
			Model:   model,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		}, "openai", true
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if model == "" {
			model = "claude-sonnet-4-6"
		}
		return ProviderConfig{Driver: "claude", Model: model}, "claude", true
	}

	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if model == "" {
			model = "llama3.1"
		}
		return ProviderConfig{Driver: "ollama", Model: model, BaseURL: host}, "ollama", true
	}

	return ProviderConfig{}, "", false
}
