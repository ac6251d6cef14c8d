package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/heartbeat"
)

// NewInfoCommand returns the info subcommand.
func NewInfoCommand() *cli.Command {
	return &cli.Command{
		Name:   "info",
		Usage:  "Print the resolved configuration",
		Action: runInfo,
	}
}

func runInfo(_ context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	info := agentInfo(cfg)

	fmt.Printf("Agent:    %s\n", info.Name)
	if info.Driver == "" {
		fmt.Println("Provider: NOT CONFIGURED (set OPENAI_API_KEY, ANTHROPIC_API_KEY or OLLAMA_HOST)")
	} else {
		fmt.Printf("Provider: %s (%s)\n", cfg.Models.Default, info.Driver)
		fmt.Printf("Model:    %s\n", info.Model)
		if info.BaseURL != "" {
			fmt.Printf("Base URL: %s\n", info.BaseURL)
		}
		fmt.Printf("Auth:     %s\n", info.AuthMode)
	}
	fmt.Printf("Gateway:  %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Ledger:   %s\n", cfg.Ledger.Path)
	fmt.Printf("Config:   %s\n", config.ConfigPath())

	hbPath := filepath.Join(config.ParleyPath(), "heartbeat.json")
	status, beat, err := heartbeat.Check(hbPath, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Status:   RUNNING on %s (PID %d, uptime %s, %d turns served)\n",
			beat.Address, beat.PID, beat.Uptime, beat.Turns)
	case heartbeat.StatusStale:
		fmt.Printf("Status:   STALE (PID %d, last beat %s ago)\n",
			beat.PID, time.Since(beat.BeatAt).Truncate(time.Second))
	default:
		fmt.Println("Status:   NOT RUNNING")
	}
	return nil
}
