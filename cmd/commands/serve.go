package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/broker"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/heartbeat"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/sessions"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Parley gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	// Setup debug logging
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := loadConfig(cmd)

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	// Usage ledger
	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer store.Close()

	// Model registry
	registry := models.NewRegistry(cfg.Models)

	modelName := cfg.Models.Default
	if prov, ok := registry.DefaultConfig(); ok && prov.Model != "" {
		modelName = prov.Model
	}

	// Heartbeat file identifies this gateway to the info command; the turn
	// counter in each beat follows the completed-turn events on the bus.
	hb := heartbeat.NewWriter(
		filepath.Join(config.ParleyPath(), "heartbeat.json"),
		fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		modelName,
	)
	hb.Start()
	defer hb.Stop()
	unsubscribe := bus.Subscribe(func(events.Event) { hb.TurnServed() }, events.EventTurnCompleted)
	defer unsubscribe()

	// The agent is built per turn so a missing provider surfaces as a
	// request-level configuration error, not a crash at startup.
	factory := func(ctx context.Context) (backend.Agent, error) {
		chatModel, err := registry.Default(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
		}
		return backend.NewEinoAgent(chatModel, modelName, cfg.Agent.Instructions), nil
	}

	brk := broker.New(broker.Options{
		Factory:      factory,
		Sessions:     sessions.NewManager(),
		Recorder:     store,
		DefaultModel: modelName,
		Bus:          bus,
	})

	server := gateway.NewServer(brk, store, bus, agentInfo(cfg), cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loadConfig loads the configured file, falling back to env-derived defaults
// when the file is absent.
func loadConfig(cmd *cli.Command) *config.Config {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	return cfg
}

// agentInfo summarizes the default provider for /api/agent/info without
// leaking credentials.
func agentInfo(cfg *config.Config) gateway.AgentInfo {
	info := gateway.AgentInfo{Name: cfg.Agent.Name, AuthMode: "none"}

	prov, ok := cfg.Models.Providers[cfg.Models.Default]
	if !ok {
		return info
	}
	info.Driver = prov.Driver
	info.Model = prov.Model
	if prov.BaseURL != "" {
		if u, err := url.Parse(prov.BaseURL); err == nil && u.Host != "" {
			info.BaseURL = u.Host
		} else {
			info.BaseURL = prov.BaseURL
		}
	}
	if auth, err := models.ResolveAuth(prov); err == nil {
		switch auth.Kind {
		case models.AuthBearerToken:
			info.AuthMode = "token"
		default:
			info.AuthMode = "api_key"
		}
	}
	return info
}
