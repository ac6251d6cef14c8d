package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/parleyhq/parley/cmd/commands"
	"github.com/parleyhq/parley/internal/config"
)

func main() {
	// A missing .env is fine; credentials may also come from the real
	// environment or from config.jsonc.
	if err := config.LoadDotenv(config.DotenvPath()); err != nil {
		fmt.Fprintln(os.Stderr, "parley: ignoring unreadable .env:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := commands.NewRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "parley:", err)
		os.Exit(1)
	}
}
