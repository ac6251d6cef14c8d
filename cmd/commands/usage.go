package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/parleyhq/parley/internal/ledger"
)

// NewUsageCommand returns the usage subcommand.
func NewUsageCommand() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Query the token usage ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "conversation",
				Aliases: []string{"s"},
				Usage:   "Show per-turn usage for one conversation",
			},
			&cli.IntFlag{
				Name:  "page",
				Usage: "Result page (1-based)",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Results per page",
				Value: 50,
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Ledger database path (default: from config)",
			},
		},
		Action: runUsage,
	}
}

func runUsage(ctx context.Context, cmd *cli.Command) error {
	page := cmd.Int("page")
	pageSize := cmd.Int("page-size")
	if page < 1 {
		return fmt.Errorf("page must be >= 1")
	}
	if pageSize < 1 || pageSize > 200 {
		return fmt.Errorf("page-size must be in [1,200]")
	}

	dbPath := cmd.String("db")
	if dbPath == "" {
		dbPath = loadConfig(cmd).Ledger.Path
	}

	store, err := ledger.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	offset := (page - 1) * pageSize

	if conversation := cmd.String("conversation"); conversation != "" {
		return printConversationUsage(ctx, store, conversation, pageSize, offset)
	}
	return printConversations(ctx, store, pageSize, offset)
}

func printConversationUsage(ctx context.Context, store *ledger.Store, conversation string, limit, offset int) error {
	turns, err := store.ListTurns(ctx, conversation, limit, offset)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Println("No usage recorded for this conversation.")
		return nil
	}

	fmt.Printf("%-6s %-24s %10s %10s %10s  %s\n", "TURN", "MODEL", "INPUT", "OUTPUT", "TOTAL", "AT")
	for _, t := range turns {
		fmt.Printf("%-6d %-24s %10d %10d %10d  %s\n",
			t.TurnIndex, t.ModelName, t.InputTokens, t.OutputTokens, t.TotalTokens, t.CreatedAt)
	}

	sum, err := store.Summarize(ctx, conversation)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d turns, %d input / %d output / %d total tokens\n",
		sum.Turns, sum.InputTokens, sum.OutputTokens, sum.TotalTokens)
	return nil
}

func printConversations(ctx context.Context, store *ledger.Store, limit, offset int) error {
	convs, err := store.ListConversations(ctx, limit, offset)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No usage recorded yet.")
		return nil
	}

	fmt.Printf("%-38s %6s %12s  %s\n", "CONVERSATION", "TURNS", "TOTAL", "LAST ACTIVITY")
	for _, c := range convs {
		fmt.Printf("%-38s %6d %12d  %s\n",
			c.ConversationID, c.Turns, c.TotalTokens, c.LastCreatedAt)
	}
	return nil
}
