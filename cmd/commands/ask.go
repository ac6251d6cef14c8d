package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/parleyhq/parley/internal/broker"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a message to the agent and print the response",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Gateway base URL",
				Value: "http://127.0.0.1:8729",
			},
			&cli.StringFlag{
				Name:    "conversation",
				Aliases: []string{"s"},
				Usage:   "Conversation ID to continue (empty = new conversation)",
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Stream the response as it is generated",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Response timeout in seconds",
				Value: 120,
			},
		},
		Action: runAsk,
	}
}

func runAsk(_ context.Context, cmd *cli.Command) error {
	message := cmd.Args().First()
	if message == "" {
		return fmt.Errorf("usage: parley ask <message>")
	}

	base := strings.TrimRight(cmd.String("server"), "/")
	conversation := cmd.String("conversation")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()

	body, err := json.Marshal(broker.RunRequest{Message: message, ConversationID: conversation})
	if err != nil {
		return err
	}

	if cmd.Bool("stream") {
		return askStream(ctx, base, conversation, body)
	}
	return askOnce(ctx, base, conversation, body)
}

func askOnce(ctx context.Context, base, conversation string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/agent/run", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gatewayError(resp)
	}

	var out broker.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if conversation == "" {
		fmt.Fprintf(os.Stderr, "conversation: %s\n", out.ConversationID)
	}
	fmt.Fprintln(os.Stdout, out.Output)
	return nil
}

func askStream(ctx context.Context, base, conversation string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/agent/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gatewayError(resp)
	}

	var event string
	wrote := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "meta":
				if conversation == "" {
					var meta broker.MetaPayload
					if err := json.Unmarshal([]byte(data), &meta); err == nil {
						fmt.Fprintf(os.Stderr, "conversation: %s\n", meta.ConversationID)
					}
				}
			case "delta":
				var delta broker.DeltaPayload
				if err := json.Unmarshal([]byte(data), &delta); err == nil {
					fmt.Fprint(os.Stdout, delta.Delta)
					wrote = true
				}
			case "error":
				var e broker.ErrorPayload
				if err := json.Unmarshal([]byte(data), &e); err == nil && e.Message != "" {
					if wrote {
						fmt.Fprintln(os.Stdout)
					}
					return fmt.Errorf("agent error: %s", e.Message)
				}
				return fmt.Errorf("agent error")
			case "done":
				if wrote {
					fmt.Fprintln(os.Stdout)
				}
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timeout waiting for response")
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without done event")
}

func gatewayError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("gateway: %s (%s)", body.Error, resp.Status)
	}
	return fmt.Errorf("gateway: %s", resp.Status)
}
