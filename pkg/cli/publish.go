package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/pubsubd/pkg/cli/internal/output"
	"github.com/getmockd/pubsubd/pkg/client"
)

// DefaultURL is the broker URL used by the client commands.
const DefaultURL = "ws://localhost:1234/ws"

var (
	publishURL     string
	publishTimeout time.Duration
)

// PublishOutput represents JSON output format
type PublishOutput struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

var publishCmd = &cobra.Command{
	Use:   "publish CHANNEL DATA",
	Short: "Publish a message to a channel",
	Long: `Publish DATA to every subscriber of CHANNEL. DATA is sent as JSON when it
parses as JSON and as a string otherwise.`,
	Example: `  pubsubd publish news '{"headline":"hello"}'
  pubsubd publish --url ws://broker:1234/ws alerts disk-full`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := args[0]
		data := parseData(args[1])

		ctx, cancel := withTimeout(cmd, publishTimeout)
		defer cancel()

		c, err := client.Dial(ctx, publishURL)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		if err := c.Publish(ctx, channel, data); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		if jsonOutput {
			return output.JSON(cmd.OutOrStdout(), PublishOutput{Channel: channel, Data: data})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", channel)
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishURL, "url", DefaultURL, "Broker WebSocket URL")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 5*time.Second, "Time allowed to connect and publish")
	rootCmd.AddCommand(publishCmd)
}

// parseData returns s decoded as JSON, or s itself when it is not JSON.
func parseData(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), d)
}
