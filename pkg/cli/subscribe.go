package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getmockd/pubsubd/pkg/cli/internal/output"
	"github.com/getmockd/pubsubd/pkg/client"
)

var (
	subscribeURL   string
	subscribeCount int
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe CHANNEL...",
	Short: "Subscribe to channels and print received messages",
	Long: `Subscribe to one or more channels and print every received frame as one
line of JSON on stdout. Subscription acknowledgements are reported on stderr.
The command runs until interrupted, until --count messages have arrived, or
until the broker closes the connection.`,
	Example: `  pubsubd subscribe news
  pubsubd subscribe --count 1 news alerts`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		c, err := client.Dial(ctx, subscribeURL)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		for _, channel := range args {
			if err := c.Subscribe(ctx, channel, nil); err != nil {
				return fmt.Errorf("subscribe %s: %w", channel, err)
			}
		}

		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		received := 0
		return c.Listen(ctx, client.HandlerFuncs{
			Message: func(f client.Frame) {
				if client.IsSuccessfulSubscription(f) {
					if m, ok := f.Object(); ok {
						fmt.Fprintf(errOut, "subscribed to %v\n", m["channel"])
					}
					return
				}
				fmt.Fprintln(out, string(f.Raw))
				received++
				if subscribeCount > 0 && received >= subscribeCount {
					cancel()
				}
			},
			Close: func(code int, reason string) {
				if code != 1000 {
					output.Warn(errOut, "connection closed with code %d %s", code, reason)
				}
			},
		})
	},
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribeURL, "url", DefaultURL, "Broker WebSocket URL")
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Exit after this many messages (0 runs until interrupted)")
	rootCmd.AddCommand(subscribeCmd)
}
