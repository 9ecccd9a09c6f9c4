package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/lendbridge/internal/notify"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	RedisURL string
	Channel  string
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow escrow lifecycle events",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print lifecycle events as the server publishes them",
		Long: `Subscribe to the Redis channel the server publishes escrow transitions
on and print each one until interrupted. Requires the server to run with
REDIS_URL set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts)
		},
	}
	tail.Flags().StringVar(&opts.RedisURL, "redis-url", os.Getenv("REDIS_URL"), "redis URL (required)")
	tail.Flags().StringVar(&opts.Channel, "channel", notify.DefaultChannel, "pub/sub channel")

	cmd.AddCommand(tail)
	return cmd
}

func runTail(cmd *cobra.Command, opts *EventsOptions) error {
	if opts.RedisURL == "" {
		return NewExitError(ExitCommandError, "--redis-url or REDIS_URL is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := notify.NewRedisClient(ctx, opts.RedisURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to redis", err)
	}
	defer func() { _ = client.Close() }()

	out := cmd.OutOrStdout()
	if err := notify.Subscribe(ctx, client, opts.Channel, func(m notify.Message) {
		_ = writeMessage(out, opts.Format, m)
	}); err != nil && ctx.Err() == nil {
		return WrapExitError(ExitCommandError, "subscription ended", err)
	}
	return nil
}

// writeMessage prints one lifecycle event: a JSON line, or a single
// aligned text row.
func writeMessage(w io.Writer, format string, m notify.Message) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(m)
	}
	_, err := fmt.Fprintf(w, "%s  %-16s %-24s %-9s %12d  %s\n",
		timestamp(m.OccurredAt), m.EventType, m.EscrowID, m.Status, m.Amount, m.TxHash)
	return err
}
