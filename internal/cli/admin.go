package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/lendbridge/internal/apiclient"
)

// NewLoanCommand creates the loan command group.
func NewLoanCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loan",
		Short: "Inspect loans tracked from provider webhooks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <proposal-id>",
		Short: "Show a loan and its payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "get loan", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.GetLoan(ctx, args[0])
			}, nil)
		},
	})
	return cmd
}

// NewWebhooksCommand creates the webhooks command group.
func NewWebhooksCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect and recover webhook deliveries",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <webhook-id>",
		Short: "Show a stored delivery and its raw payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "get webhook", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.GetWebhookEvent(ctx, args[0])
			}, nil)
		},
	})

	var (
		olderThan time.Duration
		limit     int
	)
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-handle deliveries left PENDING",
		Long: `Re-handle deliveries that were stored but never reached an outcome,
for example because the server stopped mid-request. The server's own
recovery loop does the same on a timer.`,
		Example: `  escrowctl webhooks recover
  escrowctl webhooks recover --older-than 5s --limit 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}
			return run(cmd, opts, "recover webhooks", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.RecoverWebhooks(ctx, olderThan, limit)
			}, nil)
		},
	}
	recoverCmd.Flags().DurationVar(&olderThan, "older-than", 0, "only deliveries pending at least this long (server default when 0)")
	recoverCmd.Flags().IntVar(&limit, "limit", 0, "maximum deliveries to handle (server default when 0)")
	cmd.AddCommand(recoverCmd)

	return cmd
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the ledger",
		Long: `Recover escrows whose ledger call was interrupted, then compare every
escrow with its contract and report disagreements. Disagreements are
reported only; nothing is rewritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "reconcile", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.Reconcile(ctx)
			}, reportText)
		},
	}
}
