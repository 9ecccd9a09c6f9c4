package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/lendbridge/internal/apiclient"
)

type call func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error)

// run performs one API call and renders its response.
func run(cmd *cobra.Command, opts *RootOptions, op string, fn call, text func(io.Writer, json.RawMessage) error) error {
	raw, err := fn(cmd.Context(), opts.client())
	if err != nil {
		return requestFailed(op, err)
	}
	return render(cmd.OutOrStdout(), opts.Format, raw, text)
}

// NewEscrowCommand creates the escrow command group.
func NewEscrowCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Inspect and settle escrows",
	}
	cmd.AddCommand(
		newEscrowGetCommand(opts),
		newEscrowListCommand(opts),
		newEscrowEventsCommand(opts),
		newEscrowSettleCommand(opts, "release", "Release a PENDING escrow to the borrower"),
		newEscrowSettleCommand(opts, "refund", "Refund a PENDING escrow to the lender"),
		newEscrowDisputeCommand(opts),
		newEscrowResolveCommand(opts),
	)
	return cmd
}

func newEscrowGetCommand(opts *RootOptions) *cobra.Command {
	var withChain bool
	cmd := &cobra.Command{
		Use:   "get <escrow-id>",
		Short: "Show one escrow",
		Example: `  escrowctl escrow get esc_123
  escrowctl escrow get esc_123 --chain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "get escrow", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.GetEscrow(ctx, args[0], withChain)
			}, escrowText)
		},
	}
	cmd.Flags().BoolVar(&withChain, "chain", false, "also read the contract on the ledger")
	return cmd
}

func newEscrowListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		cursor string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows in one status, newest first",
		Example: `  escrowctl escrow list --status DISPUTED
  escrowctl escrow list --cursor MTc3MjM1OTIwMDAwMDAwMDAwMHxlc2NfMQ==`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "list escrows", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.ListEscrows(ctx, status, cursor, limit)
			}, escrowListText)
		},
	}
	cmd.Flags().StringVar(&status, "status", "PENDING", "PENDING, RELEASED, REFUNDED or DISPUTED")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after a previous page (its next cursor)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum escrows to return")
	return cmd
}

func newEscrowEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <escrow-id>",
		Short: "Show the audit log of an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "list events", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.ListEscrowEvents(ctx, args[0])
			}, eventsText)
		},
	}
}

func newEscrowSettleCommand(opts *RootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <escrow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, verb+" escrow", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				if verb == "release" {
					return c.ReleaseEscrow(ctx, args[0])
				}
				return c.RefundEscrow(ctx, args[0])
			}, escrowText)
		},
	}
}

func newEscrowDisputeCommand(opts *RootOptions) *cobra.Command {
	var raisedBy, reason string
	cmd := &cobra.Command{
		Use:   "dispute <escrow-id>",
		Short: "Freeze a PENDING escrow until the arbitrator rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, "dispute escrow", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.DisputeEscrow(ctx, args[0], raisedBy, reason)
			}, escrowText)
		},
	}
	cmd.Flags().StringVar(&raisedBy, "by", "", "borrower or lender address raising the dispute (required)")
	_ = cmd.MarkFlagRequired("by")
	cmd.Flags().StringVar(&reason, "reason", "", "why the escrow is disputed (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newEscrowResolveCommand(opts *RootOptions) *cobra.Command {
	var arbitrator, outcome string
	cmd := &cobra.Command{
		Use:   "resolve <escrow-id>",
		Short: "Apply the arbitrator's ruling to a DISPUTED escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outcome != "RELEASED" && outcome != "REFUNDED" {
				return NewExitError(ExitCommandError, "--outcome must be RELEASED or REFUNDED")
			}
			return run(cmd, opts, "resolve escrow", func(ctx context.Context, c *apiclient.Client) (json.RawMessage, error) {
				return c.ResolveEscrow(ctx, args[0], arbitrator, outcome)
			}, escrowText)
		},
	}
	cmd.Flags().StringVar(&arbitrator, "arbitrator", "", "the escrow's arbitrator address (required)")
	_ = cmd.MarkFlagRequired("arbitrator")
	cmd.Flags().StringVar(&outcome, "outcome", "", "RELEASED or REFUNDED (required)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}
