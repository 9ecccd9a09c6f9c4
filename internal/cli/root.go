// Package cli implements escrowctl, the operator command line for a
// running lendbridge server.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/lendbridge/internal/apiclient"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	APIURL string
	APIKey string
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for escrowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operate lendbridge escrows",
		Long: `Inspect and settle loan escrows, replay stuck webhooks and trigger
reconciliation on a running lendbridge server.

The server address and operator key default to LENDBRIDGE_API_URL and
LENDBRIDGE_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", envOrDefault("LENDBRIDGE_API_URL", "http://localhost:8080"), "lendbridge server URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("LENDBRIDGE_API_KEY"), "operator API key")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewEscrowCommand(opts))
	cmd.AddCommand(NewLoanCommand(opts))
	cmd.AddCommand(NewWebhooksCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

func (o *RootOptions) client() *apiclient.Client {
	return apiclient.NewClient(apiclient.Config{APIURL: o.APIURL, APIKey: o.APIKey})
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
