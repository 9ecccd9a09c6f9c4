package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mbd888/lendbridge/internal/apiclient"
	"github.com/mbd888/lendbridge/internal/escrow"
	"github.com/mbd888/lendbridge/internal/reconciliation"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The server refused the request (invalid state, not found, ...)
	ExitCommandError = 2 // Command error (bad flags, server unreachable, ...)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// requestFailed classifies a client error: an answer from the server is a
// failure, anything else is a command error.
func requestFailed(op string, err error) error {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		return WrapExitError(ExitFailure, op+" failed", err)
	}
	return WrapExitError(ExitCommandError, op+" failed", err)
}

// render writes raw as indented JSON, or through text when the text
// format is selected and a formatter exists.
func render(w io.Writer, format string, raw json.RawMessage, text func(io.Writer, json.RawMessage) error) error {
	if format == "text" && text != nil {
		return text(w, raw)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%-12s%s\n", label+":", value)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeEscrow(w io.Writer, e *escrow.Escrow) {
	field(w, "ID", e.ID)
	field(w, "Status", string(e.Status))
	field(w, "Amount", strconv.FormatInt(e.Amount, 10))
	field(w, "Borrower", e.Borrower)
	field(w, "Lender", e.Lender)
	field(w, "Arbitrator", e.Arbitrator)
	field(w, "Contract", e.ContractAddress)
	if e.PendingAction != "" {
		pending := string(e.PendingAction)
		if e.PendingSince != nil {
			pending += " since " + timestamp(*e.PendingSince)
		}
		field(w, "In flight", pending)
	}
	if e.DisputeReason != "" {
		field(w, "Dispute", fmt.Sprintf("%s (raised by %s)", e.DisputeReason, e.DisputedBy))
	}
	field(w, "Created", timestamp(e.CreatedAt))
	field(w, "Updated", timestamp(e.UpdatedAt))
}

// escrowText formats {"escrow": ...} and the StatusView of GET /escrow/:id.
func escrowText(w io.Writer, raw json.RawMessage) error {
	var view escrow.StatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		return fmt.Errorf("decode escrow: %w", err)
	}
	if view.Escrow == nil {
		return fmt.Errorf("decode escrow: response has no escrow")
	}
	writeEscrow(w, view.Escrow)
	switch {
	case view.Chain != nil:
		field(w, "Ledger", string(view.Chain.State))
	case view.ChainError != "":
		field(w, "Ledger", "unavailable ("+view.ChainError+")")
	}
	if view.Warning != nil {
		field(w, "Warning", view.Warning.Kind+": "+view.Warning.Message)
	}
	return nil
}

func escrowListText(w io.Writer, raw json.RawMessage) error {
	var resp escrow.Page
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode escrows: %w", err)
	}
	if len(resp.Escrows) == 0 {
		fmt.Fprintln(w, "No escrows.")
		return nil
	}
	fmt.Fprintf(w, "%-24s %-9s %12s  %s\n", "ID", "STATUS", "AMOUNT", "CONTRACT")
	for _, e := range resp.Escrows {
		fmt.Fprintf(w, "%-24s %-9s %12d  %s\n", e.ID, e.Status, e.Amount, e.ContractAddress)
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(w, "\nMore remain: --cursor %s\n", resp.NextCursor)
	}
	return nil
}

func eventsText(w io.Writer, raw json.RawMessage) error {
	var resp struct {
		Events []*escrow.Event `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode events: %w", err)
	}
	fmt.Fprintf(w, "%-4s %-16s %12s  %-20s  %s\n", "#", "EVENT", "AMOUNT", "AT", "TX")
	for _, ev := range resp.Events {
		fmt.Fprintf(w, "%-4d %-16s %12d  %-20s  %s\n", ev.ID, ev.Type, ev.Amount, timestamp(ev.CreatedAt), ev.TxHash)
	}
	return nil
}

func reportText(w io.Writer, raw json.RawMessage) error {
	var resp struct {
		Report *reconciliation.Report `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Report == nil {
		return fmt.Errorf("decode report: %v", err)
	}
	rep := resp.Report
	field(w, "Checked", strconv.Itoa(rep.Checked))
	field(w, "Errors", strconv.Itoa(rep.Errors))
	for _, action := range []escrow.RecoveryAction{escrow.RecoveryFinalized, escrow.RecoveryCleared, escrow.RecoveryDiverged} {
		if n := rep.Recovered[action]; n > 0 {
			field(w, "Recovered", fmt.Sprintf("%d %s", n, action))
		}
	}
	if len(rep.Warnings) == 0 {
		fmt.Fprintln(w, "No disagreements with the ledger.")
		return nil
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "WARN %s %s: local %s, ledger %s\n", warn.EscrowID, warn.Kind, warn.LocalStatus, warn.ChainState)
	}
	return nil
}
