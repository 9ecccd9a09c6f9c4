package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/lendbridge/internal/apiclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow returns one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID, req.GetBool("include_chain", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrowView(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows in one status.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := strings.ToUpper(req.GetString("status", "PENDING"))
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListEscrows(ctx, status, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrowEvents returns an escrow's audit log.
func (h *Handlers) HandleListEscrowEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ListEscrowEvents(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}

	text, err := formatEventList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReleaseEscrow releases a PENDING escrow.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "Release", h.client.ReleaseEscrow)
}

// HandleRefundEscrow refunds a PENDING escrow.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "Refund", h.client.RefundEscrow)
}

func (h *Handlers) settle(ctx context.Context, req mcp.CallToolRequest, verb string, fn func(context.Context, string) (json.RawMessage, error)) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := fn(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", verb, err)), nil
	}

	e, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"%s succeeded.\n\n%s", verb, formatEscrow(e))), nil
}

// HandleDisputeEscrow raises a dispute.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raisedBy := req.GetString("raised_by", "")
	if raisedBy == "" {
		return mcp.NewToolResultError("raised_by is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.DisputeEscrow(ctx, escrowID, raisedBy, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	e, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\n"+
			"Reason: %s\n"+
			"Funds stay locked until the arbitrator (%s) resolves it.",
		escrowID, reason, getString(e, "arbitratorAddress"))), nil
}

// HandleResolveEscrow applies an arbitrator's ruling.
func (h *Handlers) HandleResolveEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	arbitrator := req.GetString("arbitrator", "")
	if arbitrator == "" {
		return mcp.NewToolResultError("arbitrator is required"), nil
	}
	outcome := strings.ToUpper(req.GetString("outcome", ""))
	if outcome != "RELEASED" && outcome != "REFUNDED" {
		return mcp.NewToolResultError("outcome must be RELEASED or REFUNDED"), nil
	}

	raw, err := h.client.ResolveEscrow(ctx, escrowID, arbitrator, outcome)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}

	e, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute resolved.\n\n%s", formatEscrow(e))), nil
}

// HandleGetLoan returns a loan and its payments.
func (h *Handlers) HandleGetLoan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proposalID := req.GetString("proposal_id", "")
	if proposalID == "" {
		return mcp.NewToolResultError("proposal_id is required"), nil
	}

	raw, err := h.client.GetLoan(ctx, proposalID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get loan: %v", err)), nil
	}

	text, err := formatLoan(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse loan: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func extractEscrow(raw json.RawMessage) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if e, ok := resp["escrow"].(map[string]any); ok {
		return e, nil
	}
	if _, ok := resp["id"]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("no escrow in response: %s", string(raw))
}

func formatEscrow(e map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Status:     %s\n", getString(e, "status"))
	if v := getString(e, "pendingAction"); v != "" {
		fmt.Fprintf(&sb, "  In flight:  %s (since %s)\n", v, getString(e, "pendingSince"))
	}
	fmt.Fprintf(&sb, "  Amount:     %s\n", getString(e, "amount"))
	fmt.Fprintf(&sb, "  Borrower:   %s\n", getString(e, "borrowerAddress"))
	fmt.Fprintf(&sb, "  Lender:     %s\n", getString(e, "lenderAddress"))
	fmt.Fprintf(&sb, "  Arbitrator: %s\n", getString(e, "arbitratorAddress"))
	if v := getString(e, "contractAddress"); v != "" {
		fmt.Fprintf(&sb, "  Contract:   %s\n", v)
	}
	if v := getString(e, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Dispute:    %s (raised by %s)\n", v, getString(e, "disputedBy"))
	}
	return sb.String()
}

func formatEscrowView(raw json.RawMessage) (string, error) {
	var view struct {
		Escrow     map[string]any `json:"escrow"`
		Chain      map[string]any `json:"chain"`
		ChainError string         `json:"chainError"`
		Warning    map[string]any `json:"reconciliationWarning"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		return "", err
	}
	if view.Escrow == nil {
		return "", fmt.Errorf("no escrow in response")
	}

	var sb strings.Builder
	sb.WriteString(formatEscrow(view.Escrow))
	if view.Chain != nil {
		fmt.Fprintf(&sb, "  Ledger:     %s\n", getString(view.Chain, "state"))
	}
	if view.ChainError != "" {
		fmt.Fprintf(&sb, "  Ledger:     unavailable (%s)\n", view.ChainError)
	}
	if view.Warning != nil {
		fmt.Fprintf(&sb, "\nWarning: %s\n", getString(view.Warning, "message", "kind"))
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage, status string) (string, error) {
	var resp struct {
		Escrows    []map[string]any `json:"escrows"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected escrows response format")
	}
	if len(resp.Escrows) == 0 {
		return fmt.Sprintf("No %s escrows.", status), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d %s escrow(s):\n\n", len(resp.Escrows), status)
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s | amount %s | borrower %s | lender %s\n",
			i+1, getString(e, "id"), getString(e, "amount"),
			getString(e, "borrowerAddress"), getString(e, "lenderAddress"))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore escrows remain. Next cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatEventList(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}
	if len(resp.Events) == 0 {
		return "No events recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s):\n", len(resp.Events))
	for _, ev := range resp.Events {
		fmt.Fprintf(&sb, "- %s  %s", getString(ev, "createdAt"), getString(ev, "eventType"))
		if tx := getString(ev, "txHash"); tx != "" {
			fmt.Fprintf(&sb, "  tx %s", tx)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatLoan(raw json.RawMessage) (string, error) {
	var resp struct {
		Loan     map[string]any   `json:"loan"`
		Payments []map[string]any `json:"payments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Loan == nil {
		return "", fmt.Errorf("no loan in response")
	}

	l := resp.Loan
	var sb strings.Builder
	fmt.Fprintf(&sb, "Loan %s\n", getString(l, "proposalId"))
	if v := getString(l, "creditStatus"); v != "" {
		fmt.Fprintf(&sb, "  Credit:   %s\n", v)
	}
	if signed, _ := l["contractSigned"].(bool); signed {
		fmt.Fprintf(&sb, "  Contract: %s (signed)\n", getString(l, "contractId"))
	}
	if v := getString(l, "escrowId"); v != "" {
		fmt.Fprintf(&sb, "  Escrow:   %s\n", v)
	}
	fmt.Fprintf(&sb, "  Paid:     %s in %d payment(s)\n", getString(l, "amountPaid"), len(resp.Payments))
	if v := getString(l, "repaidAt"); v != "" {
		fmt.Fprintf(&sb, "  Repaid:   %s\n", v)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}
