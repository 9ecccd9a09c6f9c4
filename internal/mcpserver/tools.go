package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the lendbridge MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a loan escrow by ID. Shows parties, amount, status and any in-flight ledger call. "+
			"Set include_chain to also read the on-chain contract and report disagreements."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
	mcp.WithBoolean("include_chain",
		mcp.Description("Also read the escrow contract on the ledger (slower)")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows in one status, newest first. When more remain, the result ends with a cursor for the next page."),
	mcp.WithString("status",
		mcp.Description("Status to list (default PENDING)"),
		mcp.Enum("PENDING", "RELEASED", "REFUNDED", "DISPUTED")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_escrows result, to fetch the next page")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20, max 200)")),
)

var ToolListEscrowEvents = mcp.NewTool("list_escrow_events",
	mcp.WithDescription(
		"Show the audit log of an escrow: creation, dispute and settlement, with transaction hashes."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release a PENDING escrow's funds to the borrower. "+
			"This calls the ledger and cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Refund a PENDING escrow's funds to the lender. "+
			"This calls the ledger and cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Freeze a PENDING escrow until its arbitrator rules. "+
			"Only the borrower or the lender may raise a dispute."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("raised_by",
		mcp.Required(),
		mcp.Description("Address of the borrower or lender raising the dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the escrow is disputed")),
)

var ToolResolveEscrow = mcp.NewTool("resolve_escrow",
	mcp.WithDescription(
		"Apply the arbitrator's ruling to a DISPUTED escrow: release to the borrower or refund the lender."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("arbitrator",
		mcp.Required(),
		mcp.Description("The escrow's arbitrator address")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("RELEASED or REFUNDED"),
		mcp.Enum("RELEASED", "REFUNDED")),
)

var ToolGetLoan = mcp.NewTool("get_loan",
	mcp.WithDescription(
		"Look up a loan by the provider's proposal ID: credit status, contract signature, payments and repayment."),
	mcp.WithString("proposal_id",
		mcp.Required(),
		mcp.Description("The provider's proposal ID")),
)
