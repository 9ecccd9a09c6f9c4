package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/lendbridge/internal/apiclient"
)

// NewMCPServer creates a configured MCP server with all lendbridge tools registered.
func NewMCPServer(cfg apiclient.Config) *server.MCPServer {
	s := server.NewMCPServer("lendbridge", "1.0.0")
	client := apiclient.NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolListEscrowEvents, h.HandleListEscrowEvents)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolResolveEscrow, h.HandleResolveEscrow)
	s.AddTool(ToolGetLoan, h.HandleGetLoan)

	return s
}
