// lendbridge MCP server - exposes escrow and loan operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/lendbridge/internal/apiclient"
	"github.com/mbd888/lendbridge/internal/mcpserver"
)

func main() {
	cfg := apiclient.Config{
		APIURL: envOrDefault("LENDBRIDGE_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("LENDBRIDGE_API_KEY"),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
