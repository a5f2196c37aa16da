// Command longhaul-mcp exposes the orchestration core over MCP stdio:
// one tool per operator verb, JSON in and JSON out. The server holds no
// state of its own; every tool call resolves the run root fresh so any
// number of operator sessions can point at the same run.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"
)

func main() {
	s := server.NewMCPServer(
		"Longhaul Research Orchestrator",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	registerTools(s)

	log.Println("longhaul-mcp: serving on stdio")
	if err := server.ServeStdio(s); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
