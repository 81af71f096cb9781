// Command chatrelay-mcp exposes a running batch's status API as MCP tools
// over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
)

func main() {
	apiURL := os.Getenv("CHATRELAY_STATUS_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	c := newStatusClient(apiURL, os.Getenv("CHATRELAY_STATUS_API_KEY"))

	s := server.NewMCPServer(
		"chatrelay",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, c)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
