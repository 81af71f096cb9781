package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/results"
)

// statusClient reads the chatrelay status API.
type statusClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newStatusClient(baseURL, apiKey string) *statusClient {
	return &statusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// get fetches path and decodes a 200 body into out. Any other status is
// returned as an error carrying the API's error code.
func (c *statusClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr models.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("[%s] %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("status API returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func addTools(s *server.MCPServer, c *statusClient) {
	progressTool := mcp.NewTool("get_progress",
		mcp.WithDescription("Show how far the running chatrelay batch has got: prompts completed, succeeded and failed, and the session state."),
	)
	s.AddTool(progressTool, handleProgress(c))

	resultsTool := mcp.NewTool("list_results",
		mcp.WithDescription("List the result records written so far by the running batch."),
		mcp.WithString("status",
			mcp.Description("Only return 'failed' or 'succeeded' records. Omit for all records."),
			mcp.Enum("failed", "succeeded"),
		),
	)
	s.AddTool(resultsTool, handleResults(c))

	resultTool := mcp.NewTool("get_result",
		mcp.WithDescription("Return the full record for one prompt, including the reply text."),
		mcp.WithNumber("query_index",
			mcp.Required(),
			mcp.Description("The prompt's index in the source prompt file"),
		),
	)
	s.AddTool(resultTool, handleResult(c))
}

func handleProgress(c *statusClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p results.Progress
		if err := c.get(ctx, "/api/v1/progress", &p); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		state := p.State
		if p.Done {
			state = "done"
		}
		text := fmt.Sprintf("Run %s, batch %d: %d/%d prompts (%d succeeded, %d failed)\nState: %s\nSession attempts: %d",
			p.RunID, p.Batch, p.Completed, p.Total, p.Succeeded, p.Failed, state, p.Attempts)
		return mcp.NewToolResultText(text), nil
	}
}

func handleResults(c *statusClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := "/api/v1/results"
		if status := request.GetString("status", ""); status != "" {
			path += "?status=" + url.QueryEscape(status)
		}

		var resp models.ResultsResponse
		if err := c.get(ctx, path, &resp); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resp.Total == 0 {
			return mcp.NewToolResultText("No records yet."), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%d records\n", resp.Total)
		for _, r := range resp.Results {
			outcome := "ok"
			if !r.Succeeded() {
				outcome = string(r.ErrorKind)
			}
			fmt.Fprintf(&b, "\n#%d [%s] %s", r.QueryIndex, outcome, truncate(r.Prompt, 80))
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleResult(c *statusClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idx, err := request.RequireInt("query_index")
		if err != nil {
			return mcp.NewToolResultError("query_index is required"), nil
		}

		var r models.ScrapeResult
		if err := c.get(ctx, "/api/v1/results/"+strconv.Itoa(idx), &r); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Prompt #%d (id %s, batch %d)\n", r.QueryIndex, r.PromptID, r.BatchID)
		if !r.Succeeded() {
			fmt.Fprintf(&b, "Error kind: %s\n", r.ErrorKind)
		}
		if r.Screenshot != nil {
			fmt.Fprintf(&b, "Screenshot: %s\n", *r.Screenshot)
		}
		fmt.Fprintf(&b, "\n%s\n\n---\n%s", r.Prompt, r.Response)
		return mcp.NewToolResultText(b.String()), nil
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
