package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// rpcRequest and rpcResponse mirror the Forage wire envelope. The proxy
// speaks the wire format instead of importing server internals, so it
// runs against any deployed Forage version.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var nextID atomic.Int64

func main() {
	apiURL := os.Getenv("FORAGE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	// Optional: the Forage API runs open unless FORAGE_AUTH_ENABLED is set.
	apiKey := os.Getenv("FORAGE_API_KEY")

	s := server.NewMCPServer(
		"forage",
		"0.1.0",
		server.WithToolCapabilities(false),
	)

	scrapeTool := mcp.NewTool("scrape",
		mcp.WithDescription("Scrape a web page and extract structured records using a declarative schema of CSS/XPath selectors. Set render_mode to 'dynamic' for JavaScript-heavy pages."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the web page to scrape"),
		),
		mcp.WithString("schema",
			mcp.Required(),
			mcp.Description(`JSON object mapping field names to extraction rules, e.g. {"title": "h1", "price": {"selector": ".price", "transform": "number"}}`),
		),
		mcp.WithString("render_mode",
			mcp.Description("Retrieval path: 'static' (default, plain HTTP) or 'dynamic' (headless browser render)"),
			mcp.Enum("static", "dynamic"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Whole-job deadline in milliseconds, retries included (default: 30000, max: 120000)"),
		),
	)
	s.AddTool(scrapeTool, handleScrape(apiURL, apiKey))

	pingTool := mcp.NewTool("ping",
		mcp.WithDescription("Check that the Forage scraping service is reachable and responding."),
	)
	s.AddTool(pingTool, handlePing(apiURL, apiKey))

	switch transport := os.Getenv("FORAGE_MCP_TRANSPORT"); transport {
	case "", "stdio":
		if err := server.ServeStdio(s); err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	case "http":
		addr := os.Getenv("FORAGE_MCP_ADDR")
		if addr == "" {
			addr = ":8081"
		}
		if err := server.NewStreamableHTTPServer(s).Start(addr); err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown FORAGE_MCP_TRANSPORT %q (want stdio or http)\n", transport)
		os.Exit(1)
	}
}

// rpcCall sends one JSON-RPC request to the Forage API and decodes the
// response envelope.
func rpcCall(ctx context.Context, client *http.Client, apiURL, apiKey, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out rpcResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	return &out, nil
}

// rpcErrorText formats an RPC error object for a tool result, keeping
// the taxonomy detail when the server attached one.
func rpcErrorText(e *rpcError) string {
	msg := fmt.Sprintf("[%d] %s", e.Code, e.Message)
	if len(e.Data) > 0 {
		msg += " " + string(e.Data)
	}
	return msg
}

func handleScrape(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 150 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}
		schemaStr, err := request.RequireString("schema")
		if err != nil {
			return mcp.NewToolResultError("schema is required"), nil
		}

		// Validate the schema is a JSON object before forwarding.
		var schema map[string]json.RawMessage
		if err := json.Unmarshal([]byte(schemaStr), &schema); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schema must be a JSON object: %v", err)), nil
		}

		params := map[string]any{
			"url":    url,
			"schema": schema,
		}
		if mode := request.GetString("render_mode", ""); mode != "" {
			params["renderMode"] = mode
		}
		args := request.GetArguments()
		if timeout, ok := args["timeout_ms"]; ok {
			params["timeoutMs"] = timeout
		}

		resp, err := rpcCall(ctx, client, apiURL, apiKey, "scrape", params)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("scrape request failed: %v", err)), nil
		}
		if resp.Error != nil {
			return mcp.NewToolResultError(rpcErrorText(resp.Error)), nil
		}

		// Pretty-print the extraction result for the model.
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, resp.Result, "", "  "); err != nil {
			pretty.Write(resp.Result)
		}
		return mcp.NewToolResultText(pretty.String()), nil
	}
}

func handlePing(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := rpcCall(ctx, client, apiURL, apiKey, "ping", nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ping failed: %v", err)), nil
		}
		if resp.Error != nil {
			return mcp.NewToolResultError(rpcErrorText(resp.Error)), nil
		}
		return mcp.NewToolResultText(string(resp.Result)), nil
	}
}
