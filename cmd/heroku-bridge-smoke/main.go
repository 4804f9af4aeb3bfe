// Command heroku-bridge-smoke exercises a running bridge over the MCP
// streamable HTTP transport: it checks auth_status, runs a search, and
// dry-runs the first result. Intended as a post-deploy sanity check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// userIDTransport injects the caller identity header on every request.
type userIDTransport struct {
	header string
	userID string
	base   http.RoundTripper
}

func (t *userIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set(t.header, t.userID)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(cloned)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	serverURL := flag.String("url", "http://localhost:8090", "bridge base URL")
	userID := flag.String("user", "default", "caller identity to act as")
	header := flag.String("header", "x-user-id", "caller identity header name")
	query := flag.String("query", "list apps", "search query to smoke-test")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	transport := &mcp.StreamableClientTransport{
		Endpoint: *serverURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &userIDTransport{header: *header, userID: *userID},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "heroku-bridge-smoke", Version: "dev"},
		nil,
	)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer session.Close()

	fmt.Println("== auth_status ==")

	if err := call(ctx, session, "auth_status", nil); err != nil {
		return err
	}

	fmt.Println("== search ==")

	searchResult, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "search",
		Arguments: map[string]any{"query": *query, "limit": 3},
	})
	if err != nil {
		return fmt.Errorf("calling search: %w", err)
	}

	printResult(searchResult)

	operationID := firstOperationID(searchResult)
	if operationID == "" {
		fmt.Println("no search results; skipping execute")
		return nil
	}

	fmt.Printf("== execute (dry run, %s) ==\n", operationID)

	return call(ctx, session, "execute", map[string]any{
		"operation_id": operationID,
		"dry_run":      true,
	})
}

func call(ctx context.Context, session *mcp.ClientSession, name string, args map[string]any) error {
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("calling %s: %w", name, err)
	}

	printResult(result)

	return nil
}

func printResult(result *mcp.CallToolResult) {
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			fmt.Println(tc.Text)
		}
	}

	if result.IsError {
		fmt.Println("(tool reported an error)")
	}
}

// firstOperationID pulls the top result's operation id out of the
// search tool's JSON text content.
func firstOperationID(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}

	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		return ""
	}

	var out struct {
		Results []struct {
			OperationID string `json:"operation_id"`
		} `json:"results"`
	}

	if err := json.Unmarshal([]byte(tc.Text), &out); err != nil || len(out.Results) == 0 {
		return ""
	}

	return out.Results[0].OperationID
}
