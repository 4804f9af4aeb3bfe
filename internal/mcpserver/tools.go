// Package mcpserver registers the MCP tools that expose the API
// bridge. It adapts the search index, the executor and the OAuth
// service to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/heroku-bridge/internal/executor"
	"github.com/alexjbarnes/heroku-bridge/internal/search"
)

// DefaultCallerID identifies requests that carry no caller header.
const DefaultCallerID = "default"

type callerKey struct{}

// WithCallerID attaches a caller identity to the context. The HTTP
// layer sets it from the configured identity header.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerID returns the caller identity, or DefaultCallerID when the
// context carries none.
func CallerID(ctx context.Context) string {
	if id, ok := ctx.Value(callerKey{}).(string); ok && id != "" {
		return id
	}

	return DefaultCallerID
}

// Deps is the capability set the tool handlers need.
type Deps struct {
	// EnsureReady blocks until the operation catalog is loaded.
	// Optional; search and execute fail with SCHEMA_UNAVAILABLE when it
	// errors.
	EnsureReady func(ctx context.Context) error

	// Search queries the operation index.
	Search func(query string, limit int, resources []string) []search.Result

	// Execute runs one upstream call for the caller.
	Execute func(ctx context.Context, userID string, req *executor.Request) (*executor.Response, error)

	// AuthStatus reports the caller's credential state.
	AuthStatus func(userID string) (authenticated bool, scopes []string, expiresAt string, err error)

	// LoginURL mints an authorization URL for an unauthenticated
	// caller. Optional.
	LoginURL func(userID string) string
}

// RegisterTools adds the bridge tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search",
		Description: "Search the API operation catalog by keyword. Returns ranked operations with method, path, required parameters and whether the operation mutates state. Use this first to find the operation_id for execute.",
	}, searchHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute",
		Description: "Execute one API operation by operation_id. Mutating operations require a dry_run call first; resubmit with the returned confirm_write_token to perform the call. Read responses may be served from a short-lived cache.",
	}, executeHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_status",
		Description: "Report whether the caller has an upstream credential, its scopes and expiry. Unauthenticated callers get a login URL.",
	}, authStatusHandler(deps))
}

// --- Input and output types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SearchInput holds parameters for search.
type SearchInput struct {
	Query          string   `json:"query" jsonschema:"required,keywords to match against operation ids, paths and docs"`
	Limit          int      `json:"limit,omitempty" jsonschema:"maximum number of results, defaults to 8, capped at 25"`
	ResourceFilter []string `json:"resource_filter,omitempty" jsonschema:"restrict results to these resource names, matched as substrings"`
}

// SearchOutput is the search result envelope.
type SearchOutput struct {
	Results []search.Result `json:"results"`
	Total   int             `json:"total"`
}

// ExecuteInput holds parameters for execute.
type ExecuteInput struct {
	OperationID       string            `json:"operation_id" jsonschema:"required,operation id from a search result"`
	PathParams        map[string]string `json:"path_params,omitempty" jsonschema:"values for the path placeholders"`
	QueryParams       map[string]any    `json:"query_params,omitempty" jsonschema:"query string values, strings numbers or booleans"`
	Body              any               `json:"body,omitempty" jsonschema:"JSON request body"`
	DryRun            bool              `json:"dry_run,omitempty" jsonschema:"render the request without sending it; mutating operations return a confirm_write_token"`
	ConfirmWriteToken string            `json:"confirm_write_token,omitempty" jsonschema:"token from a prior dry_run, required for mutating operations"`
}

// AuthStatusInput has no parameters.
type AuthStatusInput struct{}

// AuthStatusOutput is the auth_status result. Scopes is always present,
// an empty array for unauthenticated callers.
type AuthStatusOutput struct {
	Authenticated bool     `json:"authenticated"`
	Scopes        []string `json:"scopes"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	LoginURL      string   `json:"login_url,omitempty"`
}

// --- Handlers ---

func searchHandler(deps Deps) mcp.ToolHandlerFor[SearchInput, *SearchOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchOutput, error) {
		if err := ensureReady(ctx, deps); err != nil {
			return errorResult(err), nil, nil
		}

		results := deps.Search(input.Query, input.Limit, input.ResourceFilter)
		if results == nil {
			results = []search.Result{}
		}

		out := &SearchOutput{Results: results, Total: len(results)}

		return textResult(out), out, nil
	}
}

func executeHandler(deps Deps) mcp.ToolHandlerFor[ExecuteInput, *executor.Response] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExecuteInput) (*mcp.CallToolResult, *executor.Response, error) {
		if err := ensureReady(ctx, deps); err != nil {
			return errorResult(err), nil, nil
		}

		req := &executor.Request{
			OperationID:       input.OperationID,
			PathParams:        input.PathParams,
			QueryParams:       input.QueryParams,
			Body:              input.Body,
			DryRun:            input.DryRun,
			ConfirmWriteToken: input.ConfirmWriteToken,
		}

		resp, err := deps.Execute(ctx, CallerID(ctx), req)
		if err != nil {
			return errorResult(err), nil, nil
		}

		return textResult(resp), resp, nil
	}
}

func authStatusHandler(deps Deps) mcp.ToolHandlerFor[AuthStatusInput, *AuthStatusOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ AuthStatusInput) (*mcp.CallToolResult, *AuthStatusOutput, error) {
		userID := CallerID(ctx)

		authenticated, scopes, expiresAt, err := deps.AuthStatus(userID)
		if err != nil {
			return errorResult(err), nil, nil
		}

		if scopes == nil {
			scopes = []string{}
		}

		out := &AuthStatusOutput{
			Authenticated: authenticated,
			Scopes:        scopes,
			ExpiresAt:     expiresAt,
		}

		if !authenticated && deps.LoginURL != nil {
			out.LoginURL = deps.LoginURL(userID)
		}

		return textResult(out), out, nil
	}
}

// ensureReady waits for the catalog when the dependency is wired.
func ensureReady(ctx context.Context, deps Deps) error {
	if deps.EnsureReady == nil {
		return nil
	}

	if err := deps.EnsureReady(ctx); err != nil {
		return &executor.Error{
			Code:    executor.CodeSchemaUnavailable,
			Message: fmt.Sprintf("operation catalog unavailable: %v", err),
			Status:  http.StatusServiceUnavailable,
		}
	}

	return nil
}

// errorResult wraps a failure as tool error content: a flat
// {code, message, status} body. Executor errors keep their code and
// status hint; anything else becomes an internal error.
func errorResult(err error) *mcp.CallToolResult {
	var execErr *executor.Error
	if !errors.As(err, &execErr) {
		execErr = &executor.Error{
			Code:    executor.CodeRequestFailed,
			Message: err.Error(),
			Status:  http.StatusInternalServerError,
		}
	}

	data, merr := json.MarshalIndent(execErr, "", "  ")
	if merr != nil {
		data = []byte(execErr.Error())
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
