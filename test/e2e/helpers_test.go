package e2e_test

import (
	"crypto/sha256"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
	"github.com/alexjbarnes/heroku-bridge/internal/executor"
	"github.com/alexjbarnes/heroku-bridge/internal/mcpserver"
	"github.com/alexjbarnes/heroku-bridge/internal/oauth"
	"github.com/alexjbarnes/heroku-bridge/internal/schema"
	"github.com/alexjbarnes/heroku-bridge/internal/search"
	"github.com/alexjbarnes/heroku-bridge/internal/server"
	"github.com/alexjbarnes/heroku-bridge/internal/tokenstore"
)

const (
	seededUser    = "alice"
	seededToken   = "alice-access-token"
	userIDHeader  = "x-user-id"
	confirmSecret = "e2e-confirm-secret"
	acceptHeader  = "application/vnd.heroku+json; version=3"
)

// e2eSchemaDoc is a minimal hyper-schema covering a read, a
// parameterized read, a create with a body schema, and a delete.
const e2eSchemaDoc = `{
  "definitions": {
    "app": {
      "definitions": {
        "identity": {"type": "string"},
        "name": {"type": "string"}
      },
      "links": [
        {"href": "/apps", "method": "GET", "rel": "instances", "title": "List", "description": "List existing apps."},
        {"href": "/apps/{(%23%2Fdefinitions%2Fapp%2Fdefinitions%2Fidentity)}", "method": "GET", "rel": "self", "title": "Info", "description": "Info for an existing app."},
        {"href": "/apps", "method": "POST", "rel": "create", "title": "Create", "description": "Create a new app.",
         "schema": {"type": "object", "properties": {"name": {"$ref": "#/definitions/app/definitions/name"}}, "required": ["name"]}},
        {"href": "/apps/{(%23%2Fdefinitions%2Fapp%2Fdefinitions%2Fidentity)}", "method": "DELETE", "rel": "destroy", "title": "Delete", "description": "Delete an existing app."}
      ]
    }
  }
}`

// harness holds the full stack: a fake upstream API, the real bridge
// services, and an httptest server in front of the real mux.
type harness struct {
	URL      string
	Upstream *httptest.Server

	ListHits atomic.Int64
	LastAuth atomic.Value
}

// newHarness wires fake upstream + real services and starts the bridge
// HTTP server.
func newHarness(t *testing.T, allowWrites bool) *harness {
	t.Helper()

	h := &harness{}

	upstream := http.NewServeMux()
	upstream.HandleFunc("GET /schema", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, e2eSchemaDoc)
	})
	upstream.HandleFunc("GET /apps", func(w http.ResponseWriter, r *http.Request) {
		h.ListHits.Add(1)
		h.LastAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "upstream-req-1")
		io.WriteString(w, `[{"name":"demo"},{"name":"staging"}]`)
	})
	upstream.HandleFunc("POST /apps", func(w http.ResponseWriter, r *http.Request) {
		h.LastAuth.Store(r.Header.Get("Authorization"))

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "app-1", "name": body["name"]})
	})
	upstream.HandleFunc("GET /apps/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"name": r.PathValue("id")})
	})

	h.Upstream = httptest.NewServer(upstream)
	t.Cleanup(h.Upstream.Close)

	logger := slog.New(slog.DiscardHandler)

	keyBytes := sha256.Sum256([]byte("e2e-key"))
	keys, err := crypto.NewKeyset(keyBytes[:])
	require.NoError(t, err)

	store := tokenstore.New(filepath.Join(t.TempDir(), "tokens.json"), keys)
	require.NoError(t, store.Put(seededUser, &tokenstore.TokenRecord{
		AccessToken: seededToken,
		TokenType:   "Bearer",
		Scope:       []string{"global"},
	}))

	oauthSvc := oauth.NewService(oauth.Config{
		ClientID:     "e2e-client",
		ClientSecret: "e2e-secret",
		Scope:        "global",
		AuthorizeURL: "https://id.example.com/authorize",
		TokenURL:     "https://id.example.com/token",
		RedirectURI:  "http://localhost/oauth/callback",
	}, store, logger)
	t.Cleanup(oauthSvc.Stop)

	index := search.NewIndex()

	schemaSvc := schema.NewService(schema.Config{
		SchemaURL: h.Upstream.URL + "/schema",
		Accept:    acceptHeader,
		CachePath: filepath.Join(t.TempDir(), "catalog.json"),
	}, nil, logger, func(ops []*schema.Operation, docsContext string) {
		index.Rebuild(ops, docsContext)
	})
	t.Cleanup(schemaSvc.Close)
	require.NoError(t, schemaSvc.EnsureReady(t.Context()))

	exec := executor.New(executor.Deps{
		Resolve:     schemaSvc.Operation,
		RootSchema:  schemaSvc.RootSchema,
		AccessToken: oauthSvc.AccessToken,
		Do:          h.Upstream.Client().Do,
	}, executor.Options{
		BaseURL:          h.Upstream.URL,
		Accept:           acceptHeader,
		AllowWrites:      allowWrites,
		RequestTimeout:   5 * time.Second,
		MaxRetries:       1,
		ReadCacheTTL:     time.Minute,
		MaxBodyBytes:     1 << 20,
		BodyPreviewChars: 200,
		ConfirmSecret:    []byte(confirmSecret),
	}, logger)

	mcpSrv := mcp.NewServer(
		&mcp.Implementation{Name: "heroku-bridge-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpSrv, mcpserver.Deps{
		EnsureReady: schemaSvc.EnsureReady,
		Search:      index.Search,
		Execute:     exec.Execute,
		AuthStatus:  oauthSvc.Status,
		LoginURL:    oauthSvc.AuthorizationURL,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpSrv
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		OAuth:        oauthSvc,
		MCPHandler:   mcpHandler,
		Logger:       logger,
		UserIDHeader: userIDHeader,
		CatalogReady: func() bool { return len(schemaSvc.Operations()) > 0 },
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL

	return h
}

// callerTransport injects the caller identity header on every request.
type callerTransport struct {
	userID string
	base   http.RoundTripper
}

func (ct *callerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set(userIDHeader, ct.userID)

	base := ct.base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(cloned)
}

// mcpSession creates an MCP client session acting as the given caller.
func (h *harness) mcpSession(t *testing.T, userID string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &callerTransport{userID: userID},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool invokes a tool and returns the result without asserting on
// IsError, so failure-path tests can inspect the envelope.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractJSON unmarshals the first text content of a result.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()

	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// errorCode pulls the error code out of a tool error body.
func errorCode(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	var toolErr executor.Error
	extractJSON(t, result, &toolErr)
	require.NotEmpty(t, toolErr.Code)

	return toolErr.Code
}
