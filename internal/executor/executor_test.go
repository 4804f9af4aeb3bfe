package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
	"github.com/alexjbarnes/heroku-bridge/internal/schema"
)

var testSecret = []byte("confirm-secret")

func testRootSchema() map[string]any {
	return map[string]any{
		"definitions": map[string]any{
			"app": map[string]any{
				"definitions": map[string]any{
					"name": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func testOps() map[string]*schema.Operation {
	return map[string]*schema.Operation{
		"app_list": {
			ID:           "app_list",
			Method:       http.MethodGet,
			PathTemplate: "/apps",
		},
		"app_info": {
			ID:           "app_info",
			Method:       http.MethodGet,
			PathTemplate: "/apps/{app_identity}",
			PathParams:   []schema.PathParam{{Name: "app_identity"}},
		},
		"app_create": {
			ID:           "app_create",
			Method:       http.MethodPost,
			PathTemplate: "/apps",
			Mutating:     true,
			RequestSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"$ref": "#/definitions/app/definitions/name"},
				},
				"required": []any{"name"},
			},
		},
		"app_delete": {
			ID:           "app_delete",
			Method:       http.MethodDelete,
			PathTemplate: "/apps/{app_identity}",
			PathParams:   []schema.PathParam{{Name: "app_identity"}},
			Mutating:     true,
		},
	}
}

type fixture struct {
	exec   *Executor
	server *httptest.Server
	hits   *atomic.Int64
	sleeps *[]time.Duration
}

func newFixture(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) *fixture {
	t.Helper()

	hits := &atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	opts := Options{
		BaseURL:          server.URL,
		Accept:           "application/vnd.heroku+json; version=3",
		AllowWrites:      true,
		RequestTimeout:   2 * time.Second,
		MaxRetries:       2,
		ReadCacheTTL:     time.Minute,
		MaxBodyBytes:     1 << 20,
		BodyPreviewChars: 200,
		ConfirmSecret:    testSecret,
	}
	if mutate != nil {
		mutate(&opts)
	}

	ops := testOps()
	deps := Deps{
		Resolve: func(id string) (*schema.Operation, bool) {
			op, ok := ops[id]
			return op, ok
		},
		RootSchema:  testRootSchema,
		AccessToken: func(ctx context.Context, userID string) (string, error) { return "tok-" + userID, nil },
		Do:          server.Client().Do,
	}

	exec := New(deps, opts, slog.New(slog.DiscardHandler))

	sleeps := &[]time.Duration{}
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}

	return &fixture{exec: exec, server: server, hits: hits, sleeps: sleeps}
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func asExecError(t *testing.T, err error) *Error {
	t.Helper()

	var execErr *Error
	require.ErrorAs(t, err, &execErr)

	return execErr
}

func TestExecuteUnknownOperation(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `{}`), nil)

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "nope"})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeOperationNotFound, execErr.Code)
	assert.Equal(t, http.StatusNotFound, execErr.Status)
	assert.Equal(t, int64(0), f.hits.Load())
}

func TestExecuteMissingPathParam(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `{}`), nil)

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_info"})
	execErr := asExecError(t, err)
	assert.Equal(t, CodeValidation, execErr.Code)
	assert.Contains(t, execErr.Message, "app_identity")

	// Empty string counts as missing.
	_, err = f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_info",
		PathParams:  map[string]string{"app_identity": ""},
	})
	assert.Equal(t, CodeValidation, asExecError(t, err).Code)
}

func TestExecuteQueryParamTypes(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), nil)

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_list",
		QueryParams: map[string]any{"bad": []any{"x"}},
	})
	assert.Equal(t, CodeValidation, asExecError(t, err).Code)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_list",
		QueryParams: map[string]any{"b": true, "a": "x", "n": float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, f.server.URL+"/apps?a=x&b=true&n=3", resp.Request.URL)
}

func TestExecutePathParamEscaping(t *testing.T) {
	var gotPath string

	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		jsonHandler(200, `{}`)(w, r)
	}, nil)

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_info",
		PathParams:  map[string]string{"app_identity": "my app/prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/apps/my%20app%2Fprod", gotPath)
}

func TestExecuteBodyValidation(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{"id":"1"}`), nil)

	// Missing required field; the $ref in the schema resolves against
	// the root document.
	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_create",
		Body:        map[string]any{},
	})
	execErr := asExecError(t, err)
	assert.Equal(t, CodeValidation, execErr.Code)
	assert.Contains(t, execErr.Message, "validation")

	// Wrong type for the referenced definition.
	_, err = f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_create",
		Body:        map[string]any{"name": float64(7)},
	})
	assert.Equal(t, CodeValidation, asExecError(t, err).Code)

	// Nil body is validated as an empty object.
	_, err = f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_create"})
	assert.Equal(t, CodeValidation, asExecError(t, err).Code)
}

func TestDryRunRead(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), nil)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_list",
		DryRun:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, int64(0), f.hits.Load())

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, body["dry_run"])
	assert.Equal(t, "app_list", body["operation_id"])
	assert.NotContains(t, body, "confirm_write_token")
}

func TestDryRunWriteMintsToken(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{}`), nil)

	req := &Request{
		OperationID: "app_create",
		Body:        map[string]any{"name": "example"},
		DryRun:      true,
	}

	resp, err := f.exec.Execute(context.Background(), "u1", req)
	require.NoError(t, err)

	body := resp.Body.(map[string]any)
	token, ok := body["confirm_write_token"].(string)
	require.True(t, ok)

	expected := crypto.ConfirmToken(testSecret, "u1", "app_create", req.PathParams, req.QueryParams, req.Body)
	assert.Equal(t, expected, token)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, int64(0), f.hits.Load())
}

func TestDryRunWriteWarnsWhenWritesDisabled(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{}`), func(o *Options) { o.AllowWrites = false })

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_create",
		Body:        map[string]any{"name": "example"},
		DryRun:      true,
	})
	require.NoError(t, err)

	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "writes_disabled")
}

func TestWriteGate(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{"id":"1"}`), nil)

	req := &Request{OperationID: "app_create", Body: map[string]any{"name": "example"}}

	// No token.
	_, err := f.exec.Execute(context.Background(), "u1", req)
	assert.Equal(t, CodeWriteConfirmation, asExecError(t, err).Code)

	// Wrong token.
	req.ConfirmWriteToken = "bogus"
	_, err = f.exec.Execute(context.Background(), "u1", req)
	assert.Equal(t, CodeWriteConfirmation, asExecError(t, err).Code)

	// A token minted for a different caller does not transfer.
	req.ConfirmWriteToken = crypto.ConfirmToken(testSecret, "other", "app_create", nil, nil, req.Body)
	_, err = f.exec.Execute(context.Background(), "u1", req)
	assert.Equal(t, CodeWriteConfirmation, asExecError(t, err).Code)

	// The correct token passes.
	req.ConfirmWriteToken = crypto.ConfirmToken(testSecret, "u1", "app_create", nil, nil, req.Body)
	resp, err := f.exec.Execute(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, int64(1), f.hits.Load())
}

func TestWriteGateRejectsChangedArguments(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{}`), nil)

	token := crypto.ConfirmToken(testSecret, "u1", "app_create", nil, nil, map[string]any{"name": "example"})

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID:       "app_create",
		Body:              map[string]any{"name": "changed"},
		ConfirmWriteToken: token,
	})
	assert.Equal(t, CodeWriteConfirmation, asExecError(t, err).Code)
}

func TestWritesDisabled(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{}`), func(o *Options) { o.AllowWrites = false })

	token := crypto.ConfirmToken(testSecret, "u1", "app_create", nil, nil, map[string]any{"name": "example"})

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID:       "app_create",
		Body:              map[string]any{"name": "example"},
		ConfirmWriteToken: token,
	})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeWritesDisabled, execErr.Code)
	assert.Equal(t, int64(0), f.hits.Load())
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), nil)
	f.exec.deps.AccessToken = func(ctx context.Context, userID string) (string, error) {
		return "", errors.New("no token")
	}

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeAuthRequired, execErr.Code)
	assert.Equal(t, http.StatusUnauthorized, execErr.Status)
	assert.Equal(t, int64(0), f.hits.Load())
}

func TestBearerAndAcceptHeaders(t *testing.T) {
	var gotAuth, gotAccept string

	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		jsonHandler(200, `[]`)(w, r)
	}, nil)

	_, err := f.exec.Execute(context.Background(), "alice", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-alice", gotAuth)
	assert.Equal(t, "application/vnd.heroku+json; version=3", gotAccept)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int64

	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "req-2")
		io.WriteString(w, `[{"name":"demo"}]`)
	}, nil)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "req-2", resp.RequestID)
	assert.Equal(t, int64(2), f.hits.Load())
	require.Len(t, *f.sleeps, 1)
	assert.Equal(t, 150*time.Millisecond, (*f.sleeps)[0])
}

func TestRetryBackoffGrows(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusServiceUnavailable, `{}`), nil)

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeUpstreamError, execErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, execErr.Status)
	assert.Equal(t, int64(3), f.hits.Load())
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 300 * time.Millisecond}, *f.sleeps)
}

func TestNoRetryForWrites(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusInternalServerError, `{"id":"internal"}`), nil)

	token := crypto.ConfirmToken(testSecret, "u1", "app_delete",
		map[string]string{"app_identity": "demo"}, nil, nil)

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID:       "app_delete",
		PathParams:        map[string]string{"app_identity": "demo"},
		ConfirmWriteToken: token,
	})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeUpstreamError, execErr.Code)
	assert.Equal(t, int64(1), f.hits.Load())
	assert.Empty(t, *f.sleeps)
}

func TestUpstreamErrorEnvelope(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusUnprocessableEntity, `{"id":"invalid_params","message":"Name is taken"}`), nil)

	token := crypto.ConfirmToken(testSecret, "u1", "app_create", nil, nil, map[string]any{"name": "example"})

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID:       "app_create",
		Body:              map[string]any{"name": "example"},
		ConfirmWriteToken: token,
	})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeUpstreamError, execErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, execErr.Status)
	assert.Contains(t, execErr.Message, "invalid_params")
	assert.Contains(t, execErr.Message, "422")
}

func TestRequestFailed(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), func(o *Options) { o.MaxRetries = 0 })
	f.exec.deps.Do = func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeRequestFailed, execErr.Code)
	assert.Equal(t, http.StatusBadGateway, execErr.Status)
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), func(o *Options) {
		o.MaxRetries = 0
		o.RequestTimeout = 20 * time.Millisecond
	})
	f.exec.deps.Do = func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})

	execErr := asExecError(t, err)
	assert.Equal(t, CodeRequestTimeout, execErr.Code)
	assert.Equal(t, http.StatusGatewayTimeout, execErr.Status)
}

func TestReadCache(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[{"name":"demo"}]`), nil)

	first, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)
	assert.NotContains(t, first.Warnings, "served_from_read_cache")

	second, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)
	assert.Contains(t, second.Warnings, "served_from_read_cache")
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int64(1), f.hits.Load())

	// Another caller never sees the first caller's cache.
	_, err = f.exec.Execute(context.Background(), "u2", &Request{OperationID: "app_list"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.hits.Load())
}

func TestReadCacheExpiry(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), func(o *Options) { o.ReadCacheTTL = 30 * time.Second })

	current := time.Now()
	f.exec.now = func() time.Time { return current }

	_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	current = current.Add(31 * time.Second)

	_, err = f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.hits.Load())
}

func TestReadCacheCopyIsolation(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `{"name":"demo"}`), nil)

	first, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	// Mutating a returned body must not leak into later cache hits.
	first.Body.(map[string]any)["name"] = "mangled"

	second, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)
	assert.Equal(t, "demo", second.Body.(map[string]any)["name"])
}

func TestReadCacheDisabledWithZeroTTL(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), func(o *Options) { o.ReadCacheTTL = 0 })

	for range 2 {
		_, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(2), f.hits.Load())
}

func TestRedaction(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		w.Header().Set("X-Api-Key", "key")
		w.Header().Set("Request-Id", "req-9")
		io.WriteString(w, `{"name":"demo","api_token":"secret-value","nested":{"password":"hunter2"},"owners":[{"oauth_secret":"x"}]}`)
	}, nil)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	body := resp.Body.(map[string]any)
	assert.Equal(t, "demo", body["name"])
	assert.Equal(t, "[REDACTED]", body["api_token"])
	assert.Equal(t, "[REDACTED]", body["nested"].(map[string]any)["password"])
	assert.Equal(t, "[REDACTED]", body["owners"].([]any)[0].(map[string]any)["oauth_secret"])

	assert.Equal(t, "req-9", resp.RequestID)
	assert.NotContains(t, resp.Headers, "set-cookie")
	assert.NotContains(t, resp.Headers, "x-api-key")
	assert.NotContains(t, resp.Headers, "authorization")
	assert.Equal(t, "application/json", resp.Headers["content-type"])
}

func TestTruncation(t *testing.T) {
	large := `{"data":"` + strings.Repeat("a", 512) + `"}`

	f := newFixture(t, jsonHandler(200, large), func(o *Options) {
		o.MaxBodyBytes = 256
		o.BodyPreviewChars = 64
	})

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	body := resp.Body.(map[string]any)
	assert.Equal(t, true, body["truncated"])
	assert.InDelta(t, len(large), body["original_size_bytes"], 2)
	assert.Len(t, body["preview"].(string), 64)
	assert.Equal(t, true, body["preview_is_partial"])

	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "response_body_truncated")
}

func TestNoContentBody(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, nil)

	token := crypto.ConfirmToken(testSecret, "u1", "app_delete",
		map[string]string{"app_identity": "demo"}, nil, nil)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID:       "app_delete",
		PathParams:        map[string]string{"app_identity": "demo"},
		ConfirmWriteToken: token,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Nil(t, resp.Body)
}

func TestNonJSONBody(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "plain text result")
	}, nil)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	assert.Equal(t, "plain text result", resp.Body)
}

func TestMalformedJSONFallsBackToText(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `{"broken":`), nil)

	resp, err := f.exec.Execute(context.Background(), "u1", &Request{OperationID: "app_list"})
	require.NoError(t, err)

	assert.Equal(t, `{"broken":`, resp.Body)
}

func TestValidatorMemoization(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{}`), nil)

	for range 3 {
		_, err := f.exec.Execute(context.Background(), "u1", &Request{
			OperationID: "app_create",
			Body:        map[string]any{"name": "example"},
			DryRun:      true,
		})
		require.NoError(t, err)
	}

	f.exec.validatorMu.Lock()
	defer f.exec.validatorMu.Unlock()
	assert.Len(t, f.exec.validators, 1)
}

func TestReadCacheEviction(t *testing.T) {
	f := newFixture(t, jsonHandler(200, `[]`), nil)

	base := time.Now()
	f.exec.now = func() time.Time { return base }

	resp := &Response{Status: 200, Headers: map[string]string{}}

	for i := range maxReadCacheEntries {
		f.exec.cacheMu.Lock()
		f.exec.cache[string(rune('a'))+":"+string(rune(i))] = &cacheEntry{
			expiresAt: base.Add(time.Duration(i+1) * time.Second),
			response:  resp,
		}
		f.exec.cacheMu.Unlock()
	}

	f.exec.cacheStore("fresh", resp)

	f.exec.cacheMu.Lock()
	defer f.exec.cacheMu.Unlock()
	assert.Len(t, f.exec.cache, maxReadCacheEntries)
	assert.Contains(t, f.exec.cache, "fresh")
	assert.NotContains(t, f.exec.cache, "a:\x00")
}

func TestInlineRefs(t *testing.T) {
	root := testRootSchema()

	out := inlineRefs(map[string]any{"$ref": "#/definitions/app/definitions/name"}, root, refInlineDepth)
	assert.Equal(t, map[string]any{"type": "string"}, out)

	// Unknown pointer degrades to the permissive schema.
	out = inlineRefs(map[string]any{"$ref": "#/definitions/missing"}, root, refInlineDepth)
	assert.Equal(t, map[string]any{}, out)

	// Cyclic references terminate.
	cyclic := map[string]any{
		"definitions": map[string]any{
			"loop": map[string]any{"$ref": "#/definitions/loop"},
		},
	}
	out = inlineRefs(map[string]any{"$ref": "#/definitions/loop"}, cyclic, refInlineDepth)
	assert.Equal(t, map[string]any{}, out)
}

func TestValidateBodyWithoutRootSchema(t *testing.T) {
	f := newFixture(t, jsonHandler(201, `{}`), nil)
	f.exec.deps.RootSchema = func() map[string]any { return nil }

	_, err := f.exec.Execute(context.Background(), "u1", &Request{
		OperationID: "app_create",
		Body:        map[string]any{"name": "example"},
		DryRun:      true,
	})

	assert.Equal(t, CodeSchemaUnavailable, asExecError(t, err).Code)
}

func TestSerializeAndClamp(t *testing.T) {
	assert.Equal(t, "null", serialize(nil))
	assert.Equal(t, "plain", serialize("plain"))

	data := serialize(map[string]any{"a": float64(1)})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &decoded))
	assert.Equal(t, float64(1), decoded["a"])

	assert.Equal(t, "abc", clampChars("abcdef", 3))
	assert.Equal(t, "abcdef", clampChars("abcdef", 0))
	assert.Equal(t, "abcdef", clampChars("abcdef", 10))
}
