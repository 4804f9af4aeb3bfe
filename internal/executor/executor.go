// Package executor runs one validated call against the upstream API:
// argument validation, the dry-run/confirmation gate for mutating
// operations, credential vending, idempotent retries with per-attempt
// timeouts, response redaction and truncation, and a per-user
// read-through cache.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
	"github.com/alexjbarnes/heroku-bridge/internal/schema"
)

const (
	// retryBackoffBase is multiplied by the 1-indexed attempt number
	// between retries.
	retryBackoffBase = 150 * time.Millisecond

	// maxReadCacheEntries caps the read cache; inserts beyond it evict
	// the entries closest to expiry.
	maxReadCacheEntries = 1000

	// maxResponseBytes caps upstream response reads.
	maxResponseBytes = 8 << 20

	// refInlineDepth bounds $ref inlining so cyclic schema references
	// terminate.
	refInlineDepth = 10
)

var (
	// sensitiveHeaderRe matches response header names that never reach
	// the caller.
	sensitiveHeaderRe = regexp.MustCompile(`(?i)authorization|cookie|set-cookie|x-api-key`)

	// sensitiveKeyRe matches body object keys whose values are redacted.
	sensitiveKeyRe = regexp.MustCompile(`(?i)token|authorization|password|secret`)
)

// Deps is the capability set the executor needs from the rest of the
// system. Every member can be swapped for a test implementation.
type Deps struct {
	// Resolve looks up an operation by id in the published catalog.
	Resolve func(operationID string) (*schema.Operation, bool)

	// RootSchema returns the raw root schema for $ref resolution, or
	// nil when no schema is loaded.
	RootSchema func() map[string]any

	// AccessToken vends an upstream credential for the caller.
	AccessToken func(ctx context.Context, userID string) (string, error)

	// Do sends one HTTP request.
	Do func(req *http.Request) (*http.Response, error)
}

// Options holds the executor's tunables.
type Options struct {
	BaseURL          string
	Accept           string
	AllowWrites      bool
	RequestTimeout   time.Duration
	MaxRetries       int
	ReadCacheTTL     time.Duration
	MaxBodyBytes     int
	BodyPreviewChars int
	ConfirmSecret    []byte
}

// Request is the execute tool input.
type Request struct {
	OperationID       string            `json:"operation_id"`
	PathParams        map[string]string `json:"path_params,omitempty"`
	QueryParams       map[string]any    `json:"query_params,omitempty"`
	Body              any               `json:"body,omitempty"`
	DryRun            bool              `json:"dry_run,omitempty"`
	ConfirmWriteToken string            `json:"confirm_write_token,omitempty"`
}

// RequestInfo echoes the rendered request back to the caller.
type RequestInfo struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	OperationID string `json:"operation_id"`
}

// Response is the execute tool output.
type Response struct {
	Request   RequestInfo       `json:"request"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      any               `json:"body"`
	RequestID string            `json:"request_id,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// cacheEntry is one stored read response.
type cacheEntry struct {
	expiresAt time.Time
	response  *Response
}

// Executor is the execution pipeline. Construct once and share across
// callers; all mutable state is guarded internally.
type Executor struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	validatorMu sync.Mutex
	validators  map[string]*jsonschema.Resolved

	cacheMu sync.Mutex
	cache   map[string]*cacheEntry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor over the given capability set.
func New(deps Deps, opts Options, logger *slog.Logger) *Executor {
	return &Executor{
		deps:       deps,
		opts:       opts,
		logger:     logger,
		validators: make(map[string]*jsonschema.Resolved),
		cache:      make(map[string]*cacheEntry),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs one call end to end for the given caller.
func (e *Executor) Execute(ctx context.Context, userID string, req *Request) (*Response, error) {
	op, ok := e.deps.Resolve(req.OperationID)
	if !ok {
		return nil, newError(CodeOperationNotFound, http.StatusNotFound,
			fmt.Sprintf("unknown operation %q", req.OperationID))
	}

	if err := e.validatePathParams(op, req); err != nil {
		return nil, err
	}

	if err := validateQueryParams(req.QueryParams); err != nil {
		return nil, err
	}

	if err := e.validateBody(op, req.Body); err != nil {
		return nil, err
	}

	finalURL, err := e.renderURL(op, req)
	if err != nil {
		return nil, err
	}

	info := RequestInfo{Method: op.Method, URL: finalURL, OperationID: op.ID}

	if req.DryRun {
		return e.dryRun(op, req, info, userID), nil
	}

	if op.Mutating {
		if !e.opts.AllowWrites {
			return nil, newError(CodeWritesDisabled, http.StatusForbidden,
				"writes are disabled by server policy")
		}

		expected := crypto.ConfirmToken(e.opts.ConfirmSecret, userID, op.ID,
			req.PathParams, req.QueryParams, req.Body)
		if req.ConfirmWriteToken == "" || !crypto.ConfirmTokenEqual(req.ConfirmWriteToken, expected) {
			return nil, newError(CodeWriteConfirmation, http.StatusForbidden,
				"run the operation with dry_run first and resubmit with the returned confirm_write_token")
		}
	}

	token, err := e.deps.AccessToken(ctx, userID)
	if err != nil || token == "" {
		return nil, newError(CodeAuthRequired, http.StatusUnauthorized,
			"no upstream credential for caller; complete the OAuth flow first")
	}

	cacheKey := e.readCacheKey(op, userID, finalURL)
	if cacheKey != "" {
		if cached := e.cacheLookup(cacheKey); cached != nil {
			return cached, nil
		}
	}

	resp, err := e.send(ctx, op, req, info, token)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		e.cacheStore(cacheKey, resp)
	}

	return resp, nil
}

// validatePathParams requires every declared path parameter to be
// present and non-empty. An empty string counts as missing.
func (e *Executor) validatePathParams(op *schema.Operation, req *Request) error {
	for _, p := range op.PathParams {
		if req.PathParams[p.Name] == "" {
			return newError(CodeValidation, http.StatusBadRequest,
				fmt.Sprintf("missing path parameter %q", p.Name))
		}
	}

	return nil
}

// validateQueryParams allows string, number and boolean values only.
func validateQueryParams(params map[string]any) error {
	for key, value := range params {
		switch value.(type) {
		case string, bool, float64, float32, int, int32, int64, json.Number:
		default:
			return newError(CodeValidation, http.StatusBadRequest,
				fmt.Sprintf("query parameter %q must be a string, number or boolean", key))
		}
	}

	return nil
}

// validateBody compiles the operation's request schema (memoized by
// operation id) with the root schema's definitions inlined and
// validates the body against it.
func (e *Executor) validateBody(op *schema.Operation, body any) error {
	if op.RequestSchema == nil {
		return nil
	}

	root := e.deps.RootSchema()
	if root == nil {
		return newError(CodeSchemaUnavailable, http.StatusServiceUnavailable,
			"root schema not loaded; retry after the catalog refreshes")
	}

	resolved, err := e.validator(op, root)
	if err != nil {
		return newError(CodeSchemaUnavailable, http.StatusServiceUnavailable,
			fmt.Sprintf("compiling request schema: %v", err))
	}

	if body == nil {
		body = map[string]any{}
	}

	if err := resolved.Validate(body); err != nil {
		return newError(CodeValidation, http.StatusBadRequest,
			fmt.Sprintf("request body failed validation: %v", err))
	}

	return nil
}

// validator returns the memoized compiled schema for an operation.
func (e *Executor) validator(op *schema.Operation, root map[string]any) (*jsonschema.Resolved, error) {
	e.validatorMu.Lock()
	defer e.validatorMu.Unlock()

	if resolved, ok := e.validators[op.ID]; ok {
		return resolved, nil
	}

	inlined := inlineRefs(op.RequestSchema, root, refInlineDepth)

	data, err := json.Marshal(inlined)
	if err != nil {
		return nil, fmt.Errorf("serializing request schema: %w", err)
	}

	var compiled jsonschema.Schema
	if err := json.Unmarshal(data, &compiled); err != nil {
		return nil, fmt.Errorf("parsing request schema: %w", err)
	}

	resolved, err := compiled.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving request schema: %w", err)
	}

	e.validators[op.ID] = resolved

	return resolved, nil
}

// inlineRefs replaces local "$ref" pointers with the referenced
// subschema from the raw root document, depth-limited so cyclic
// references terminate in a permissive schema.
func inlineRefs(node any, root map[string]any, depth int) any {
	if depth <= 0 {
		return map[string]any{}
	}

	switch val := node.(type) {
	case map[string]any:
		if ref, ok := val["$ref"].(string); ok && strings.HasPrefix(ref, "#/") {
			if target, ok := resolvePointer(root, ref); ok {
				return inlineRefs(target, root, depth-1)
			}

			return map[string]any{}
		}

		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = inlineRefs(v, root, depth)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = inlineRefs(v, root, depth)
		}

		return out
	default:
		return node
	}
}

// resolvePointer walks a "#/a/b/c" JSON pointer through raw maps.
func resolvePointer(root map[string]any, ref string) (any, bool) {
	var current any = root

	for _, segment := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		segment = strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")

		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// renderURL substitutes path parameters and appends query parameters.
func (e *Executor) renderURL(op *schema.Operation, req *Request) (string, error) {
	path := op.PathTemplate
	for _, p := range op.PathParams {
		path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(req.PathParams[p.Name]))
	}

	finalURL := strings.TrimRight(e.opts.BaseURL, "/") + path

	if len(req.QueryParams) > 0 {
		values := url.Values{}

		keys := make([]string, 0, len(req.QueryParams))
		for k := range req.QueryParams {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			values.Set(k, fmt.Sprint(req.QueryParams[k]))
		}

		finalURL += "?" + values.Encode()
	}

	return finalURL, nil
}

// dryRun returns the rendered request envelope without touching the
// upstream. Mutating operations get a confirmation token in the body.
func (e *Executor) dryRun(op *schema.Operation, req *Request, info RequestInfo, userID string) *Response {
	body := map[string]any{
		"dry_run":      true,
		"operation_id": op.ID,
		"method":       op.Method,
		"url":          info.URL,
	}

	resp := &Response{Request: info, Status: 0, Headers: map[string]string{}}

	if op.Mutating {
		body["confirm_write_token"] = crypto.ConfirmToken(e.opts.ConfirmSecret, userID, op.ID,
			req.PathParams, req.QueryParams, req.Body)
		body["message"] = "resubmit with confirm_write_token to perform this call"

		if !e.opts.AllowWrites {
			resp.Warnings = append(resp.Warnings,
				"writes_disabled: server policy blocks mutating calls; the token cannot be redeemed")
		}
	}

	resp.Body = body

	return resp
}

// readCacheKey produces a cache key only for cacheable calls:
// non-mutating GET/HEAD with a positive TTL.
func (e *Executor) readCacheKey(op *schema.Operation, userID, finalURL string) string {
	if op.Mutating || e.opts.ReadCacheTTL <= 0 {
		return ""
	}

	if op.Method != http.MethodGet && op.Method != http.MethodHead {
		return ""
	}

	return userID + ":" + op.ID + ":" + finalURL
}

// cacheLookup returns a deep copy of a live cached response, removing
// expired entries on access.
func (e *Executor) cacheLookup(key string) *Response {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	entry, ok := e.cache[key]
	if !ok {
		return nil
	}

	if !e.now().Before(entry.expiresAt) {
		delete(e.cache, key)
		return nil
	}

	copied := deepCopyResponse(entry.response)
	copied.Warnings = append(copied.Warnings, "served_from_read_cache")

	return copied
}

// cacheStore inserts a deep copy, sweeping expired entries first and
// evicting the earliest-expiring entries past the cap.
func (e *Executor) cacheStore(key string, resp *Response) {
	now := e.now()

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	for k, entry := range e.cache {
		if !now.Before(entry.expiresAt) {
			delete(e.cache, k)
		}
	}

	e.cache[key] = &cacheEntry{
		expiresAt: now.Add(e.opts.ReadCacheTTL),
		response:  deepCopyResponse(resp),
	}

	if len(e.cache) <= maxReadCacheEntries {
		return
	}

	type keyed struct {
		key       string
		expiresAt time.Time
	}

	entries := make([]keyed, 0, len(e.cache))
	for k, entry := range e.cache {
		entries = append(entries, keyed{key: k, expiresAt: entry.expiresAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].expiresAt.Before(entries[j].expiresAt)
	})

	for _, entry := range entries {
		if len(e.cache) <= maxReadCacheEntries {
			break
		}

		delete(e.cache, entry.key)
	}
}

// deepCopyResponse clones a response through a JSON round trip so
// cached bodies cannot be mutated by callers.
func deepCopyResponse(resp *Response) *Response {
	data, err := json.Marshal(resp)
	if err != nil {
		return &Response{Request: resp.Request, Status: resp.Status, Headers: map[string]string{}}
	}

	var copied Response
	if err := json.Unmarshal(data, &copied); err != nil {
		return &Response{Request: resp.Request, Status: resp.Status, Headers: map[string]string{}}
	}

	if copied.Headers == nil {
		copied.Headers = map[string]string{}
	}

	return &copied
}

// upstreamResult is one fully-read attempt outcome.
type upstreamResult struct {
	status int
	header http.Header
	raw    []byte
}

// send performs the upstream call with the retry contract: idempotent
// methods retry on network errors, 429 and 5xx; everything else is
// sent exactly once.
func (e *Executor) send(ctx context.Context, op *schema.Operation, req *Request, info RequestInfo, token string) (*Response, error) {
	var bodyBytes []byte

	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, newError(CodeValidation, http.StatusBadRequest,
				fmt.Sprintf("serializing request body: %v", err))
		}

		bodyBytes = data
	}

	idempotent := op.Method == http.MethodGet || op.Method == http.MethodHead

	attempts := 1
	if idempotent {
		attempts = e.opts.MaxRetries + 1
	}

	var (
		last    *upstreamResult
		lastErr error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := e.attempt(ctx, op.Method, info.URL, bodyBytes, token)
		last, lastErr = result, err

		if attempt == attempts {
			break
		}

		if err == nil && !retryableStatus(result.status) {
			break
		}

		if err != nil {
			e.logger.Debug("retrying upstream request", "operation", op.ID, "attempt", attempt, "error", err)
		} else {
			e.logger.Debug("retrying upstream request", "operation", op.ID, "attempt", attempt, "status", result.status)
		}

		if serr := e.sleep(ctx, retryBackoffBase*time.Duration(attempt)); serr != nil {
			last, lastErr = nil, serr

			break
		}
	}

	if lastErr != nil || last == nil {
		if errors.Is(lastErr, context.DeadlineExceeded) {
			return nil, newError(CodeRequestTimeout, http.StatusGatewayTimeout,
				fmt.Sprintf("upstream request timed out after %s", e.opts.RequestTimeout))
		}

		return nil, newError(CodeRequestFailed, http.StatusBadGateway,
			fmt.Sprintf("upstream request failed: %v", lastErr))
	}

	return e.buildResponse(last, info)
}

// attempt sends one HTTP request under the per-attempt timeout and
// reads the full response body before the timeout is released.
func (e *Executor) attempt(ctx context.Context, method, finalURL string, body []byte, token string) (*upstreamResult, error) {
	attemptCtx := ctx
	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, finalURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	httpReq.Header.Set("Accept", e.opts.Accept)
	httpReq.Header.Set("Authorization", "Bearer "+token)

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.deps.Do(httpReq)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, context.DeadlineExceeded
		}

		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, context.DeadlineExceeded
		}

		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &upstreamResult{status: resp.StatusCode, header: resp.Header, raw: raw}, nil
}

// retryableStatus reports whether a status code is worth retrying on
// an idempotent call.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// buildResponse parses, cleans, redacts and truncates the upstream
// response.
func (e *Executor) buildResponse(result *upstreamResult, info RequestInfo) (*Response, error) {
	body := Redact(parseBody(result))
	headers, requestID := cleanHeaders(result.header)

	if result.status < 200 || result.status > 299 {
		return nil, newError(CodeUpstreamError, result.status,
			fmt.Sprintf("upstream returned %d: %s", result.status,
				clampChars(serialize(body), e.opts.BodyPreviewChars)))
	}

	resp := &Response{
		Request:   info,
		Status:    result.status,
		Headers:   headers,
		Body:      body,
		RequestID: requestID,
	}

	e.truncate(resp)

	return resp, nil
}

// parseBody decodes the upstream body: 204 yields null, JSON content
// types are parsed with a raw-text fallback, everything else is text.
func parseBody(result *upstreamResult) any {
	if result.status == http.StatusNoContent {
		return nil
	}

	contentType := result.header.Get("Content-Type")
	text := string(result.raw)

	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(result.raw, &decoded); err == nil {
			return decoded
		}

		// Declared JSON that fails to parse falls back to raw text.
		return text
	}

	if text == "" {
		return nil
	}

	return text
}

// cleanHeaders drops sensitive response headers and extracts the
// upstream request id.
func cleanHeaders(header http.Header) (map[string]string, string) {
	cleaned := make(map[string]string, len(header))

	for name, values := range header {
		if sensitiveHeaderRe.MatchString(name) || len(values) == 0 {
			continue
		}

		cleaned[strings.ToLower(name)] = values[0]
	}

	return cleaned, header.Get("Request-Id")
}

// Redact replaces the value of every sensitive object key, at any
// nesting level, with a placeholder.
func Redact(body any) any {
	switch val := body.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, v := range val {
			if sensitiveKeyRe.MatchString(k) {
				out[k] = "[REDACTED]"
			} else {
				out[k] = Redact(v)
			}
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = Redact(v)
		}

		return out
	default:
		return body
	}
}

// truncate replaces oversize bodies with the truncation envelope.
func (e *Executor) truncate(resp *Response) {
	if e.opts.MaxBodyBytes <= 0 {
		return
	}

	serialized := serialize(resp.Body)
	size := len([]byte(serialized))

	if size <= e.opts.MaxBodyBytes {
		return
	}

	preview := clampChars(serialized, e.opts.BodyPreviewChars)

	resp.Body = map[string]any{
		"truncated":           true,
		"original_size_bytes": size,
		"preview":             preview,
		"preview_is_partial":  len(preview) < len(serialized),
	}
	resp.Warnings = append(resp.Warnings,
		fmt.Sprintf("response_body_truncated: body was %d bytes, limit is %d", size, e.opts.MaxBodyBytes))
}

// serialize renders a body for previews and size accounting.
func serialize(body any) string {
	if body == nil {
		return "null"
	}

	if s, ok := body.(string); ok {
		return s
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprint(body)
	}

	return string(data)
}

// clampChars limits a string to n characters.
func clampChars(s string, n int) string {
	if n <= 0 {
		return s
	}

	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}

	return s
}
