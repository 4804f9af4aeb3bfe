package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// cacheVersion is the only catalog cache payload version this
	// build accepts.
	cacheVersion = 1

	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache file.
	cacheFilePerm = fs.FileMode(0o600)

	// maxSchemaBytes caps schema endpoint reads.
	maxSchemaBytes = 16 << 20

	// maxDocsBytes caps docs endpoint reads.
	maxDocsBytes = 8 << 20

	// docsContextMaxChars is the clamp applied to the stripped docs
	// text before it enters the cache and the search side channel.
	docsContextMaxChars = 30000
)

var (
	scriptRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// cacheRecord is the on-disk catalog cache payload.
type cacheRecord struct {
	Version          int            `json:"version"`
	CachedAt         string         `json:"cached_at"`
	SchemaETag       string         `json:"schema_etag,omitempty"`
	DocsETag         string         `json:"docs_etag,omitempty"`
	DocsLastModified string         `json:"docs_last_modified,omitempty"`
	Operations       []*Operation   `json:"operations"`
	RootSchema       map[string]any `json:"root_schema"`
	DocsContext      string         `json:"docs_context"`
}

// Config holds the schema service endpoints and timing.
type Config struct {
	SchemaURL       string
	DocsURL         string
	Accept          string
	CachePath       string
	RefreshInterval time.Duration
}

// PublishFunc receives each newly published catalog together with the
// current docs context. The search index hangs off this hook.
type PublishFunc func(ops []*Operation, docsContext string)

// Service owns the authoritative operation catalog. Readers get
// consistent snapshots; refreshes replace the catalog and the
// by-id index atomically under the write lock.
type Service struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	publish PublishFunc

	group singleflight.Group

	mu               sync.RWMutex
	operations       []*Operation
	byID             map[string]*Operation
	root             map[string]any
	docsContext      string
	schemaETag       string
	docsETag         string
	docsLastModified string

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewService creates the service and attempts a cold boot from the
// cache file. A missing cache file is not an error; corrupt or
// mis-versioned payloads are discarded with a warning. publish may be
// nil.
func NewService(cfg Config, client *http.Client, logger *slog.Logger, publish PublishFunc) *Service {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	s := &Service{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		publish: publish,
		byID:    make(map[string]*Operation),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	s.loadCache()

	return s
}

// loadCache reads the cache file once at construction.
func (s *Service) loadCache() {
	if s.cfg.CachePath == "" {
		return
	}

	data, err := os.ReadFile(s.cfg.CachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}

	if err != nil {
		s.logger.Warn("reading catalog cache failed", slog.String("error", err.Error()))
		return
	}

	// Cheap version probe before the strict decode: reject foreign
	// payloads without parsing the whole file.
	if v := gjson.GetBytes(data, "version"); !v.Exists() || v.Int() != cacheVersion {
		s.logger.Warn("discarding catalog cache with unsupported version",
			slog.String("path", s.cfg.CachePath))
		return
	}

	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("discarding corrupt catalog cache", slog.String("error", err.Error()))
		return
	}

	if rec.Operations == nil || rec.RootSchema == nil {
		s.logger.Warn("discarding catalog cache with missing fields")
		return
	}

	s.mu.Lock()
	s.operations = rec.Operations
	s.byID = indexByID(rec.Operations)
	s.root = rec.RootSchema
	s.docsContext = rec.DocsContext
	s.schemaETag = rec.SchemaETag
	s.docsETag = rec.DocsETag
	s.docsLastModified = rec.DocsLastModified
	s.mu.Unlock()

	s.logger.Info("catalog loaded from cache",
		slog.Int("operations", len(rec.Operations)),
		slog.String("cached_at", rec.CachedAt))

	s.notifyPublish()
}

func indexByID(ops []*Operation) map[string]*Operation {
	byID := make(map[string]*Operation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	return byID
}

// notifyPublish hands the current snapshot to the publish hook.
func (s *Service) notifyPublish() {
	if s.publish == nil {
		return
	}

	s.mu.RLock()
	ops := s.operations
	docs := s.docsContext
	s.mu.RUnlock()

	s.publish(ops, docs)
}

// EnsureReady guarantees a non-empty catalog, forcing a refresh when
// the cold boot produced nothing.
func (s *Service) EnsureReady(ctx context.Context) error {
	s.mu.RLock()
	empty := len(s.operations) == 0
	s.mu.RUnlock()

	if !empty {
		return nil
	}

	return s.Refresh(ctx, true)
}

// Refresh fetches the schema and docs context, coalescing concurrent
// callers onto a single in-flight refresh.
func (s *Service) Refresh(ctx context.Context, force bool) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.doRefresh(ctx, force)
	})

	return err
}

func (s *Service) doRefresh(ctx context.Context, force bool) error {
	schemaChanged, err := s.fetchSchema(ctx, force)
	if err != nil {
		return err
	}

	docsChanged := s.refreshDocs(ctx)

	if schemaChanged || docsChanged {
		s.persistCache()
		s.notifyPublish()
	}

	return nil
}

// fetchSchema performs the conditional schema GET and, on change,
// normalizes and atomically swaps the catalog.
func (s *Service) fetchSchema(ctx context.Context, force bool) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SchemaURL, nil)
	if err != nil {
		return false, fmt.Errorf("creating schema request: %w", err)
	}

	req.Header.Set("Accept", s.cfg.Accept)

	s.mu.RLock()
	etag := s.schemaETag
	empty := len(s.operations) == 0
	s.mu.RUnlock()

	if !force && etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching schema: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if !empty {
			return false, nil
		}

		// 304 against an empty catalog means the cache went missing
		// while the validator survived. Refetch unconditionally.
		s.logger.Warn("schema not modified but catalog empty, forcing refetch")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		return s.fetchSchema(ctx, true)
	}

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("schema endpoint returned status %d", resp.StatusCode)
	}

	if v := resp.Header.Get("ETag"); v != "" {
		s.mu.Lock()
		s.schemaETag = v
		s.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSchemaBytes))
	if err != nil {
		return false, fmt.Errorf("reading schema response: %w", err)
	}

	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return false, fmt.Errorf("parsing schema: %w", err)
	}

	catalog := Normalize(root)

	s.mu.Lock()
	s.operations = catalog.Operations
	s.byID = indexByID(catalog.Operations)
	s.root = catalog.Root
	s.mu.Unlock()

	s.logger.Info("catalog refreshed", slog.Int("operations", len(catalog.Operations)))

	return true, nil
}

// refreshDocs performs the conditional docs GET and updates the docs
// context on change. Failures are logged, never surfaced.
func (s *Service) refreshDocs(ctx context.Context) bool {
	if s.cfg.DocsURL == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.DocsURL, nil)
	if err != nil {
		s.logger.Warn("creating docs request failed", slog.String("error", err.Error()))
		return false
	}

	req.Header.Set("Accept", "text/html")

	s.mu.RLock()
	etag := s.docsETag
	lastModified := s.docsLastModified
	s.mu.RUnlock()

	switch {
	case etag != "":
		req.Header.Set("If-None-Match", etag)
	case lastModified != "":
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("fetching docs failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return false
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("docs endpoint returned non-OK status", slog.Int("status", resp.StatusCode))
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocsBytes))
	if err != nil {
		s.logger.Warn("reading docs response failed", slog.String("error", err.Error()))
		return false
	}

	stripped := StripHTML(string(body))

	s.mu.Lock()
	defer s.mu.Unlock()

	if v := resp.Header.Get("ETag"); v != "" {
		s.docsETag = v
	}

	if v := resp.Header.Get("Last-Modified"); v != "" {
		s.docsLastModified = v
	}

	if stripped == s.docsContext {
		return false
	}

	s.docsContext = stripped

	return true
}

// StripHTML reduces an HTML document to plain text: script and style
// blocks removed, tags stripped, whitespace collapsed, clamped to the
// docs-context limit.
func StripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = styleRe.ReplaceAllString(text, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = spaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if runes := []rune(text); len(runes) > docsContextMaxChars {
		text = string(runes[:docsContextMaxChars])
	}

	return text
}

// persistCache writes the current snapshot to the cache file.
func (s *Service) persistCache() {
	if s.cfg.CachePath == "" {
		return
	}

	s.mu.RLock()
	rec := cacheRecord{
		Version:          cacheVersion,
		CachedAt:         s.now().UTC().Format(time.RFC3339),
		SchemaETag:       s.schemaETag,
		DocsETag:         s.docsETag,
		DocsLastModified: s.docsLastModified,
		Operations:       s.operations,
		RootSchema:       s.root,
		DocsContext:      s.docsContext,
	}
	s.mu.RUnlock()

	if rec.Operations == nil {
		rec.Operations = []*Operation{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("serializing catalog cache failed", slog.String("error", err.Error()))
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.CachePath), cacheDirPerm); err != nil {
		s.logger.Warn("creating catalog cache directory failed", slog.String("error", err.Error()))
		return
	}

	if err := os.WriteFile(s.cfg.CachePath, data, cacheFilePerm); err != nil {
		s.logger.Warn("writing catalog cache failed", slog.String("error", err.Error()))
	}
}

// Start launches the background refresh ticker. It returns immediately;
// call Close to stop the ticker.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.RefreshInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Refresh(ctx, false); err != nil {
					s.logger.Warn("background schema refresh failed", slog.String("error", err.Error()))
				}
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the background refresh ticker.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Operation looks up a catalog entry by operation id.
func (s *Service) Operation(id string) (*Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.byID[id]

	return op, ok
}

// Operations returns the current catalog snapshot.
func (s *Service) Operations() []*Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.operations
}

// RootSchema returns the raw root schema, or nil when none is loaded.
func (s *Service) RootSchema() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.root
}

// DocsContext returns the current docs side-channel text.
func (s *Service) DocsContext() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.docsContext
}
