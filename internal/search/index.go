// Package search ranks catalog operations against free-text intent.
// The index is a small inverted TF·IDF scorer with substring, path and
// method boosts plus a docs-context side channel; it is rebuilt from
// scratch on every catalog publication.
package search

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/heroku-bridge/internal/schema"
)

const (
	// DefaultLimit is the result count when the caller does not ask
	// for one.
	DefaultLimit = 8

	// MaxLimit caps the result count.
	MaxLimit = 25

	// Score boosts, applied on top of the TF·IDF base.
	boostHaystack = 6.0
	boostPath     = 3.0
	boostTitle    = 2.0
	boostMethod   = 1.0
	boostDocs     = 0.25
)

// tokenRe splits normalized text into index tokens.
var tokenRe = regexp.MustCompile(`[^a-z0-9_]+`)

// Result is one ranked search hit.
type Result struct {
	OperationID    string   `json:"operation_id"`
	Method         string   `json:"method"`
	Path           string   `json:"path"`
	Summary        string   `json:"summary"`
	RequiredParams []string `json:"required_params"`
	Mutating       bool     `json:"is_mutating"`
	Score          float64  `json:"score"`
}

// document is one indexed operation with its precomputed term stats
// and lowercased matching surfaces.
type document struct {
	op          *schema.Operation
	tf          map[string]int
	maxTF       int
	haystack    string
	pathLower   string
	titleLower  string
	methodLower string
	filterBlob  string
}

// Index is the process-wide ranking index. Rebuild replaces the whole
// structure; readers hold the lock only long enough to snapshot it.
type Index struct {
	mu         sync.RWMutex
	docs       []*document
	idf        map[string]float64
	docsTokens map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{idf: make(map[string]float64)}
}

// tokenize lowercases (with NFKC folding, so fullwidth input matches
// ASCII operations), splits on non-word runes, and drops one-character
// tokens.
func tokenize(s string) []string {
	s = strings.ToLower(norm.NFKC.String(s))

	var tokens []string

	for _, tok := range tokenRe.Split(s, -1) {
		if len(tok) > 1 {
			tokens = append(tokens, tok)
		}
	}

	return tokens
}

// Rebuild recomputes the index from a freshly published catalog. The
// old index stays readable until the swap at the end.
func (ix *Index) Rebuild(ops []*schema.Operation, docsContext string) {
	docs := make([]*document, 0, len(ops))
	df := make(map[string]int)

	for _, op := range ops {
		text := strings.Join([]string{
			op.ID, op.Title, op.Description, op.SearchText,
			op.PathTemplate, op.Method, op.DefinitionName,
		}, " ")

		tf := make(map[string]int)
		for _, tok := range tokenize(text) {
			tf[tok]++
		}

		maxTF := 1
		for tok, count := range tf {
			df[tok]++

			if count > maxTF {
				maxTF = count
			}
		}

		docs = append(docs, &document{
			op:    op,
			tf:    tf,
			maxTF: maxTF,
			haystack: strings.ToLower(strings.Join([]string{
				op.ID, op.PathTemplate, op.Title, op.Description, op.Rel,
			}, " ")),
			pathLower:   strings.ToLower(op.PathTemplate),
			titleLower:  strings.ToLower(op.Title),
			methodLower: strings.ToLower(op.Method),
			filterBlob:  strings.ToLower(op.DefinitionName + " " + op.PathTemplate + " " + op.ID),
		})
	}

	n := len(docs)
	if n == 0 {
		n = 1
	}

	idf := make(map[string]float64, len(df))
	for tok, count := range df {
		idf[tok] = math.Log(float64(1+n)/float64(1+count)) + 1
	}

	var docsTokens map[string]struct{}
	if docsContext != "" {
		docsTokens = make(map[string]struct{})
		for _, tok := range tokenize(docsContext) {
			docsTokens[tok] = struct{}{}
		}
	}

	ix.mu.Lock()
	ix.docs = docs
	ix.idf = idf
	ix.docsTokens = docsTokens
	ix.mu.Unlock()
}

// Search ranks operations against the query. limit 0 means the
// default; results are operations with positive score, best first.
func (ix *Index) Search(query string, limit int, resourceFilter []string) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	if limit == 0 {
		limit = DefaultLimit
	}

	if limit < 1 {
		limit = 1
	}

	if limit > MaxLimit {
		limit = MaxLimit
	}

	queryLower := strings.ToLower(query)
	queryTokens := tokenize(query)

	filters := make([]string, 0, len(resourceFilter))
	for _, f := range resourceFilter {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			filters = append(filters, f)
		}
	}

	ix.mu.RLock()
	docs := ix.docs
	idf := ix.idf
	docsTokens := ix.docsTokens
	ix.mu.RUnlock()

	docsBoost := 0.0

	if docsTokens != nil {
		for _, tok := range queryTokens {
			if _, ok := docsTokens[tok]; ok {
				docsBoost = boostDocs
				break
			}
		}
	}

	type scored struct {
		doc   *document
		score float64
	}

	var hits []scored

	for _, doc := range docs {
		if len(filters) > 0 && !matchesFilter(doc.filterBlob, filters) {
			continue
		}

		score := 0.0

		for _, tok := range queryTokens {
			if count, ok := doc.tf[tok]; ok {
				score += (float64(count) / float64(doc.maxTF)) * idf[tok]
			}
		}

		if strings.Contains(doc.haystack, queryLower) {
			score += boostHaystack
		}

		if strings.Contains(doc.pathLower, queryLower) {
			score += boostPath
		}

		if doc.titleLower != "" && strings.Contains(doc.titleLower, queryLower) {
			score += boostTitle
		}

		for _, tok := range queryTokens {
			if tok == doc.methodLower {
				score += boostMethod
				break
			}
		}

		score += docsBoost

		if score > 0 {
			hits = append(hits, scored{doc: doc, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}

		return hits[i].doc.op.ID < hits[j].doc.op.ID
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]Result, 0, len(hits))

	for _, h := range hits {
		op := h.doc.op

		results = append(results, Result{
			OperationID:    op.ID,
			Method:         op.Method,
			Path:           op.PathTemplate,
			Summary:        summary(op),
			RequiredParams: op.RequiredParams,
			Mutating:       op.Mutating,
			Score:          math.Round(h.score*10000) / 10000,
		})
	}

	return results
}

// matchesFilter reports whether the doc's filter blob contains any of
// the filter strings (OR across filters).
func matchesFilter(blob string, filters []string) bool {
	for _, f := range filters {
		if strings.Contains(blob, f) {
			return true
		}
	}

	return false
}

// summary picks the display text: description, then title, then the
// operation id itself.
func summary(op *schema.Operation) string {
	if op.Description != "" {
		return op.Description
	}

	if op.Title != "" {
		return op.Title
	}

	return op.Method + " " + op.PathTemplate
}
