// Package schema turns the upstream hypermedia JSON Schema into a
// canonical operation catalog and keeps that catalog fresh: cold boot
// from a local cache file, conditional refetch, background refresh,
// and lookup by operation id.
package schema

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// PathParam is one placeholder in a path template.
type PathParam struct {
	Name      string `json:"name"`
	SourceRef string `json:"source_ref,omitempty"`
}

// Operation is the canonical description of one upstream endpoint.
// Operations are built once per ingest and never mutated after the
// catalog is published.
type Operation struct {
	ID             string         `json:"operation_id"`
	Method         string         `json:"method"`
	PathTemplate   string         `json:"path_template"`
	PathParams     []PathParam    `json:"path_params"`
	RequiredParams []string       `json:"required_params"`
	RequestSchema  map[string]any `json:"request_schema,omitempty"`
	Mutating       bool           `json:"is_mutating"`
	DefinitionName string         `json:"definition_name,omitempty"`
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	Rel            string         `json:"rel,omitempty"`
	SearchText     string         `json:"search_text"`
}

// Catalog is the output of one normalization pass. Root is the raw
// root schema, retained verbatim so the request validator can resolve
// references into its definitions.
type Catalog struct {
	Operations []*Operation
	Root       map[string]any
}

var (
	// sanitizeRe matches runs of characters that are not legal in a
	// path parameter name.
	sanitizeRe = regexp.MustCompile(`[^a-z0-9]+`)

	// placeholderRe matches one {...} placeholder, including the
	// encoded-pointer form {(%23%2F...)}.
	placeholderRe = regexp.MustCompile(`\{[^{}]*\}`)

	// digitLeadRe matches a leading digit.
	digitLeadRe = regexp.MustCompile(`^[0-9]`)
)

// sanitizeName lowercases a candidate parameter name, collapses every
// run of non-alphanumerics into a single underscore, and guarantees
// the result is a usable identifier. idx is the placeholder's index in
// the template, used for fallback names.
func sanitizeName(s string, idx int) string {
	s = strings.ToLower(s)
	s = sanitizeRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")

	if s == "" {
		return fmt.Sprintf("param_%d", idx)
	}

	if digitLeadRe.MatchString(s) {
		s = "p_" + s
	}

	return s
}

// pointerParamName resolves a decoded JSON pointer like
// "#/definitions/app/definitions/identity" to a parameter name: the
// values following "definitions" segments win, joined first_last when
// there are two or more.
func pointerParamName(pointer string, idx int) string {
	segments := strings.Split(pointer, "/")

	var defNames []string

	for i := 1; i < len(segments); i++ {
		if segments[i-1] == "definitions" && segments[i] != "" {
			defNames = append(defNames, segments[i])
		}
	}

	switch {
	case len(defNames) >= 2:
		return sanitizeName(defNames[0]+"_"+defNames[len(defNames)-1], idx)
	case len(defNames) == 1:
		return sanitizeName(defNames[0], idx)
	default:
		last := segments[len(segments)-1]
		return sanitizeName(last, idx)
	}
}

// parseHref expands a raw href into a canonical template with {name}
// placeholders and the ordered parameter list.
func parseHref(href string) (string, []PathParam) {
	var params []PathParam

	taken := make(map[string]bool)
	idx := 0
	collisionCounter := 0

	template := placeholderRe.ReplaceAllStringFunc(href, func(match string) string {
		inner := match[1 : len(match)-1]

		var (
			name      string
			sourceRef string
		)

		if strings.HasPrefix(inner, "(") && strings.HasSuffix(inner, ")") {
			encoded := inner[1 : len(inner)-1]

			decoded, err := url.PathUnescape(encoded)
			if err != nil {
				decoded = encoded
			}

			sourceRef = decoded
			name = pointerParamName(decoded, idx)
		} else {
			name = sanitizeName(inner, idx)
		}

		if taken[name] {
			candidate := fmt.Sprintf("%s_%d", name, idx)
			for taken[candidate] {
				collisionCounter++
				candidate = fmt.Sprintf("%s_%d_%d", name, idx, collisionCounter)
			}

			name = candidate
		}

		taken[name] = true
		params = append(params, PathParam{Name: name, SourceRef: sourceRef})
		idx++

		return "{" + name + "}"
	})

	return template, params
}

// coerceMethod normalizes the link method: missing or non-string means
// GET, anything else is uppercased.
func coerceMethod(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "GET"
	}

	return strings.ToUpper(s)
}

// isMutating reports whether a method changes upstream state.
func isMutating(method string) bool {
	return method != "GET" && method != "HEAD"
}

// requiredBodyFields extracts schema.required when it is an array of
// strings; anything else yields nothing.
func requiredBodyFields(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}

	fields := make([]string, 0, len(raw))

	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil
		}

		fields = append(fields, s)
	}

	return fields
}

// stringField reads an optional string field from a link map.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// searchBlob precomputes the lowercase free-form text the index draws
// extra tokens from.
func searchBlob(parts ...string) string {
	var nonEmpty []string

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}

	return strings.ToLower(strings.Join(nonEmpty, " "))
}

// joinDescriptions concatenates two descriptions space-joined and
// trimmed, for the duplicate-operation merge rule.
func joinDescriptions(a, b string) string {
	return strings.TrimSpace(strings.TrimSpace(a) + " " + strings.TrimSpace(b))
}

// Normalize transforms the raw upstream root schema into the canonical
// catalog. Definitions are walked in sorted name order so repeated
// runs over the same input produce identical catalogs, including the
// order merged descriptions concatenate in.
func Normalize(root map[string]any) *Catalog {
	catalog := &Catalog{Root: root}

	defs, ok := root["definitions"].(map[string]any)
	if !ok {
		return catalog
	}

	defNames := make([]string, 0, len(defs))
	for name := range defs {
		defNames = append(defNames, name)
	}

	sort.Strings(defNames)

	byID := make(map[string]*Operation)

	for _, defName := range defNames {
		def, ok := defs[defName].(map[string]any)
		if !ok {
			continue
		}

		links, ok := def["links"].([]any)
		if !ok {
			continue
		}

		for _, rawLink := range links {
			link, ok := rawLink.(map[string]any)
			if !ok {
				continue
			}

			href := stringField(link, "href")
			if href == "" {
				continue
			}

			method := coerceMethod(link["method"])
			template, params := parseHref(href)

			title := stringField(link, "title")
			description := stringField(link, "description")
			rel := stringField(link, "rel")

			var requestSchema map[string]any
			if m, ok := link["schema"].(map[string]any); ok {
				requestSchema = m
			}

			required := make([]string, 0, len(params))
			for _, p := range params {
				required = append(required, p.Name)
			}

			if requestSchema != nil {
				for _, field := range requiredBodyFields(requestSchema) {
					required = append(required, "body."+field)
				}
			}

			text := searchBlob(defName, rel, title, description, method, template)

			id := method + " " + template

			if existing, ok := byID[id]; ok {
				existing.Description = joinDescriptions(existing.Description, description)
				existing.RequiredParams = unionOrdered(existing.RequiredParams, required)
				existing.SearchText = strings.TrimSpace(existing.SearchText + " " + text)

				if existing.Title == "" {
					existing.Title = title
				}

				if existing.RequestSchema == nil {
					existing.RequestSchema = requestSchema
				}

				continue
			}

			op := &Operation{
				ID:             id,
				Method:         method,
				PathTemplate:   template,
				PathParams:     params,
				RequiredParams: required,
				RequestSchema:  requestSchema,
				Mutating:       isMutating(method),
				DefinitionName: defName,
				Title:          title,
				Description:    strings.TrimSpace(description),
				Rel:            rel,
				SearchText:     text,
			}

			byID[id] = op
			catalog.Operations = append(catalog.Operations, op)
		}
	}

	return catalog
}

// unionOrdered merges extra into base preserving first-seen order.
func unionOrdered(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}

	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			base = append(base, s)
		}
	}

	return base
}
