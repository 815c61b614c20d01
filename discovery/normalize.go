// Package discovery reads x402 discovery documents: it brings their field
// names into one canonical camelCase form and turns the advertised input
// schema into validators for tool arguments.
package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	x402 "github.com/x402-foundation/paidfetch"
)

// Explicit renames for snake_case keys whose canonical name is known
var explicitRenames = map[string]string{
	"query_params":  "queryParams",
	"body_fields":   "bodyFields",
	"body_type":     "bodyType",
	"header_fields": "headerFields",
	"output_schema": "outputSchema",
}

// Generic aliases; these only fill a canonical key that is absent
var genericAliases = map[string]string{
	"body":    "bodyFields",
	"query":   "queryParams",
	"headers": "headerFields",
}

// NormalizeFields returns a copy of doc with canonical field names.
//
// Keys are converted from snake_case to camelCase throughout nested objects.
// At the top level the query/body/header aliases are also resolved. When two
// keys map to the same name the one already in canonical form wins, then
// explicit renames, then aliases and other converted keys; within each group
// keys are taken in sorted order and later ones are dropped. Entries of
// "accepts" are normalized individually, including the input schema under
// outputSchema.input. Other arrays are kept as they are.
func NormalizeFields(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}

	out := make(map[string]interface{}, len(doc))
	for _, key := range resolutionOrder(doc, true) {
		target := canonicalKey(key, true)
		if _, taken := out[target]; taken {
			continue
		}
		if target == "accepts" {
			out[target] = normalizeAccepts(doc[key])
			continue
		}
		out[target] = camelizeValue(doc[key])
	}
	return out
}

// NormalizeDocument decodes a JSON discovery document and normalizes it
func NormalizeDocument(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return NormalizeFields(doc), nil
}

func normalizeAccepts(v interface{}) interface{} {
	entries, ok := v.([]interface{})
	if !ok {
		return v
	}

	out := make([]interface{}, len(entries))
	for i, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			out[i] = entry
			continue
		}
		out[i] = normalizeAcceptsEntry(m)
	}
	return out
}

func normalizeAcceptsEntry(entry map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(entry))
	for _, key := range resolutionOrder(entry, false) {
		target := canonicalKey(key, false)
		if _, taken := out[target]; taken {
			continue
		}
		if target == "outputSchema" {
			out[target] = normalizeOutputSchema(entry[key])
			continue
		}
		out[target] = camelizeValue(entry[key])
	}
	return out
}

func normalizeOutputSchema(v interface{}) interface{} {
	schema, ok := v.(map[string]interface{})
	if !ok {
		return v
	}

	out := make(map[string]interface{}, len(schema))
	for _, key := range resolutionOrder(schema, false) {
		target := canonicalKey(key, false)
		if _, taken := out[target]; taken {
			continue
		}
		if target == "input" {
			if input, ok := schema[key].(map[string]interface{}); ok {
				out[target] = NormalizeFields(input)
				continue
			}
		}
		out[target] = camelizeValue(schema[key])
	}
	return out
}

// camelizeValue converts object keys recursively. Arrays and leaves are
// returned unchanged.
func camelizeValue(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}

	out := make(map[string]interface{}, len(m))
	for _, key := range resolutionOrder(m, false) {
		target := canonicalKey(key, false)
		if _, taken := out[target]; taken {
			continue
		}
		out[target] = camelizeValue(m[key])
	}
	return out
}

// resolutionOrder lists m's keys in the order they claim canonical names
func resolutionOrder(m map[string]interface{}, withAliases bool) []string {
	var canonical, renamed, rest []string
	for key := range m {
		_, isRename := explicitRenames[key]
		_, isAlias := genericAliases[key]
		switch {
		case isRename:
			renamed = append(renamed, key)
		case withAliases && isAlias:
			rest = append(rest, key)
		case toCamel(key) == key:
			canonical = append(canonical, key)
		default:
			rest = append(rest, key)
		}
	}
	sort.Strings(canonical)
	sort.Strings(renamed)
	sort.Strings(rest)

	order := make([]string, 0, len(m))
	order = append(order, canonical...)
	order = append(order, renamed...)
	return append(order, rest...)
}

func canonicalKey(key string, withAliases bool) string {
	if target, ok := explicitRenames[key]; ok {
		return target
	}
	if withAliases {
		if target, ok := genericAliases[key]; ok {
			return target
		}
	}
	return toCamel(key)
}

// toCamel turns each "_x" into "X". Leading and trailing underscores stay.
func toCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '_' && i > 0 && i+1 < len(runes) && runes[i+1] != '_' {
			b.WriteRune(unicode.ToUpper(runes[i+1]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ============================================================================
// Typed view
// ============================================================================

// DiscoveryResource is a paid resource as listed in a discovery catalog
type DiscoveryResource struct {
	// Resource is the URL of the x402-protected endpoint
	Resource    string                    `json:"resource"`
	Type        string                    `json:"type"`
	X402Version int                       `json:"x402Version"`
	Accepts     []x402.PaymentRequirement `json:"accepts"`
	LastUpdated string                    `json:"lastUpdated,omitempty"`
	Metadata    map[string]interface{}    `json:"metadata,omitempty"`
}

// ParseDiscoveryResource decodes a discovery document in any field casing
func ParseDiscoveryResource(data []byte) (*DiscoveryResource, error) {
	doc, err := NormalizeDocument(data)
	if err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode normalized document: %w", err)
	}

	var resource DiscoveryResource
	if err := json.Unmarshal(normalized, &resource); err != nil {
		return nil, fmt.Errorf("failed to decode discovery resource: %w", err)
	}
	return &resource, nil
}

// InputSchema returns outputSchema.input of the first requirement that has one
func (r DiscoveryResource) InputSchema() (map[string]interface{}, bool) {
	for _, req := range r.Accepts {
		raw, ok := req.Field("outputSchema")
		if !ok {
			continue
		}
		schema, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if input, ok := schema["input"].(map[string]interface{}); ok {
			return input, true
		}
	}
	return nil, false
}

// Method returns the HTTP method advertised by the input schema, or GET
func (r DiscoveryResource) Method() string {
	if input, ok := r.InputSchema(); ok {
		if m, ok := input["method"].(string); ok && m != "" {
			return strings.ToUpper(m)
		}
	}
	return "GET"
}
