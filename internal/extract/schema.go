package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kalambet/docketd/internal/storage"
)

var nullableString = map[string]any{"type": []any{"string", "null"}}

// fieldsSchema describes a model response. Keys in required must be
// present, though their value may be null when the document lacks them.
func fieldsSchema(required []string) map[string]any {
	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"creditor_name":               nullableString,
			"creditor_address":            nullableString,
			"creditor_registration_state": nullableString,
			"judgment_amount":             nullableString,
			"judgment_awarded_to_creditor": map[string]any{
				"type": []any{"string", "null"},
				"enum": []any{"Y", "N", nil},
			},
			"judgment_awarded_context": nullableString,
			"associated_parties": map[string]any{
				"type": []any{"array", "null"},
				"items": map[string]any{
					"type":     "object",
					"required": []any{"name"},
					"properties": map[string]any{
						"name":    map[string]any{"type": "string", "minLength": 1},
						"address": nullableString,
					},
				},
			},
		},
		"required": toAny(required),
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// requiredFields lists the keys a response must carry for a document kind.
// A complaint predates any judgment, so it cannot be asked for an amount.
func requiredFields(kind storage.DocumentKind) []string {
	if kind == storage.KindFinalJudgment {
		return []string{"creditor_name", "judgment_amount"}
	}
	return []string{"creditor_name"}
}

func compileSchema(kind storage.DocumentKind) (*jsonschema.Schema, error) {
	b, err := json.Marshal(fieldsSchema(requiredFields(kind)))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	name := "fields-" + string(kind) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(name)
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(s[:nl]); tag == "" || !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// normalizeNotFound replaces "Not Found" style placeholders with null in
// top-level string fields and party addresses.
func normalizeNotFound(v map[string]any) {
	for k, val := range v {
		if s, ok := val.(string); ok && isPlaceholder(s) {
			v[k] = nil
		}
	}
	parties, ok := v["associated_parties"].([]any)
	if !ok {
		return
	}
	kept := parties[:0]
	for _, p := range parties {
		m, ok := p.(map[string]any)
		if !ok {
			kept = append(kept, p)
			continue
		}
		if s, ok := m["address"].(string); ok && isPlaceholder(s) {
			m["address"] = nil
		}
		if s, ok := m["name"].(string); ok && isPlaceholder(s) {
			continue
		}
		kept = append(kept, m)
	}
	v["associated_parties"] = kept
}

func isPlaceholder(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not found", "n/a", "none", "unknown", "":
		return true
	}
	return false
}
