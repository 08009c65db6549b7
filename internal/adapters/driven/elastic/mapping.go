package elastic

import (
	"github.com/custodia-labs/termstore/internal/core/domain"
)

// Analyzer names registered in every index
const (
	analyzerFolding    = "termstore_folding"
	analyzerLowercase  = "termstore_lowercase"
	normalizerLowerKey = "termstore_lowercase"
)

// sortSubfield is the keyword projection used to sort text fields
const sortSubfield = "__sort"

// indexSettings are the analysis settings shared by every generation
func indexSettings() map[string]any {
	return map[string]any{
		"analysis": map[string]any{
			"analyzer": map[string]any{
				analyzerFolding: map[string]any{
					"type":      "custom",
					"tokenizer": "standard",
					"filter":    []string{"lowercase", "asciifolding"},
				},
				analyzerLowercase: map[string]any{
					"type":      "custom",
					"tokenizer": "keyword",
					"filter":    []string{"lowercase"},
				},
			},
			"normalizer": map[string]any{
				normalizerLowerKey: map[string]any{
					"type":   "custom",
					"filter": []string{"lowercase"},
				},
			},
		},
	}
}

// esAnalyzer maps a store analyzer onto the analyzer registered in the index
func esAnalyzer(a domain.Analyzer) string {
	switch a {
	case domain.AnalyzerFolding:
		return analyzerFolding
	case domain.AnalyzerLowercase:
		return analyzerLowercase
	case domain.AnalyzerKeyword:
		return "keyword"
	}
	return "standard"
}

// indexBody builds the create-index request: settings, strict mappings and
// the schema itself in _meta so IndexSchema can read it back.
func indexBody(schema domain.Schema) map[string]any {
	props := make(map[string]any, len(schema.Fields)+8)
	for _, f := range domain.EnvelopeFields() {
		props[f.Name] = fieldMapping(f)
	}
	for _, f := range schema.Fields {
		props[f.Name] = fieldMapping(f)
	}
	return map[string]any{
		"settings": indexSettings(),
		"mappings": map[string]any{
			"dynamic":    "strict",
			"_meta":      map[string]any{"schema": schema},
			"properties": props,
		},
	}
}

func fieldMapping(f domain.Field) map[string]any {
	var m map[string]any
	switch f.Kind {
	case domain.FieldText:
		m = map[string]any{"type": "text", "analyzer": esAnalyzer(textAnalyzer(f.Analyzer))}
	case domain.FieldLong:
		m = map[string]any{"type": "long"}
	case domain.FieldFloat:
		m = map[string]any{"type": "double"}
	case domain.FieldBoolean:
		m = map[string]any{"type": "boolean"}
	case domain.FieldDate:
		m = map[string]any{"type": "date", "format": "epoch_millis"}
	default:
		m = map[string]any{"type": "keyword"}
	}
	if !f.IsString() {
		return m
	}
	sub := make(map[string]any, len(f.Aliases)+1)
	for _, a := range f.Aliases {
		sub[a.Name] = aliasMapping(a.Analyzer)
	}
	if f.Kind == domain.FieldText {
		sub[sortSubfield] = map[string]any{"type": "keyword", "ignore_above": 512}
	}
	if len(sub) > 0 {
		m["fields"] = sub
	}
	return m
}

func aliasMapping(a domain.Analyzer) map[string]any {
	switch a {
	case domain.AnalyzerKeyword:
		return map[string]any{"type": "keyword"}
	case domain.AnalyzerLowercase:
		return map[string]any{"type": "keyword", "normalizer": normalizerLowerKey}
	}
	return map[string]any{"type": "text", "analyzer": esAnalyzer(a)}
}

func textAnalyzer(a domain.Analyzer) domain.Analyzer {
	if a == "" {
		return domain.AnalyzerStandard
	}
	return a
}
