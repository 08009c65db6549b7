// Package analysis turns field values and query text into the tokens the
// embedded engine matches on. It mirrors the analyzers the Elasticsearch
// index mappings declare, so both engines agree on what a text match means.
package analysis

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// Analyze splits text into tokens with the given analyzer.
func Analyze(a domain.Analyzer, text string) []string {
	switch a {
	case domain.AnalyzerKeyword, "":
		return []string{text}
	case domain.AnalyzerLowercase:
		return []string{strings.ToLower(strings.TrimFunc(text, unicode.IsSpace))}
	case domain.AnalyzerStandard:
		return tokenizeWord(text)
	case domain.AnalyzerFolding:
		return tokenizeWord(Fold(text))
	default:
		return nil
	}
}

// AnalyzeValues analyzes every string member of a stored field value.
func AnalyzeValues(a domain.Analyzer, v any) [][]string {
	var out [][]string
	for _, member := range domain.Values(v) {
		s, ok := member.(string)
		if !ok {
			continue
		}
		out = append(out, Analyze(a, s))
	}
	return out
}

// tokenizeWord splits on any non-alphanumerical rune and lowercases the words
func tokenizeWord(in string) []string {
	terms := strings.FieldsFunc(in, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, t := range terms {
		terms[i] = strings.ToLower(t)
	}
	return terms
}

// Fold removes diacritics: "Ménière" becomes "Meniere".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
