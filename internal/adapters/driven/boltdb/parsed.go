package boltdb

import (
	"strings"
	"unicode"

	"github.com/custodia-labs/termstore/internal/analysis"
	"github.com/custodia-labs/termstore/internal/core/domain"
)

// clause is one element of a parsed query string
type clause struct {
	text    string
	phrase  bool
	negated bool
}

// parseQueryString splits the supported query syntax into OR-separated groups
// of clauses. Clauses inside a group are ANDed. Supported: bare terms,
// "quoted phrases", a leading '-' for exclusion, a leading '+' (ignored, the
// default operator is AND), '*' and '?' wildcards inside terms, and the OR keyword.
func parseQueryString(s string) [][]clause {
	var (
		groups  [][]clause
		current []clause
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
		}
		current = nil
	}
	rs := []rune(s)
	for i := 0; i < len(rs); {
		if unicode.IsSpace(rs[i]) {
			i++
			continue
		}
		negated := false
		switch rs[i] {
		case '-':
			negated = true
			i++
		case '+':
			i++
		}
		if i >= len(rs) {
			break
		}
		if rs[i] == '"' {
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			current = append(current, clause{text: string(rs[i+1 : end]), phrase: true, negated: negated})
			i = end + 1
			continue
		}
		end := i
		for end < len(rs) && !unicode.IsSpace(rs[end]) {
			end++
		}
		word := string(rs[i:end])
		i = end
		if word == "OR" && !negated {
			flush()
			continue
		}
		if word == "AND" && !negated {
			continue
		}
		current = append(current, clause{text: word, negated: negated})
	}
	flush()
	return groups
}

// matchParsed evaluates a query string against analyzed field values. It
// returns the number of positive clauses matched by the best group.
func matchParsed(text string, a domain.Analyzer, values [][]string) (int, bool) {
	set := tokenSet(values)
	best, matched := 0, false
	for _, group := range parseQueryString(text) {
		n, ok := matchGroup(group, a, values, set)
		if ok {
			matched = true
			best = max(best, n)
		}
	}
	return best, matched
}

func matchGroup(group []clause, a domain.Analyzer, values [][]string, set map[string]bool) (int, bool) {
	positive := 0
	for _, c := range group {
		hit := matchClause(c, a, values, set)
		if c.negated {
			if hit {
				return 0, false
			}
			continue
		}
		if !hit {
			return 0, false
		}
		positive++
	}
	return positive, positive > 0
}

func matchClause(c clause, a domain.Analyzer, values [][]string, set map[string]bool) bool {
	if c.phrase {
		tokens := analysis.Analyze(a, c.text)
		if len(tokens) == 0 {
			return false
		}
		for _, v := range values {
			if containsPhrase(v, tokens) {
				return true
			}
		}
		return false
	}
	if strings.ContainsAny(c.text, "*?") {
		pattern := normalizePattern(a, c.text)
		return anyToken(values, func(tok string) bool { return analysis.WildcardMatch(pattern, tok) })
	}
	tokens := analysis.Analyze(a, c.text)
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if !set[t] {
			return false
		}
	}
	return true
}

// normalizePattern applies the analyzer's character normalization to a
// wildcard pattern without splitting it.
func normalizePattern(a domain.Analyzer, pattern string) string {
	switch a {
	case domain.AnalyzerFolding:
		return strings.ToLower(analysis.Fold(pattern))
	case domain.AnalyzerStandard, domain.AnalyzerLowercase:
		return strings.ToLower(pattern)
	}
	return pattern
}
