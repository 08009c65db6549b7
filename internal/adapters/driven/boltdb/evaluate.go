package boltdb

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/termstore/internal/analysis"
	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// termSetThreshold is the value count above which keyword terms are matched
// through a set built once per scan
const termSetThreshold = 16

// evaluator matches expression trees against decoded documents of one index
type evaluator struct {
	schema   domain.Schema
	termSets map[*any]map[string]bool
}

func newEvaluator(schema domain.Schema) evaluator {
	return evaluator{schema: schema, termSets: make(map[*any]map[string]bool)}
}

// stringSet returns the values of a large all-string term as a set. Terms of
// one expression tree share their backing arrays for the whole scan.
func (ev evaluator) stringSet(x query.Term) (map[string]bool, bool) {
	if len(x.Values) <= termSetThreshold {
		return nil, false
	}
	key := &x.Values[0]
	if set, ok := ev.termSets[key]; ok {
		return set, set != nil
	}
	set := make(map[string]bool, len(x.Values))
	for _, v := range x.Values {
		s, ok := v.(string)
		if !ok {
			ev.termSets[key] = nil
			return nil, false
		}
		set[s] = true
	}
	ev.termSets[key] = set
	return set, true
}

// eval reports whether doc matches e and the score it earns. Paths the schema
// does not know never match.
func (ev evaluator) eval(e query.Expr, doc map[string]any) (bool, float64, error) {
	switch x := e.(type) {
	case query.All:
		return true, 1, nil
	case query.None:
		return false, 0, nil
	case query.Match:
		ok, score := ev.match(x, doc)
		return ok, score, nil
	case query.Term:
		ok := ev.term(x, doc)
		return ok, boostOf(x.Boost), nil
	case query.Range:
		return ev.rangeMatch(x, doc), 1, nil
	case query.Exists:
		return ev.exists(x, doc), 1, nil
	case query.Bool:
		return ev.boolean(x, doc)
	case query.HasParent:
		return false, 0, fmt.Errorf("%w: hasParent must be resolved before it reaches the engine", domain.ErrValidation)
	default:
		return false, 0, fmt.Errorf("%w: unsupported expression %T", domain.ErrValidation, e)
	}
}

func boostOf(b float64) float64 {
	if b == 0 {
		return 1
	}
	return b
}

func (ev evaluator) boolean(x query.Bool, doc map[string]any) (bool, float64, error) {
	var score float64
	for _, c := range x.Must {
		ok, s, err := ev.eval(c, doc)
		if err != nil || !ok {
			return false, 0, err
		}
		score += s
	}
	for _, c := range x.Filter {
		ok, _, err := ev.eval(c, doc)
		if err != nil || !ok {
			return false, 0, err
		}
	}
	for _, c := range x.MustNot {
		ok, _, err := ev.eval(c, doc)
		if err != nil {
			return false, 0, err
		}
		if ok {
			return false, 0, nil
		}
	}
	matched := 0
	for _, c := range x.Should {
		ok, s, err := ev.eval(c, doc)
		if err != nil {
			return false, 0, err
		}
		if ok {
			matched++
			score += s
		}
	}
	need := x.MinShouldMatch
	if need == 0 && len(x.Must) == 0 && len(x.Filter) == 0 && len(x.Should) > 0 {
		need = 1
	}
	if matched < need {
		return false, 0, nil
	}
	return true, score * boostOf(x.Boost), nil
}

// fieldName maps a path ("field" or "field.alias") to the stored key.
func fieldName(path string) string {
	if domain.IsEnvelopeField(path) {
		return path
	}
	name, _, _ := strings.Cut(path, ".")
	return name
}

func (ev evaluator) match(x query.Match, doc map[string]any) (bool, float64) {
	f, pathAnalyzer, err := ev.schema.ResolvePath(x.Field)
	if err != nil || !f.IsString() {
		return false, 0
	}
	values := analysis.AnalyzeValues(pathAnalyzer, doc[f.Name])
	if len(values) == 0 {
		return false, 0
	}
	qa := x.Analyzer
	if qa == "" {
		qa = pathAnalyzer
	}
	boost := boostOf(x.Boost)

	if x.Type == query.MatchParsed {
		n, ok := matchParsed(x.Text, qa, values)
		return ok, float64(n) * boost
	}

	tokens := analysis.Analyze(qa, x.Text)
	if len(tokens) == 0 {
		return false, 0
	}
	set := tokenSet(values)

	switch x.Type {
	case query.MatchAll:
		for _, t := range tokens {
			if !set[t] {
				return false, 0
			}
		}
		return true, float64(len(tokens)) * boost
	case query.MatchAny:
		distinct := dedupe(tokens)
		need := max(x.MinShouldMatch, 1)
		n := 0
		for _, t := range distinct {
			if set[t] {
				n++
			}
		}
		return n >= need, float64(n) * boost
	case query.MatchPhrase:
		for _, v := range values {
			if containsPhrase(v, tokens) {
				return true, float64(len(tokens)) * boost
			}
		}
		return false, 0
	case query.MatchFuzzy:
		for _, t := range tokens {
			if !anyToken(values, func(tok string) bool { return analysis.FuzzyMatch(t, tok) }) {
				return false, 0
			}
		}
		return true, float64(len(tokens)) * boost
	case query.MatchBooleanPrefix:
		last := tokens[len(tokens)-1]
		for _, t := range tokens[:len(tokens)-1] {
			if !set[t] {
				return false, 0
			}
		}
		if !anyToken(values, func(tok string) bool { return strings.HasPrefix(tok, last) }) {
			return false, 0
		}
		return true, float64(len(tokens)) * boost
	}
	return false, 0
}

func (ev evaluator) term(x query.Term, doc map[string]any) bool {
	f, pathAnalyzer, err := ev.schema.ResolvePath(x.Field)
	if err != nil {
		return false
	}
	stored := doc[fieldName(x.Field)]
	if !f.IsString() || pathAnalyzer == domain.AnalyzerKeyword {
		if set, ok := ev.stringSet(x); ok {
			for _, have := range domain.Values(stored) {
				if s, isString := have.(string); isString && set[s] {
					return true
				}
			}
			return false
		}
		for _, have := range domain.Values(stored) {
			for _, want := range x.Values {
				if domain.EqualValue(have, want) {
					return true
				}
			}
		}
		return false
	}
	set := tokenSet(analysis.AnalyzeValues(pathAnalyzer, stored))
	for _, want := range x.Values {
		if s, ok := want.(string); ok && set[s] {
			return true
		}
	}
	return false
}

func (ev evaluator) rangeMatch(x query.Range, doc map[string]any) bool {
	if _, _, err := ev.schema.ResolvePath(x.Field); err != nil {
		return false
	}
	for _, v := range domain.Values(doc[fieldName(x.Field)]) {
		if inRange(v, x) {
			return true
		}
	}
	return false
}

func inRange(v any, x query.Range) bool {
	check := func(bound any, accept func(int) bool) bool {
		if bound == nil {
			return true
		}
		c, ok := compareValues(v, bound)
		return ok && accept(c)
	}
	return check(x.Gt, func(c int) bool { return c > 0 }) &&
		check(x.Gte, func(c int) bool { return c >= 0 }) &&
		check(x.Lt, func(c int) bool { return c < 0 }) &&
		check(x.Lte, func(c int) bool { return c <= 0 })
}

func (ev evaluator) exists(x query.Exists, doc map[string]any) bool {
	if _, _, err := ev.schema.ResolvePath(x.Field); err != nil {
		return false
	}
	return len(domain.Values(doc[fieldName(x.Field)])) > 0
}

// compareValues orders two scalars of the same family (numbers, strings, booleans).
func compareValues(a, b any) (int, bool) {
	if af, ok := domain.ToFloat(a); ok {
		bf, ok := domain.ToFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func tokenSet(values [][]string) map[string]bool {
	set := make(map[string]bool)
	for _, v := range values {
		for _, t := range v {
			set[t] = true
		}
	}
	return set
}

func anyToken(values [][]string, fn func(string) bool) bool {
	for _, v := range values {
		for _, t := range v {
			if fn(t) {
				return true
			}
		}
	}
	return false
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func containsPhrase(value, phrase []string) bool {
	if len(phrase) > len(value) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(value); i++ {
		for j, t := range phrase {
			if value[i+j] != t {
				continue outer
			}
		}
		return true
	}
	return false
}
