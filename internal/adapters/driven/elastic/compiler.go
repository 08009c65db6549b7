package elastic

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// compile translates an expression tree into the Elasticsearch query DSL.
// HasParent must already be resolved by the revision index.
func compile(e query.Expr) (map[string]any, error) {
	switch x := e.(type) {
	case nil, query.All:
		return map[string]any{"match_all": map[string]any{}}, nil
	case query.None:
		return map[string]any{"match_none": map[string]any{}}, nil
	case query.Term:
		return compileTerm(x), nil
	case query.Range:
		return compileRange(x), nil
	case query.Exists:
		return map[string]any{"exists": map[string]any{"field": x.Field}}, nil
	case query.Match:
		return compileMatch(x)
	case query.Bool:
		return compileBool(x)
	case query.HasParent:
		return nil, fmt.Errorf("%w: hasParent must be resolved before compiling", domain.ErrValidation)
	}
	return nil, fmt.Errorf("%w: unsupported expression %T", domain.ErrValidation, e)
}

func compileTerm(t query.Term) map[string]any {
	if len(t.Values) == 1 {
		body := map[string]any{"value": t.Values[0]}
		withBoost(body, t.Boost)
		return map[string]any{"term": map[string]any{t.Field: body}}
	}
	body := map[string]any{t.Field: t.Values}
	withBoost(body, t.Boost)
	return map[string]any{"terms": body}
}

func compileRange(r query.Range) map[string]any {
	bounds := map[string]any{}
	if r.Gt != nil {
		bounds["gt"] = r.Gt
	}
	if r.Gte != nil {
		bounds["gte"] = r.Gte
	}
	if r.Lt != nil {
		bounds["lt"] = r.Lt
	}
	if r.Lte != nil {
		bounds["lte"] = r.Lte
	}
	return map[string]any{"range": map[string]any{r.Field: bounds}}
}

func compileMatch(m query.Match) (map[string]any, error) {
	body := map[string]any{"query": m.Text}
	if m.Analyzer != "" {
		body["analyzer"] = esAnalyzer(m.Analyzer)
	}
	withBoost(body, m.Boost)

	switch m.Type {
	case query.MatchAll, "":
		body["operator"] = "and"
		return map[string]any{"match": map[string]any{m.Field: body}}, nil
	case query.MatchAny:
		body["operator"] = "or"
		if m.MinShouldMatch > 0 {
			body["minimum_should_match"] = m.MinShouldMatch
		}
		return map[string]any{"match": map[string]any{m.Field: body}}, nil
	case query.MatchPhrase:
		return map[string]any{"match_phrase": map[string]any{m.Field: body}}, nil
	case query.MatchFuzzy:
		body["operator"] = "and"
		body["fuzziness"] = "AUTO"
		return map[string]any{"match": map[string]any{m.Field: body}}, nil
	case query.MatchBooleanPrefix:
		body["operator"] = "and"
		return map[string]any{"match_bool_prefix": map[string]any{m.Field: body}}, nil
	case query.MatchParsed:
		body["default_field"] = m.Field
		body["default_operator"] = "and"
		return map[string]any{"query_string": body}, nil
	}
	return nil, fmt.Errorf("%w: unknown match type %q", domain.ErrValidation, m.Type)
}

func compileBool(b query.Bool) (map[string]any, error) {
	body := map[string]any{}
	groups := []struct {
		name  string
		exprs []query.Expr
	}{
		{"must", b.Must},
		{"should", b.Should},
		{"filter", b.Filter},
		{"must_not", b.MustNot},
	}
	for _, g := range groups {
		if len(g.exprs) == 0 {
			continue
		}
		clauses := make([]any, 0, len(g.exprs))
		for _, e := range g.exprs {
			c, err := compile(e)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, c)
		}
		body[g.name] = clauses
	}
	if b.MinShouldMatch > 0 {
		body["minimum_should_match"] = b.MinShouldMatch
	}
	withBoost(body, b.Boost)
	return map[string]any{"bool": body}, nil
}

func withBoost(body map[string]any, boost float64) {
	if boost != 0 && boost != 1 {
		body["boost"] = boost
	}
}

// compileSort renders the sort clause. Text fields sort on their keyword
// projection; missing values sort last in both directions.
func compileSort(sorts []query.SortField, schemas []*domain.Schema) []any {
	out := make([]any, 0, len(sorts))
	for _, s := range sorts {
		if s.Field == query.SortScore {
			out = append(out, map[string]any{"_score": map[string]any{"order": string(s.Order)}})
			continue
		}
		out = append(out, map[string]any{
			sortPath(s.Field, schemas): map[string]any{"order": string(s.Order), "missing": "_last"},
		})
	}
	return out
}

func sortPath(field string, schemas []*domain.Schema) string {
	if strings.Contains(field, ".") {
		return field
	}
	for _, s := range schemas {
		if s == nil {
			continue
		}
		if f, ok := s.Field(field); ok && f.Kind == domain.FieldText {
			return field + "." + sortSubfield
		}
	}
	return field
}
