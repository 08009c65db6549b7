// Package query holds the engine-agnostic expression tree and the query
// builder. Every value in this package is immutable: builder steps and
// expression modifiers return copies, so expressions can be shared freely
// between goroutines and compiled more than once with identical results.
package query

import (
	"fmt"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// Expr is a node of the expression tree.
type Expr interface {
	isExpr()
}

// MatchType selects the text matching strategy of a Match predicate
type MatchType string

const (
	MatchAll           MatchType = "ALL"            // every analyzed token must match
	MatchAny           MatchType = "ANY"            // at least MinShouldMatch tokens (default 1)
	MatchPhrase        MatchType = "PHRASE"         // tokens adjacent and in order
	MatchFuzzy         MatchType = "FUZZY"          // every token within edit distance
	MatchParsed        MatchType = "PARSED"         // engine query syntax supplied by the caller
	MatchBooleanPrefix MatchType = "BOOLEAN_PREFIX" // last token as prefix, others exact
)

// IDBoost is the fixed boost applied to exact identifier matches so that they
// rank above any text match.
const IDBoost = 100.0

// Match is a full-text predicate over an analyzed field or field alias.
type Match struct {
	Field          string
	Text           string
	Type           MatchType
	MinShouldMatch int
	Analyzer       domain.Analyzer
	Boost          float64
}

// Term matches documents whose field equals any of Values.
type Term struct {
	Field  string
	Values []any
	Boost  float64
}

// Range matches documents whose field lies within the given bounds; nil bounds are open.
type Range struct {
	Field string
	Gt    any
	Gte   any
	Lt    any
	Lte   any
}

// Exists matches documents with a non-empty value for Field.
type Exists struct {
	Field string
}

// Bool composes predicates. Must and Should contribute to scores, Filter and
// MustNot do not. With no Must/Filter clauses at least one Should clause must
// match; MinShouldMatch raises that bound.
type Bool struct {
	Must           []Expr
	Should         []Expr
	Filter         []Expr
	MustNot        []Expr
	MinShouldMatch int
	Boost          float64
}

// HasParent matches child documents whose parent document of ParentType matches Query.
type HasParent struct {
	ParentType string
	Query      Expr
}

// All matches every document.
type All struct{}

// None matches no document.
type None struct{}

func (Match) isExpr()     {}
func (Term) isExpr()      {}
func (Range) isExpr()     {}
func (Exists) isExpr()    {}
func (Bool) isExpr()      {}
func (HasParent) isExpr() {}
func (All) isExpr()       {}
func (None) isExpr()      {}

// MatchText builds an ALL match over field.
func MatchText(field, text string) Match {
	return Match{Field: field, Text: text, Type: MatchAll}
}

// WithType returns a copy using the given matching strategy.
func (m Match) WithType(t MatchType) Match {
	m.Type = t
	return m
}

// WithMinShouldMatch returns an ANY copy requiring at least k tokens.
func (m Match) WithMinShouldMatch(k int) Match {
	m.Type = MatchAny
	m.MinShouldMatch = k
	return m
}

// WithAnalyzer returns a copy that analyzes the query text with a.
func (m Match) WithAnalyzer(a domain.Analyzer) Match {
	m.Analyzer = a
	return m
}

// WithBoost returns a copy with a score multiplier.
func (m Match) WithBoost(b float64) Match {
	m.Boost = b
	return m
}

// Exact builds a single value term predicate.
func Exact(field string, value any) Term {
	return Term{Field: field, Values: []any{value}}
}

// Terms builds a predicate matching any of values.
func Terms(field string, values ...any) Term {
	return Term{Field: field, Values: append([]any(nil), values...)}
}

// StringTerms builds a predicate matching any of the string values.
func StringTerms(field string, values []string) Term {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Term{Field: field, Values: vs}
}

// WithBoost returns a copy with a score multiplier.
func (t Term) WithBoost(b float64) Term {
	t.Boost = b
	return t
}

// RangeOf starts an unbounded range over field.
func RangeOf(field string) Range { return Range{Field: field} }

// GreaterThan returns a copy with an exclusive lower bound.
func (r Range) GreaterThan(v any) Range { r.Gt, r.Gte = v, nil; return r }

// AtLeast returns a copy with an inclusive lower bound.
func (r Range) AtLeast(v any) Range { r.Gte, r.Gt = v, nil; return r }

// LessThan returns a copy with an exclusive upper bound.
func (r Range) LessThan(v any) Range { r.Lt, r.Lte = v, nil; return r }

// AtMost returns a copy with an inclusive upper bound.
func (r Range) AtMost(v any) Range { r.Lte, r.Lt = v, nil; return r }

// FieldExists builds an Exists predicate.
func FieldExists(field string) Exists { return Exists{Field: field} }

// BoolOf starts an empty boolean expression.
func BoolOf() Bool { return Bool{} }

// AddMust returns a copy with additional scoring clauses that must match.
func (b Bool) AddMust(e ...Expr) Bool { b.Must = appendCopy(b.Must, e); return b }

// AddShould returns a copy with additional optional clauses.
func (b Bool) AddShould(e ...Expr) Bool { b.Should = appendCopy(b.Should, e); return b }

// AddFilter returns a copy with additional non-scoring clauses that must match.
func (b Bool) AddFilter(e ...Expr) Bool { b.Filter = appendCopy(b.Filter, e); return b }

// AddMustNot returns a copy with additional excluding clauses.
func (b Bool) AddMustNot(e ...Expr) Bool { b.MustNot = appendCopy(b.MustNot, e); return b }

// WithMinShouldMatch returns a copy requiring k should clauses.
func (b Bool) WithMinShouldMatch(k int) Bool { b.MinShouldMatch = k; return b }

// WithBoost returns a copy with a score multiplier.
func (b Bool) WithBoost(f float64) Bool { b.Boost = f; return b }

func appendCopy(dst, src []Expr) []Expr {
	out := make([]Expr, 0, len(dst)+len(src))
	out = append(out, dst...)
	return append(out, src...)
}

// And matches when every expression matches (non-scoring for filters only when used as Filter).
func And(e ...Expr) Expr { return Bool{Must: appendCopy(nil, e)} }

// Or matches when at least one expression matches.
func Or(e ...Expr) Expr { return Bool{Should: appendCopy(nil, e), MinShouldMatch: 1} }

// Not excludes documents matching e.
func Not(e Expr) Expr { return Bool{Must: []Expr{All{}}, MustNot: []Expr{e}} }

// ParentMatches builds a HasParent predicate.
func ParentMatches(parentType string, q Expr) HasParent {
	return HasParent{ParentType: parentType, Query: q}
}

// IDOrText ranks an exact identifier hit above text hits on textField.
func IDOrText(idField, textField, text string) Expr {
	return Bool{
		Should: []Expr{
			Exact(idField, text).WithBoost(IDBoost),
			MatchText(textField, text),
		},
		MinShouldMatch: 1,
	}
}

// Validate checks structural rules of an expression tree.
func Validate(e Expr) error {
	switch x := e.(type) {
	case nil:
		return fmt.Errorf("%w: nil expression", domain.ErrValidation)
	case Match:
		if x.Field == "" {
			return fmt.Errorf("%w: match without field", domain.ErrValidation)
		}
		switch x.Type {
		case MatchAll, MatchAny, MatchPhrase, MatchFuzzy, MatchParsed, MatchBooleanPrefix:
		default:
			return fmt.Errorf("%w: unknown match type %q", domain.ErrValidation, x.Type)
		}
		if x.MinShouldMatch < 0 {
			return fmt.Errorf("%w: negative minShouldMatch on %s", domain.ErrValidation, x.Field)
		}
		if x.Analyzer != "" && !x.Analyzer.Valid() {
			return fmt.Errorf("%w: unknown analyzer %q", domain.ErrValidation, x.Analyzer)
		}
	case Term:
		if x.Field == "" {
			return fmt.Errorf("%w: term without field", domain.ErrValidation)
		}
		for _, v := range x.Values {
			if _, err := domain.NormalizeValue(v); err != nil || v == nil {
				return fmt.Errorf("%w: unsupported term value %v on %s", domain.ErrValidation, v, x.Field)
			}
		}
	case Range:
		if x.Field == "" {
			return fmt.Errorf("%w: range without field", domain.ErrValidation)
		}
		if x.Gt == nil && x.Gte == nil && x.Lt == nil && x.Lte == nil {
			return fmt.Errorf("%w: range on %s without bounds", domain.ErrValidation, x.Field)
		}
	case Exists:
		if x.Field == "" {
			return fmt.Errorf("%w: exists without field", domain.ErrValidation)
		}
	case Bool:
		if x.MinShouldMatch < 0 || x.MinShouldMatch > len(x.Should) {
			return fmt.Errorf("%w: minShouldMatch %d with %d should clauses", domain.ErrValidation, x.MinShouldMatch, len(x.Should))
		}
		for _, group := range [][]Expr{x.Must, x.Should, x.Filter, x.MustNot} {
			for _, c := range group {
				if err := Validate(c); err != nil {
					return err
				}
			}
		}
	case HasParent:
		if x.ParentType == "" {
			return fmt.Errorf("%w: hasParent without type", domain.ErrValidation)
		}
		return Validate(x.Query)
	case All, None:
	default:
		return fmt.Errorf("%w: unsupported expression %T", domain.ErrValidation, e)
	}
	return nil
}
