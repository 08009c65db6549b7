package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// DefaultLimit is used when a query does not set a limit
const DefaultLimit = 50

// DefaultScrollKeepAlive is the engine-side lifetime of a scroll cursor
const DefaultScrollKeepAlive = 60 * time.Second

// SortScore sorts by relevance score
const SortScore = "_score"

// Order is a sort direction
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// SortField orders results by one field.
type SortField struct {
	Field string
	Order Order
}

// Ascending sorts by field in ascending order.
func Ascending(field string) SortField { return SortField{Field: field, Order: Asc} }

// Descending sorts by field in descending order.
func Descending(field string) SortField { return SortField{Field: field, Order: Desc} }

// ByScore sorts by relevance, best first.
func ByScore() SortField { return SortField{Field: SortScore, Order: Desc} }

// Query is a validated, immutable query. Build one with Select.
type Query struct {
	types       []string
	from        []string
	fields      []string
	where       Expr
	limit       int
	sort        []SortField
	withScores  bool
	scroll      time.Duration
	searchAfter []any
}

// Types returns the selected document types; the first is the primary type.
func (q Query) Types() []string { return append([]string(nil), q.types...) }

// Type returns the primary document type.
func (q Query) Type() string { return q.types[0] }

// From returns the document types searched.
func (q Query) From() []string { return append([]string(nil), q.from...) }

// Fields returns the projected fields, or nil for whole documents.
func (q Query) Fields() []string { return append([]string(nil), q.fields...) }

// Where returns the predicate.
func (q Query) Where() Expr { return q.where }

// Limit returns the maximum number of hits per page.
func (q Query) Limit() int { return q.limit }

// Sort returns the sort specification.
func (q Query) Sort() []SortField { return append([]SortField(nil), q.sort...) }

// WithScores reports whether hits carry relevance scores.
func (q Query) WithScores() bool { return q.withScores }

// IsScroll reports whether the query opens a scroll cursor.
func (q Query) IsScroll() bool { return q.scroll > 0 }

// ScrollKeepAlive returns the lifetime of the scroll cursor.
func (q Query) ScrollKeepAlive() time.Duration { return q.scroll }

// SearchAfter returns the sort values to resume after.
func (q Query) SearchAfter() []any { return append([]any(nil), q.searchAfter...) }

// WithWhere returns a copy of the query with a different predicate. The
// result skips builder validation and is meant for internal rewriting.
func (q Query) WithWhere(e Expr) Query {
	q.where = e
	return q
}

// Builder assembles a Query. Every step returns a new Builder and leaves the
// receiver untouched.
type Builder struct {
	types       []string
	from        []string
	fields      []string
	where       Expr
	limit       int
	limitSet    bool
	sort        []SortField
	withScores  bool
	scroll      time.Duration
	scrollSet   bool
	searchAfter []any
	afterSet    bool
	err         error
}

// Select starts a query returning documents of docType, optionally together
// with additional types.
func Select(docType string, additionalTypes ...string) Builder {
	types := append([]string{docType}, additionalTypes...)
	return Builder{types: types}
}

// From restricts the searched types. By default the selected types are searched.
func (b Builder) From(types ...string) Builder {
	b.from = append([]string(nil), types...)
	return b
}

// Fields projects hits onto the given fields.
func (b Builder) Fields(fields ...string) Builder {
	b.fields = append([]string(nil), fields...)
	return b
}

// Where sets the predicate.
func (b Builder) Where(e Expr) Builder {
	b.where = e
	return b
}

// Scroll opens a stateful cursor kept alive for keepAlive between pages.
func (b Builder) Scroll(keepAlive time.Duration) Builder {
	if keepAlive <= 0 {
		keepAlive = DefaultScrollKeepAlive
	}
	b.scroll = keepAlive
	b.scrollSet = true
	return b
}

// SearchAfter resumes after the given sort values.
func (b Builder) SearchAfter(values ...any) Builder {
	b.searchAfter = append([]any(nil), values...)
	b.afterSet = true
	return b
}

// SearchAfterToken resumes after an encoded token returned by a previous page.
func (b Builder) SearchAfterToken(token string) Builder {
	values, err := DecodeSearchAfter(token)
	if err != nil {
		b.err = err
		return b
	}
	return b.SearchAfter(values...)
}

// Limit caps the page size.
func (b Builder) Limit(n int) Builder {
	b.limit = n
	b.limitSet = true
	return b
}

// SortBy sets the sort specification.
func (b Builder) SortBy(fields ...SortField) Builder {
	b.sort = append([]SortField(nil), fields...)
	return b
}

// WithScores toggles relevance scoring.
func (b Builder) WithScores(on bool) Builder {
	b.withScores = on
	return b
}

// Build validates the builder and returns the query.
func (b Builder) Build() (Query, error) {
	if b.err != nil {
		return Query{}, b.err
	}
	if len(b.types) == 0 || b.types[0] == "" {
		return Query{}, fmt.Errorf("%w: query selects no document type", domain.ErrValidation)
	}
	if b.scrollSet && b.afterSet {
		return Query{}, fmt.Errorf("%w: scroll and searchAfter are mutually exclusive", domain.ErrValidation)
	}
	if b.limitSet && b.limit < 0 {
		return Query{}, fmt.Errorf("%w: negative limit %d", domain.ErrValidation, b.limit)
	}
	where := b.where
	if where == nil {
		where = All{}
	}
	if err := Validate(where); err != nil {
		return Query{}, err
	}
	for _, s := range b.sort {
		if s.Field == "" || (s.Order != Asc && s.Order != Desc) {
			return Query{}, fmt.Errorf("%w: invalid sort %q %q", domain.ErrValidation, s.Field, s.Order)
		}
	}
	limit := DefaultLimit
	if b.limitSet {
		limit = b.limit
	}
	from := b.from
	if len(from) == 0 {
		from = b.types
	}
	return Query{
		types:       append([]string(nil), b.types...),
		from:        append([]string(nil), from...),
		fields:      append([]string(nil), b.fields...),
		where:       where,
		limit:       limit,
		sort:        append([]SortField(nil), b.sort...),
		withScores:  b.withScores,
		scroll:      b.scroll,
		searchAfter: append([]any(nil), b.searchAfter...),
	}, nil
}

// EncodeSearchAfter turns sort values into an opaque token.
func EncodeSearchAfter(values []any) string {
	if len(values) == 0 {
		return ""
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeSearchAfter parses a token produced by EncodeSearchAfter. Integral
// numbers decode as int64.
func DecodeSearchAfter(token string) ([]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed searchAfter token", domain.ErrValidation)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: malformed searchAfter token", domain.ErrValidation)
	}
	out := make([]any, len(values))
	for i, v := range values {
		n, ok := v.(json.Number)
		if !ok {
			out[i] = v
			continue
		}
		if iv, err := n.Int64(); err == nil {
			out[i] = iv
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: malformed searchAfter token", domain.ErrValidation)
		}
		out[i] = f
	}
	return out, nil
}
