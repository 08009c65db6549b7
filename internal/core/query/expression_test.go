package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

func TestMatchModifiers(t *testing.T) {
	m := MatchText("term", "acute heart attack pain")
	assert.Equal(t, MatchAll, m.Type)

	any3 := m.WithMinShouldMatch(3)
	assert.Equal(t, MatchAny, any3.Type)
	assert.Equal(t, 3, any3.MinShouldMatch)
	assert.Equal(t, MatchAll, m.Type, "modifiers return copies")

	phrase := m.WithType(MatchPhrase).WithAnalyzer(domain.AnalyzerFolding).WithBoost(2)
	assert.Equal(t, MatchPhrase, phrase.Type)
	assert.Equal(t, domain.AnalyzerFolding, phrase.Analyzer)
	assert.Equal(t, 2.0, phrase.Boost)
}

func TestBoolCopiesClauses(t *testing.T) {
	base := BoolOf().AddFilter(Exact("active", true))
	a := base.AddMust(MatchText("term", "heart"))
	b := base.AddMust(MatchText("term", "lung"))

	assert.Len(t, base.Must, 0)
	assert.Equal(t, MatchText("term", "heart"), a.Must[0])
	assert.Equal(t, MatchText("term", "lung"), b.Must[0])
	assert.Len(t, a.Filter, 1)
}

func TestRangeBounds(t *testing.T) {
	r := RangeOf("effectiveTime").AtLeast(int64(20020131)).GreaterThan(int64(20020131))
	assert.Nil(t, r.Gte)
	assert.Equal(t, int64(20020131), r.Gt)

	r = r.AtMost(int64(20240101)).LessThan(int64(20240101))
	assert.Nil(t, r.Lte)
	assert.Equal(t, int64(20240101), r.Lt)
}

func TestIDOrText(t *testing.T) {
	e, ok := IDOrText("id", "term", "22298006").(Bool)
	assert.True(t, ok)
	assert.Equal(t, 1, e.MinShouldMatch)
	assert.Equal(t, Exact("id", "22298006").WithBoost(IDBoost), e.Should[0])
	assert.Equal(t, MatchText("term", "22298006"), e.Should[1])
}

func TestCombinators(t *testing.T) {
	assert.Equal(t, Bool{Must: []Expr{All{}}, MustNot: []Expr{Exact("active", false)}}, Not(Exact("active", false)))
	assert.Equal(t, 1, Or(Exact("a", "1"), Exact("a", "2")).(Bool).MinShouldMatch)
	assert.Len(t, And(All{}, None{}).(Bool).Must, 2)
	assert.Equal(t, Term{Field: "id", Values: []any{"1", "2"}}, StringTerms("id", []string{"1", "2"}))
	assert.Equal(t, HasParent{ParentType: "Concept", Query: All{}}, ParentMatches("Concept", All{}))
}

func TestValidate(t *testing.T) {
	valid := []Expr{
		All{},
		None{},
		MatchText("term", "heart").WithType(MatchFuzzy),
		Terms("moduleId", "a", int64(1)),
		RangeOf("effectiveTime").AtLeast(int64(1)),
		FieldExists("term"),
		IDOrText("id", "term", "heart"),
		ParentMatches("Concept", Exact("active", true)),
	}
	for _, e := range valid {
		assert.NoError(t, Validate(e), "%#v", e)
	}

	invalid := []Expr{
		nil,
		MatchText("term", "heart").WithType("SOUNDEX"),
		MatchText("term", "heart").WithMinShouldMatch(-1),
		MatchText("term", "heart").WithAnalyzer("stem"),
		Match{Text: "no field", Type: MatchAll},
		Exact("active", nil),
		Exact("meta", map[string]any{}),
		RangeOf("effectiveTime"),
		FieldExists(""),
		BoolOf().AddShould(All{}).WithMinShouldMatch(2),
		BoolOf().AddMust(MatchText("", "x")),
		ParentMatches("", All{}),
		ParentMatches("Concept", nil),
	}
	for _, e := range invalid {
		assert.ErrorIs(t, Validate(e), domain.ErrValidation, "%#v", e)
	}
}
