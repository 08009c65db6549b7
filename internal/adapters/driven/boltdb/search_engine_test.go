package boltdb

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/query"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func descriptionSchema() domain.Schema {
	return domain.NewSchema("Description", "id",
		domain.TextField("term").WithAlias("exact", domain.AnalyzerLowercase).WithAlias("folded", domain.AnalyzerFolding),
		domain.KeywordField("conceptId"),
		domain.LongField("effectiveTime"),
		domain.BooleanField("active"),
		domain.KeywordField("acceptability").AsMulti(),
	)
}

func setupEngine(t *testing.T, docs map[string]map[string]any) *SearchEngine {
	t.Helper()
	ctx := context.Background()
	engine := NewSearchEngine(setupTestDB(t))
	require.NoError(t, engine.CreateIndex(ctx, "ts-description-g000001", descriptionSchema()))
	require.NoError(t, engine.SwapAlias(ctx, "ts-description", "", "ts-description-g000001"))

	var ops []driven.BulkOp
	for key, doc := range docs {
		ops = append(ops, driven.BulkOp{Key: key, Doc: doc})
	}
	require.NoError(t, engine.Bulk(ctx, "ts-description", ops))
	return engine
}

func searchKeys(t *testing.T, engine *SearchEngine, expr query.Expr) []string {
	t.Helper()
	res, err := engine.Search(context.Background(), driven.SearchRequest{
		Indices: []string{"ts-description"},
		Query:   expr,
		Limit:   100,
	})
	require.NoError(t, err)
	keys := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		keys[i] = h.Key
	}
	sort.Strings(keys)
	return keys
}

var fixture = map[string]map[string]any{
	"d1": {"id": "d1", "term": "Acute myocardial infarction of heart", "conceptId": "c1", "effectiveTime": int64(20020131), "active": true},
	"d2": {"id": "d2", "term": "Acute infarction", "conceptId": "c1", "effectiveTime": int64(20030731), "active": true},
	"d3": {"id": "d3", "term": "Myocardial infarction heart", "conceptId": "c2", "effectiveTime": int64(20040131), "active": false},
	"d4": {"id": "d4", "term": "Heart", "conceptId": "c3", "effectiveTime": int64(20050731), "active": true, "acceptability": []any{"preferred", "acceptable"}},
	"d5": {"id": "d5", "term": "Chronic myocardial infarction heart attack", "conceptId": "c4", "effectiveTime": int64(20060131), "active": true},
	"d6": {"id": "d6", "term": "Ménière's disease", "conceptId": "c5", "effectiveTime": int64(20070131), "active": true},
}

func TestSearchEngine_MatchTypes(t *testing.T) {
	engine := setupEngine(t, fixture)

	tests := []struct {
		name string
		expr query.Expr
		want []string
	}{
		{"all tokens", query.MatchText("term", "infarction acute"), []string{"d1", "d2"}},
		{"min should match 3 of 4", query.MatchText("term", "acute myocardial infarction heart").WithMinShouldMatch(3), []string{"d1", "d3", "d5"}},
		{"any single token", query.MatchText("term", "attack disease").WithType(query.MatchAny), []string{"d5", "d6"}},
		{"phrase keeps order", query.MatchText("term", "infarction heart").WithType(query.MatchPhrase), []string{"d3", "d5"}},
		{"phrase rejects gaps", query.MatchText("term", "acute myocardial heart").WithType(query.MatchPhrase), nil},
		{"fuzzy allows typos", query.MatchText("term", "myocardail infraction").WithType(query.MatchFuzzy), []string{"d1", "d3", "d5"}},
		{"boolean prefix", query.MatchText("term", "acute myo").WithType(query.MatchBooleanPrefix), []string{"d1"}},
		{"parsed wildcard", query.MatchText("term", "*cardi* -acute").WithType(query.MatchParsed), []string{"d3", "d5"}},
		{"parsed phrase or term", query.MatchText("term", `"heart attack" OR disease`).WithType(query.MatchParsed), []string{"d5", "d6"}},
		{"lowercase alias is exact", query.MatchText("term.exact", "heart"), []string{"d4"}},
		{"folding alias", query.MatchText("term.folded", "meniere"), []string{"d6"}},
		{"standard field keeps diacritics", query.MatchText("term", "meniere"), nil},
		{"keyword analyzer override keeps the text whole", query.MatchText("term", "Myocardial infarction").WithAnalyzer(domain.AnalyzerKeyword), nil},
		{"unknown field never matches", query.MatchText("nope", "heart"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchKeys(t, engine, tt.expr)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchEngine_StructuralPredicates(t *testing.T) {
	engine := setupEngine(t, fixture)

	tests := []struct {
		name string
		expr query.Expr
		want []string
	}{
		{"term", query.Exact("conceptId", "c1"), []string{"d1", "d2"}},
		{"terms", query.Terms("conceptId", "c2", "c5"), []string{"d3", "d6"}},
		{"term on multi value", query.Exact("acceptability", "acceptable"), []string{"d4"}},
		{"term on boolean", query.Exact("active", false), []string{"d3"}},
		{"term on lowercase alias", query.Exact("term.exact", "heart"), []string{"d4"}},
		{"range", query.RangeOf("effectiveTime").AtLeast(20040131).LessThan(20060131), []string{"d3", "d4"}},
		{"exists", query.FieldExists("acceptability"), []string{"d4"}},
		{"must not", query.Not(query.Exact("active", true)), []string{"d3"}},
		{"or", query.Or(query.Exact("conceptId", "c3"), query.Exact("conceptId", "c4")), []string{"d4", "d5"}},
		{"filter and must", query.BoolOf().AddFilter(query.Exact("conceptId", "c1")).AddMust(query.MatchText("term", "myocardial")), []string{"d1"}},
		{"should with min", query.BoolOf().AddShould(
			query.MatchText("term", "acute"),
			query.MatchText("term", "heart"),
			query.MatchText("term", "myocardial"),
		).WithMinShouldMatch(2), []string{"d1", "d3", "d5"}},
		{"none", query.None{}, nil},
		{"envelope-free docs have no doc id", query.Exact(domain.EnvDocID, "d1"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchKeys(t, engine, tt.expr)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchEngine_HasParentIsRejected(t *testing.T) {
	engine := setupEngine(t, fixture)
	_, err := engine.Search(context.Background(), driven.SearchRequest{
		Indices: []string{"ts-description"},
		Query:   query.ParentMatches("Concept", query.All{}),
		Limit:   10,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSearchEngine_IDBoostRanksFirst(t *testing.T) {
	engine := setupEngine(t, map[string]map[string]any{
		"a": {"id": "heart", "term": "unrelated"},
		"b": {"id": "x1", "term": "heart heart failure"},
		"c": {"id": "x2", "term": "heart"},
	})
	res, err := engine.Search(context.Background(), driven.SearchRequest{
		Indices:    []string{"ts-description"},
		Query:      query.IDOrText("id", "term", "heart"),
		Limit:      10,
		WithScores: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, "a", res.Hits[0].Key)
	assert.Greater(t, res.Hits[0].Score, res.Hits[1].Score)
}

func TestSearchEngine_SortAndSearchAfter(t *testing.T) {
	engine := setupEngine(t, fixture)
	ctx := context.Background()
	sortSpec := []query.SortField{query.Descending("effectiveTime"), query.Ascending("id")}

	var seen []string
	var after []any
	for {
		res, err := engine.Search(ctx, driven.SearchRequest{
			Indices:     []string{"ts-description"},
			Query:       query.All{},
			Sort:        sortSpec,
			Limit:       4,
			SearchAfter: after,
		})
		require.NoError(t, err)
		assert.Equal(t, 6, res.Total)
		for _, h := range res.Hits {
			seen = append(seen, h.Key)
		}
		if len(res.Hits) < 4 {
			break
		}
		after = res.Hits[len(res.Hits)-1].Sort
	}
	assert.Equal(t, []string{"d6", "d5", "d4", "d3", "d2", "d1"}, seen)
}

func TestSearchEngine_MissingSortValuesLast(t *testing.T) {
	engine := setupEngine(t, map[string]map[string]any{
		"a": {"id": "a"},
		"b": {"id": "b", "effectiveTime": int64(2)},
		"c": {"id": "c", "effectiveTime": int64(1)},
	})
	for _, order := range []query.SortField{query.Ascending("effectiveTime"), query.Descending("effectiveTime")} {
		res, err := engine.Search(context.Background(), driven.SearchRequest{
			Indices: []string{"ts-description"},
			Sort:    []query.SortField{order},
			Limit:   10,
		})
		require.NoError(t, err)
		require.Len(t, res.Hits, 3)
		assert.Equal(t, "a", res.Hits[2].Key)
	}
}

func TestSearchEngine_Projection(t *testing.T) {
	engine := setupEngine(t, fixture)
	res, err := engine.Search(context.Background(), driven.SearchRequest{
		Indices: []string{"ts-description"},
		Query:   query.Exact("id", "d1"),
		Fields:  []string{"conceptId"},
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, map[string]any{"conceptId": "c1"}, res.Hits[0].Source)
}

func TestSearchEngine_Scroll(t *testing.T) {
	engine := setupEngine(t, fixture)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	engine.now = func() time.Time { return now }

	res, err := engine.Search(ctx, driven.SearchRequest{
		Indices: []string{"ts-description"},
		Sort:    []query.SortField{query.Ascending("id")},
		Limit:   4,
		Scroll:  time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ScrollID)
	assert.Len(t, res.Hits, 4)

	next, err := engine.Scroll(ctx, res.ScrollID, time.Minute)
	require.NoError(t, err)
	assert.Len(t, next.Hits, 2)
	assert.Equal(t, "d5", next.Hits[0].Key)

	done, err := engine.Scroll(ctx, res.ScrollID, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, done.Hits)

	now = now.Add(2 * time.Minute)
	_, err = engine.Scroll(ctx, res.ScrollID, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSearchEngine_ClearScroll(t *testing.T) {
	engine := setupEngine(t, fixture)
	ctx := context.Background()
	res, err := engine.Search(ctx, driven.SearchRequest{
		Indices: []string{"ts-description"},
		Limit:   1,
		Scroll:  time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, engine.ClearScroll(ctx, res.ScrollID))
	_, err = engine.Scroll(ctx, res.ScrollID, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, engine.ClearScroll(ctx, "unknown"))
}

func TestSearchEngine_Indices(t *testing.T) {
	ctx := context.Background()
	engine := NewSearchEngine(setupTestDB(t))

	require.NoError(t, engine.CreateIndex(ctx, "ts-concept-g000001", descriptionSchema()))
	assert.ErrorIs(t, engine.CreateIndex(ctx, "ts-concept-g000001", descriptionSchema()), domain.ErrAlreadyExists)
	require.NoError(t, engine.CreateIndex(ctx, "ts-concept-g000002", descriptionSchema()))

	_, err := engine.ResolveAlias(ctx, "ts-concept")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, engine.SwapAlias(ctx, "ts-concept", "", "ts-concept-g000001"))
	assert.ErrorIs(t, engine.SwapAlias(ctx, "ts-concept", "", "ts-concept-g000002"), domain.ErrAlreadyExists)
	assert.ErrorIs(t, engine.SwapAlias(ctx, "ts-concept", "ts-concept-g000009", "ts-concept-g000002"), domain.ErrConflict)
	require.NoError(t, engine.SwapAlias(ctx, "ts-concept", "ts-concept-g000001", "ts-concept-g000002"))

	target, err := engine.ResolveAlias(ctx, "ts-concept")
	require.NoError(t, err)
	assert.Equal(t, "ts-concept-g000002", target)

	schema, err := engine.IndexSchema(ctx, "ts-concept")
	require.NoError(t, err)
	assert.True(t, schema.Equal(descriptionSchema()))

	names, err := engine.ListIndices(ctx, "ts-concept-")
	require.NoError(t, err)
	assert.Equal(t, []string{"ts-concept-g000001", "ts-concept-g000002"}, names)

	require.NoError(t, engine.DeleteIndex(ctx, "ts-concept-g000002"))
	_, err = engine.ResolveAlias(ctx, "ts-concept")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, engine.DeleteIndex(ctx, "ts-concept-g000002"), domain.ErrNotFound)
	assert.NoError(t, engine.HealthCheck(ctx))
}

func TestSearchEngine_BulkDeleteAndIntegers(t *testing.T) {
	ctx := context.Background()
	engine := setupEngine(t, map[string]map[string]any{
		"a": {"id": "a", "effectiveTime": int64(9223372036854775807)},
		"b": {"id": "b", "effectiveTime": int64(300)},
	})
	require.NoError(t, engine.Bulk(ctx, "ts-description", []driven.BulkOp{{Key: "b", Delete: true}}))

	res, err := engine.Search(ctx, driven.SearchRequest{Indices: []string{"ts-description"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(9223372036854775807), res.Hits[0].Source["effectiveTime"])

	err = engine.Bulk(ctx, "ts-missing", []driven.BulkOp{{Key: "x", Doc: map[string]any{}}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseQueryString(t *testing.T) {
	groups := parseQueryString(`+heart "chest pain" -acute OR card*`)
	require.Len(t, groups, 2)
	assert.Equal(t, []clause{
		{text: "heart"},
		{text: "chest pain", phrase: true},
		{text: "acute", negated: true},
	}, groups[0])
	assert.Equal(t, []clause{{text: "card*"}}, groups[1])
}
