package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// fakeCluster records requests and answers with canned responses keyed by
// "METHOD path".
type fakeCluster struct {
	mu        sync.Mutex
	requests  []recorded
	responses map[string]cannedResponse
}

type recorded struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type cannedResponse struct {
	status int
	body   string
}

func newFakeCluster(t *testing.T) (*fakeCluster, *SearchEngine) {
	t.Helper()
	fc := &fakeCluster{responses: make(map[string]cannedResponse)}
	srv := httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(srv.Close)
	cfg := DefaultConfig(srv.URL + "/")
	cfg.Timeout = 5 * time.Second
	return fc, NewSearchEngine(cfg)
}

func (f *fakeCluster) on(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = cannedResponse{status: status, body: body}
}

func (f *fakeCluster) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if !ok {
		resp = cannedResponse{status: http.StatusOK, body: `{"acknowledged":true}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func TestSearchEngine_CreateIndex(t *testing.T) {
	fc, engine := newFakeCluster(t)
	ctx := context.Background()
	schema := domain.NewSchema("Concept", "id", domain.BooleanField("active"))

	require.NoError(t, engine.CreateIndex(ctx, "ts-concept-g000001", schema))
	req := fc.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/ts-concept-g000001", req.Path)
	assert.Contains(t, req.Body, `"dynamic":"strict"`)

	fc.on(http.MethodPut, "/ts-concept-g000001", http.StatusBadRequest,
		`{"error":{"type":"resource_already_exists_exception","reason":"index exists"},"status":400}`)
	err := engine.CreateIndex(ctx, "ts-concept-g000001", schema)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSearchEngine_IndexSchemaRoundTrip(t *testing.T) {
	fc, engine := newFakeCluster(t)
	schema := domain.NewSchema("Concept", "id",
		domain.BooleanField("active"),
		domain.TextField("fsn").WithAlias("exact", domain.AnalyzerKeyword),
	)
	meta, err := json.Marshal(map[string]any{
		"ts-concept-g000001": map[string]any{"mappings": indexBody(schema)["mappings"]},
	})
	require.NoError(t, err)
	fc.on(http.MethodGet, "/ts-concept/_mapping", http.StatusOK, string(meta))

	got, err := engine.IndexSchema(context.Background(), "ts-concept")
	require.NoError(t, err)
	assert.True(t, schema.Equal(*got))
}

func TestSearchEngine_Aliases(t *testing.T) {
	fc, engine := newFakeCluster(t)
	ctx := context.Background()

	fc.on(http.MethodGet, "/_alias/ts-concept", http.StatusOK, `{"ts-concept-g000002":{"aliases":{"ts-concept":{}}}}`)
	index, err := engine.ResolveAlias(ctx, "ts-concept")
	require.NoError(t, err)
	assert.Equal(t, "ts-concept-g000002", index)

	fc.on(http.MethodGet, "/_alias/ts-description", http.StatusNotFound, `{"error":"alias [ts-description] missing","status":404}`)
	_, err = engine.ResolveAlias(ctx, "ts-description")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, engine.SwapAlias(ctx, "ts-concept", "ts-concept-g000001", "ts-concept-g000002"))
	req := fc.last()
	assert.Equal(t, "/_aliases", req.Path)
	assert.JSONEq(t, `{"actions":[
		{"remove":{"index":"ts-concept-g000001","alias":"ts-concept"}},
		{"add":{"index":"ts-concept-g000002","alias":"ts-concept"}}
	]}`, req.Body)

	require.NoError(t, engine.SwapAlias(ctx, "ts-concept", "", "ts-concept-g000001"))
	assert.JSONEq(t, `{"actions":[{"add":{"index":"ts-concept-g000001","alias":"ts-concept"}}]}`, fc.last().Body)
}

func TestSearchEngine_ListIndices(t *testing.T) {
	fc, engine := newFakeCluster(t)
	fc.on(http.MethodGet, "/_cat/indices/ts-concept*", http.StatusOK,
		`[{"index":"ts-concept-g000002"},{"index":"ts-concept-g000001"}]`)

	names, err := engine.ListIndices(context.Background(), "ts-concept")
	require.NoError(t, err)
	assert.Equal(t, []string{"ts-concept-g000001", "ts-concept-g000002"}, names)
	assert.Contains(t, fc.last().Query, "format=json")

	fc.on(http.MethodGet, "/_cat/indices/ts-concept*", http.StatusNotFound,
		`{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
	names, err = engine.ListIndices(context.Background(), "ts-concept")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSearchEngine_Bulk(t *testing.T) {
	fc, engine := newFakeCluster(t)
	ctx := context.Background()
	ops := []driven.BulkOp{
		{Key: "MAIN|1|10", Doc: map[string]any{"active": true}},
		{Key: "MAIN|2|10", Delete: true},
	}

	fc.on(http.MethodPost, "/ts-concept/_bulk", http.StatusOK, `{"errors":false,"items":[]}`)
	require.NoError(t, engine.Bulk(ctx, "ts-concept", ops))
	req := fc.last()
	assert.Equal(t, "refresh=true", req.Query)

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(req.Body))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"index":{"_id":"MAIN|1|10"}}`, lines[0])
	assert.JSONEq(t, `{"active":true}`, lines[1])
	assert.JSONEq(t, `{"delete":{"_id":"MAIN|2|10"}}`, lines[2])

	fc.on(http.MethodPost, "/ts-concept/_bulk", http.StatusOK, `{"errors":true,"items":[
		{"index":{"_id":"MAIN|1|10","status":400,"error":{"type":"strict_dynamic_mapping_exception","reason":"unknown field"}}},
		{"delete":{"_id":"MAIN|2|10","status":404,"result":"not_found"}}
	]}`)
	err := engine.Bulk(ctx, "ts-concept", ops)
	var bulkErr *driven.BulkError
	require.True(t, errors.As(err, &bulkErr))
	assert.Len(t, bulkErr.Failed, 1)
	assert.Contains(t, bulkErr.Failed["MAIN|1|10"], "strict_dynamic_mapping_exception")

	assert.NoError(t, engine.Bulk(ctx, "ts-concept", nil))
}

func TestSearchEngine_Search(t *testing.T) {
	fc, engine := newFakeCluster(t)
	fc.on(http.MethodGet, "/ts-description/_mapping", http.StatusOK, func() string {
		schema := domain.NewSchema("Description", "id", domain.TextField("term"))
		raw, _ := json.Marshal(map[string]any{"ts-description-g000001": map[string]any{"mappings": indexBody(schema)["mappings"]}})
		return string(raw)
	}())
	fc.on(http.MethodPost, "/ts-concept,ts-description/_search", http.StatusOK, `{
		"hits":{"total":{"value":2},"hits":[
			{"_index":"ts-concept-g000001","_id":"MAIN|1|10","_score":null,
			 "_source":{"rev_revised":9223372036854775807,"weight":0.5},"sort":["Concept","MAIN|1|10"]},
			{"_index":"ts-description-g000001","_id":"MAIN|d|11","_score":1.5,
			 "_source":{"rev_created":11},"sort":["Description","MAIN|d|11"]}
		]}}`)

	res, err := engine.Search(context.Background(), driven.SearchRequest{
		Indices:     []string{"ts-concept", "ts-description"},
		Query:       query.Exact(domain.EnvBranch, domain.MainPath),
		Sort:        []query.SortField{query.Ascending("term"), query.Ascending(domain.EnvKey)},
		Limit:       10,
		SearchAfter: []any{"a", "MAIN|0|1"},
		Fields:      []string{"term"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, domain.Open, res.Hits[0].Source[domain.EnvRevised])
	assert.Equal(t, 0.5, res.Hits[0].Source["weight"])
	assert.Zero(t, res.Hits[0].Score)
	assert.Equal(t, int64(11), res.Hits[1].Source[domain.EnvCreated])
	assert.Equal(t, 1.5, res.Hits[1].Score)
	assert.Equal(t, "ts-description-g000001", res.Hits[1].Index)
	assert.Equal(t, []any{"Description", "MAIN|d|11"}, res.Hits[1].Sort)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(fc.last().Body), &sent))
	assert.Equal(t, []any{"a", "MAIN|0|1"}, sent["search_after"])
	assert.Equal(t, []any{"term"}, sent["_source"])
	sortJSON, _ := json.Marshal(sent["sort"])
	assert.Contains(t, string(sortJSON), "term.__sort")
}

func TestSearchEngine_Scroll(t *testing.T) {
	fc, engine := newFakeCluster(t)
	ctx := context.Background()
	fc.on(http.MethodPost, "/ts-concept/_search", http.StatusOK,
		`{"_scroll_id":"abc","hits":{"total":{"value":1},"hits":[{"_index":"i","_id":"k","_source":{}}]}}`)

	res, err := engine.Search(ctx, driven.SearchRequest{Indices: []string{"ts-concept"}, Query: query.All{}, Scroll: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ScrollID)
	assert.Equal(t, "scroll=60000ms", fc.last().Query)

	fc.on(http.MethodPost, "/_search/scroll", http.StatusNotFound,
		`{"error":{"type":"search_context_missing_exception","reason":"gone"},"status":404}`)
	_, err = engine.Scroll(ctx, "abc", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	fc.on(http.MethodDelete, "/_search/scroll", http.StatusNotFound, `{"succeeded":true,"num_freed":0}`)
	assert.NoError(t, engine.ClearScroll(ctx, "abc"))
}

func TestSearchEngine_HealthCheck(t *testing.T) {
	fc, engine := newFakeCluster(t)
	fc.on(http.MethodGet, "/_cluster/health", http.StatusOK, `{"status":"yellow"}`)
	assert.NoError(t, engine.HealthCheck(context.Background()))

	fc.on(http.MethodGet, "/_cluster/health", http.StatusOK, `{"status":"red"}`)
	assert.Error(t, engine.HealthCheck(context.Background()))
}
