package elastic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// Verify interface compliance
var _ driven.SearchEngine = (*SearchEngine)(nil)

// SearchEngine implements driven.SearchEngine over the Elasticsearch REST API
type SearchEngine struct {
	baseURL    string
	httpClient *http.Client
	schemaTTL  time.Duration

	mu      sync.Mutex
	schemas map[string]cachedSchema
}

type cachedSchema struct {
	schema  *domain.Schema
	expires time.Time
}

// Config holds Elasticsearch connection configuration
type Config struct {
	// BaseURL is the cluster endpoint (e.g., http://localhost:9200)
	BaseURL string

	// Timeout for HTTP requests
	Timeout time.Duration

	// SchemaTTL bounds how long index schemas are cached for sort planning
	SchemaTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   30 * time.Second,
		SchemaTTL: 30 * time.Second,
	}
}

// NewSearchEngine creates a new Elasticsearch-backed SearchEngine
func NewSearchEngine(cfg Config) *SearchEngine {
	return &SearchEngine{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		schemaTTL: cfg.SchemaTTL,
		schemas:   make(map[string]cachedSchema),
	}
}

// esError is the error envelope returned by the cluster
type esError struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// do sends a request and decodes a successful JSON response into out.
func (s *SearchEngine) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return statusError(method, path, resp, respBody)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("elasticsearch %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (s *SearchEngine) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	return s.do(ctx, method, path, body, "application/json", out)
}

func statusError(method, path string, resp *http.Response, body []byte) error {
	var env esError
	_ = json.Unmarshal(body, &env)
	base := fmt.Errorf("elasticsearch %s %s failed: %s - %s", method, path, resp.Status, string(body))
	switch env.Error.Type {
	case "index_not_found_exception", "search_context_missing_exception", "aliases_not_found_exception":
		return fmt.Errorf("%w: %w", domain.ErrNotFound, base)
	case "resource_already_exists_exception":
		return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, base)
	case "parsing_exception", "query_shard_exception", "illegal_argument_exception", "search_phase_execution_exception", "strict_dynamic_mapping_exception":
		return fmt.Errorf("%w: %w", domain.ErrValidation, base)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, base)
	}
	return base
}

// CreateIndex creates an index with strict mappings derived from schema
func (s *SearchEngine) CreateIndex(ctx context.Context, name string, schema domain.Schema) error {
	return s.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name), indexBody(schema), nil)
}

// DeleteIndex removes a physical index
func (s *SearchEngine) DeleteIndex(ctx context.Context, name string) error {
	s.forget()
	return s.doJSON(ctx, http.MethodDelete, "/"+url.PathEscape(name), nil, nil)
}

// IndexSchema reads the schema recorded in the index mapping metadata
func (s *SearchEngine) IndexSchema(ctx context.Context, name string) (*domain.Schema, error) {
	var resp map[string]struct {
		Mappings struct {
			Meta struct {
				Schema json.RawMessage `json:"schema"`
			} `json:"_meta"`
		} `json:"mappings"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/_mapping", nil, &resp); err != nil {
		return nil, err
	}
	for _, m := range resp {
		if len(m.Mappings.Meta.Schema) == 0 {
			return nil, fmt.Errorf("%w: index %s carries no schema", domain.ErrSchema, name)
		}
		var schema domain.Schema
		if err := json.Unmarshal(m.Mappings.Meta.Schema, &schema); err != nil {
			return nil, fmt.Errorf("%w: index %s: %v", domain.ErrSchema, name, err)
		}
		return &schema, nil
	}
	return nil, fmt.Errorf("index %s: %w", name, domain.ErrNotFound)
}

// ListIndices returns physical index names starting with prefix
func (s *SearchEngine) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	var rows []struct {
		Index string `json:"index"`
	}
	path := "/_cat/indices/" + url.PathEscape(prefix) + "*?format=json&h=index&expand_wildcards=open"
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &rows); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if strings.HasPrefix(r.Index, prefix) {
			names = append(names, r.Index)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ResolveAlias returns the index behind alias
func (s *SearchEngine) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var resp map[string]json.RawMessage
	if err := s.doJSON(ctx, http.MethodGet, "/_alias/"+url.PathEscape(alias), nil, &resp); err != nil {
		return "", err
	}
	names := make([]string, 0, len(resp))
	for name := range resp {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("alias %s: %w", alias, domain.ErrNotFound)
	}
	if len(names) > 1 {
		sort.Strings(names)
		return "", fmt.Errorf("%w: alias %s points at %s", domain.ErrConflict, alias, strings.Join(names, ","))
	}
	return names[0], nil
}

// SwapAlias moves alias from one index to another in a single atomic request
func (s *SearchEngine) SwapAlias(ctx context.Context, alias, from, to string) error {
	actions := make([]any, 0, 2)
	if from != "" {
		actions = append(actions, map[string]any{"remove": map[string]any{"index": from, "alias": alias}})
	}
	actions = append(actions, map[string]any{"add": map[string]any{"index": to, "alias": alias}})
	s.forget()
	return s.doJSON(ctx, http.MethodPost, "/_aliases", map[string]any{"actions": actions}, nil)
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Bulk sends the operations as one NDJSON request and refreshes the index so
// the writes are searchable on return
func (s *SearchEngine) Bulk(ctx context.Context, index string, ops []driven.BulkOp) error {
	if len(ops) == 0 {
		return nil
	}
	body, err := bulkBody(ops)
	if err != nil {
		return err
	}
	var resp bulkResponse
	path := "/" + url.PathEscape(index) + "/_bulk?refresh=true"
	if err := s.do(ctx, http.MethodPost, path, body, "application/x-ndjson", &resp); err != nil {
		return err
	}
	if !resp.Errors {
		return nil
	}
	failed := make(map[string]string)
	for _, item := range resp.Items {
		for action, r := range item {
			if r.Error == nil {
				continue
			}
			if action == "delete" && r.Status == http.StatusNotFound {
				continue
			}
			failed[r.ID] = r.Error.Type + ": " + r.Error.Reason
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &driven.BulkError{Failed: failed}
}

func bulkBody(ops []driven.BulkOp) (io.Reader, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	enc := json.NewEncoder(w)
	for _, op := range ops {
		action := "index"
		if op.Delete {
			action = "delete"
		}
		if err := enc.Encode(map[string]any{action: map[string]any{"_id": op.Key}}); err != nil {
			return nil, err
		}
		if op.Delete {
			continue
		}
		if err := enc.Encode(op.Doc); err != nil {
			return nil, fmt.Errorf("%w: document %s: %v", domain.ErrValidation, op.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return &buf, nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Index  string         `json:"_index"`
			ID     string         `json:"_id"`
			Score  *float64       `json:"_score"`
			Source map[string]any `json:"_source"`
			Sort   []any          `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *searchResponse) result() *driven.SearchResult {
	out := &driven.SearchResult{
		Hits:     make([]driven.Hit, 0, len(r.Hits.Hits)),
		Total:    r.Hits.Total.Value,
		ScrollID: r.ScrollID,
	}
	for _, h := range r.Hits.Hits {
		hit := driven.Hit{
			Index:  h.Index,
			Key:    h.ID,
			Source: normalizeMap(h.Source),
			Sort:   normalizeSlice(h.Sort),
		}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		out.Hits = append(out.Hits, hit)
	}
	return out
}

// Search compiles the request into the query DSL and runs it
func (s *SearchEngine) Search(ctx context.Context, req driven.SearchRequest) (*driven.SearchResult, error) {
	if len(req.Indices) == 0 {
		return &driven.SearchResult{}, nil
	}
	q, err := compile(req.Query)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"query":            q,
		"size":             max(req.Limit, 0),
		"track_total_hits": true,
	}
	if len(req.Sort) > 0 {
		schemas := s.schemasFor(ctx, req.Indices)
		body["sort"] = compileSort(req.Sort, schemas)
		if req.WithScores {
			body["track_scores"] = true
		}
	}
	if len(req.SearchAfter) > 0 && len(req.Sort) > 0 && req.Scroll <= 0 {
		body["search_after"] = req.SearchAfter
	}
	if len(req.Fields) > 0 {
		body["_source"] = req.Fields
	}

	names := make([]string, len(req.Indices))
	for i, n := range req.Indices {
		names[i] = url.PathEscape(n)
	}
	path := "/" + strings.Join(names, ",") + "/_search"
	if req.Scroll > 0 {
		if req.Limit <= 0 {
			body["size"] = query.DefaultLimit
		}
		path += "?scroll=" + keepAlive(req.Scroll)
	}

	var resp searchResponse
	if err := s.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// Scroll fetches the next page of an open scroll
func (s *SearchEngine) Scroll(ctx context.Context, scrollID string, ttl time.Duration) (*driven.SearchResult, error) {
	if ttl <= 0 {
		ttl = query.DefaultScrollKeepAlive
	}
	var resp searchResponse
	body := map[string]any{"scroll": keepAlive(ttl), "scroll_id": scrollID}
	if err := s.doJSON(ctx, http.MethodPost, "/_search/scroll", body, &resp); err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// ClearScroll releases a scroll cursor
func (s *SearchEngine) ClearScroll(ctx context.Context, scrollID string) error {
	err := s.doJSON(ctx, http.MethodDelete, "/_search/scroll", map[string]any{"scroll_id": []string{scrollID}}, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// HealthCheck verifies the cluster is reachable and not red
func (s *SearchEngine) HealthCheck(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/_cluster/health", nil, &resp); err != nil {
		return fmt.Errorf("elasticsearch unhealthy: %w", err)
	}
	if resp.Status == "red" {
		return fmt.Errorf("elasticsearch unhealthy: cluster status %s", resp.Status)
	}
	return nil
}

// schemasFor returns the schemas of the searched indices. Unknown indices
// yield nil entries and sort on the raw field.
func (s *SearchEngine) schemasFor(ctx context.Context, indices []string) []*domain.Schema {
	out := make([]*domain.Schema, 0, len(indices))
	now := time.Now()
	for _, name := range indices {
		s.mu.Lock()
		c, ok := s.schemas[name]
		s.mu.Unlock()
		if ok && now.Before(c.expires) {
			out = append(out, c.schema)
			continue
		}
		schema, err := s.IndexSchema(ctx, name)
		if err != nil {
			out = append(out, nil)
			continue
		}
		s.mu.Lock()
		s.schemas[name] = cachedSchema{schema: schema, expires: now.Add(s.schemaTTL)}
		s.mu.Unlock()
		out = append(out, schema)
	}
	return out
}

func (s *SearchEngine) forget() {
	s.mu.Lock()
	s.schemas = make(map[string]cachedSchema)
	s.mu.Unlock()
}

func keepAlive(d time.Duration) string {
	return strconv.FormatInt(max(d.Milliseconds(), 1), 10) + "ms"
}

// normalizeValue turns decoded json.Number values into int64 or float64.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return normalizeMap(x)
	case []any:
		return normalizeSlice(x)
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = normalizeValue(v)
	}
	return out
}
