package boltdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	bolt "go.etcd.io/bbolt"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// Verify interface compliance
var _ driven.SearchEngine = (*SearchEngine)(nil)

// defaultPageSize applies to scroll pages requested without a size
const defaultPageSize = 10

// ctxCheckEvery is how many documents a scan evaluates between context checks
const ctxCheckEvery = 1024

type indexMeta struct {
	Name      string        `msgpack:"name"`
	Schema    domain.Schema `msgpack:"schema"`
	CreatedAt int64         `msgpack:"created_at"`
}

type scrollCursor struct {
	hits    []driven.Hit
	size    int
	total   int
	fields  []string
	expires time.Time
}

// SearchEngine implements driven.SearchEngine over bolt. Searches scan every
// document of the addressed indices inside one read transaction, so a search
// always sees a consistent state; bulk writes commit in one write transaction.
type SearchEngine struct {
	db  *DB
	now func() time.Time

	mu      sync.Mutex
	scrolls map[string]*scrollCursor
}

// NewSearchEngine creates a bolt search engine on an open database
func NewSearchEngine(db *DB) *SearchEngine {
	return &SearchEngine{
		db:      db,
		now:     time.Now,
		scrolls: make(map[string]*scrollCursor),
	}
}

// CreateIndex creates an index generation recording its schema
func (e *SearchEngine) CreateIndex(ctx context.Context, name string, schema domain.Schema) error {
	data, err := encode(indexMeta{Name: name, Schema: schema, CreatedAt: e.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode index meta: %w", err)
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketIndexMeta)
		if meta.Get([]byte(name)) != nil {
			return fmt.Errorf("index %s: %w", name, domain.ErrAlreadyExists)
		}
		if tx.Bucket(bucketAliases).Get([]byte(name)) != nil {
			return fmt.Errorf("index %s clashes with an alias: %w", name, domain.ErrAlreadyExists)
		}
		if _, err := tx.Bucket(bucketDocs).CreateBucket([]byte(name)); err != nil {
			return fmt.Errorf("create index bucket: %w", err)
		}
		return meta.Put([]byte(name), data)
	})
}

// DeleteIndex drops an index generation and every alias pointing at it
func (e *SearchEngine) DeleteIndex(ctx context.Context, name string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketIndexMeta)
		if meta.Get([]byte(name)) == nil {
			return fmt.Errorf("index %s: %w", name, domain.ErrNotFound)
		}
		aliases := tx.Bucket(bucketAliases)
		var stale [][]byte
		err := aliases.ForEach(func(k, v []byte) error {
			if string(v) == name {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := aliases.Delete(k); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketDocs).DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("drop index bucket: %w", err)
		}
		return meta.Delete([]byte(name))
	})
}

// IndexSchema returns the schema recorded by an index or the index behind an alias
func (e *SearchEngine) IndexSchema(ctx context.Context, name string) (*domain.Schema, error) {
	var schema *domain.Schema
	err := e.db.View(func(tx *bolt.Tx) error {
		m, err := loadMeta(tx, name)
		if err != nil {
			return err
		}
		schema = &m.Schema
		return nil
	})
	return schema, err
}

// ListIndices returns index names with the given prefix, sorted
func (e *SearchEngine) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIndexMeta).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

// ResolveAlias returns the index an alias points at
func (e *SearchEngine) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var target string
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAliases).Get([]byte(alias))
		if v == nil {
			return fmt.Errorf("alias %s: %w", alias, domain.ErrNotFound)
		}
		target = string(v)
		return nil
	})
	return target, err
}

// SwapAlias repoints an alias inside one write transaction
func (e *SearchEngine) SwapAlias(ctx context.Context, alias, from, to string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketIndexMeta).Get([]byte(to)) == nil {
			return fmt.Errorf("index %s: %w", to, domain.ErrNotFound)
		}
		if tx.Bucket(bucketIndexMeta).Get([]byte(alias)) != nil {
			return fmt.Errorf("alias %s clashes with an index: %w", alias, domain.ErrConflict)
		}
		aliases := tx.Bucket(bucketAliases)
		current := aliases.Get([]byte(alias))
		switch {
		case from == "" && current != nil:
			return fmt.Errorf("alias %s already points at %s: %w", alias, current, domain.ErrAlreadyExists)
		case from != "" && string(current) != from:
			return fmt.Errorf("alias %s points at %q, not %s: %w", alias, current, from, domain.ErrConflict)
		}
		return aliases.Put([]byte(alias), []byte(to))
	})
}

// Bulk applies all operations in one write transaction
func (e *SearchEngine) Bulk(ctx context.Context, index string, ops []driven.BulkOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	failed := make(map[string]string)
	err := e.db.Update(func(tx *bolt.Tx) error {
		name, err := resolve(tx, index)
		if err != nil {
			return err
		}
		docs := tx.Bucket(bucketDocs).Bucket([]byte(name))
		for _, op := range ops {
			if op.Key == "" {
				failed[op.Key] = "empty key"
				continue
			}
			if op.Delete {
				if err := docs.Delete([]byte(op.Key)); err != nil {
					failed[op.Key] = err.Error()
				}
				continue
			}
			data, err := encode(op.Doc)
			if err != nil {
				failed[op.Key] = err.Error()
				continue
			}
			if err := docs.Put([]byte(op.Key), data); err != nil {
				failed[op.Key] = err.Error()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return &driven.BulkError{Failed: failed}
	}
	return nil
}

// Search evaluates the request against every document of the addressed indices
func (e *SearchEngine) Search(ctx context.Context, req driven.SearchRequest) (*driven.SearchResult, error) {
	expr := req.Query
	if expr == nil {
		expr = query.All{}
	}
	var hits []driven.Hit
	err := e.db.View(func(tx *bolt.Tx) error {
		seen := make(map[string]bool, len(req.Indices))
		for _, target := range req.Indices {
			m, err := loadMeta(tx, target)
			if err != nil {
				return err
			}
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			found, err := scan(ctx, tx, m, expr, req.WithScores)
			if err != nil {
				return err
			}
			hits = append(hits, found...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortHits(hits, req.Sort)
	total := len(hits)
	if len(req.SearchAfter) > 0 && len(req.Sort) > 0 {
		hits = after(hits, req.Sort, req.SearchAfter)
	}

	if req.Scroll > 0 {
		size := req.Limit
		if size <= 0 {
			size = defaultPageSize
		}
		id := uuid.NewString()
		cursor := &scrollCursor{hits: hits, size: size, total: total, fields: req.Fields}
		page := e.nextPage(cursor, req.Scroll)
		e.mu.Lock()
		e.purgeExpiredLocked()
		e.scrolls[id] = cursor
		e.mu.Unlock()
		return &driven.SearchResult{Hits: page, Total: total, ScrollID: id}, nil
	}

	if req.Limit < len(hits) {
		hits = hits[:max(req.Limit, 0)]
	}
	return &driven.SearchResult{Hits: project(hits, req.Fields), Total: total}, nil
}

// Scroll returns the next page of an open cursor and renews it
func (e *SearchEngine) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*driven.SearchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeExpiredLocked()
	cursor, ok := e.scrolls[scrollID]
	if !ok {
		return nil, fmt.Errorf("scroll %s: %w", scrollID, domain.ErrNotFound)
	}
	if keepAlive <= 0 {
		keepAlive = query.DefaultScrollKeepAlive
	}
	page := e.nextPage(cursor, keepAlive)
	return &driven.SearchResult{Hits: page, Total: cursor.total, ScrollID: scrollID}, nil
}

// ClearScroll releases a cursor
func (e *SearchEngine) ClearScroll(ctx context.Context, scrollID string) error {
	e.mu.Lock()
	delete(e.scrolls, scrollID)
	e.mu.Unlock()
	return nil
}

// HealthCheck verifies the bolt file is open
func (e *SearchEngine) HealthCheck(ctx context.Context) error {
	return e.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDocs) == nil {
			return fmt.Errorf("bolt file is not initialized")
		}
		return nil
	})
}

func (e *SearchEngine) nextPage(c *scrollCursor, keepAlive time.Duration) []driven.Hit {
	n := min(c.size, len(c.hits))
	page := c.hits[:n]
	c.hits = c.hits[n:]
	c.expires = e.now().Add(keepAlive)
	return project(page, c.fields)
}

func (e *SearchEngine) purgeExpiredLocked() {
	now := e.now()
	for id, c := range e.scrolls {
		if now.After(c.expires) {
			delete(e.scrolls, id)
		}
	}
}

// resolve maps an alias or index name to an index name
func resolve(tx *bolt.Tx, name string) (string, error) {
	if v := tx.Bucket(bucketAliases).Get([]byte(name)); v != nil {
		return string(v), nil
	}
	if tx.Bucket(bucketIndexMeta).Get([]byte(name)) != nil {
		return name, nil
	}
	return "", fmt.Errorf("index %s: %w", name, domain.ErrNotFound)
}

func loadMeta(tx *bolt.Tx, name string) (*indexMeta, error) {
	index, err := resolve(tx, name)
	if err != nil {
		return nil, err
	}
	var m indexMeta
	if err := decode(tx.Bucket(bucketIndexMeta).Get([]byte(index)), &m); err != nil {
		return nil, fmt.Errorf("decode index meta %s: %w", index, err)
	}
	return &m, nil
}

func scan(ctx context.Context, tx *bolt.Tx, m *indexMeta, expr query.Expr, withScores bool) ([]driven.Hit, error) {
	docs := tx.Bucket(bucketDocs).Bucket([]byte(m.Name))
	if docs == nil {
		return nil, fmt.Errorf("index %s has no document bucket", m.Name)
	}
	ev := newEvaluator(m.Schema)
	var (
		hits []driven.Hit
		errs error
		n    int
	)
	c := docs.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		doc, err := decodeDoc(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("decode %s/%s: %w", m.Name, k, err))
			continue
		}
		ok, score, err := ev.eval(expr, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !withScores {
			score = 0
		}
		hits = append(hits, driven.Hit{Index: m.Name, Key: string(k), Source: doc, Score: score})
	}
	if errs != nil {
		return nil, errs
	}
	return hits, nil
}

func project(hits []driven.Hit, fields []string) []driven.Hit {
	if len(fields) == 0 {
		return hits
	}
	out := make([]driven.Hit, len(hits))
	for i, h := range hits {
		src := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := h.Source[f]; ok {
				src[f] = v
			}
		}
		h.Source = src
		out[i] = h
	}
	return out
}

// sortHits orders hits and fills Hit.Sort. Without a sort specification hits
// are ordered by score, then by key.
func sortHits(hits []driven.Hit, spec []query.SortField) {
	for i := range hits {
		if len(spec) == 0 {
			continue
		}
		values := make([]any, len(spec))
		for j, s := range spec {
			values[j] = sortValue(hits[i], s)
		}
		hits[i].Sort = values
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if len(spec) == 0 {
			if hits[a].Score != hits[b].Score {
				return hits[a].Score > hits[b].Score
			}
			if hits[a].Index != hits[b].Index {
				return hits[a].Index < hits[b].Index
			}
			return hits[a].Key < hits[b].Key
		}
		if c := compareSort(hits[a].Sort, hits[b].Sort, spec); c != 0 {
			return c < 0
		}
		if hits[a].Index != hits[b].Index {
			return hits[a].Index < hits[b].Index
		}
		return hits[a].Key < hits[b].Key
	})
}

func after(hits []driven.Hit, spec []query.SortField, values []any) []driven.Hit {
	i := sort.Search(len(hits), func(i int) bool {
		return compareSort(hits[i].Sort, values, spec) > 0
	})
	return hits[i:]
}

func sortValue(h driven.Hit, s query.SortField) any {
	if s.Field == query.SortScore {
		return h.Score
	}
	name, _, _ := strings.Cut(s.Field, ".")
	if domain.IsEnvelopeField(s.Field) {
		name = s.Field
	}
	var picked any
	for _, v := range domain.Values(h.Source[name]) {
		if picked == nil {
			picked = v
			continue
		}
		c, ok := compareValues(v, picked)
		if ok && ((s.Order == query.Asc && c < 0) || (s.Order == query.Desc && c > 0)) {
			picked = v
		}
	}
	return picked
}

// compareSort compares sort tuples; missing values sort last in both directions
func compareSort(a, b []any, spec []query.SortField) int {
	for i, s := range spec {
		var av, bv any
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil:
			return 1
		case bv == nil:
			return -1
		}
		c, ok := compareValues(av, bv)
		if !ok {
			c = strings.Compare(fmt.Sprintf("%T", av), fmt.Sprintf("%T", bv))
		}
		if s.Order == query.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
