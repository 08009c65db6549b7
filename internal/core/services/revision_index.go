package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// Verify interface compliance
var _ driving.RevisionIndex = (*RevisionIndex)(nil)

// atHead pins a snapshot to the branch head
const atHead int64 = -1

// tiebreak makes every sort total so searchAfter never skips or repeats hits
var tiebreak = []query.SortField{query.Ascending(domain.EnvType), query.Ascending(domain.EnvKey)}

// RevisionIndex implements driving.RevisionIndex over a SearchEngine.
//
// A read on branch P at timestamp T sees, for every segment (B, T_B) of the
// visibility chain of P, the revisions on B that were open at T_B, minus the
// documents a nearer segment already decided. T_B shrinks to the base of the
// child branch at each step towards MAIN.
type RevisionIndex struct {
	engine   driven.SearchEngine
	branches driven.BranchStore
	registry driving.Registry
	prefix   string
	pageSize int
	logger   *slog.Logger
}

// RevisionIndexConfig holds configuration for the revision index.
type RevisionIndexConfig struct {
	Engine      driven.SearchEngine
	Branches    driven.BranchStore
	Registry    driving.Registry
	IndexPrefix string
	PageSize    int // Engine page size for internal scans (default: 500)
	Logger      *slog.Logger
}

// NewRevisionIndex creates a revision index.
func NewRevisionIndex(cfg RevisionIndexConfig) *RevisionIndex {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &RevisionIndex{
		engine:   cfg.Engine,
		branches: cfg.Branches,
		registry: cfg.Registry,
		prefix:   prefix,
		pageSize: pageSize,
		logger:   logger,
	}
}

// segment is one element of a visibility chain: revisions on Branch open at At.
type segment struct {
	Branch string
	At     int64
}

// snapshot pins a read to one timestamp of one branch.
type snapshot struct {
	branch *domain.Branch
	at     int64
	chain  []segment
}

// snapshot resolves the visibility chain of an active branch. A negative at
// reads the head; later timestamps are clamped to the head.
func (s *RevisionIndex) snapshot(ctx context.Context, path string, at int64) (*snapshot, error) {
	b, err := s.branches.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !b.Active() {
		return nil, fmt.Errorf("branch %s is deleted: %w", path, domain.ErrNotFound)
	}
	ts := b.Head
	if at >= 0 && at < ts {
		ts = at
	}
	snap := &snapshot{branch: b, at: ts, chain: []segment{{Branch: b.Path, At: ts}}}
	for cur := b; cur.Parent != ""; {
		parent, err := s.branches.Get(ctx, cur.Parent)
		if err != nil {
			return nil, fmt.Errorf("resolve ancestor of %s: %w", cur.Path, err)
		}
		ts = min(ts, cur.Base)
		snap.chain = append(snap.chain, segment{Branch: parent.Path, At: ts})
		cur = parent
	}
	return snap, nil
}

func refTimestamp(ref domain.BranchRef) int64 {
	if ref.Timestamp == 0 {
		return atHead
	}
	return ref.Timestamp
}

// alias returns the alias of a registered type
func (s *RevisionIndex) alias(docType string) (string, error) {
	if _, err := s.registry.SchemaOf(docType); err != nil {
		return "", err
	}
	return IndexAlias(s.prefix, docType), nil
}

func (s *RevisionIndex) aliases(types []string) ([]string, error) {
	out := make([]string, len(types))
	for i, t := range types {
		a, err := s.alias(t)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// changedSets returns, for every chain position k, the identifiers (per type)
// with a revision on a nearer segment. Those documents are decided before k.
func (s *RevisionIndex) changedSets(ctx context.Context, snap *snapshot, indices []string, restrict query.Expr) ([]map[string][]string, error) {
	sets := make([]map[string][]string, len(snap.chain))
	acc := make(map[string]map[string]bool)
	for k := 1; k < len(snap.chain); k++ {
		seg := snap.chain[k-1]
		filter := []query.Expr{
			query.Exact(domain.EnvBranch, seg.Branch),
			query.RangeOf(domain.EnvCreated).AtMost(seg.At),
		}
		if restrict != nil {
			filter = append(filter, restrict)
		}
		err := s.scan(ctx, indices, query.Bool{Filter: filter}, []string{domain.EnvType, domain.EnvDocID}, func(h driven.Hit) error {
			t, _ := h.Source[domain.EnvType].(string)
			id, _ := h.Source[domain.EnvDocID].(string)
			if acc[t] == nil {
				acc[t] = make(map[string]bool)
			}
			acc[t][id] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		sets[k] = flatten(acc)
	}
	return sets, nil
}

func flatten(acc map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(acc))
	for t, ids := range acc {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[t] = list
	}
	return out
}

// excluded builds the MustNot clauses hiding already decided documents
func excluded(set map[string][]string) []query.Expr {
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	out := make([]query.Expr, 0, len(types))
	for _, t := range types {
		out = append(out, query.Bool{Filter: []query.Expr{
			query.Exact(domain.EnvType, t),
			query.StringTerms(domain.EnvDocID, set[t]),
		}})
	}
	return out
}

// visibility is the filter selecting the revisions a snapshot sees
func visibility(snap *snapshot, sets []map[string][]string) query.Expr {
	alts := make([]query.Expr, len(snap.chain))
	for k, seg := range snap.chain {
		alts[k] = query.Bool{
			Filter: []query.Expr{
				query.Exact(domain.EnvBranch, seg.Branch),
				query.RangeOf(domain.EnvCreated).AtMost(seg.At),
				query.RangeOf(domain.EnvRevised).GreaterThan(seg.At),
			},
			MustNot: excluded(sets[k]),
		}
	}
	if len(alts) == 1 {
		return alts[0]
	}
	return query.Or(alts...)
}

// scan pages through every hit of expr in sort order
func (s *RevisionIndex) scan(ctx context.Context, indices []string, expr query.Expr, fields []string, fn func(driven.Hit) error) error {
	return scanIndices(ctx, s.engine, indices, expr, fields, s.pageSize, fn)
}

// scanIndices pages through every hit of expr ordered by type and key
func scanIndices(ctx context.Context, engine driven.SearchEngine, indices []string, expr query.Expr, fields []string, pageSize int, fn func(driven.Hit) error) error {
	var after []any
	for {
		res, err := engine.Search(ctx, driven.SearchRequest{
			Indices:     indices,
			Query:       expr,
			Sort:        tiebreak,
			Limit:       pageSize,
			SearchAfter: after,
			Fields:      fields,
		})
		if err != nil {
			return engineError(fmt.Sprintf("scan %v", indices), err)
		}
		for _, h := range res.Hits {
			if err := fn(h); err != nil {
				return err
			}
		}
		if len(res.Hits) < pageSize {
			return nil
		}
		after = res.Hits[len(res.Hits)-1].Sort
	}
}

// visible returns the revisions of ids visible in the snapshot, keyed by id
func (s *RevisionIndex) visible(ctx context.Context, snap *snapshot, docType string, ids []string) (map[string]domain.Revision, error) {
	out := make(map[string]domain.Revision, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	alias, err := s.alias(docType)
	if err != nil {
		return nil, err
	}
	indices := []string{alias}
	restrict := query.StringTerms(domain.EnvDocID, ids)
	sets, err := s.changedSets(ctx, snap, indices, restrict)
	if err != nil {
		return nil, err
	}
	expr := query.Bool{Filter: []query.Expr{restrict, visibility(snap, sets)}}
	err = s.scan(ctx, indices, expr, nil, func(h driven.Hit) error {
		rev, err := domain.RevisionFromStored(docType, h.Source)
		if err != nil {
			return err
		}
		out[rev.ID] = rev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns the revision of a document visible on the branch head
func (s *RevisionIndex) Read(ctx context.Context, branch, docType, id string) (*domain.Revision, error) {
	return s.read(ctx, branch, docType, id, atHead)
}

// ReadAt returns the revision visible on the branch at timestamp
func (s *RevisionIndex) ReadAt(ctx context.Context, branch, docType, id string, timestamp int64) (*domain.Revision, error) {
	if timestamp <= 0 {
		return nil, fmt.Errorf("%w: timestamp must be positive", domain.ErrValidation)
	}
	return s.read(ctx, branch, docType, id, timestamp)
}

func (s *RevisionIndex) read(ctx context.Context, branch, docType, id string, at int64) (*domain.Revision, error) {
	defer observe("read", time.Now())
	snap, err := s.snapshot(ctx, branch, at)
	if err != nil {
		return nil, err
	}
	found, err := s.visible(ctx, snap, docType, []string{id})
	if err != nil {
		return nil, err
	}
	rev, ok := found[id]
	if !ok {
		return nil, fmt.Errorf("%s %s on %s: %w", docType, id, snap.branch.Path, domain.ErrNotFound)
	}
	return &rev, nil
}

// Query runs q against a branch reference
func (s *RevisionIndex) Query(ctx context.Context, ref string, q query.Query) (*domain.Page, error) {
	defer observe("query", time.Now())
	r, err := domain.ParseBranchRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Path == "" {
		return nil, fmt.Errorf("%w: query reference %q names no branch", domain.ErrValidation, ref)
	}
	snap, err := s.snapshot(ctx, r.Path, refTimestamp(r))
	if err != nil {
		return nil, err
	}
	return s.query(ctx, snap, q)
}

func (s *RevisionIndex) query(ctx context.Context, snap *snapshot, q query.Query) (*domain.Page, error) {
	from := q.From()
	indices, err := s.aliases(from)
	if err != nil {
		return nil, err
	}
	where, err := s.resolveExpr(ctx, snap, from, q.Where())
	if err != nil {
		return nil, err
	}
	sets, err := s.changedSets(ctx, snap, indices, nil)
	if err != nil {
		return nil, err
	}

	sortSpec := q.Sort()
	if len(sortSpec) == 0 && q.WithScores() {
		sortSpec = []query.SortField{query.ByScore()}
	}
	sortSpec = append(sortSpec, tiebreak...)

	req := driven.SearchRequest{
		Indices:     indices,
		Query:       query.Bool{Must: []query.Expr{where}, Filter: []query.Expr{visibility(snap, sets)}},
		Sort:        sortSpec,
		Limit:       q.Limit(),
		SearchAfter: q.SearchAfter(),
		Fields:      projection(q.Fields()),
		WithScores:  q.WithScores(),
	}
	if q.IsScroll() {
		req.Scroll = q.ScrollKeepAlive()
		if req.Limit == 0 {
			req.Limit = query.DefaultLimit
		}
	}
	res, err := s.engine.Search(ctx, req)
	if err != nil {
		return nil, engineError("query", err)
	}
	page, err := toPage(res, req.Limit)
	if err != nil {
		return nil, err
	}
	page.Timestamp = snap.at
	if !q.IsScroll() && req.Limit > 0 && len(res.Hits) == req.Limit {
		page.SearchAfter = query.EncodeSearchAfter(res.Hits[len(res.Hits)-1].Sort)
	}
	return page, nil
}

// projection adds the envelope to a field selection so hits stay revisions
func projection(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	out := append([]string(nil), fields...)
	for _, f := range domain.EnvelopeFields() {
		out = append(out, f.Name)
	}
	return out
}

func toPage(res *driven.SearchResult, limit int) (*domain.Page, error) {
	page := &domain.Page{
		Items:    make([]domain.Revision, 0, len(res.Hits)),
		ScrollID: res.ScrollID,
		Limit:    limit,
		Total:    res.Total,
	}
	for _, h := range res.Hits {
		rev, err := domain.RevisionFromStored("", h.Source)
		if err != nil {
			return nil, err
		}
		rev.Score = h.Score
		page.Items = append(page.Items, rev)
	}
	if len(res.Hits) == 0 {
		page.ScrollID = ""
	}
	return page, nil
}

// Scroll fetches the next page of a scroll query
func (s *RevisionIndex) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*domain.Page, error) {
	defer observe("scroll", time.Now())
	if keepAlive <= 0 {
		keepAlive = query.DefaultScrollKeepAlive
	}
	res, err := s.engine.Scroll(ctx, scrollID, keepAlive)
	if err != nil {
		return nil, engineError("scroll", err)
	}
	return toPage(res, len(res.Hits))
}

// ClearScroll releases a scroll cursor
func (s *RevisionIndex) ClearScroll(ctx context.Context, scrollID string) error {
	return engineError("clear scroll", s.engine.ClearScroll(ctx, scrollID))
}

// resolveExpr validates field paths against the searched types and replaces
// HasParent predicates by the identifiers of matching parents.
func (s *RevisionIndex) resolveExpr(ctx context.Context, snap *snapshot, from []string, e query.Expr) (query.Expr, error) {
	switch x := e.(type) {
	case query.Bool:
		out := x
		var err error
		if out.Must, err = s.resolveAll(ctx, snap, from, x.Must); err != nil {
			return nil, err
		}
		if out.Should, err = s.resolveAll(ctx, snap, from, x.Should); err != nil {
			return nil, err
		}
		if out.Filter, err = s.resolveAll(ctx, snap, from, x.Filter); err != nil {
			return nil, err
		}
		if out.MustNot, err = s.resolveAll(ctx, snap, from, x.MustNot); err != nil {
			return nil, err
		}
		return out, nil
	case query.HasParent:
		return s.resolveParent(ctx, snap, from, x)
	case query.Match:
		return e, s.checkPath(from, x.Field)
	case query.Term:
		return e, s.checkPath(from, x.Field)
	case query.Range:
		return e, s.checkPath(from, x.Field)
	case query.Exists:
		return e, s.checkPath(from, x.Field)
	}
	return e, nil
}

func (s *RevisionIndex) resolveAll(ctx context.Context, snap *snapshot, from []string, es []query.Expr) ([]query.Expr, error) {
	if es == nil {
		return nil, nil
	}
	out := make([]query.Expr, len(es))
	for i, e := range es {
		r, err := s.resolveExpr(ctx, snap, from, e)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (s *RevisionIndex) checkPath(from []string, path string) error {
	if domain.IsEnvelopeField(path) {
		return nil
	}
	for _, t := range from {
		schema, err := s.registry.SchemaOf(t)
		if err != nil {
			return err
		}
		if _, _, err := schema.ResolvePath(path); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no searched type has field %q", domain.ErrValidation, path)
}

func (s *RevisionIndex) resolveParent(ctx context.Context, snap *snapshot, from []string, x query.HasParent) (query.Expr, error) {
	type child struct{ docType, field string }
	var children []child
	for _, t := range from {
		schema, err := s.registry.SchemaOf(t)
		if err != nil {
			return nil, err
		}
		if schema.Parent != nil && schema.Parent.Type == x.ParentType {
			children = append(children, child{docType: t, field: schema.Parent.Field})
		}
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: no searched type has parent %s", domain.ErrValidation, x.ParentType)
	}

	inner, err := s.resolveExpr(ctx, snap, []string{x.ParentType}, x.Query)
	if err != nil {
		return nil, err
	}
	alias, err := s.alias(x.ParentType)
	if err != nil {
		return nil, err
	}
	indices := []string{alias}
	sets, err := s.changedSets(ctx, snap, indices, nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	expr := query.Bool{Must: []query.Expr{inner}, Filter: []query.Expr{visibility(snap, sets)}}
	err = s.scan(ctx, indices, expr, []string{domain.EnvDocID}, func(h driven.Hit) error {
		if id, ok := h.Source[domain.EnvDocID].(string); ok {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return query.None{}, nil
	}
	sort.Strings(ids)

	alts := make([]query.Expr, len(children))
	for i, c := range children {
		alts[i] = query.Bool{Filter: []query.Expr{
			query.Exact(domain.EnvType, c.docType),
			query.StringTerms(c.field, ids),
		}}
	}
	if len(alts) == 1 {
		return alts[0], nil
	}
	return query.Or(alts...), nil
}

// ReadRange yields the revisions of docType committed in (From, To]
func (s *RevisionIndex) ReadRange(ctx context.Context, rng domain.RevisionRange, docType string) (driving.RevisionIterator, error) {
	defer observe("read_range", time.Now())
	if rng.From.Path == "" || rng.To.Path == "" {
		return nil, fmt.Errorf("%w: range %s names no branch", domain.ErrValidation, rng)
	}
	if _, err := s.alias(docType); err != nil {
		return nil, err
	}
	to, err := s.snapshot(ctx, rng.To.Path, refTimestamp(rng.To))
	if err != nil {
		return nil, err
	}
	from := rng.From.Timestamp
	if from == 0 {
		fb, err := s.branches.Get(ctx, rng.From.Path)
		if err != nil {
			return nil, err
		}
		from = fb.Head
	}
	if to.at < from {
		return nil, fmt.Errorf("%w: %s ends at %d before it starts at %d", domain.ErrInvalidRange, rng, to.at, from)
	}
	return s.rangeFrom(ctx, to, from, docType)
}

// rangeFrom iterates the revisions of docType seen through the chain of to
// and created in (from, to.at], tombstones included.
func (s *RevisionIndex) rangeFrom(ctx context.Context, to *snapshot, from int64, docType string) (*rangeIterator, error) {
	alias, err := s.alias(docType)
	if err != nil {
		return nil, err
	}
	indices := []string{alias}
	sets, err := s.changedSets(ctx, to, indices, nil)
	if err != nil {
		return nil, err
	}
	alts := make([]query.Expr, 0, len(to.chain))
	for k, seg := range to.chain {
		if seg.At <= from {
			continue
		}
		alts = append(alts, query.Bool{
			Filter: []query.Expr{
				query.Exact(domain.EnvBranch, seg.Branch),
				query.RangeOf(domain.EnvCreated).GreaterThan(from).AtMost(seg.At),
			},
			MustNot: excluded(sets[k]),
		})
	}
	it := &rangeIterator{
		index:    s,
		indices:  indices,
		docType:  docType,
		pageSize: s.pageSize,
		sort:     append([]query.SortField{query.Ascending(domain.EnvCreated)}, tiebreak...),
	}
	switch len(alts) {
	case 0:
		it.done = true
	case 1:
		it.expr = alts[0]
	default:
		it.expr = query.Or(alts...)
	}
	return it, nil
}

// rangeIterator pages through a revision range with searchAfter
type rangeIterator struct {
	index    *RevisionIndex
	indices  []string
	docType  string
	expr     query.Expr
	sort     []query.SortField
	pageSize int

	after []any
	buf   []domain.Revision
	pos   int
	cur   domain.Revision
	done  bool
	err   error
}

func (it *rangeIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return false
		}
		if len(it.buf) == 0 {
			return false
		}
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

func (it *rangeIterator) fetch(ctx context.Context) error {
	res, err := it.index.engine.Search(ctx, driven.SearchRequest{
		Indices:     it.indices,
		Query:       it.expr,
		Sort:        it.sort,
		Limit:       it.pageSize,
		SearchAfter: it.after,
	})
	if err != nil {
		return engineError("read range", err)
	}
	it.buf = it.buf[:0]
	it.pos = 0
	for _, h := range res.Hits {
		rev, err := domain.RevisionFromStored(it.docType, h.Source)
		if err != nil {
			return err
		}
		it.buf = append(it.buf, rev)
	}
	if len(res.Hits) < it.pageSize {
		it.done = true
	} else {
		it.after = res.Hits[len(res.Hits)-1].Sort
	}
	return nil
}

func (it *rangeIterator) Revision() domain.Revision { return it.cur }

func (it *rangeIterator) Err() error { return it.err }

func (it *rangeIterator) Close() error {
	it.done = true
	it.buf = nil
	it.pos = 0
	return nil
}

// collect drains an iterator
func collect(ctx context.Context, it driving.RevisionIterator) ([]domain.Revision, error) {
	defer it.Close()
	var out []domain.Revision
	for it.Next(ctx) {
		out = append(out, it.Revision())
	}
	return out, it.Err()
}
