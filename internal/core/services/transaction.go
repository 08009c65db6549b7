package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
	"github.com/custodia-labs/termstore/internal/core/query"
	"github.com/custodia-labs/termstore/internal/metrics"
)

// Verify interface compliance
var (
	_ driving.TransactionManager = (*TransactionManager)(nil)
	_ driving.Transaction        = (*transaction)(nil)
)

// TransactionManager implements driving.TransactionManager.
//
// A commit runs under the branch lock. It first removes whatever an earlier
// failed commit left on the branch, then stamps the superseded revisions,
// bulk-writes the new ones and finally appends the commit record, which
// advances the branch head. Until that append nothing the commit wrote is
// visible: new revisions are created after the current head and stamps close
// intervals after it too.
type TransactionManager struct {
	index       *RevisionIndex
	engine      driven.SearchEngine
	branches    driven.BranchStore
	commits     driven.CommitStore
	registry    driving.Registry
	locker      *Locker
	clock       *Clock
	lockTimeout time.Duration
	logger      *slog.Logger
}

// TransactionManagerConfig holds configuration for the transaction manager.
type TransactionManagerConfig struct {
	Index       *RevisionIndex
	Engine      driven.SearchEngine
	Branches    driven.BranchStore
	Commits     driven.CommitStore
	Registry    driving.Registry
	Locker      *Locker
	Clock       *Clock
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(cfg TransactionManagerConfig) *TransactionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock(nil)
	}
	return &TransactionManager{
		index:       cfg.Index,
		engine:      cfg.Engine,
		branches:    cfg.Branches,
		commits:     cfg.Commits,
		registry:    cfg.Registry,
		locker:      cfg.Locker,
		clock:       clock,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
	}
}

// Open starts a transaction on an active branch
func (m *TransactionManager) Open(ctx context.Context, branch, author string) (driving.Transaction, error) {
	return m.open(ctx, branch, author)
}

func (m *TransactionManager) open(ctx context.Context, branch, author string) (*transaction, error) {
	snap, err := m.index.snapshot(ctx, branch, atHead)
	if err != nil {
		return nil, err
	}
	return m.begin(snap, author), nil
}

// begin starts a transaction reading snap. Commits made on the branch since
// then to the documents it touches make it stale.
func (m *TransactionManager) begin(snap *snapshot, author string) *transaction {
	return &transaction{
		m:       m,
		snap:    snap,
		author:  author,
		changes: make(map[stageKey]*stagedChange),
	}
}

// Run opens a transaction, calls fn and commits when fn succeeds
func (m *TransactionManager) Run(ctx context.Context, branch, author, comment string, fn func(tx driving.Transaction) error) (*domain.CommitResult, error) {
	tx, err := m.open(ctx, branch, author)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()
	if err := fn(tx); err != nil {
		return nil, err
	}
	return tx.Commit(ctx, comment)
}

type txState int

const (
	txOpen txState = iota
	txCommitted
	txAborted
)

type stageKey struct {
	docType string
	id      string
}

// stageMode says how a staged change is checked against the head at commit
type stageMode int

const (
	modeExact  stageMode = iota // the visible revision must still be expect
	modeUpsert                  // update whatever is visible, add otherwise
	modeRemove                  // delete when visible, skip otherwise
)

type stagedChange struct {
	op     domain.ChangeOp
	mode   stageMode
	doc    domain.Document
	expect string
}

// commitMeta carries merge bookkeeping into the commit record
type commitMeta struct {
	mergeSource     string
	mergeSourceHead int64
	// commits of the same merge, whose writes do not make this one stale
	earlier         []string
}

type transaction struct {
	m      *TransactionManager
	snap   *snapshot
	author string

	mu      sync.Mutex
	state   txState
	changes map[stageKey]*stagedChange
	order   []stageKey
}

func (tx *transaction) Branch() string { return tx.snap.branch.Path }

func (tx *transaction) OpenedAt() int64 { return tx.snap.at }

func (tx *transaction) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == txOpen {
		tx.state = txAborted
		tx.changes = nil
		tx.order = nil
	}
}

// stage records a change; callers hold tx.mu
func (tx *transaction) stage(k stageKey, c *stagedChange) error {
	if _, dup := tx.changes[k]; dup {
		return &domain.SchemaViolationError{Type: k.docType, ID: k.id, Reason: "document staged twice in one transaction"}
	}
	tx.changes[k] = c
	tx.order = append(tx.order, k)
	return nil
}

func (tx *transaction) checkOpen() error {
	if tx.state != txOpen {
		return domain.ErrTransactionClosed
	}
	return nil
}

// Add stages a new document
func (tx *transaction) Add(ctx context.Context, doc domain.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	doc, err := tx.prepare(doc)
	if err != nil {
		return err
	}
	k := stageKey{doc.Type, doc.ID}
	if _, dup := tx.changes[k]; dup {
		return tx.stage(k, nil)
	}
	found, err := tx.m.index.visible(ctx, tx.snap, doc.Type, []string{doc.ID})
	if err != nil {
		return err
	}
	if _, exists := found[doc.ID]; exists {
		return &domain.SchemaViolationError{Type: doc.Type, ID: doc.ID, Reason: "identifier already in use on " + tx.Branch()}
	}
	return tx.stage(k, &stagedChange{op: domain.ChangeAdd, mode: modeExact, doc: doc})
}

// Update stages a new state for the document old was read from
func (tx *transaction) Update(ctx context.Context, old domain.Revision, doc domain.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if old.Type != doc.Type || old.ID != doc.ID {
		return &domain.SchemaViolationError{Type: doc.Type, ID: doc.ID,
			Reason: fmt.Sprintf("update of %s %s cannot change identity", old.Type, old.ID)}
	}
	if old.Deleted {
		return &domain.SchemaViolationError{Type: doc.Type, ID: doc.ID, Reason: "cannot update a deleted revision"}
	}
	doc, err := tx.prepare(doc)
	if err != nil {
		return err
	}
	return tx.stage(stageKey{doc.Type, doc.ID}, &stagedChange{op: domain.ChangeUpdate, mode: modeExact, doc: doc, expect: old.Key()})
}

// Delete stages the removal of a visible document
func (tx *transaction) Delete(ctx context.Context, docType, id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if _, err := tx.m.registry.SchemaOf(docType); err != nil {
		return err
	}
	k := stageKey{docType, id}
	if _, dup := tx.changes[k]; dup {
		return tx.stage(k, nil)
	}
	found, err := tx.m.index.visible(ctx, tx.snap, docType, []string{id})
	if err != nil {
		return err
	}
	rev, ok := found[id]
	if !ok {
		return fmt.Errorf("%s %s on %s: %w", docType, id, tx.Branch(), domain.ErrNotFound)
	}
	return tx.stage(k, &stagedChange{op: domain.ChangeDelete, mode: modeExact, doc: rev.Document(), expect: rev.Key()})
}

// put stages doc as an add or an update depending on what is visible at commit
func (tx *transaction) put(doc domain.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	doc, err := tx.prepare(doc)
	if err != nil {
		return err
	}
	return tx.stage(stageKey{doc.Type, doc.ID}, &stagedChange{op: domain.ChangeUpdate, mode: modeUpsert, doc: doc})
}

// remove stages a deletion that is skipped when nothing is visible at commit
func (tx *transaction) remove(docType, id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	return tx.stage(stageKey{docType, id}, &stagedChange{op: domain.ChangeDelete, mode: modeRemove, doc: domain.NewDocument(docType, id, nil)})
}

// prepare normalizes a document against its declared schema
func (tx *transaction) prepare(doc domain.Document) (domain.Document, error) {
	schema, err := tx.m.registry.SchemaOf(doc.Type)
	if err != nil {
		return domain.Document{}, err
	}
	return PrepareDocument(schema, doc)
}

// PrepareDocument normalizes field values and checks them against schema.
// The identifier field is filled from doc.ID when absent.
func PrepareDocument(schema domain.Schema, doc domain.Document) (domain.Document, error) {
	violation := func(format string, args ...any) error {
		return &domain.SchemaViolationError{Type: doc.Type, ID: doc.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if doc.ID == "" {
		return domain.Document{}, violation("missing identifier")
	}
	fields := make(map[string]any, len(doc.Fields)+1)
	for name, v := range doc.Fields {
		f, ok := schema.Field(name)
		if !ok {
			return domain.Document{}, violation("undeclared field %q", name)
		}
		n, err := domain.NormalizeValue(v)
		if err != nil {
			return domain.Document{}, violation("field %q: %v", name, err)
		}
		if len(domain.Values(n)) == 0 {
			continue
		}
		if err := domain.CheckValue(f, n); err != nil {
			return domain.Document{}, violation("%v", err)
		}
		fields[name] = n
	}
	if v, ok := fields[schema.IDField]; ok {
		if v != doc.ID {
			return domain.Document{}, violation("identifier field %s holds %v", schema.IDField, v)
		}
	} else {
		fields[schema.IDField] = doc.ID
	}
	for _, f := range schema.Fields {
		if _, ok := fields[f.Name]; f.Required && !ok {
			return domain.Document{}, violation("required field %q is missing", f.Name)
		}
	}
	return domain.Document{Type: doc.Type, ID: doc.ID, Fields: fields}, nil
}

// Commit writes every staged change under one timestamp
func (tx *transaction) Commit(ctx context.Context, comment string) (*domain.CommitResult, error) {
	return tx.commitWith(ctx, comment, commitMeta{})
}

func (tx *transaction) commitWith(ctx context.Context, comment string, meta commitMeta) (*domain.CommitResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	tx.state = txCommitted

	start := time.Now()
	res, err := tx.commit(ctx, comment, meta)
	metrics.CommitsTotal.WithLabelValues(metrics.Result(err)).Inc()
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	return res, err
}

// byType groups the staged keys per document type, both sorted
func (tx *transaction) byType() ([]string, map[string][]string) {
	ids := make(map[string][]string)
	for _, k := range tx.order {
		ids[k.docType] = append(ids[k.docType], k.id)
	}
	types := make([]string, 0, len(ids))
	for t := range ids {
		types = append(types, t)
		sort.Strings(ids[t])
	}
	sort.Strings(types)
	return types, ids
}

// written tracks what a commit put into the engine so it can be undone
type written struct {
	newKeys map[string][]string
	stamped map[string][]domain.Revision
}

func (tx *transaction) commit(ctx context.Context, comment string, meta commitMeta) (*domain.CommitResult, error) {
	m := tx.m
	path := tx.Branch()
	if len(tx.order) == 0 {
		b, err := m.index.snapshot(ctx, path, atHead)
		if err != nil {
			return nil, err
		}
		return &domain.CommitResult{BranchPath: path, HeadTimestamp: b.at}, nil
	}

	release, err := m.locker.Acquire(ctx, BranchResource+path, m.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	types, ids := tx.byType()
	head, err := m.index.snapshot(ctx, path, atHead)
	if err != nil {
		return nil, err
	}
	hc := head.at
	if err := m.sweep(ctx, path, hc); err != nil {
		return nil, err
	}
	if hc != tx.snap.at || head.branch.Base != tx.snap.branch.Base {
		stale, err := tx.staleIDs(ctx, head, types, ids, meta.earlier)
		if err != nil {
			return nil, err
		}
		if len(stale) > 0 {
			return nil, &domain.StaleWriteError{Branch: path, OpenedAt: tx.snap.at, HeadAt: hc, IDs: stale}
		}
	}

	current := make(map[string]map[string]domain.Revision, len(types))
	for _, t := range types {
		if current[t], err = m.index.visible(ctx, head, t, ids[t]); err != nil {
			return nil, err
		}
	}

	tNew := m.clock.Next(hc)
	commitID := uuid.NewString()
	ops := make(map[string][]driven.BulkOp, len(types))
	w := written{newKeys: make(map[string][]string), stamped: make(map[string][]domain.Revision)}
	var (
		changes []domain.Change
		stale   []string
	)
	for _, t := range types {
		for _, id := range ids[t] {
			c := tx.changes[stageKey{t, id}]
			cur, visible := current[t][id]
			op := c.op
			switch c.mode {
			case modeExact:
				if (c.op == domain.ChangeAdd && visible) || (c.op != domain.ChangeAdd && (!visible || cur.Key() != c.expect)) {
					stale = append(stale, id)
					continue
				}
			case modeUpsert:
				if !visible {
					op = domain.ChangeAdd
				}
			case modeRemove:
				if !visible {
					continue
				}
			}

			if visible && cur.Branch == path {
				closed := cur
				closed.Revised = tNew
				ops[t] = append(ops[t], driven.BulkOp{Key: closed.Key(), Doc: closed.Stored()})
				w.stamped[t] = append(w.stamped[t], cur)
			}
			rev := domain.Revision{
				Type:     t,
				ID:       id,
				Branch:   path,
				Created:  tNew,
				Revised:  domain.Open,
				CommitID: commitID,
				Fields:   c.doc.Fields,
			}
			if op == domain.ChangeDelete {
				rev.Revised = tNew
				rev.Deleted = true
				rev.Fields = cur.Fields
			}
			ops[t] = append(ops[t], driven.BulkOp{Key: rev.Key(), Doc: rev.Stored()})
			w.newKeys[t] = append(w.newKeys[t], rev.Key())
			changes = append(changes, domain.Change{Type: t, ID: id, Op: op})
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		return nil, &domain.StaleWriteError{Branch: path, OpenedAt: tx.snap.at, HeadAt: hc, IDs: stale}
	}
	if len(changes) == 0 {
		return &domain.CommitResult{BranchPath: path, HeadTimestamp: hc}, nil
	}

	for _, t := range types {
		if len(ops[t]) == 0 {
			continue
		}
		if err := m.engine.Bulk(ctx, IndexAlias(m.index.prefix, t), ops[t]); err != nil {
			return nil, tx.fail(ctx, "write revisions", err, w)
		}
	}

	commit := &domain.Commit{
		ID:              commitID,
		Branch:          path,
		Author:          tx.author,
		Comment:         comment,
		Timestamp:       tNew,
		Changes:         changes,
		MergeSource:     meta.mergeSource,
		MergeSourceHead: meta.mergeSourceHead,
	}
	if err := m.commits.Append(ctx, commit, hc); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			err = &domain.StaleWriteError{Branch: path, OpenedAt: tx.snap.at, HeadAt: hc, IDs: touched(changes)}
		}
		return nil, tx.fail(ctx, "append commit", err, w)
	}

	metrics.CommitDocuments.Observe(float64(len(changes)))
	m.logger.Info("commit applied",
		"branch", path,
		"commit_id", commitID,
		"commit_ts", tNew,
		"documents", len(changes),
		"merge_source", meta.mergeSource)
	return &domain.CommitResult{
		BranchPath:    path,
		HeadTimestamp: tNew,
		AffectedCount: len(changes),
		CommitIDs:     []string{commitID},
	}, nil
}

func touched(changes []domain.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ID
	}
	sort.Strings(out)
	return out
}

// staleIDs returns the touched documents another commit changed since open,
// leaving out the writes of the commits in skip. A moved base changes what
// the branch inherits, so every document is stale.
func (tx *transaction) staleIDs(ctx context.Context, head *snapshot, types []string, ids map[string][]string, skip []string) ([]string, error) {
	if head.branch.Base != tx.snap.branch.Base {
		var all []string
		for _, t := range types {
			all = append(all, ids[t]...)
		}
		sort.Strings(all)
		return all, nil
	}
	seen := make(map[string]bool)
	for _, t := range types {
		expr := query.Bool{Filter: []query.Expr{
			query.Exact(domain.EnvBranch, tx.Branch()),
			query.RangeOf(domain.EnvCreated).GreaterThan(tx.snap.at).AtMost(head.at),
			query.StringTerms(domain.EnvDocID, ids[t]),
		}}
		if len(skip) > 0 {
			expr.MustNot = []query.Expr{query.StringTerms(domain.EnvCommit, skip)}
		}
		err := tx.m.index.scan(ctx, []string{IndexAlias(tx.m.index.prefix, t)}, expr, []string{domain.EnvDocID}, func(h driven.Hit) error {
			if id, ok := h.Source[domain.EnvDocID].(string); ok {
				seen[id] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// sweep removes what failed commits left on a branch after its head hc:
// revisions they created and the stamps they put on older revisions. Such
// leftovers remain when compensation fails or the process dies before the
// append, and would become visible once the head moved past them.
func (m *TransactionManager) sweep(ctx context.Context, path string, hc int64) error {
	expr := query.Bool{Filter: []query.Expr{
		query.Exact(domain.EnvBranch, path),
		query.Or(
			query.RangeOf(domain.EnvCreated).GreaterThan(hc),
			query.RangeOf(domain.EnvRevised).GreaterThan(hc).LessThan(domain.Open),
		),
	}}
	for _, schema := range m.registry.AllRegisteredTypes() {
		alias := IndexAlias(m.index.prefix, schema.Type)
		var ops []driven.BulkOp
		err := m.index.scan(ctx, []string{alias}, expr, nil, func(h driven.Hit) error {
			rev, err := domain.RevisionFromStored(schema.Type, h.Source)
			if err != nil {
				return err
			}
			if rev.Created > hc {
				ops = append(ops, driven.BulkOp{Key: h.Key, Delete: true})
				return nil
			}
			rev.Revised = domain.Open
			ops = append(ops, driven.BulkOp{Key: h.Key, Doc: rev.Stored()})
			return nil
		})
		switch {
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			return err
		case len(ops) == 0:
			continue
		}
		m.logger.Warn("removing writes of a failed commit",
			"branch", path,
			"type", schema.Type,
			"head", hc,
			"revisions", len(ops))
		if err := m.engine.Bulk(ctx, alias, ops); err != nil {
			return engineError("sweep "+alias, err)
		}
	}
	return nil
}

// fail undoes the engine writes of a failed commit and reports the failure
func (tx *transaction) fail(ctx context.Context, op string, cause error, w written) error {
	var errs error
	undo := context.WithoutCancel(ctx)
	for t, keys := range w.newKeys {
		ops := make([]driven.BulkOp, 0, len(keys)+len(w.stamped[t]))
		for _, k := range keys {
			ops = append(ops, driven.BulkOp{Key: k, Delete: true})
		}
		for _, rev := range w.stamped[t] {
			rev.Revised = domain.Open
			ops = append(ops, driven.BulkOp{Key: rev.Key(), Doc: rev.Stored()})
		}
		if err := tx.m.engine.Bulk(undo, IndexAlias(tx.m.index.prefix, t), ops); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("compensate %s: %w", t, err))
		}
	}
	if errs != nil {
		tx.m.logger.Error("commit compensation failed", "branch", tx.Branch(), "error", errs)
		cause = multierror.Append(cause, errs)
	}
	var stale *domain.StaleWriteError
	if errors.As(cause, &stale) && errs == nil {
		return cause
	}
	return domain.NewStorageError(op+" on "+tx.Branch(), cause)
}
