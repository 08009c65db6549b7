package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
	"github.com/custodia-labs/termstore/internal/core/query"
	"github.com/custodia-labs/termstore/internal/metrics"
)

// Verify interface compliance
var _ driving.MigrationService = (*Migrator)(nil)

// Migrator implements driving.MigrationService.
//
// A migration copies every revision of a type into the next index generation
// while commits continue against the active one. The write fence is closed
// briefly to record the head of every branch. The copy then runs unfenced.
// With the fence closed again, revisions created or stamped after the
// recorded head of their branch are copied once more and the alias is swapped.
type Migrator struct {
	engine      driven.SearchEngine
	branches    driven.BranchStore
	registry    *Registry
	locker      *Locker
	fence       *WriteFence
	prefix      string
	batchSize   int
	limiter     *rate.Limiter
	parallelism int
	lockTimeout time.Duration
	logger      *slog.Logger
}

// MigratorConfig holds configuration for the migrator.
type MigratorConfig struct {
	Engine      driven.SearchEngine
	Branches    driven.BranchStore
	Registry    *Registry
	Locker      *Locker
	IndexPrefix string
	BatchSize   int     // revisions per bulk request, default 500
	RateLimit   float64 // revisions copied per second, 0 for unlimited
	Parallelism int     // types migrated at once by MigrateAll, default 2
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(cfg MigratorConfig) *Migrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 2
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), batch)
	}
	return &Migrator{
		engine:      cfg.Engine,
		branches:    cfg.Branches,
		registry:    cfg.Registry,
		locker:      cfg.Locker,
		fence:       NewWriteFence(cfg.Locker, cfg.Branches, cfg.LockTimeout),
		prefix:      prefix,
		batchSize:   batch,
		limiter:     limiter,
		parallelism: parallelism,
		lockTimeout: cfg.LockTimeout,
		logger:      logger.With("component", "migrator"),
	}
}

// Plan compares the declared schema of a type with its active generation
func (m *Migrator) Plan(ctx context.Context, docType string) (*domain.MigrationPlan, error) {
	declared, err := m.registry.SchemaOf(docType)
	if err != nil {
		return nil, err
	}
	alias := IndexAlias(m.prefix, docType)
	next, err := m.nextGeneration(ctx, docType)
	if err != nil {
		return nil, err
	}
	plan := &domain.MigrationPlan{
		Type:         docType,
		Declared:     declared,
		ToGeneration: next,
		ToIndex:      GenerationIndex(m.prefix, docType, next),
	}

	from, err := m.engine.ResolveAlias(ctx, alias)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return plan, nil
	case err != nil:
		return nil, engineError("resolve alias "+alias, err)
	}
	stored, err := m.engine.IndexSchema(ctx, from)
	if err != nil {
		return nil, engineError("read schema of "+from, err)
	}
	plan.FromIndex = from
	plan.FromGeneration, _ = ParseGeneration(m.prefix, docType, from)
	plan.Stored = stored
	plan.Changes = domain.Diff(*stored, declared)
	return plan, nil
}

// nextGeneration is one past the highest generation that exists for the type
func (m *Migrator) nextGeneration(ctx context.Context, docType string) (int, error) {
	names, err := m.engine.ListIndices(ctx, IndexAlias(m.prefix, docType)+"-g")
	if err != nil {
		return 0, engineError("list indices", err)
	}
	highest := 0
	for _, name := range names {
		if gen, ok := ParseGeneration(m.prefix, docType, name); ok && gen > highest {
			highest = gen
		}
	}
	return highest + 1, nil
}

// Apply builds the generation a plan describes and makes it active
func (m *Migrator) Apply(ctx context.Context, plan *domain.MigrationPlan) (*domain.MigrationResult, error) {
	if plan == nil || plan.Type == "" {
		return nil, fmt.Errorf("%w: empty migration plan", domain.ErrValidation)
	}
	res := &domain.MigrationResult{Type: plan.Type}
	if plan.IsNoop() {
		res.Noop = true
		res.Index = plan.FromIndex
		res.Generation = plan.FromGeneration
		return res, nil
	}

	alias := IndexAlias(m.prefix, plan.Type)
	if err := m.engine.CreateIndex(ctx, plan.ToIndex, plan.Declared); err != nil {
		return nil, engineError("create index "+plan.ToIndex, err)
	}
	res.Index = plan.ToIndex
	res.Generation = plan.ToGeneration

	if plan.IsInitial() {
		if err := m.engine.SwapAlias(ctx, alias, "", plan.ToIndex); err != nil {
			m.discard(plan.ToIndex)
			return nil, engineError("add alias "+alias, err)
		}
		m.logger.Info("index created", "type", plan.Type, "index", plan.ToIndex)
		return res, nil
	}

	for _, c := range plan.Changes {
		m.logger.Info("schema change", "type", plan.Type, "change", c.String())
	}

	marks, err := m.marks(ctx)
	if err != nil {
		m.discard(plan.ToIndex)
		return nil, err
	}
	copied, err := m.copyAll(ctx, plan)
	if err != nil {
		m.discard(plan.ToIndex)
		return nil, err
	}
	res.Copied = copied
	metrics.MigrationDocuments.WithLabelValues(plan.Type, "copy").Add(float64(copied))

	release, _, err := m.fence.Close(ctx)
	if err != nil {
		m.discard(plan.ToIndex)
		return nil, err
	}
	caught, err := m.catchUp(ctx, plan, marks)
	if err == nil {
		err = m.engine.SwapAlias(ctx, alias, plan.FromIndex, plan.ToIndex)
		if err != nil {
			err = engineError("swap alias "+alias, err)
		}
	}
	release()
	if err != nil {
		m.discard(plan.ToIndex)
		return nil, err
	}
	res.CaughtUp = caught
	metrics.MigrationDocuments.WithLabelValues(plan.Type, "catch_up").Add(float64(caught))

	if err := m.engine.DeleteIndex(ctx, plan.FromIndex); err != nil {
		m.logger.Warn("failed to delete retired index", "index", plan.FromIndex, "error", err)
	} else {
		res.RetiredIndex = plan.FromIndex
	}
	m.logger.Info("index migrated",
		"type", plan.Type,
		"from", plan.FromIndex,
		"to", plan.ToIndex,
		"copied", res.Copied,
		"caught_up", res.CaughtUp)
	return res, nil
}

// marks records the head of every branch with no commit in flight. Every
// later commit writes revisions created or stamped after the mark of its branch.
func (m *Migrator) marks(ctx context.Context) (map[string]int64, error) {
	release, heads, err := m.fence.Close(ctx)
	if err != nil {
		return nil, err
	}
	release()
	return heads, nil
}

// copyAll copies every revision of the active generation
func (m *Migrator) copyAll(ctx context.Context, plan *domain.MigrationPlan) (int, error) {
	removed := plan.RemovedFields()
	batch := make([]driven.BulkOp, 0, m.batchSize)
	copied := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.limiter != nil {
			if err := m.limiter.WaitN(ctx, len(batch)); err != nil {
				return err
			}
		}
		if err := m.engine.Bulk(ctx, plan.ToIndex, batch); err != nil {
			return engineError("copy into "+plan.ToIndex, err)
		}
		copied += len(batch)
		batch = batch[:0]
		return nil
	}
	err := scanIndices(ctx, m.engine, []string{plan.FromIndex}, query.All{}, nil, m.batchSize, func(h driven.Hit) error {
		batch = append(batch, driven.BulkOp{Key: h.Key, Doc: strip(h.Source, removed)})
		if len(batch) >= m.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	return copied, err
}

// catchUp re-copies what changed after marks. Runs with the fence closed.
func (m *Migrator) catchUp(ctx context.Context, plan *domain.MigrationPlan, marks map[string]int64) (int, error) {
	changed := changedSince(marks)
	keys := make(map[string]bool)
	collectKeys := func(index string, expr query.Expr) error {
		return scanIndices(ctx, m.engine, []string{index}, expr, []string{domain.EnvKey}, m.batchSize, func(h driven.Hit) error {
			keys[h.Key] = true
			return nil
		})
	}
	// copies whose stamp was since rolled back or whose revision was removed
	// show up only in the new generation
	if err := collectKeys(plan.FromIndex, changed); err != nil {
		return 0, err
	}
	if err := collectKeys(plan.ToIndex, changed); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	removed := plan.RemovedFields()
	found := make(map[string]bool, len(list))
	var ops []driven.BulkOp
	for start := 0; start < len(list); start += m.batchSize {
		end := min(start+m.batchSize, len(list))
		expr := query.StringTerms(domain.EnvKey, list[start:end])
		err := scanIndices(ctx, m.engine, []string{plan.FromIndex}, expr, nil, m.batchSize, func(h driven.Hit) error {
			found[h.Key] = true
			ops = append(ops, driven.BulkOp{Key: h.Key, Doc: strip(h.Source, removed)})
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	for _, k := range list {
		if !found[k] {
			ops = append(ops, driven.BulkOp{Key: k, Delete: true})
		}
	}
	for start := 0; start < len(ops); start += m.batchSize {
		end := min(start+m.batchSize, len(ops))
		if err := m.engine.Bulk(ctx, plan.ToIndex, ops[start:end]); err != nil {
			return 0, engineError("catch up "+plan.ToIndex, err)
		}
	}
	return len(ops), nil
}

// changedSince selects revisions created or stamped after the mark of their
// branch, and every revision of a branch created after the marks were taken.
func changedSince(marks map[string]int64) query.Expr {
	paths := make([]string, 0, len(marks))
	for p := range marks {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	alts := make([]query.Expr, 0, len(paths)+1)
	for _, p := range paths {
		alts = append(alts, query.Bool{Filter: []query.Expr{
			query.Exact(domain.EnvBranch, p),
			query.Or(
				query.RangeOf(domain.EnvCreated).GreaterThan(marks[p]),
				query.RangeOf(domain.EnvRevised).GreaterThan(marks[p]).LessThan(domain.Open),
			),
		}})
	}
	alts = append(alts, query.Not(query.StringTerms(domain.EnvBranch, paths)))
	return query.Or(alts...)
}

func strip(doc map[string]any, removed []string) map[string]any {
	if len(removed) == 0 {
		return doc
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, f := range removed {
		delete(out, f)
	}
	return out
}

// discard drops a half-built generation, even after cancellation
func (m *Migrator) discard(index string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.engine.DeleteIndex(ctx, index); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("failed to delete abandoned index", "index", index, "error", err)
	}
}

// Migrate plans and applies one type under its migration lock
func (m *Migrator) Migrate(ctx context.Context, docType string) (*domain.MigrationResult, error) {
	start := time.Now()
	unlock := m.registry.TypeLock(docType)
	defer unlock()
	release, err := m.locker.Acquire(ctx, MigrationResource+docType, m.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	plan, err := m.Plan(ctx, docType)
	if err != nil {
		return nil, err
	}
	res, err := m.Apply(ctx, plan)
	if err != nil {
		m.logger.Error("migration failed", "type", docType, "to", plan.ToIndex, "error", err)
		return nil, err
	}
	metrics.MigrationDuration.WithLabelValues(docType).Observe(time.Since(start).Seconds())
	return res, nil
}

// MigrateAll migrates every registered type
func (m *Migrator) MigrateAll(ctx context.Context) ([]*domain.MigrationResult, error) {
	schemas := m.registry.AllRegisteredTypes()
	results := make([]*domain.MigrationResult, len(schemas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for i, s := range schemas {
		i, s := i, s
		g.Go(func() error {
			res, err := m.Migrate(gctx, s.Type)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", s.Type, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
