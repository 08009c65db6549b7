package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/adapters/driven/boltdb"
	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
)

const testPrefix = "ts"

func conceptSchema() domain.Schema {
	return domain.NewSchema("Concept", "id",
		domain.BooleanField("active"),
		domain.KeywordField("moduleId"),
		domain.KeywordField("definitionStatusId"),
		domain.LongField("effectiveTime"),
	)
}

func descriptionSchema() domain.Schema {
	return domain.NewSchema("Description", "id",
		domain.KeywordField("conceptId").AsRequired(),
		domain.TextField("term").WithAlias("exact", domain.AnalyzerLowercase),
		domain.BooleanField("active"),
		domain.KeywordField("languageCode"),
	).WithParent("Concept", "conceptId")
}

// harness wires every service over a temporary bolt database
type harness struct {
	ctx      context.Context
	engine   *mocks.MockSearchEngine
	branches *boltdb.BranchStore
	commits  *boltdb.CommitStore
	lock     *mocks.MockDistributedLock
	registry *Registry
	clock    *Clock
	locker   *Locker
	index    *RevisionIndex
	txs      *TransactionManager
	branch   *BranchService
	merges   *MergeService
	migrator *Migrator
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, schemas ...domain.Schema) *harness {
	t.Helper()
	if len(schemas) == 0 {
		schemas = []domain.Schema{conceptSchema(), descriptionSchema()}
	}
	h, db, err := buildHarness(t.TempDir(), schemas...)
	if db != nil {
		t.Cleanup(func() { db.Close() })
	}
	require.NoError(t, err)
	return h
}

// buildHarness wires the services over a bolt file in dir, registers schemas
// and migrates them. The caller closes the returned database.
func buildHarness(dir string, schemas ...domain.Schema) (*harness, *boltdb.DB, error) {
	db, err := boltdb.Open(boltdb.DefaultConfig(dir))
	if err != nil {
		return nil, nil, err
	}

	logger := quietLogger()
	h := &harness{
		ctx:      context.Background(),
		engine:   mocks.NewMockSearchEngine(boltdb.NewSearchEngine(db)),
		branches: boltdb.NewBranchStore(db),
		commits:  boltdb.NewCommitStore(db),
		lock:     mocks.NewMockDistributedLock(),
		registry: NewRegistry(logger),
		clock:    NewClock(nil),
	}
	h.locker = NewLocker(LockerConfig{Lock: h.lock, Logger: logger, PollInterval: time.Millisecond, Timeout: time.Second})
	h.index = NewRevisionIndex(RevisionIndexConfig{
		Engine:      h.engine,
		Branches:    h.branches,
		Registry:    h.registry,
		IndexPrefix: testPrefix,
		PageSize:    7,
		Logger:      logger,
	})
	h.txs = NewTransactionManager(TransactionManagerConfig{
		Index:    h.index,
		Engine:   h.engine,
		Branches: h.branches,
		Commits:  h.commits,
		Registry: h.registry,
		Locker:   h.locker,
		Clock:    h.clock,
		Logger:   logger,
	})
	h.branch = NewBranchService(BranchServiceConfig{
		Store:   h.branches,
		Commits: h.commits,
		Locker:  h.locker,
		Clock:   h.clock,
		Logger:  logger,
	})
	h.merges = NewMergeService(MergeServiceConfig{
		Index:        h.index,
		Transactions: h.txs,
		Commits:      h.commits,
		Registry:     h.registry,
		Locker:       h.locker,
		Logger:       logger,
	})
	h.migrator = NewMigrator(MigratorConfig{
		Engine:      h.engine,
		Branches:    h.branches,
		Registry:    h.registry,
		Locker:      h.locker,
		IndexPrefix: testPrefix,
		BatchSize:   5,
		Logger:      logger,
	})

	for _, s := range schemas {
		if _, err := h.registry.Register(s); err != nil {
			return nil, db, err
		}
	}
	if _, err := h.migrator.MigrateAll(h.ctx); err != nil {
		return nil, db, err
	}
	if _, err := h.branch.EnsureMain(h.ctx); err != nil {
		return nil, db, err
	}
	return h, db, nil
}

func concept(id string, active bool) domain.Document {
	return domain.NewDocument("Concept", id, map[string]any{"active": active, "moduleId": "900000000000207008"})
}

func description(id, conceptID, term string) domain.Document {
	return domain.NewDocument("Description", id, map[string]any{"conceptId": conceptID, "term": term, "active": true})
}

// commit writes docs on branch in one transaction and returns the new head
func (h *harness) commit(t *testing.T, branch string, fn func(tx driving.Transaction) error) int64 {
	t.Helper()
	res, err := h.txs.Run(h.ctx, branch, "tester", "test commit", fn)
	require.NoError(t, err)
	return res.HeadTimestamp
}

func (h *harness) add(t *testing.T, branch string, docs ...domain.Document) int64 {
	t.Helper()
	return h.commit(t, branch, func(tx driving.Transaction) error {
		for _, d := range docs {
			if err := tx.Add(h.ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *harness) update(t *testing.T, branch string, doc domain.Document) int64 {
	t.Helper()
	old := h.read(t, branch, doc.Type, doc.ID)
	require.NotNil(t, old)
	return h.commit(t, branch, func(tx driving.Transaction) error {
		return tx.Update(h.ctx, *old, doc)
	})
}

func (h *harness) remove(t *testing.T, branch, docType, id string) int64 {
	t.Helper()
	return h.commit(t, branch, func(tx driving.Transaction) error {
		return tx.Delete(h.ctx, docType, id)
	})
}

// read returns the visible revision or nil
func (h *harness) read(t *testing.T, branch, docType, id string) *domain.Revision {
	t.Helper()
	rev, err := h.index.Read(h.ctx, branch, docType, id)
	if err != nil {
		require.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}
	return rev
}

func (h *harness) createBranch(t *testing.T, parent, name string) string {
	t.Helper()
	b, err := h.branch.Create(h.ctx, parent, name, nil)
	require.NoError(t, err)
	return b.Path
}
