package services

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
)

func TestTransaction_AddAndRead(t *testing.T) {
	h := newHarness(t)
	res, err := h.txs.Run(h.ctx, domain.MainPath, "alice", "add concept", func(tx driving.Transaction) error {
		return tx.Add(h.ctx, concept("100", true))
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MainPath, res.BranchPath)
	assert.Equal(t, 1, res.AffectedCount)
	require.Len(t, res.CommitIDs, 1)

	rev := h.read(t, domain.MainPath, "Concept", "100")
	require.NotNil(t, rev)
	assert.Equal(t, res.HeadTimestamp, rev.Created)
	assert.Equal(t, domain.Open, rev.Revised)
	assert.Equal(t, res.CommitIDs[0], rev.CommitID)
	assert.Equal(t, "100", rev.Fields["id"])

	b, err := h.branch.Get(h.ctx, domain.MainPath)
	require.NoError(t, err)
	assert.Equal(t, res.HeadTimestamp, b.Head)

	c, err := h.commits.Get(h.ctx, res.CommitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Author)
	assert.Equal(t, "add concept", c.Comment)
	assert.Equal(t, []domain.Change{{Type: "Concept", ID: "100", Op: domain.ChangeAdd}}, c.Changes)
}

func TestTransaction_AddExistingIdentifier(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true))

	tx, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
	require.NoError(t, err)
	defer tx.Abort()
	err = tx.Add(h.ctx, concept("100", false))
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
}

func TestTransaction_SchemaViolations(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		doc  domain.Document
		want error
	}{
		{"undeclared field", domain.NewDocument("Concept", "1", map[string]any{"colour": "red"}), domain.ErrSchemaViolation},
		{"wrong kind", domain.NewDocument("Concept", "1", map[string]any{"active": "yes"}), domain.ErrSchemaViolation},
		{"missing required", domain.NewDocument("Description", "d1", map[string]any{"term": "Heart"}), domain.ErrSchemaViolation},
		{"identifier mismatch", domain.NewDocument("Concept", "1", map[string]any{"id": "2"}), domain.ErrSchemaViolation},
		{"missing identifier", domain.NewDocument("Concept", "", nil), domain.ErrSchemaViolation},
		{"unknown type", domain.NewDocument("Relationship", "r1", nil), domain.ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
			require.NoError(t, err)
			defer tx.Abort()
			assert.ErrorIs(t, tx.Add(h.ctx, tt.doc), tt.want)
		})
	}
}

func TestTransaction_StagedTwice(t *testing.T) {
	h := newHarness(t)
	tx, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
	require.NoError(t, err)
	defer tx.Abort()
	require.NoError(t, tx.Add(h.ctx, concept("100", true)))
	assert.ErrorIs(t, tx.Add(h.ctx, concept("100", false)), domain.ErrSchemaViolation)
}

func TestTransaction_StaleWrite(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true))
	old := h.read(t, domain.MainPath, "Concept", "100")

	tx1, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
	require.NoError(t, err)
	tx2, err := h.txs.Open(h.ctx, domain.MainPath, "bob")
	require.NoError(t, err)

	require.NoError(t, tx1.Update(h.ctx, *old, concept("100", false)))
	_, err = tx1.Commit(h.ctx, "first")
	require.NoError(t, err)

	require.NoError(t, tx2.Update(h.ctx, *old, domain.NewDocument("Concept", "100", map[string]any{"moduleId": "other"})))
	_, err = tx2.Commit(h.ctx, "second")
	require.ErrorIs(t, err, domain.ErrStaleWrite)
	var stale *domain.StaleWriteError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, []string{"100"}, stale.IDs)
	assert.Equal(t, domain.MainPath, stale.Branch)

	rev := h.read(t, domain.MainPath, "Concept", "100")
	assert.Equal(t, false, rev.Fields["active"])
}

func TestTransaction_DisjointConcurrentCommits(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true), concept("200", true))
	old100 := h.read(t, domain.MainPath, "Concept", "100")
	old200 := h.read(t, domain.MainPath, "Concept", "200")

	tx1, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
	require.NoError(t, err)
	tx2, err := h.txs.Open(h.ctx, domain.MainPath, "bob")
	require.NoError(t, err)
	require.NoError(t, tx1.Update(h.ctx, *old100, concept("100", false)))
	require.NoError(t, tx2.Update(h.ctx, *old200, concept("200", false)))

	r1, err := tx1.Commit(h.ctx, "first")
	require.NoError(t, err)
	r2, err := tx2.Commit(h.ctx, "second")
	require.NoError(t, err)
	assert.Greater(t, r2.HeadTimestamp, r1.HeadTimestamp)

	assert.Equal(t, false, h.read(t, domain.MainPath, "Concept", "100").Fields["active"])
	assert.Equal(t, false, h.read(t, domain.MainPath, "Concept", "200").Fields["active"])
}

func TestTransaction_AtomicOnBulkFailure(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true))
	before, err := h.branch.Get(h.ctx, domain.MainPath)
	require.NoError(t, err)

	var failures atomic.Int32
	h.engine.SetBulkFn(func(index string, ops []driven.BulkOp) error {
		if index == IndexAlias(testPrefix, "Description") && failures.Add(1) == 1 {
			return errors.New("disk full")
		}
		return nil
	})

	old := h.read(t, domain.MainPath, "Concept", "100")
	_, err = h.txs.Run(h.ctx, domain.MainPath, "alice", "both types", func(tx driving.Transaction) error {
		if err := tx.Update(h.ctx, *old, concept("100", false)); err != nil {
			return err
		}
		return tx.Add(h.ctx, description("d1", "100", "Heart"))
	})
	require.ErrorIs(t, err, domain.ErrStorage)

	after, err := h.branch.Get(h.ctx, domain.MainPath)
	require.NoError(t, err)
	assert.Equal(t, before.Head, after.Head)

	rev := h.read(t, domain.MainPath, "Concept", "100")
	require.NotNil(t, rev)
	assert.Equal(t, true, rev.Fields["active"])
	assert.Equal(t, domain.Open, rev.Revised)
	assert.Nil(t, h.read(t, domain.MainPath, "Description", "d1"))

	// nothing half written lingers in the history either
	revs := readRange(t, h, domain.RevisionRange{
		From: domain.BranchRef{Path: domain.MainPath, Timestamp: before.Head},
		To:   domain.BranchRef{Path: domain.MainPath, Timestamp: before.Head + 60_000},
	})
	assert.Empty(t, revs)

	h.engine.SetBulkFn(nil)
	h.update(t, domain.MainPath, concept("100", false))
}

func TestTransaction_NextCommitSweepsFailedWrites(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true))

	// the description write fails and so does undoing the concept write
	h.engine.SetBulkFn(func(index string, ops []driven.BulkOp) error {
		if index == IndexAlias(testPrefix, "Description") {
			return errors.New("disk full")
		}
		if index == IndexAlias(testPrefix, "Concept") && len(ops) > 0 && ops[0].Delete {
			return errors.New("connection reset")
		}
		return nil
	})
	old := h.read(t, domain.MainPath, "Concept", "100")
	_, err := h.txs.Run(h.ctx, domain.MainPath, "alice", "both types", func(tx driving.Transaction) error {
		if err := tx.Update(h.ctx, *old, concept("100", false)); err != nil {
			return err
		}
		return tx.Add(h.ctx, description("d1", "100", "Heart"))
	})
	require.ErrorIs(t, err, domain.ErrStorage)
	h.engine.SetBulkFn(nil)

	head := h.add(t, domain.MainPath, concept("999", true))

	rev := h.read(t, domain.MainPath, "Concept", "100")
	require.NotNil(t, rev)
	assert.Equal(t, true, rev.Fields["active"])
	assert.Equal(t, domain.Open, rev.Revised)
	assert.NotNil(t, h.read(t, domain.MainPath, "Concept", "999"))
	assert.Nil(t, h.read(t, domain.MainPath, "Description", "d1"))

	revs := readRange(t, h, domain.RevisionRange{
		From: domain.BranchRef{Path: domain.MainPath, Timestamp: old.Created},
		To:   domain.BranchRef{Path: domain.MainPath, Timestamp: head},
	})
	require.Len(t, revs, 1)
	assert.Equal(t, "999", revs[0].ID)
}

func TestTransaction_DeleteMissing(t *testing.T) {
	h := newHarness(t)
	tx, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
	require.NoError(t, err)
	defer tx.Abort()
	assert.ErrorIs(t, tx.Delete(h.ctx, "Concept", "404"), domain.ErrNotFound)
}

func TestTransaction_DeleteWritesTombstone(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true))
	ts := h.remove(t, domain.MainPath, "Concept", "100")

	assert.Nil(t, h.read(t, domain.MainPath, "Concept", "100"))
	revs := readRange(t, h, domain.RevisionRange{
		From: domain.BranchRef{Path: domain.MainPath, Timestamp: ts - 1},
		To:   domain.BranchRef{Path: domain.MainPath},
	})
	require.Len(t, revs, 1)
	assert.True(t, revs[0].Deleted)
	assert.Equal(t, revs[0].Created, revs[0].Revised)
	assert.Equal(t, true, revs[0].Fields["active"])

	// the identifier is free again
	h.add(t, domain.MainPath, concept("100", false))
	assert.Equal(t, false, h.read(t, domain.MainPath, "Concept", "100").Fields["active"])
}

func TestTransaction_ClosedAfterCommit(t *testing.T) {
	h := newHarness(t)
	tx, err := h.txs.Open(h.ctx, domain.MainPath, "alice")
	require.NoError(t, err)
	require.NoError(t, tx.Add(h.ctx, concept("100", true)))
	_, err = tx.Commit(h.ctx, "")
	require.NoError(t, err)

	assert.ErrorIs(t, tx.Add(h.ctx, concept("200", true)), domain.ErrTransactionClosed)
	_, err = tx.Commit(h.ctx, "")
	assert.ErrorIs(t, err, domain.ErrTransactionClosed)
	tx.Abort()
}

func TestTransaction_EmptyCommit(t *testing.T) {
	h := newHarness(t)
	head := h.add(t, domain.MainPath, concept("100", true))
	res, err := h.txs.Run(h.ctx, domain.MainPath, "alice", "nothing", func(tx driving.Transaction) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, head, res.HeadTimestamp)
	assert.Empty(t, res.CommitIDs)
	assert.Zero(t, res.AffectedCount)
}

func TestTransaction_RunAbortsOnError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	_, err := h.txs.Run(h.ctx, domain.MainPath, "alice", "", func(tx driving.Transaction) error {
		if err := tx.Add(h.ctx, concept("100", true)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, h.read(t, domain.MainPath, "Concept", "100"))
}

func TestTransaction_LockTimeout(t *testing.T) {
	h := newHarness(t)
	h.txs.lockTimeout = 20 * time.Millisecond
	h.lock.Hold(BranchResource+domain.MainPath, time.Minute)

	_, err := h.txs.Run(h.ctx, domain.MainPath, "alice", "", func(tx driving.Transaction) error {
		return tx.Add(h.ctx, concept("100", true))
	})
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
}

func TestTransaction_StaleAfterRebase(t *testing.T) {
	h := newHarness(t)
	h.add(t, domain.MainPath, concept("100", true))
	task := h.createBranch(t, domain.MainPath, "task")
	mainHead := h.add(t, domain.MainPath, concept("200", true))

	tx, err := h.txs.Open(h.ctx, task, "alice")
	require.NoError(t, err)
	require.NoError(t, tx.Add(h.ctx, concept("300", true)))

	_, err = h.branch.Rebase(h.ctx, task, mainHead)
	require.NoError(t, err)

	_, err = tx.Commit(h.ctx, "")
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
}

func TestTransaction_ClosedBranch(t *testing.T) {
	h := newHarness(t)
	task := h.createBranch(t, domain.MainPath, "task")
	require.NoError(t, h.branch.Delete(h.ctx, task))

	_, err := h.txs.Open(h.ctx, task, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPrepareDocument(t *testing.T) {
	doc, err := PrepareDocument(descriptionSchema(), domain.NewDocument("Description", "d1", map[string]any{
		"conceptId":    "100",
		"term":         "Heart",
		"languageCode": nil,
	}))
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.Fields["id"])
	assert.NotContains(t, doc.Fields, "languageCode")
}
