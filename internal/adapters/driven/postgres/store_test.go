package postgres

import (
	"context"
	"errors"
	"hash/fnv"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// fakeRow scans a fixed list of values in order
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r[i].(string)
		case *int64:
			*p = r[i].(int64)
		case *[]byte:
			*p = r[i].([]byte)
		case interface{ Scan(any) error }:
			if err := p.Scan(r[i]); err != nil {
				return err
			}
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestHashLockName(t *testing.T) {
	a := hashLockName("branch:MAIN")
	assert.Equal(t, a, hashLockName("branch:MAIN"))
	assert.NotEqual(t, a, hashLockName("branch:MAIN/task"))

	h := fnv.New64a()
	h.Write([]byte("branch:MAIN"))
	assert.NotEqual(t, int64(h.Sum64()), a, "lock keys are namespaced")
}

func TestScanBranch(t *testing.T) {
	b, err := scanBranch(fakeRow{"MAIN/task", "MAIN", int64(10), int64(12), "ACTIVE", []byte(`{"owner":"alice"}`), int64(5)})
	require.NoError(t, err)
	assert.Equal(t, &domain.Branch{
		Path:      "MAIN/task",
		Parent:    "MAIN",
		Base:      10,
		Head:      12,
		State:     domain.BranchActive,
		Metadata:  map[string]string{"owner": "alice"},
		CreatedAt: 5,
	}, b)

	main, err := scanBranch(fakeRow{"MAIN", nil, int64(0), int64(3), "ACTIVE", []byte(`{}`), int64(1)})
	require.NoError(t, err)
	assert.Empty(t, main.Parent)
	assert.Nil(t, main.Metadata)
}

func TestScanCommit(t *testing.T) {
	c, err := scanCommit(fakeRow{"c1", "MAIN", "alice", "promote", int64(20),
		[]byte(`[{"type":"Concept","id":"100","op":"update"}]`), "MAIN/task", int64(18)})
	require.NoError(t, err)
	assert.Equal(t, "MAIN/task", c.MergeSource)
	assert.True(t, c.IsMerge())
	assert.Equal(t, int64(18), c.MergeSourceHead)
	require.Len(t, c.Changes, 1)
	assert.Equal(t, domain.ChangeUpdate, c.Changes[0].Op)

	_, err = scanCommit(fakeRow{"c2", "MAIN", "", "", int64(21), []byte(`not json`), nil, int64(0)})
	assert.Error(t, err)
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "c.id, c.branch, c.ts", prefixed("c.", "id, branch, ts"))
}

func TestUniqueViolation(t *testing.T) {
	assert.True(t, uniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, uniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, uniqueViolation(errors.New("boom")))
	assert.False(t, uniqueViolation(nil))
}

func TestNullString(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.Equal(t, "MAIN", NullString("MAIN").String)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), DefaultConfig(""))
	assert.Error(t, err)
}
