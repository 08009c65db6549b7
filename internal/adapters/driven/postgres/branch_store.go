package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.BranchStore = (*BranchStore)(nil)

// BranchStore implements driven.BranchStore using PostgreSQL
type BranchStore struct {
	db *DB
}

// NewBranchStore creates a new BranchStore
func NewBranchStore(db *DB) *BranchStore {
	return &BranchStore{db: db}
}

const branchColumns = `path, parent, base, head, state, metadata, created_at`

// Create stores a new branch
func (s *BranchStore) Create(ctx context.Context, branch *domain.Branch) error {
	metadata, err := json.Marshal(nonNilMetadata(branch.Metadata))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO branches (` + branchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		branch.Path,
		NullString(branch.Parent),
		branch.Base,
		branch.Head,
		string(branch.State),
		metadata,
		branch.CreatedAt,
	)
	if uniqueViolation(err) {
		return fmt.Errorf("branch %s: %w", branch.Path, domain.ErrAlreadyExists)
	}
	return err
}

// Get retrieves a branch by path
func (s *BranchStore) Get(ctx context.Context, path string) (*domain.Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches WHERE path = $1`
	b, err := scanBranch(s.db.QueryRowContext(ctx, query, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("branch %s: %w", path, domain.ErrNotFound)
	}
	return b, err
}

// Children retrieves the direct children of a branch
func (s *BranchStore) Children(ctx context.Context, path string) ([]*domain.Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches WHERE parent = $1 ORDER BY path`
	return s.list(ctx, query, path)
}

// List retrieves every branch
func (s *BranchStore) List(ctx context.Context) ([]*domain.Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches ORDER BY path`
	return s.list(ctx, query)
}

func (s *BranchStore) list(ctx context.Context, query string, args ...any) ([]*domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []*domain.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

// UpdateBase moves the base of a branch and raises its head to at least the
// new base, provided the head is still expectedHead
func (s *BranchStore) UpdateBase(ctx context.Context, path string, base, expectedHead int64) error {
	query := `
		UPDATE branches SET base = $2, head = GREATEST(head, $2)
		WHERE path = $1 AND head = $3
	`
	res, err := s.db.ExecContext(ctx, query, path, base, expectedHead)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, path, func(b *domain.Branch) error {
		return fmt.Errorf("branch %s head moved from %d to %d: %w", path, expectedHead, b.Head, domain.ErrConflict)
	})
}

// SetState updates the lifecycle state
func (s *BranchStore) SetState(ctx context.Context, path string, state domain.BranchState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE branches SET state = $2 WHERE path = $1`, path, string(state))
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, path, nil)
}

// SetMetadata replaces the branch metadata
func (s *BranchStore) SetMetadata(ctx context.Context, path string, metadata map[string]string) error {
	raw, err := json.Marshal(nonNilMetadata(metadata))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE branches SET metadata = $2 WHERE path = $1`, path, raw)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, path, nil)
}

// checkUpdated distinguishes a missing branch from a failed precondition when
// an UPDATE touched no row
func (s *BranchStore) checkUpdated(ctx context.Context, res sql.Result, path string, onMismatch func(*domain.Branch) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	b, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	if onMismatch != nil {
		return onMismatch(b)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*domain.Branch, error) {
	var b domain.Branch
	var parent sql.NullString
	var state string
	var metadata []byte
	if err := row.Scan(&b.Path, &parent, &b.Base, &b.Head, &state, &metadata, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Parent = parent.String
	b.State = domain.BranchState(state)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", b.Path, err)
		}
	}
	if len(b.Metadata) == 0 {
		b.Metadata = nil
	}
	return &b, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
