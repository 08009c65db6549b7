package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.CommitStore = (*CommitStore)(nil)

// CommitStore implements driven.CommitStore using PostgreSQL
type CommitStore struct {
	db *DB
}

// NewCommitStore creates a new CommitStore
func NewCommitStore(db *DB) *CommitStore {
	return &CommitStore{db: db}
}

const commitColumns = `id, branch, author, comment, ts, changes, merge_source, merge_source_head`

// Append records a commit and advances the branch head in one transaction.
// The branch row is locked so concurrent appends serialize on the head check.
func (s *CommitStore) Append(ctx context.Context, commit *domain.Commit, expectedHead int64) error {
	changes, err := json.Marshal(commit.Changes)
	if err != nil {
		return err
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var head int64
		err := tx.QueryRowContext(ctx, `SELECT head FROM branches WHERE path = $1 FOR UPDATE`, commit.Branch).Scan(&head)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("branch %s: %w", commit.Branch, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if head != expectedHead {
			return fmt.Errorf("branch %s head moved from %d to %d: %w", commit.Branch, expectedHead, head, domain.ErrConflict)
		}
		if commit.Timestamp <= head {
			return fmt.Errorf("commit timestamp %d does not advance head %d: %w", commit.Timestamp, head, domain.ErrConflict)
		}

		insert := `
			INSERT INTO commits (` + commitColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err = tx.ExecContext(ctx, insert,
			commit.ID,
			commit.Branch,
			commit.Author,
			commit.Comment,
			commit.Timestamp,
			changes,
			NullString(commit.MergeSource),
			commit.MergeSourceHead,
		)
		if uniqueViolation(err) {
			return fmt.Errorf("commit %s: %w", commit.ID, domain.ErrAlreadyExists)
		}
		if err != nil {
			return err
		}

		if commit.IsMerge() {
			upsert := `
				INSERT INTO merges (source, target, commit_id) VALUES ($1, $2, $3)
				ON CONFLICT (source, target) DO UPDATE SET commit_id = EXCLUDED.commit_id
			`
			if _, err := tx.ExecContext(ctx, upsert, commit.MergeSource, commit.Branch, commit.ID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE branches SET head = $2 WHERE path = $1`, commit.Branch, commit.Timestamp)
		return err
	})
}

// List returns the commits of a branch with from < timestamp <= to
func (s *CommitStore) List(ctx context.Context, branch string, from, to int64) ([]*domain.Commit, error) {
	query := `
		SELECT ` + commitColumns + `
		FROM commits
		WHERE branch = $1 AND ts > $2 AND ts <= $3
		ORDER BY ts
	`
	rows, err := s.db.QueryContext(ctx, query, branch, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []*domain.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}

// Get retrieves a commit by ID
func (s *CommitStore) Get(ctx context.Context, id string) (*domain.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits WHERE id = $1`
	c, err := scanCommit(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commit %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

// LastMerge returns the latest merge commit from source into target
func (s *CommitStore) LastMerge(ctx context.Context, source, target string) (*domain.Commit, error) {
	query := `
		SELECT ` + prefixed("c.", commitColumns) + `
		FROM merges m JOIN commits c ON c.id = m.commit_id
		WHERE m.source = $1 AND m.target = $2
	`
	c, err := scanCommit(s.db.QueryRowContext(ctx, query, source, target))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merge %s -> %s: %w", source, target, domain.ErrNotFound)
	}
	return c, err
}

func scanCommit(row rowScanner) (*domain.Commit, error) {
	var c domain.Commit
	var changes []byte
	var mergeSource sql.NullString
	err := row.Scan(&c.ID, &c.Branch, &c.Author, &c.Comment, &c.Timestamp, &changes, &mergeSource, &c.MergeSourceHead)
	if err != nil {
		return nil, err
	}
	c.MergeSource = mergeSource.String
	if err := json.Unmarshal(changes, &c.Changes); err != nil {
		return nil, fmt.Errorf("decode changes of commit %s: %w", c.ID, err)
	}
	return &c, nil
}

// prefixed qualifies a comma separated column list with a table alias
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + c
	}
	return strings.Join(cols, ", ")
}
