package driven

import (
	"context"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// CommitStore is the append-only commit log. Appending a commit is the point
// at which its revisions become visible: the branch head advances in the same
// atomic step.
type CommitStore interface {
	// Append records a commit and moves the branch head to commit.Timestamp.
	// Returns domain.ErrConflict if the branch head is no longer expectedHead.
	Append(ctx context.Context, commit *domain.Commit, expectedHead int64) error

	// List returns the commits of a branch with from < timestamp <= to, oldest first
	List(ctx context.Context, branch string, from, to int64) ([]*domain.Commit, error)

	// Get retrieves a commit by ID
	Get(ctx context.Context, id string) (*domain.Commit, error)

	// LastMerge returns the latest merge commit on target whose source was
	// source, or domain.ErrNotFound if the pair was never merged.
	LastMerge(ctx context.Context, source, target string) (*domain.Commit, error)
}
