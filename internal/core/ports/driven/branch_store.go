package driven

import (
	"context"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// BranchStore handles branch persistence (bolt or PostgreSQL)
type BranchStore interface {
	// Create stores a new branch.
	// Returns domain.ErrAlreadyExists if the path is taken.
	Create(ctx context.Context, branch *domain.Branch) error

	// Get retrieves a branch by path, including deleted ones.
	// Returns domain.ErrNotFound if the path was never created.
	Get(ctx context.Context, path string) (*domain.Branch, error)

	// Children retrieves the direct children of a branch, sorted by path
	Children(ctx context.Context, path string) ([]*domain.Branch, error)

	// List retrieves every branch, sorted by path
	List(ctx context.Context) ([]*domain.Branch, error)

	// UpdateBase moves the base of a branch and raises its head to at least
	// the new base. Returns domain.ErrConflict if the head is no longer expectedHead.
	UpdateBase(ctx context.Context, path string, base, expectedHead int64) error

	// SetState updates the lifecycle state
	SetState(ctx context.Context, path string, state domain.BranchState) error

	// SetMetadata replaces the free-form metadata of a branch
	SetMetadata(ctx context.Context, path string, metadata map[string]string) error
}
