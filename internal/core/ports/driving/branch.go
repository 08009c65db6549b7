package driving

import (
	"context"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// BranchService manages the branch tree
type BranchService interface {
	// Create branches name off parent at the parent's current head
	Create(ctx context.Context, parent, name string, metadata map[string]string) (*domain.Branch, error)

	// Get retrieves an active branch
	Get(ctx context.Context, path string) (*domain.Branch, error)

	// Children retrieves the active children of a branch
	Children(ctx context.Context, path string) ([]*domain.Branch, error)

	// Ancestors returns the parents of a branch, nearest first, ending at MAIN
	Ancestors(ctx context.Context, path string) ([]*domain.Branch, error)

	// List retrieves every branch, deleted ones included
	List(ctx context.Context) ([]*domain.Branch, error)

	// Rebase moves the base of a branch to a later parent timestamp
	Rebase(ctx context.Context, path string, newBase int64) (*domain.Branch, error)

	// Delete tombstones a branch without active children
	Delete(ctx context.Context, path string) error
}
