package driving

import (
	"context"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// MergeService replays changes between a branch and its parent
type MergeService interface {
	// Merge applies the changes of req.Source since the last merge point onto
	// req.Target. Conflicts are returned as *domain.MergeConflictError and
	// nothing is written.
	Merge(ctx context.Context, req MergeRequest) (*domain.CommitResult, error)
}

// MergeRequest represents a request to merge two branches
type MergeRequest struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	UserID  string `json:"user_id"`
	Comment string `json:"comment"`

	// Squash writes one commit on the target instead of one per source commit
	Squash bool `json:"squash"`
}
