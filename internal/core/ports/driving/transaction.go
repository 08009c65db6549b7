package driving

import (
	"context"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// TransactionManager opens write transactions on branches
type TransactionManager interface {
	// Open starts a transaction on an active branch, remembering its head
	Open(ctx context.Context, branch, author string) (Transaction, error)

	// Run opens a transaction, calls fn and commits when fn succeeds.
	// The transaction is aborted when fn returns an error.
	Run(ctx context.Context, branch, author, comment string, fn func(tx Transaction) error) (*domain.CommitResult, error)
}

// Transaction stages document changes for one atomic commit.
// Staging never touches the store; nothing is visible before Commit returns.
type Transaction interface {
	// Branch returns the branch the transaction writes to
	Branch() string

	// OpenedAt returns the branch head when the transaction was opened
	OpenedAt() int64

	// Add stages a new document. The identifier must not be visible on the branch.
	Add(ctx context.Context, doc domain.Document) error

	// Update stages a new state for the document old was read from
	Update(ctx context.Context, old domain.Revision, doc domain.Document) error

	// Delete stages the removal of a visible document
	Delete(ctx context.Context, docType, id string) error

	// Commit writes every staged change under one timestamp
	Commit(ctx context.Context, comment string) (*domain.CommitResult, error)

	// Abort discards staged changes. It is safe to defer after Commit.
	Abort()
}
