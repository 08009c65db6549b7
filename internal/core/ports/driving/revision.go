package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// RevisionIndex is the read surface over documents scoped by branch and time.
// Every read is pinned to one branch timestamp taken when it starts.
type RevisionIndex interface {
	// Read returns the revision of a document visible on the branch head
	Read(ctx context.Context, branch, docType, id string) (*domain.Revision, error)

	// ReadAt returns the revision visible on the branch at timestamp
	ReadAt(ctx context.Context, branch, docType, id string, timestamp int64) (*domain.Revision, error)

	// Query runs q against a branch reference ("path" or "path@millis")
	Query(ctx context.Context, ref string, q query.Query) (*domain.Page, error)

	// Scroll fetches the next page of a scroll query and renews its keep-alive
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*domain.Page, error)

	// ClearScroll releases a scroll cursor before it expires
	ClearScroll(ctx context.Context, scrollID string) error

	// ReadRange yields the revisions of docType committed in (From, To], oldest first.
	// Returns domain.ErrInvalidRange if To precedes From.
	ReadRange(ctx context.Context, rng domain.RevisionRange, docType string) (RevisionIterator, error)
}

// RevisionIterator walks a revision range page by page.
//
//	it, err := index.ReadRange(ctx, rng, "Concept")
//	defer it.Close()
//	for it.Next(ctx) {
//		rev := it.Revision()
//	}
//	if err := it.Err(); err != nil { ... }
type RevisionIterator interface {
	Next(ctx context.Context) bool
	Revision() domain.Revision
	Err() error
	Close() error
}
