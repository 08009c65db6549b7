package driven

import (
	"context"
	"strconv"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/query"
)

// SearchEngine is the physical document store: named index generations, an
// alias per document type pointing at the active generation, bulk writes and
// structural queries. Implementations: the embedded bolt engine and the
// Elasticsearch HTTP adapter.
type SearchEngine interface {
	// CreateIndex creates a physical index recording schema in its metadata.
	// Returns domain.ErrAlreadyExists if the index exists.
	CreateIndex(ctx context.Context, name string, schema domain.Schema) error

	// DeleteIndex removes a physical index. Returns domain.ErrNotFound if missing.
	DeleteIndex(ctx context.Context, name string) error

	// IndexSchema returns the schema recorded in an index (name may be an alias).
	IndexSchema(ctx context.Context, name string) (*domain.Schema, error)

	// ListIndices returns physical index names starting with prefix, sorted.
	ListIndices(ctx context.Context, prefix string) ([]string, error)

	// ResolveAlias returns the physical index behind alias, or domain.ErrNotFound.
	ResolveAlias(ctx context.Context, alias string) (string, error)

	// SwapAlias atomically points alias from one index to another. An empty
	// from adds the alias. Readers never observe the alias on zero or two indices.
	SwapAlias(ctx context.Context, alias, from, to string) error

	// Bulk applies writes to an index (name may be an alias). Writes are
	// visible to searches when Bulk returns. A partially failed bulk returns a
	// *BulkError listing the failed keys.
	Bulk(ctx context.Context, index string, ops []BulkOp) error

	// Search runs a structural query.
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)

	// Scroll fetches the next page of an open scroll and renews its keep-alive.
	// Returns domain.ErrNotFound once the cursor expired or was cleared.
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error)

	// ClearScroll releases a scroll cursor. Clearing an unknown cursor is not an error.
	ClearScroll(ctx context.Context, scrollID string) error

	// HealthCheck verifies the engine is available
	HealthCheck(ctx context.Context) error
}

// BulkOp is a single indexing or deletion request keyed by the revision key.
type BulkOp struct {
	Key    string
	Delete bool
	Doc    map[string]any
}

// BulkError reports the keys a bulk request failed to apply.
type BulkError struct {
	Failed map[string]string // key -> reason
}

func (e *BulkError) Error() string {
	return "bulk request failed for " + strconv.Itoa(len(e.Failed)) + " documents"
}

// SearchRequest is a query against one or more indices or aliases.
type SearchRequest struct {
	Indices     []string
	Query       query.Expr
	Sort        []query.SortField
	Limit       int
	SearchAfter []any
	Scroll      time.Duration
	Fields      []string
	WithScores  bool
}

// SearchResult is one page of hits.
type SearchResult struct {
	Hits     []Hit
	Total    int
	ScrollID string
}

// Hit is one matching document.
type Hit struct {
	Index  string
	Key    string
	Source map[string]any
	Score  float64
	Sort   []any
}
