package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// MockSearchEngine wraps a real SearchEngine and lets tests intercept calls.
// Hooks returning a nil error fall through to the wrapped engine.
type MockSearchEngine struct {
	driven.SearchEngine

	mu sync.Mutex

	// Custom behavior hooks (optional)
	BulkFn        func(index string, ops []driven.BulkOp) error
	SearchFn      func(req driven.SearchRequest) error
	CreateIndexFn func(name string) error
	SwapAliasFn   func(alias, from, to string) error

	// BulkCalls counts Bulk requests per index name as given by the caller
	BulkCalls map[string]int
}

// NewMockSearchEngine wraps engine
func NewMockSearchEngine(engine driven.SearchEngine) *MockSearchEngine {
	return &MockSearchEngine{
		SearchEngine: engine,
		BulkCalls:    make(map[string]int),
	}
}

func (m *MockSearchEngine) Bulk(ctx context.Context, index string, ops []driven.BulkOp) error {
	m.mu.Lock()
	m.BulkCalls[index]++
	fn := m.BulkFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(index, ops); err != nil {
			return err
		}
	}
	return m.SearchEngine.Bulk(ctx, index, ops)
}

func (m *MockSearchEngine) Search(ctx context.Context, req driven.SearchRequest) (*driven.SearchResult, error) {
	if m.SearchFn != nil {
		if err := m.SearchFn(req); err != nil {
			return nil, err
		}
	}
	return m.SearchEngine.Search(ctx, req)
}

func (m *MockSearchEngine) CreateIndex(ctx context.Context, name string, schema domain.Schema) error {
	if m.CreateIndexFn != nil {
		if err := m.CreateIndexFn(name); err != nil {
			return err
		}
	}
	return m.SearchEngine.CreateIndex(ctx, name, schema)
}

func (m *MockSearchEngine) SwapAlias(ctx context.Context, alias, from, to string) error {
	if m.SwapAliasFn != nil {
		if err := m.SwapAliasFn(alias, from, to); err != nil {
			return err
		}
	}
	return m.SearchEngine.SwapAlias(ctx, alias, from, to)
}

// SetBulkFn replaces the Bulk hook while requests may be in flight
func (m *MockSearchEngine) SetBulkFn(fn func(index string, ops []driven.BulkOp) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BulkFn = fn
}

// Bulks returns how many Bulk requests addressed index
func (m *MockSearchEngine) Bulks(index string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BulkCalls[index]
}
