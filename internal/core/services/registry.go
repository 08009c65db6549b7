package services

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.Registry = (*Registry)(nil)

// Registry implements driving.Registry.
// Redefinitions of a type are serialized with migrations of that type through TypeLock.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]domain.Schema

	locksMu   sync.Mutex
	typeLocks map[string]*sync.Mutex

	logger *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		schemas:   make(map[string]domain.Schema),
		typeLocks: make(map[string]*sync.Mutex),
		logger:    logger,
	}
}

// Register validates and records a type definition
func (r *Registry) Register(schema domain.Schema) (domain.Schema, error) {
	if err := schema.Validate(); err != nil {
		return domain.Schema{}, err
	}
	unlock := r.TypeLock(schema.Type)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.schemas {
		if name != schema.Type && strings.EqualFold(name, schema.Type) {
			return domain.Schema{}, fmt.Errorf("%w: type %s clashes with %s", domain.ErrSchema, schema.Type, name)
		}
	}
	if existing, ok := r.schemas[schema.Type]; ok {
		if existing.Equal(schema) {
			return existing, nil
		}
		r.logger.Info("document type redefined",
			"type", schema.Type,
			"changes", len(domain.Diff(existing, schema)))
	}
	r.schemas[schema.Type] = schema
	return schema, nil
}

// SchemaOf returns the declared schema of a type
func (r *Registry) SchemaOf(docType string) (domain.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[docType]
	if !ok {
		return domain.Schema{}, fmt.Errorf("%w: %s", domain.ErrUnknownType, docType)
	}
	return s, nil
}

// AllRegisteredTypes returns every declared schema, sorted by type
func (r *Registry) AllRegisteredTypes() []domain.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ChildTypes returns the registered types declaring docType as their parent
func (r *Registry) ChildTypes(docType string) []domain.Schema {
	var out []domain.Schema
	for _, s := range r.AllRegisteredTypes() {
		if s.Parent != nil && s.Parent.Type == docType {
			out = append(out, s)
		}
	}
	return out
}

// TypeLock serializes redefinition and migration of one type within the process
func (r *Registry) TypeLock(docType string) (unlock func()) {
	r.locksMu.Lock()
	m, ok := r.typeLocks[docType]
	if !ok {
		m = &sync.Mutex{}
		r.typeLocks[docType] = m
	}
	r.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}
