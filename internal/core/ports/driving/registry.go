package driving

import "github.com/custodia-labs/termstore/internal/core/domain"

// Registry holds the structural schema of every document type
type Registry interface {
	// Register validates and records a type definition. Re-registering an equal
	// definition is a no-op; a different definition replaces the declared schema
	// and is picked up by the next migration plan.
	Register(schema domain.Schema) (domain.Schema, error)

	// SchemaOf returns the declared schema, or domain.ErrUnknownType
	SchemaOf(docType string) (domain.Schema, error)

	// AllRegisteredTypes returns every declared schema, sorted by type
	AllRegisteredTypes() []domain.Schema
}
