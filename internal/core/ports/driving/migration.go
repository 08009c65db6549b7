package driving

import (
	"context"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// MigrationService evolves the physical index of document types
type MigrationService interface {
	// Plan diffs the declared schema of a type against its active index generation
	Plan(ctx context.Context, docType string) (*domain.MigrationPlan, error)

	// Apply builds the next generation, copies every revision and repoints the alias.
	// On failure the previous generation stays active.
	Apply(ctx context.Context, plan *domain.MigrationPlan) (*domain.MigrationResult, error)

	// Migrate plans and applies one type under its migration lock
	Migrate(ctx context.Context, docType string) (*domain.MigrationResult, error)

	// MigrateAll migrates every registered type. Safe to call on every startup.
	MigrateAll(ctx context.Context) ([]*domain.MigrationResult, error)
}
