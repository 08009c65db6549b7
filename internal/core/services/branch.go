package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.BranchService = (*BranchService)(nil)

// BranchService implements driving.BranchService
type BranchService struct {
	store       driven.BranchStore
	commits     driven.CommitStore
	locker      *Locker
	clock       *Clock
	lockTimeout time.Duration
	logger      *slog.Logger
}

// BranchServiceConfig holds configuration for the branch service.
type BranchServiceConfig struct {
	Store       driven.BranchStore
	Commits     driven.CommitStore
	Locker      *Locker
	Clock       *Clock
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// NewBranchService creates a new branch service
func NewBranchService(cfg BranchServiceConfig) *BranchService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock(nil)
	}
	return &BranchService{
		store:       cfg.Store,
		commits:     cfg.Commits,
		locker:      cfg.Locker,
		clock:       clock,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
	}
}

// EnsureMain creates the MAIN branch if the store is empty
func (s *BranchService) EnsureMain(ctx context.Context) (*domain.Branch, error) {
	main, err := s.store.Get(ctx, domain.MainPath)
	if err == nil {
		return main, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	main = &domain.Branch{
		Path:      domain.MainPath,
		State:     domain.BranchActive,
		CreatedAt: s.clock.Mark(),
	}
	if err := s.store.Create(ctx, main); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return s.store.Get(ctx, domain.MainPath)
		}
		return nil, err
	}
	s.logger.Info("created main branch")
	return main, nil
}

// Create branches name off parent at the parent's current head. The parent
// lock keeps the base from racing a commit on the parent.
func (s *BranchService) Create(ctx context.Context, parent, name string, metadata map[string]string) (*domain.Branch, error) {
	path, err := domain.ChildPath(parent, name)
	if err != nil {
		return nil, err
	}
	release, err := s.locker.Acquire(ctx, BranchResource+parent, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := s.Get(ctx, parent)
	if err != nil {
		return nil, err
	}
	b := &domain.Branch{
		Path:      path,
		Parent:    p.Path,
		Base:      p.Head,
		Head:      p.Head,
		State:     domain.BranchActive,
		Metadata:  metadata,
		CreatedAt: s.clock.Mark(),
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("branch created", "branch", path, "base", b.Base)
	return b, nil
}

// Get retrieves an active branch
func (s *BranchService) Get(ctx context.Context, path string) (*domain.Branch, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !b.Active() {
		return nil, fmt.Errorf("branch %s is deleted: %w", path, domain.ErrNotFound)
	}
	return b, nil
}

// Children retrieves the active children of a branch
func (s *BranchService) Children(ctx context.Context, path string) ([]*domain.Branch, error) {
	if _, err := s.Get(ctx, path); err != nil {
		return nil, err
	}
	all, err := s.store.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	active := make([]*domain.Branch, 0, len(all))
	for _, c := range all {
		if c.Active() {
			active = append(active, c)
		}
	}
	return active, nil
}

// Ancestors returns the parents of a branch, nearest first, ending at MAIN
func (s *BranchService) Ancestors(ctx context.Context, path string) ([]*domain.Branch, error) {
	b, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out []*domain.Branch
	for b.Parent != "" {
		parent, err := s.store.Get(ctx, b.Parent)
		if err != nil {
			return nil, fmt.Errorf("resolve ancestor of %s: %w", b.Path, err)
		}
		out = append(out, parent)
		b = parent
	}
	return out, nil
}

// List retrieves every branch, deleted ones included
func (s *BranchService) List(ctx context.Context) ([]*domain.Branch, error) {
	return s.store.List(ctx)
}

// Rebase moves the base of a branch to another parent timestamp. The new base
// may not exceed the parent head nor precede the last commit on the branch.
func (s *BranchService) Rebase(ctx context.Context, path string, newBase int64) (*domain.Branch, error) {
	if path == domain.MainPath {
		return nil, fmt.Errorf("%w: %s has no parent to rebase on", domain.ErrValidation, path)
	}
	release, err := s.locker.Acquire(ctx, BranchResource+path, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	parent, err := s.Get(ctx, b.Parent)
	if err != nil {
		return nil, err
	}
	if newBase > parent.Head {
		return nil, fmt.Errorf("%w: base %d is after the head %d of %s", domain.ErrValidation, newBase, parent.Head, parent.Path)
	}
	later, err := s.commits.List(ctx, path, newBase, b.Head)
	if err != nil {
		return nil, err
	}
	if len(later) > 0 {
		last := later[len(later)-1].Timestamp
		return nil, fmt.Errorf("%w: base %d precedes the last commit %d on %s", domain.ErrConflict, newBase, last, path)
	}
	if err := s.store.UpdateBase(ctx, path, newBase, b.Head); err != nil {
		return nil, err
	}
	s.logger.Info("branch rebased", "branch", path, "from_base", b.Base, "to_base", newBase)
	return s.store.Get(ctx, path)
}

// Delete tombstones a branch without active children
func (s *BranchService) Delete(ctx context.Context, path string) error {
	if path == domain.MainPath {
		return fmt.Errorf("%w: %s cannot be deleted", domain.ErrValidation, path)
	}
	release, err := s.locker.Acquire(ctx, BranchResource+path, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	children, err := s.Children(ctx, path)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("%w: %s has %d active children", domain.ErrConflict, path, len(children))
	}
	if err := s.store.SetState(ctx, path, domain.BranchDeleted); err != nil {
		return err
	}
	s.logger.Info("branch deleted", "branch", path)
	return nil
}

// SetMetadata replaces the metadata of an active branch
func (s *BranchService) SetMetadata(ctx context.Context, path string, metadata map[string]string) error {
	if _, err := s.Get(ctx, path); err != nil {
		return err
	}
	return s.store.SetMetadata(ctx, path, metadata)
}
