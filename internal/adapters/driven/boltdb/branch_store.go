package boltdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.BranchStore = (*BranchStore)(nil)

type branchRecord struct {
	Path      string            `msgpack:"path"`
	Parent    string            `msgpack:"parent"`
	Base      int64             `msgpack:"base"`
	Head      int64             `msgpack:"head"`
	State     string            `msgpack:"state"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
	CreatedAt int64             `msgpack:"created_at"`
}

func toBranchRecord(b *domain.Branch) branchRecord {
	return branchRecord{
		Path:      b.Path,
		Parent:    b.Parent,
		Base:      b.Base,
		Head:      b.Head,
		State:     string(b.State),
		Metadata:  b.Metadata,
		CreatedAt: b.CreatedAt,
	}
}

func (r branchRecord) toDomain() *domain.Branch {
	return &domain.Branch{
		Path:      r.Path,
		Parent:    r.Parent,
		Base:      r.Base,
		Head:      r.Head,
		State:     domain.BranchState(r.State),
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
	}
}

// BranchStore implements driven.BranchStore in the bolt file
type BranchStore struct {
	db *DB
}

// NewBranchStore creates a bolt branch store
func NewBranchStore(db *DB) *BranchStore {
	return &BranchStore{db: db}
}

// Create stores a new branch
func (s *BranchStore) Create(ctx context.Context, branch *domain.Branch) error {
	data, err := encode(toBranchRecord(branch))
	if err != nil {
		return fmt.Errorf("encode branch: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBranches)
		if b.Get([]byte(branch.Path)) != nil {
			return fmt.Errorf("branch %s: %w", branch.Path, domain.ErrAlreadyExists)
		}
		return b.Put([]byte(branch.Path), data)
	})
}

// Get retrieves a branch by path
func (s *BranchStore) Get(ctx context.Context, path string) (*domain.Branch, error) {
	var branch *domain.Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		r, err := getBranch(tx, path)
		if err != nil {
			return err
		}
		branch = r.toDomain()
		return nil
	})
	return branch, err
}

// Children retrieves the direct children of a branch
func (s *BranchStore) Children(ctx context.Context, path string) ([]*domain.Branch, error) {
	prefix := path + "/"
	var out []*domain.Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBranches).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if strings.Contains(string(k[len(prefix):]), "/") {
				continue
			}
			var r branchRecord
			if err := decode(v, &r); err != nil {
				return fmt.Errorf("decode branch %s: %w", k, err)
			}
			out = append(out, r.toDomain())
		}
		return nil
	})
	return out, err
}

// List retrieves every branch
func (s *BranchStore) List(ctx context.Context) ([]*domain.Branch, error) {
	var out []*domain.Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBranches).ForEach(func(k, v []byte) error {
			var r branchRecord
			if err := decode(v, &r); err != nil {
				return fmt.Errorf("decode branch %s: %w", k, err)
			}
			out = append(out, r.toDomain())
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

// UpdateBase moves the base of a branch and raises its head to at least the new base
func (s *BranchStore) UpdateBase(ctx context.Context, path string, base, expectedHead int64) error {
	return s.update(path, func(r *branchRecord) error {
		if r.Head != expectedHead {
			return fmt.Errorf("branch %s head moved from %d to %d: %w", path, expectedHead, r.Head, domain.ErrConflict)
		}
		r.Base = base
		r.Head = max(r.Head, base)
		return nil
	})
}

// SetState updates the lifecycle state
func (s *BranchStore) SetState(ctx context.Context, path string, state domain.BranchState) error {
	return s.update(path, func(r *branchRecord) error {
		r.State = string(state)
		return nil
	})
}

// SetMetadata replaces the branch metadata
func (s *BranchStore) SetMetadata(ctx context.Context, path string, metadata map[string]string) error {
	return s.update(path, func(r *branchRecord) error {
		r.Metadata = metadata
		return nil
	})
}

func (s *BranchStore) update(path string, fn func(r *branchRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		r, err := getBranch(tx, path)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		return putBranch(tx, r)
	})
}

func getBranch(tx *bolt.Tx, path string) (*branchRecord, error) {
	v := tx.Bucket(bucketBranches).Get([]byte(path))
	if v == nil {
		return nil, fmt.Errorf("branch %s: %w", path, domain.ErrNotFound)
	}
	var r branchRecord
	if err := decode(v, &r); err != nil {
		return nil, fmt.Errorf("decode branch %s: %w", path, err)
	}
	return &r, nil
}

func putBranch(tx *bolt.Tx, r *branchRecord) error {
	data, err := encode(r)
	if err != nil {
		return fmt.Errorf("encode branch: %w", err)
	}
	return tx.Bucket(bucketBranches).Put([]byte(r.Path), data)
}
