package boltdb

import (
	"bytes"
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.CommitStore = (*CommitStore)(nil)

type commitRecord struct {
	ID              string         `msgpack:"id"`
	Branch          string         `msgpack:"branch"`
	Author          string         `msgpack:"author"`
	Comment         string         `msgpack:"comment"`
	Timestamp       int64          `msgpack:"timestamp"`
	Changes         []changeRecord `msgpack:"changes"`
	MergeSource     string         `msgpack:"merge_source,omitempty"`
	MergeSourceHead int64          `msgpack:"merge_source_head,omitempty"`
}

type changeRecord struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id"`
	Op   string `msgpack:"op"`
}

func toCommitRecord(c *domain.Commit) commitRecord {
	r := commitRecord{
		ID:              c.ID,
		Branch:          c.Branch,
		Author:          c.Author,
		Comment:         c.Comment,
		Timestamp:       c.Timestamp,
		MergeSource:     c.MergeSource,
		MergeSourceHead: c.MergeSourceHead,
		Changes:         make([]changeRecord, len(c.Changes)),
	}
	for i, ch := range c.Changes {
		r.Changes[i] = changeRecord{Type: ch.Type, ID: ch.ID, Op: string(ch.Op)}
	}
	return r
}

func (r commitRecord) toDomain() *domain.Commit {
	c := &domain.Commit{
		ID:              r.ID,
		Branch:          r.Branch,
		Author:          r.Author,
		Comment:         r.Comment,
		Timestamp:       r.Timestamp,
		MergeSource:     r.MergeSource,
		MergeSourceHead: r.MergeSourceHead,
		Changes:         make([]domain.Change, len(r.Changes)),
	}
	for i, ch := range r.Changes {
		c.Changes[i] = domain.Change{Type: ch.Type, ID: ch.ID, Op: domain.ChangeOp(ch.Op)}
	}
	return c
}

// logKey orders commits of a branch by timestamp
func logKey(branch string, ts int64) []byte {
	return []byte(fmt.Sprintf("%s\x00%016x", branch, uint64(ts)))
}

func mergeKey(source, target string) []byte {
	return []byte(source + "\x00" + target)
}

// CommitStore implements driven.CommitStore in the bolt file
type CommitStore struct {
	db *DB
}

// NewCommitStore creates a bolt commit store
func NewCommitStore(db *DB) *CommitStore {
	return &CommitStore{db: db}
}

// Append records a commit and advances the branch head in one write transaction
func (s *CommitStore) Append(ctx context.Context, commit *domain.Commit, expectedHead int64) error {
	data, err := encode(toCommitRecord(commit))
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		r, err := getBranch(tx, commit.Branch)
		if err != nil {
			return err
		}
		if r.Head != expectedHead {
			return fmt.Errorf("branch %s head moved from %d to %d: %w", commit.Branch, expectedHead, r.Head, domain.ErrConflict)
		}
		if commit.Timestamp <= r.Head {
			return fmt.Errorf("commit timestamp %d does not advance head %d: %w", commit.Timestamp, r.Head, domain.ErrConflict)
		}
		commits := tx.Bucket(bucketCommits)
		if commits.Get([]byte(commit.ID)) != nil {
			return fmt.Errorf("commit %s: %w", commit.ID, domain.ErrAlreadyExists)
		}
		if err := commits.Put([]byte(commit.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCommitLog).Put(logKey(commit.Branch, commit.Timestamp), []byte(commit.ID)); err != nil {
			return err
		}
		if commit.IsMerge() {
			if err := tx.Bucket(bucketMerges).Put(mergeKey(commit.MergeSource, commit.Branch), []byte(commit.ID)); err != nil {
				return err
			}
		}
		r.Head = commit.Timestamp
		return putBranch(tx, r)
	})
}

// List returns the commits of a branch with from < timestamp <= to
func (s *CommitStore) List(ctx context.Context, branch string, from, to int64) ([]*domain.Commit, error) {
	var out []*domain.Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		upper := logKey(branch, to)
		c := tx.Bucket(bucketCommitLog).Cursor()
		for k, id := c.Seek(logKey(branch, from+1)); k != nil && bytes.Compare(k, upper) <= 0; k, id = c.Next() {
			var r commitRecord
			if err := decode(commits.Get(id), &r); err != nil {
				return fmt.Errorf("decode commit %s: %w", id, err)
			}
			out = append(out, r.toDomain())
		}
		return nil
	})
	return out, err
}

// Get retrieves a commit by ID
func (s *CommitStore) Get(ctx context.Context, id string) (*domain.Commit, error) {
	var commit *domain.Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommits).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("commit %s: %w", id, domain.ErrNotFound)
		}
		var r commitRecord
		if err := decode(v, &r); err != nil {
			return fmt.Errorf("decode commit %s: %w", id, err)
		}
		commit = r.toDomain()
		return nil
	})
	return commit, err
}

// LastMerge returns the latest merge commit from source into target
func (s *CommitStore) LastMerge(ctx context.Context, source, target string) (*domain.Commit, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMerges).Get(mergeKey(source, target))
		if v == nil {
			return fmt.Errorf("merge %s -> %s: %w", source, target, domain.ErrNotFound)
		}
		id = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, string(id))
}
