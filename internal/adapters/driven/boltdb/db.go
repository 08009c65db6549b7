// Package boltdb is the embedded backend: a single bbolt file holding index
// generations, aliases, branches and the commit log. It lets the store run
// without an Elasticsearch cluster and backs the service tests.
package boltdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIndexMeta = []byte("index_meta")
	bucketAliases   = []byte("aliases")
	bucketDocs      = []byte("docs") // one nested bucket per index generation
	bucketBranches  = []byte("branches")
	bucketCommits   = []byte("commits")
	bucketCommitLog = []byte("commit_log") // branch \x00 timestamp -> commit id
	bucketMerges    = []byte("merges")     // source \x00 target -> commit id
)

// FileName is the name of the bolt file inside the data directory
const FileName = "termstore.db"

// DB wraps a bolt database shared by the engine and the metadata stores
type DB struct {
	*bolt.DB
}

// Config holds bolt configuration
type Config struct {
	// Dir is the data directory; the file is Dir/termstore.db
	Dir string

	// OpenTimeout bounds waiting for the file lock held by another process
	OpenTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		OpenTimeout: 5 * time.Second,
	}
}

// Open opens (or creates) the bolt file and its top-level buckets
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", cfg.Dir, err)
	}
	path := filepath.Join(cfg.Dir, FileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketIndexMeta, bucketAliases, bucketDocs,
			bucketBranches, bucketCommits, bucketCommitLog, bucketMerges,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db}, nil
}

// Close closes the bolt file
func (db *DB) Close() error {
	return db.DB.Close()
}
