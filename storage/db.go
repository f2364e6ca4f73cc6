// Package storage wraps a bbolt database with the table abstractions the
// anchoring schema is built on: append-only lists with dense uint64 keys and
// plain byte maps, both scoped to named buckets, plus merkle root hashing
// over table contents.
package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DB is the handle shared by every schema accessor.
type DB struct {
	bdb *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return &DB{bdb: bdb}, nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.bdb.Close()
}

// View runs fn inside a read-only transaction.
func (db *DB) View(fn func(v *View) error) error {
	return db.bdb.View(func(tx *bolt.Tx) error {
		return fn(&View{tx: tx})
	})
}

// Update runs fn inside a writable transaction. The transaction commits iff
// fn returns nil.
func (db *DB) Update(fn func(f *Fork) error) error {
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return fn(&Fork{View: View{tx: tx}})
	})
}

// View is a read-only snapshot of the database.
type View struct {
	tx *bolt.Tx
}

// Fork is a writable snapshot. Changes are atomic: either every write in the
// enclosing Update call lands or none do.
type Fork struct {
	View
}

func (v *View) bucket(name string) *bolt.Bucket {
	return v.tx.Bucket([]byte(name))
}

func (f *Fork) ensureBucket(name string) (*bolt.Bucket, error) {
	b, err := f.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	return b, nil
}
