package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// List is a read-only view of an append-only sequence stored under dense
// big-endian uint64 keys. Family distinguishes independent lists sharing one
// table name, e.g. per-validator lect sequences.
type List struct {
	view   *View
	table  string
	family []byte
}

// NewList opens the list stored in table. A nil family addresses the table's
// root bucket.
func NewList(v *View, table string, family []byte) *List {
	return &List{view: v, table: table, family: family}
}

func (l *List) bucket() *bolt.Bucket {
	b := l.view.bucket(l.table)
	if b == nil || l.family == nil {
		return b
	}
	return b.Bucket(l.family)
}

// Len returns the number of elements. Keys are dense, so the length is one
// past the last index.
func (l *List) Len() uint64 {
	b := l.bucket()
	if b == nil {
		return 0
	}
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k) + 1
}

// Get returns the element at index, or nil if out of range.
func (l *List) Get(index uint64) []byte {
	b := l.bucket()
	if b == nil {
		return nil
	}
	return cloneBytes(b.Get(listKey(index)))
}

// Last returns the last element and its index, or ok=false when empty.
func (l *List) Last() (value []byte, index uint64, ok bool) {
	b := l.bucket()
	if b == nil {
		return nil, 0, false
	}
	k, v := b.Cursor().Last()
	if k == nil {
		return nil, 0, false
	}
	return cloneBytes(v), binary.BigEndian.Uint64(k), true
}

// ForEach walks the list in index order.
func (l *List) ForEach(fn func(index uint64, value []byte) error) error {
	b := l.bucket()
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		return fn(binary.BigEndian.Uint64(k), v)
	})
}

// MutList extends List with appends.
type MutList struct {
	List
	fork *Fork
}

// NewMutList opens table for appending, creating buckets as needed.
func NewMutList(f *Fork, table string, family []byte) (*MutList, error) {
	b, err := f.ensureBucket(table)
	if err != nil {
		return nil, err
	}
	if family != nil {
		if _, err := b.CreateBucketIfNotExists(family); err != nil {
			return nil, fmt.Errorf("list family in %s: %w", table, err)
		}
	}
	return &MutList{
		List: List{view: &f.View, table: table, family: family},
		fork: f,
	}, nil
}

// Append stores value at the next free index and returns that index.
func (l *MutList) Append(value []byte) (uint64, error) {
	b := l.bucket()
	var index uint64
	if k, _ := b.Cursor().Last(); k != nil {
		index = binary.BigEndian.Uint64(k) + 1
	}
	if err := b.Put(listKey(index), value); err != nil {
		return 0, fmt.Errorf("append to %s: %w", l.table, err)
	}
	return index, nil
}

func listKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}

// Map is a read-only view of a byte-keyed table.
type Map struct {
	view  *View
	table string
}

// NewMap opens the map stored in table.
func NewMap(v *View, table string) *Map {
	return &Map{view: v, table: table}
}

// Get returns the value for key, or nil when absent.
func (m *Map) Get(key []byte) []byte {
	b := m.view.bucket(m.table)
	if b == nil {
		return nil
	}
	return cloneBytes(b.Get(key))
}

// Has reports whether key is present.
func (m *Map) Has(key []byte) bool {
	b := m.view.bucket(m.table)
	return b != nil && b.Get(key) != nil
}

// Ceiling returns the entry with the smallest key >= key, or ok=false when
// no such entry exists.
func (m *Map) Ceiling(key []byte) (k, v []byte, ok bool) {
	b := m.view.bucket(m.table)
	if b == nil {
		return nil, nil, false
	}
	fk, fv := b.Cursor().Seek(key)
	if fk == nil {
		return nil, nil, false
	}
	return cloneBytes(fk), cloneBytes(fv), true
}

// Floor returns the entry with the largest key <= key, or ok=false when no
// such entry exists.
func (m *Map) Floor(key []byte) (k, v []byte, ok bool) {
	b := m.view.bucket(m.table)
	if b == nil {
		return nil, nil, false
	}
	c := b.Cursor()
	fk, fv := c.Seek(key)
	switch {
	case fk != nil && bytes.Equal(fk, key):
	case fk == nil:
		fk, fv = c.Last()
	default:
		fk, fv = c.Prev()
	}
	if fk == nil {
		return nil, nil, false
	}
	return cloneBytes(fk), cloneBytes(fv), true
}

// ForEach walks the map in lexicographic key order.
func (m *Map) ForEach(fn func(key, value []byte) error) error {
	b := m.view.bucket(m.table)
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

// MutMap extends Map with writes.
type MutMap struct {
	Map
	fork *Fork
}

// NewMutMap opens table for writing, creating it as needed.
func NewMutMap(f *Fork, table string) (*MutMap, error) {
	if _, err := f.ensureBucket(table); err != nil {
		return nil, err
	}
	return &MutMap{Map: Map{view: &f.View, table: table}, fork: f}, nil
}

// Put stores value under key, replacing any previous value.
func (m *MutMap) Put(key, value []byte) error {
	b := m.view.bucket(m.table)
	if err := b.Put(key, value); err != nil {
		return fmt.Errorf("put into %s: %w", m.table, err)
	}
	return nil
}

// Delete removes key if present.
func (m *MutMap) Delete(key []byte) error {
	b := m.view.bucket(m.table)
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("delete from %s: %w", m.table, err)
	}
	return nil
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}
