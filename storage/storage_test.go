package storage

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestListAppendGet(t *testing.T) {
	db := testDB(t)

	err := db.Update(func(f *Fork) error {
		list, err := NewMutList(f, "items", nil)
		require.NoError(t, err)
		for i, v := range []string{"a", "b", "c"} {
			idx, err := list.Append([]byte(v))
			require.NoError(t, err)
			assert.EqualValues(t, i, idx)
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(v *View) error {
		list := NewList(v, "items", nil)
		assert.EqualValues(t, 3, list.Len())
		assert.Equal(t, []byte("b"), list.Get(1))
		assert.Nil(t, list.Get(3))

		last, idx, ok := list.Last()
		require.True(t, ok)
		assert.EqualValues(t, 2, idx)
		assert.Equal(t, []byte("c"), last)
		return nil
	})
	require.NoError(t, err)
}

func TestListFamiliesAreIndependent(t *testing.T) {
	db := testDB(t)

	err := db.Update(func(f *Fork) error {
		for _, fam := range []string{"v0", "v1"} {
			list, err := NewMutList(f, "lects", []byte(fam))
			require.NoError(t, err)
			_, err = list.Append([]byte(fam + "-first"))
			require.NoError(t, err)
		}
		extra, err := NewMutList(f, "lects", []byte("v0"))
		require.NoError(t, err)
		_, err = extra.Append([]byte("v0-second"))
		return err
	})
	require.NoError(t, err)

	err = db.View(func(v *View) error {
		v0 := NewList(v, "lects", []byte("v0"))
		v1 := NewList(v, "lects", []byte("v1"))
		assert.EqualValues(t, 2, v0.Len())
		assert.EqualValues(t, 1, v1.Len())
		assert.Equal(t, []byte("v0-second"), v0.Get(1))

		missing := NewList(v, "lects", []byte("v9"))
		assert.EqualValues(t, 0, missing.Len())
		_, _, ok := missing.Last()
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestMapPutGetDelete(t *testing.T) {
	db := testDB(t)

	err := db.Update(func(f *Fork) error {
		m, err := NewMutMap(f, "kv")
		require.NoError(t, err)
		require.NoError(t, m.Put([]byte("k1"), []byte("v1")))
		require.NoError(t, m.Put([]byte("k2"), []byte("v2")))
		require.NoError(t, m.Put([]byte("k1"), []byte("v1b")))
		return m.Delete([]byte("k2"))
	})
	require.NoError(t, err)

	err = db.View(func(v *View) error {
		m := NewMap(v, "kv")
		assert.Equal(t, []byte("v1b"), m.Get([]byte("k1")))
		assert.Nil(t, m.Get([]byte("k2")))
		assert.True(t, m.Has([]byte("k1")))
		assert.False(t, m.Has([]byte("k2")))

		missing := NewMap(v, "nope")
		assert.Nil(t, missing.Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := testDB(t)

	err := db.Update(func(f *Fork) error {
		m, err := NewMutMap(f, "kv")
		require.NoError(t, err)
		require.NoError(t, m.Put([]byte("k"), []byte("v")))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	err = db.View(func(v *View) error {
		assert.False(t, NewMap(v, "kv").Has([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestMerkleRoot(t *testing.T) {
	leaf := func(data string) [32]byte {
		return sha256.Sum256(append([]byte{leafPrefix}, data...))
	}
	node := func(l, r [32]byte) [32]byte {
		combined := append([]byte{nodePrefix}, l[:]...)
		return sha256.Sum256(append(combined, r[:]...))
	}

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, [32]byte{}, MerkleRoot(nil))
	})

	t.Run("single", func(t *testing.T) {
		assert.Equal(t, leaf("a"), MerkleRoot([][]byte{[]byte("a")}))
	})

	t.Run("pair", func(t *testing.T) {
		want := node(leaf("a"), leaf("b"))
		assert.Equal(t, want, MerkleRoot([][]byte{[]byte("a"), []byte("b")}))
	})

	t.Run("odd promotes last", func(t *testing.T) {
		want := node(node(leaf("a"), leaf("b")), leaf("c"))
		got := MerkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c")})
		assert.Equal(t, want, got)
	})

	t.Run("order sensitive", func(t *testing.T) {
		ab := MerkleRoot([][]byte{[]byte("a"), []byte("b")})
		ba := MerkleRoot([][]byte{[]byte("b"), []byte("a")})
		assert.NotEqual(t, ab, ba)
	})

	t.Run("leaf is not a node", func(t *testing.T) {
		// A two-leaf root differs from a single leaf over the
		// concatenated data.
		combined := MerkleRoot([][]byte{[]byte("ab")})
		split := MerkleRoot([][]byte{[]byte("a"), []byte("b")})
		assert.NotEqual(t, combined, split)
	})
}

func TestListRoot(t *testing.T) {
	db := testDB(t)
	items := [][]byte{[]byte("x"), []byte("y"), []byte("z")}

	err := db.Update(func(f *Fork) error {
		list, err := NewMutList(f, "items", nil)
		require.NoError(t, err)
		for _, it := range items {
			if _, err := list.Append(it); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(v *View) error {
		root, err := ListRoot(NewList(v, "items", nil))
		require.NoError(t, err)
		assert.Equal(t, MerkleRoot(items), root)

		empty, err := ListRoot(NewList(v, "missing", nil))
		require.NoError(t, err)
		assert.Equal(t, [32]byte{}, empty)
		return nil
	})
	require.NoError(t, err)
}
