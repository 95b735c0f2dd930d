package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "index.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAddAndLookup(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		if err := Add(tx, "by-folder", []byte("folder-1"), []byte("mail-a")); err != nil {
			return err
		}
		return Add(tx, "by-folder", []byte("folder-1"), []byte("mail-b"))
	})
	require.NoError(t, err)

	var got []string
	err = db.View(func(tx *bolt.Tx) error {
		return Lookup(tx, "by-folder", []byte("folder-1"), func(uid []byte) bool {
			got = append(got, string(uid))
			return true
		})
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mail-a", "mail-b"}, got)
}

func TestLookupOnlyMatchesExactKey(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		if err := Add(tx, "by-folder", []byte("folder-1"), []byte("mail-a")); err != nil {
			return err
		}
		return Add(tx, "by-folder", []byte("folder-10"), []byte("mail-b"))
	})
	require.NoError(t, err)

	var got []string
	err = db.View(func(tx *bolt.Tx) error {
		return Lookup(tx, "by-folder", []byte("folder-1"), func(uid []byte) bool {
			got = append(got, string(uid))
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mail-a"}, got)
}

func TestRemoveOfMissingPairIsNoop(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		return Remove(tx, "by-folder", []byte("folder-1"), []byte("mail-a"))
	})
	assert.NoError(t, err)
}

func TestRemoveThenLookupFindsNothing(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		if err := Add(tx, "by-folder", []byte("folder-1"), []byte("mail-a")); err != nil {
			return err
		}
		return Remove(tx, "by-folder", []byte("folder-1"), []byte("mail-a"))
	})
	require.NoError(t, err)

	var got []string
	err = db.View(func(tx *bolt.Tx) error {
		return Lookup(tx, "by-folder", []byte("folder-1"), func(uid []byte) bool {
			got = append(got, string(uid))
			return true
		})
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRangeRespectsBounds(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		for _, k := range []string{"a", "b", "c", "d"} {
			if err := Add(tx, "by-sort", []byte(k), []byte("uid-"+k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var got []string
	err = db.View(func(tx *bolt.Tx) error {
		return Range(tx, "by-sort", []byte("b"), []byte("d"), func(key, uid []byte) bool {
			got = append(got, string(key))
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}
