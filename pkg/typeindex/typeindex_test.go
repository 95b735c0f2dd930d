package typeindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loomkit/loomkit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "typeindex.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newMailRegistry() *Registry {
	r := NewRegistry()
	ConfigureMail(r)
	ConfigureFolder(r)
	return r
}

func TestPlainIndexLookupFindsEntity(t *testing.T) {
	db := openTestDB(t)
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	entity := &types.Entity{
		UID:  "mail-1",
		Type: types.TypeMail,
		Properties: types.PropertyBag{
			MailPropertyFolder: types.StringValue("inbox"),
			MailPropertyDate:   types.DateValue(time.Unix(1000, 0)),
		},
	}

	err := db.Update(func(tx *bolt.Tx) error {
		return mail.Index(tx, entity.UID, nil, entity)
	})
	require.NoError(t, err)

	var found []string
	err = db.View(func(tx *bolt.Tx) error {
		return mail.Lookup(tx, MailPropertyFolder, types.StringValue("inbox"), func(uid string) bool {
			found = append(found, uid)
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mail-1"}, found)
}

func TestIndexRemovesStaleEntryOnModify(t *testing.T) {
	db := openTestDB(t)
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	original := &types.Entity{
		UID:  "mail-1",
		Type: types.TypeMail,
		Properties: types.PropertyBag{
			MailPropertyFolder: types.StringValue("inbox"),
			MailPropertyDate:   types.DateValue(time.Unix(1000, 0)),
		},
	}
	moved := &types.Entity{
		UID:  "mail-1",
		Type: types.TypeMail,
		Properties: types.PropertyBag{
			MailPropertyFolder: types.StringValue("archive"),
			MailPropertyDate:   types.DateValue(time.Unix(1000, 0)),
		},
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if err := mail.Index(tx, "mail-1", nil, original); err != nil {
			return err
		}
		return mail.Index(tx, "mail-1", original, moved)
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		var inInbox, inArchive []string
		require.NoError(t, mail.Lookup(tx, MailPropertyFolder, types.StringValue("inbox"), func(uid string) bool {
			inInbox = append(inInbox, uid)
			return true
		}))
		require.NoError(t, mail.Lookup(tx, MailPropertyFolder, types.StringValue("archive"), func(uid string) bool {
			inArchive = append(inArchive, uid)
			return true
		}))
		assert.Empty(t, inInbox)
		assert.Equal(t, []string{"mail-1"}, inArchive)
		return nil
	})
	require.NoError(t, err)
}

func TestRemovalClearsIndexEntries(t *testing.T) {
	db := openTestDB(t)
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	entity := &types.Entity{
		UID:  "mail-1",
		Type: types.TypeMail,
		Properties: types.PropertyBag{
			MailPropertyFolder: types.StringValue("inbox"),
			MailPropertyDate:   types.DateValue(time.Unix(1000, 0)),
		},
	}
	tombstone := &types.Entity{
		UID:      "mail-1",
		Type:     types.TypeMail,
		Metadata: types.Metadata{Operation: types.OperationRemoval},
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if err := mail.Index(tx, "mail-1", nil, entity); err != nil {
			return err
		}
		return mail.Index(tx, "mail-1", entity, tombstone)
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		var found []string
		require.NoError(t, mail.Lookup(tx, MailPropertyFolder, types.StringValue("inbox"), func(uid string) bool {
			found = append(found, uid)
			return true
		}))
		assert.Empty(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestSelectIndexPrefersSortedCompositeWhenSortRequested(t *testing.T) {
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	plan, ok := mail.SelectIndex([]Clause{
		{Property: MailPropertyFolder, Comparator: ComparatorEquals, Value: types.StringValue("inbox")},
	}, MailPropertyDate)
	require.True(t, ok)
	assert.True(t, plan.Sorted)
	assert.True(t, plan.CoversSort)
	assert.Equal(t, MailPropertyFolder, plan.CoversProperty)
}

func TestSelectIndexFallsBackToPlainIndex(t *testing.T) {
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	plan, ok := mail.SelectIndex([]Clause{
		{Property: MailPropertyFolder, Comparator: ComparatorEquals, Value: types.StringValue("inbox")},
	}, "")
	require.True(t, ok)
	assert.False(t, plan.Sorted)
	assert.Equal(t, MailPropertyFolder, plan.CoversProperty)
}

func TestSelectIndexMatchesInComparatorOnPlainIndex(t *testing.T) {
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	plan, ok := mail.SelectIndex([]Clause{
		{Property: MailPropertyFolder, Comparator: ComparatorIn, Values: []types.Value{types.StringValue("inbox"), types.StringValue("archive")}},
	}, "")
	require.True(t, ok)
	assert.False(t, plan.Sorted)
	assert.Equal(t, MailPropertyFolder, plan.CoversProperty)
}

func TestSelectIndexMatchesInComparatorOnSortedIndex(t *testing.T) {
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	plan, ok := mail.SelectIndex([]Clause{
		{Property: MailPropertyFolder, Comparator: ComparatorIn, Values: []types.Value{types.StringValue("inbox"), types.StringValue("archive")}},
	}, MailPropertyDate)
	require.True(t, ok)
	assert.True(t, plan.Sorted)
	assert.True(t, plan.CoversSort)
	assert.Equal(t, MailPropertyFolder, plan.CoversProperty)
}

func TestSelectIndexReturnsFalseWhenNothingCovers(t *testing.T) {
	registry := newMailRegistry()
	mail, _ := registry.Get(types.TypeMail)

	_, ok := mail.SelectIndex([]Clause{
		{Property: "subject", Comparator: ComparatorEquals, Value: types.StringValue("x")},
	}, "")
	assert.False(t, ok)
}

func TestResolveSecondaryFolderParent(t *testing.T) {
	db := openTestDB(t)
	registry := newMailRegistry()
	folder, _ := registry.Get(types.TypeFolder)

	child := &types.Entity{
		UID:  "folder-child",
		Type: types.TypeFolder,
		Properties: types.PropertyBag{
			FolderPropertyName:   types.StringValue("Projects"),
			FolderPropertyParent: types.StringValue("folder-root"),
		},
	}

	err := db.Update(func(tx *bolt.Tx) error {
		return folder.Index(tx, child.UID, nil, child)
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		parent, found, err := folder.ResolveSecondary(tx, PropertyUID, FolderPropertyParent, types.StringValue("folder-child"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "folder-root", parent.AsString())
		return nil
	})
	require.NoError(t, err)
}
