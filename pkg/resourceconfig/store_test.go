package resourceconfig

import (
	"testing"
	"time"

	"github.com/loomkit/loomkit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add("acct-1", "imap", types.PropertyBag{
		"host": types.StringValue("mail.example.com"),
	}))

	entry, err := store.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "imap", entry.TypeName)
	v, ok := entry.Properties["host"]
	require.True(t, ok)
	assert.Equal(t, "mail.example.com", v.AsString())
}

func TestAddTwiceFailsAlreadyExists(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add("acct-1", "imap", types.PropertyBag{}))
	err := store.Add("acct-1", "imap", types.PropertyBag{})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestModifyMissingFailsNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.Modify("missing", types.PropertyBag{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveThenGetFailsNotFound(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add("acct-1", "imap", types.PropertyBag{}))
	require.NoError(t, store.Remove("acct-1"))
	_, err := store.Get("acct-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsAllEntries(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Add("acct-1", "imap", types.PropertyBag{}))
	require.NoError(t, store.Add("acct-2", "caldav", types.PropertyBag{}))

	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestChangesBroadcastAddModifyRemove(t *testing.T) {
	store := newTestStore(t)
	sub := store.Changes().Subscribe()
	defer store.Changes().Unsubscribe(sub)

	require.NoError(t, store.Add("acct-1", "imap", types.PropertyBag{}))
	require.NoError(t, store.Modify("acct-1", types.PropertyBag{"host": types.StringValue("x")}))
	require.NoError(t, store.Remove("acct-1"))

	var ops []ChangeOperation
	for i := 0; i < 3; i++ {
		select {
		case ch := <-sub:
			ops = append(ops, ch.Operation)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d/3", i+1)
		}
	}
	assert.Equal(t, []ChangeOperation{ChangeAdded, ChangeModified, ChangeRemoved}, ops)
}

func TestInstanceConfigSaveThenLoadRoundTrips(t *testing.T) {
	path := t.TempDir() + "/instance.yaml"
	original := &InstanceConfig{
		InstanceID:  "instance-a",
		StorageRoot: "/var/lib/loomkit",
		SocketPath:  "/run/loomkit/instance-a.sock",
		SpawnBinary: "/usr/libexec/loomkit-resourced",
		Backoff:     50 * time.Millisecond,
		MaxAttempts: 20,
	}
	require.NoError(t, original.Save(path))

	loaded, err := LoadInstanceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}
