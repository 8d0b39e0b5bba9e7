package checkpoint

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "walb-checkpoint")
	assert.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := Open(dir, false)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Load(1)
	assert.NoError(t, err)
	assert.False(t, ok, "unwritten minor id should report not-found")

	rec := Record{WrittenLsid: 100, OldestLsid: 10, Salt: 0xabcd}
	assert.NoError(t, store.Save(1, rec))

	got, ok, err := store.Load(1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestSaveOverwritesPreviousRecord(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.Save(1, Record{WrittenLsid: 10, OldestLsid: 1}))
	assert.NoError(t, store.Save(1, Record{WrittenLsid: 20, OldestLsid: 2}))

	got, ok, err := store.Load(1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(20), got.WrittenLsid)
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.Save(1, Record{WrittenLsid: 5}))
	assert.NoError(t, store.Remove(1))

	_, ok, err := store.Load(1)
	assert.NoError(t, err)
	assert.False(t, ok)

	// Removing an already-absent minor id is not an error.
	assert.NoError(t, store.Remove(1))
}

func TestIndependentMinorIDs(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.Save(1, Record{WrittenLsid: 1}))
	assert.NoError(t, store.Save(2, Record{WrittenLsid: 2}))

	got1, _, err := store.Load(1)
	assert.NoError(t, err)
	got2, _, err := store.Load(2)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), got1.WrittenLsid)
	assert.Equal(t, uint64(2), got2.WrittenLsid)
}
