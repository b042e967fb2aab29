package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/store"
)

func TestProgressStore_SetGetDelete(t *testing.T) {
	p := NewProgressStore(store.NewMemoryKV())

	_, ok, err := p.Get("f1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Set("f1", Cursor{Page: 1, Invoice: 2}))
	cursor, ok, err := p.Get("f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Page: 1, Invoice: 2}, cursor)

	require.NoError(t, p.Delete("f1"))
	_, ok, err = p.Get("f1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressStore_CursorOnlyAdvances(t *testing.T) {
	p := NewProgressStore(store.NewMemoryKV())

	require.NoError(t, p.Set("f1", Cursor{Page: 1, Invoice: 2}))

	// Forward moves and a re-write of the same position are fine.
	require.NoError(t, p.Set("f1", Cursor{Page: 1, Invoice: 2}))
	require.NoError(t, p.Set("f1", Cursor{Page: 1, Invoice: 3}))
	require.NoError(t, p.Set("f1", Cursor{Page: 2, Invoice: 0}))

	// Backwards is rejected.
	assert.Error(t, p.Set("f1", Cursor{Page: 1, Invoice: 5}))
	assert.Error(t, p.Set("f1", Cursor{Page: 2, Invoice: -1}))

	cursor, _, err := p.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, Cursor{Page: 2, Invoice: 0}, cursor)
}

func TestProgressStore_IndependentFiles(t *testing.T) {
	p := NewProgressStore(store.NewMemoryKV())

	require.NoError(t, p.Set("f1", Cursor{Page: 0, Invoice: 1}))
	require.NoError(t, p.Set("f2", Cursor{Page: 3, Invoice: 0}))
	require.NoError(t, p.Delete("f1"))

	cursor, ok, err := p.Get("f2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Page: 3, Invoice: 0}, cursor)
}

func TestProgressStore_EmptyMapClearsKey(t *testing.T) {
	kv := store.NewMemoryKV()
	p := NewProgressStore(kv)

	require.NoError(t, p.Set("f1", Cursor{Page: 0, Invoice: 1}))
	require.NoError(t, p.Delete("f1"))

	_, ok, err := kv.Get("processing_progress")
	require.NoError(t, err)
	assert.False(t, ok, "an empty progress map must not linger in the store")
}
