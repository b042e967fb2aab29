package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	kv := NewFileKV(path)

	_, ok, err := kv.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set("progress", `{"f1":{"page":0,"invoice":1}}`))

	value, ok, err := kv.Get("progress")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"f1":{"page":0,"invoice":1}}`, value)

	require.NoError(t, kv.Delete("progress"))
	_, ok, err = kv.Get("progress")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileKV_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, NewFileKV(path).Set("hash", "abc123"))

	value, ok, err := NewFileKV(path).Get("hash")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", value)
}

func TestFileKV_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	kv := NewFileKV(path)

	require.NoError(t, kv.Set("k", "v"))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestFileKV_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, _, err := NewFileKV(path).Get("k")
	assert.Error(t, err)
}
