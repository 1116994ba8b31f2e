package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resolved_channels.json")
	return New(path, 10, zerolog.Nop()), path
}

// Invariant 4: a Set followed by a Get for the same key returns the
// value just written.
func TestStore_WriteThenReadReturnsWrittenValue(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("somechannel", "123456"))

	v, ok, err := s.Get("somechannel")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "123456", v)
}

func TestStore_GetMissingKeyReturnsNotOk(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteRemovesKey(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Delete("a"))

	_, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ClearEmptiesFileAndMemory(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))
	require.NoError(t, s.Clear())

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_LRUEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "cache.json"), 2, zerolog.Nop())

	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))
	// touch "a" so "b" becomes the least-recently-used entry in memory.
	_, _, _ = s.Get("a")
	require.NoError(t, s.Set("c", "3"))

	// capacity is 2, so adding "c" pushed "b" out of memory.
	_, inMemory := s.index["b"]
	assert.False(t, inMemory)

	// all three remain on disk; the LRU eviction only affects memory.
	_, ok, err := s.Get("b")
	require.NoError(t, err)
	assert.True(t, ok)
}

// S6: a corrupted cache file is quarantined, not raised, and the store
// continues operating against an empty map.
func TestStore_CorruptedFileIsQuarantinedAndStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	s := New(path, 10, zerolog.Nop())

	_, ok, err := s.Get("anything")
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(path + ".corrupted")
	assert.NoError(t, statErr)
}

func TestStore_MissingFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")
	s := New(path, 10, zerolog.Nop())

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_ContainsReflectsDiskState(t *testing.T) {
	s, _ := newTestStore(t)
	ok, err := s.Contains("x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("x", "y"))
	ok, err = s.Contains("x")
	require.NoError(t, err)
	assert.True(t, ok)
}
