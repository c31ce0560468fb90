package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := Open("file", filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)

	sqliteStore, err := Open("sqlite", filepath.Join(t.TempDir(), "db", "kv.sqlite"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fileStore.Close()
		_ = sqliteStore.Close()
	})

	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func TestStore_GetMissing(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			value, ok, err := store.Get(context.Background(), "nothing")
			require.NoError(t, err)
			require.False(t, ok)
			require.Nil(t, value)
		})
	}
}

func TestStore_SetGetOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "image_cache_metadata", []byte(`{"a":1}`)))
			require.NoError(t, store.Set(ctx, "image_cache_metadata", []byte(`{"a":2}`)))

			value, ok, err := store.Get(ctx, "image_cache_metadata")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `{"a":2}`, string(value))
		})
	}
}

func TestStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "..", "a/b", `a\b`} {
				require.ErrorIs(t, store.Set(ctx, key, []byte("x")), ErrInvalidKey)
				_, _, err := store.Get(ctx, key)
				require.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")
	store, err := OpenFile(dir)
	require.NoError(t, err)

	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "k", entries[0].Name())
}

func TestSQLiteStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.sqlite")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", []byte("v")))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(value))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	require.Error(t, err)
}
