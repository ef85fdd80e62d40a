package store_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/beacon/pkg/beacon/store"
)

// backendFactories builds each Backend implementation over a fresh location.
func backendFactories(t *testing.T) map[string]func() store.Backend {
	return map[string]func() store.Backend{
		"memory": func() store.Backend { return store.NewMemoryBackend() },
		"file": func() store.Backend {
			b, err := store.NewFileBackend(filepath.Join(t.TempDir(), "nested", "beacon.json"))
			require.NoError(t, err)
			return b
		},
		"sqlite": func() store.Backend {
			b, err := store.NewSQLiteBackend(":memory:")
			require.NoError(t, err)
			return b
		},
	}
}

func TestBackend_Contract(t *testing.T) {
	for name, newBackend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := newBackend()
			defer b.Close()

			_, err := b.Load()
			assert.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, b.Save([]byte("first")))
			require.NoError(t, b.Save([]byte("second")))

			data, err := b.Load()
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), data)

			require.NoError(t, b.Close())
			_, err = b.Load()
			assert.ErrorIs(t, err, store.ErrStoreClosed)
			assert.ErrorIs(t, b.Save([]byte("x")), store.ErrStoreClosed)
		})
	}
}

func TestBackend_Concurrent(t *testing.T) {
	for name, newBackend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := newBackend()
			defer b.Close()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, b.Save([]byte(`{"ok":true}`)))
					_, err := b.Load()
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
		})
	}
}

func TestFileBackend_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.json")

	b1, err := store.NewFileBackend(path)
	require.NoError(t, err)
	require.NoError(t, b1.Save([]byte("persistent")))
	require.NoError(t, b1.Close())

	b2, err := store.NewFileBackend(path)
	require.NoError(t, err)
	defer b2.Close()

	data, err := b2.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), data)
	assert.Equal(t, path, b2.Path())
}

func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	b, err := store.NewFileBackend(filepath.Join(dir, "beacon.json"))
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Save([]byte("data")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "beacon.json", entries[0].Name())
}

func TestFileBackend_EmptyPath(t *testing.T) {
	_, err := store.NewFileBackend("")
	assert.Error(t, err)
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.db")

	b1, err := store.NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, b1.Save([]byte("persistent")))
	require.NoError(t, b1.Close())

	b2, err := store.NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b2.Close()

	data, err := b2.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), data)
}

func TestSQLiteBackend_InvalidPath(t *testing.T) {
	_, err := store.NewSQLiteBackend("/nonexistent/path/beacon.db")
	assert.Error(t, err)
}

func TestSQLiteBackend_CloseIdempotent(t *testing.T) {
	b, err := store.NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
