package storage

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutGetDelete(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	handle, err := store.Put([]byte("essay body"), "draft.pdf")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(handle, ".pdf"))

	data, err := store.Get(handle)
	require.NoError(t, err)
	require.Equal(t, []byte("essay body"), data)

	require.NoError(t, store.Delete(handle))
	_, err = store.Get(handle)
	require.Error(t, err)

	// Deleting an absent blob is not an error.
	require.NoError(t, store.Delete(handle))
}

func TestBlobStorePutStream(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	handle, err := store.PutStream(bytes.NewReader([]byte("streamed")), "notes.txt")
	require.NoError(t, err)

	file, err := store.Open(handle)
	require.NoError(t, err)
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(data))
}

func TestBlobStoreHandlesAreUnique(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	h1, err := store.Put([]byte("a"), "same.pdf")
	require.NoError(t, err)
	h2, err := store.Put([]byte("b"), "same.pdf")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestBlobStoreStripsOddExtensions(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	handle, err := store.Put([]byte("x"), "weird.P D F!")
	require.NoError(t, err)
	require.NotContains(t, handle, " ")
	require.NotContains(t, handle, "!")
}

func TestBlobStoreResolveIgnoresTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBlobStore(dir)
	require.NoError(t, err)

	_, err = store.Get("../../etc/passwd")
	require.Error(t, err)
	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)
}
