package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_CreateSessionIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	first, err := store.CreateSession(ctx, "sess-1", "file:abc", 100, 10)
	require.NoError(t, err)

	second, err := store.CreateSession(ctx, "sess-1", "file:different", 999, 1)
	require.NoError(t, err)
	require.Equal(t, first.ResourceRef, second.ResourceRef)
}

func TestStore_PutChunkAndAssemble(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.CreateSession(ctx, "sess-2", "file:xyz", 10, 5)
	require.NoError(t, err)

	require.NoError(t, store.PutChunk(ctx, "sess-2", 0, []byte("hello")))
	require.NoError(t, store.PutChunk(ctx, "sess-2", 1, []byte("world")))

	meta, err := store.Metadata(ctx, "sess-2")
	require.NoError(t, err)
	require.True(t, meta.IsComplete())

	outPath := filepath.Join(t.TempDir(), "assembled")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()

	err = store.AssembleInto(ctx, "sess-2", func(index int, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	})
	require.NoError(t, err)

	assembled, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(assembled))
}

func TestStore_PutChunkOverwriteDoesNotDuplicateIndex(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.CreateSession(ctx, "sess-3", "file:abc", 5, 5)
	require.NoError(t, err)

	require.NoError(t, store.PutChunk(ctx, "sess-3", 0, []byte("first")))
	require.NoError(t, store.PutChunk(ctx, "sess-3", 0, []byte("again")))

	meta, err := store.Metadata(ctx, "sess-3")
	require.NoError(t, err)
	require.Len(t, meta.ReceivedChunks, 1)
}

func TestStore_AssembleBeforeCompleteFails(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.CreateSession(ctx, "sess-4", "file:abc", 10, 5)
	require.NoError(t, err)
	require.NoError(t, store.PutChunk(ctx, "sess-4", 0, []byte("hello")))

	err = store.AssembleInto(ctx, "sess-4", func(int, string) error { return nil })
	require.Error(t, err)
}
