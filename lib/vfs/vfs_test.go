package vfs_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/vfs"
)

func TestListRejectsRelativePath(t *testing.T) {
	t.Parallel()
	svc := vfs.New()
	_, err := svc.List("relative/path", 0)
	require.Error(t, err)
}

func TestListRejectsTraversalEscape(t *testing.T) {
	t.Parallel()
	svc := vfs.New()
	_, err := svc.List("/home/dev/../../etc", 0)
	require.Error(t, err)
}

func TestListRejectsDepthGreaterThanZero(t *testing.T) {
	t.Parallel()
	svc := vfs.New()
	dir := t.TempDir()
	_, err := svc.List(dir, 1)
	require.Error(t, err)
}

func TestListMapsNotFound(t *testing.T) {
	t.Parallel()
	svc := vfs.New()
	_, err := svc.List(filepath.Join(t.TempDir(), "does-not-exist"), 0)
	require.Error(t, err)
}

func TestListSortsDirectoriesFirstThenByName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	mustCreateFile(t, filepath.Join(dir, "zeta.txt"))
	mustCreateFile(t, filepath.Join(dir, "alpha.txt"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "bravo"), 0o755))

	svc := vfs.New()
	chunks, err := svc.List(dir, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	names := make([]string, len(chunks[0].Entries))
	for i, e := range chunks[0].Entries {
		names[i] = e.Name
	}
	require.Equal(t, []string{"bravo", "alpha.txt", "zeta.txt"}, names)
}

// TestChunkingBoundaries mirrors spec.md's boundary behaviors: exactly 150 entries
// yields one chunk with has_more=false; 151 yields two (150+1).
func TestChunkingBoundaries(t *testing.T) {
	t.Parallel()

	t.Run("exactly 150 entries", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		createFiles(t, dir, 150)

		chunks, err := vfs.New().List(dir, 0)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		require.Equal(t, uint32(1), chunks[0].TotalChunks)
		require.False(t, chunks[0].HasMore)
		require.Len(t, chunks[0].Entries, 150)
	})

	t.Run("151 entries", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		createFiles(t, dir, 151)

		chunks, err := vfs.New().List(dir, 0)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		require.Equal(t, uint32(2), chunks[0].TotalChunks)
		require.True(t, chunks[0].HasMore)
		require.Len(t, chunks[0].Entries, 150)
		require.False(t, chunks[1].HasMore)
		require.Len(t, chunks[1].Entries, 1)
	})

	t.Run("more than 10000 entries is truncated", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		createFiles(t, dir, 10010)

		chunks, err := vfs.New().List(dir, 0)
		require.NoError(t, err)

		total := 0
		for i, c := range chunks {
			require.Equal(t, uint32(i), c.ChunkIndex)
			require.Equal(t, uint32(len(chunks)), c.TotalChunks)
			total += len(c.Entries)
		}
		require.Equal(t, vfs.MaxTotalEntries, total)
		require.False(t, chunks[len(chunks)-1].HasMore)
	})
}

func TestChunkIndexSequenceAndHasMoreInvariant(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	createFiles(t, dir, 320)

	chunks, err := vfs.New().List(dir, 0)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		require.Equal(t, uint32(i), c.ChunkIndex)
		require.Equal(t, i < len(chunks)-1, c.HasMore)
	}
}

func mustCreateFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func createFiles(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		mustCreateFile(t, filepath.Join(dir, fmt.Sprintf("f%05d", i)))
	}
}
