package stager

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "bundle-worker")
	require.NoError(t, os.WriteFile(source, []byte("#!/bin/sh\necho worker\n"), 0o644))
	return New(source, filepath.Join(dir, "staged-worker"), 0o750)
}

func TestEnsureStagedCopiesOnceUnderConcurrency(t *testing.T) {
	s := newTestStager(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureStaged()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, s.Copies())
	info, err := os.Stat(s.Target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	got, err := os.ReadFile(s.Target)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho worker\n", string(got))
}

func TestEnsureStagedSkipsExistingTarget(t *testing.T) {
	s := newTestStager(t)
	require.NoError(t, os.WriteFile(s.Target, []byte("already here"), 0o750))

	require.NoError(t, s.EnsureStaged())
	assert.Equal(t, 0, s.Copies())

	got, err := os.ReadFile(s.Target)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(got))
}

func TestEnsureStagedAfterRemoval(t *testing.T) {
	s := newTestStager(t)
	require.NoError(t, s.EnsureStaged())
	require.NoError(t, s.Remove())
	require.NoError(t, s.Remove(), "removing a missing file is not an error")

	_, err := os.Stat(s.Target)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.EnsureStaged())
	assert.Equal(t, 2, s.Copies())
}

func TestEnsureStagedMissingSource(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "missing"), filepath.Join(dir, "staged"), 0o750)

	err := s.EnsureStaged()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, 0, s.Copies())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary files left behind")
}
