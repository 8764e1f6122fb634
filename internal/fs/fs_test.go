// internal/fs/fs_test.go
package fs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/internal/config"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/noderev"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	f, err := Create(t.TempDir(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCreateBootstrapsEmptyTree(t *testing.T) {
	f := newTestFS(t)

	youngest, err := f.Youngest()
	require.NoError(t, err)
	assert.Equal(t, id.Rev(0), youngest)

	root, err := f.RevRoot(0)
	require.NoError(t, err)
	assert.Equal(t, noderev.KindDir, root.Kind)
	assert.Zero(t, root.PredecessorCount)

	entries, err := f.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, f.VerifyRev(0))
}

func TestOpenExisting(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(dir, config.Default(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	youngest, err := reopened.Youngest()
	require.NoError(t, err)
	assert.Equal(t, id.Rev(0), youngest)
}

func TestOpenMissingRepository(t *testing.T) {
	_, err := Open(t.TempDir()+"/nope", zap.NewNop())
	assert.Error(t, err)
}

func TestYoungestRejectsCorruptCurrent(t *testing.T) {
	f := newTestFS(t)

	require.NoError(t, os.WriteFile(f.Layout.Current(), []byte("0"), 0644))
	_, err := f.Youngest()
	assert.True(t, fserrors.IsKind(err, fserrors.KindCorrupt))

	require.NoError(t, os.WriteFile(f.Layout.Current(), []byte("abc\n"), 0644))
	_, err = f.Youngest()
	assert.True(t, fserrors.IsKind(err, fserrors.KindCorrupt))
}

func TestBumpYoungestUpdatesCache(t *testing.T) {
	f := newTestFS(t)
	// Simulate a published revision marker.
	require.NoError(t, f.BumpYoungest(0))

	cached, err := f.YoungestCached()
	require.NoError(t, err)
	assert.Equal(t, id.Rev(0), cached)
}

func TestNodeAtPathMissing(t *testing.T) {
	f := newTestFS(t)
	_, err := f.NodeAtPath(0, "/nothing")
	assert.Error(t, err)
}

func TestFileContentsOnDirectory(t *testing.T) {
	f := newTestFS(t)
	_, err := f.FileContents(0, "/")
	assert.True(t, fserrors.IsKind(err, fserrors.KindNotFile))
}
