// internal/txn/txn_test.go
package txn

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/internal/config"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/index"
	"strata/internal/noderev"
)

func newTestFS(t *testing.T) *fs.FS {
	t.Helper()
	f, err := fs.Create(t.TempDir(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestBeginCreatesScaffolding(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	// A fresh transaction's next-ids file is exactly "0 0\n".
	nextIDs, err := os.ReadFile(f.Layout.TxnNextIDsFile(tx.ID))
	require.NoError(t, err)
	assert.Equal(t, "0 0\n", string(nextIDs))

	for _, path := range []string{
		f.Layout.ProtoRevFile(tx.ID),
		f.Layout.ProtoRevLockFile(tx.ID),
		f.Layout.TxnChangesFile(tx.ID),
	} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	}

	root, err := tx.Root()
	require.NoError(t, err)
	assert.True(t, root.IsFreshTxnRoot)
	assert.Equal(t, int64(1), root.PredecessorCount)
	require.NotNil(t, root.PredecessorID)
	assert.Equal(t, id.Rev(0), root.PredecessorID.NodeRevID.ChangeSet.Rev())

	// The shared counter moved on.
	data, err := os.ReadFile(f.Layout.TxnCurrent())
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))
}

func TestBeginMintsDistinctIDs(t *testing.T) {
	f := newTestFS(t)
	t1, err := Begin(f, 0)
	require.NoError(t, err)
	t2, err := Begin(f, 0)
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID, t2.ID)
}

func TestReserveIDsMonotonic(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	a, err := tx.ReserveNodeID()
	require.NoError(t, err)
	b, err := tx.ReserveNodeID()
	require.NoError(t, err)
	assert.Less(t, a.Number, b.Number)
	assert.True(t, a.ChangeSet.IsTxn())

	c, err := tx.ReserveCopyID()
	require.NoError(t, err)
	d, err := tx.ReserveCopyID()
	require.NoError(t, err)
	assert.Less(t, c.Number, d.Number)
}

func TestAllocateItemIndexStartsAtFirstUser(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	first, err := tx.AllocateItemIndex()
	require.NoError(t, err)
	assert.Equal(t, index.ItemIndexFirstUser, first)

	second, err := tx.AllocateItemIndex()
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestOpenAndList(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	ids, err := List(f)
	require.NoError(t, err)
	assert.Equal(t, []id.TxnID{tx.ID}, ids)

	reopened, err := Open(f, tx.ID.String())
	require.NoError(t, err)
	assert.Equal(t, tx.ID, reopened.ID)
	assert.Equal(t, id.Rev(0), reopened.BaseRev)

	_, err = Open(f, "zzz")
	assert.True(t, fserrors.IsKind(err, fserrors.KindNoSuchTransaction))
}

func TestAbortRemovesEverything(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())

	_, err = os.Stat(f.Layout.TxnDir(tx.ID))
	assert.True(t, os.IsNotExist(err))

	ids, err := List(f)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSetEntryMaterializesDirectory(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	root, err := tx.Root()
	require.NoError(t, err)
	assert.False(t, root.DataRep.Mutable())

	child, err := tx.CreateNode(noderev.KindFile, "/iota", root.ID.CopyID)
	require.NoError(t, err)
	require.NoError(t, tx.SetEntry(root, "iota", &child.ID, noderev.KindFile))

	assert.True(t, root.DataRep.Mutable())
	_, err = os.Stat(f.Layout.TxnNodeChildrenFile(tx.ID, root.ID))
	require.NoError(t, err)

	entries, err := tx.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries["iota"].ID.Eq(child.ID))

	require.NoError(t, tx.SetEntry(root, "iota", nil, noderev.KindFile))
	entries, err = tx.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetEntryRejectsFiles(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)
	root, err := tx.Root()
	require.NoError(t, err)

	file, err := tx.CreateNode(noderev.KindFile, "/iota", root.ID.CopyID)
	require.NoError(t, err)
	err = tx.SetEntry(file, "sub", &root.ID, noderev.KindDir)
	assert.True(t, fserrors.IsKind(err, fserrors.KindNotDir))
}

func TestWriteFileStoresContent(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	nr, err := tx.MakeFile("/iota")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("hello\n")))

	nr, err = tx.GetNodeRev(nr.ID)
	require.NoError(t, err)
	require.NotNil(t, nr.DataRep)
	assert.True(t, nr.DataRep.Mutable())
	assert.Equal(t, uint64(6), nr.DataRep.ExpandedSize)

	content, err := f.RepContents(nr.DataRep)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), content)
}

func TestConcurrentRepWritersRejected(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	nr, err := tx.MakeFile("/iota")
	require.NoError(t, err)

	w, err := tx.SetContents(nr)
	require.NoError(t, err)
	defer w.Close()

	_, err = tx.SetContents(nr)
	assert.True(t, fserrors.IsKind(err, fserrors.KindRepBeingWritten))
}

// Two identical payloads in one transaction store a single physical
// representation.
func TestIntraTxnRepSharing(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	a, err := tx.MakeFile("/a")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/a", []byte("same bytes\n")))

	sizeAfterFirst := protoRevSize(t, f, tx)

	b, err := tx.MakeFile("/b")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/b", []byte("same bytes\n")))

	assert.Equal(t, sizeAfterFirst, protoRevSize(t, f, tx))

	a, err = tx.GetNodeRev(a.ID)
	require.NoError(t, err)
	b, err = tx.GetNodeRev(b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.DataRep.ItemIndex, b.DataRep.ItemIndex)
	assert.Equal(t, a.DataRep.SHA1, b.DataRep.SHA1)
}

func protoRevSize(t *testing.T, f *fs.FS, tx *Txn) int64 {
	t.Helper()
	info, err := os.Stat(f.Layout.ProtoRevFile(tx.ID))
	require.NoError(t, err)
	return info.Size()
}

func TestTxnProps(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	require.NoError(t, tx.SetProp("strata:log", "first commit"))
	props, err := tx.Props()
	require.NoError(t, err)
	assert.Equal(t, "first commit", props["strata:log"])

	// Empty value removes.
	require.NoError(t, tx.SetProp("strata:log", ""))
	props, err = tx.Props()
	require.NoError(t, err)
	assert.NotContains(t, props, "strata:log")
}

func TestSetProplistAllocatesPropRep(t *testing.T) {
	f := newTestFS(t)
	tx, err := Begin(f, 0)
	require.NoError(t, err)

	nr, err := tx.MakeFile("/iota")
	require.NoError(t, err)
	require.Nil(t, nr.PropRep)

	require.NoError(t, tx.SetProplist(nr, map[string]string{"user:mime": "text/plain"}))
	require.NotNil(t, nr.PropRep)
	assert.True(t, nr.PropRep.Mutable())

	props, err := tx.Proplist(nr)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", props["user:mime"])
}
