// internal/layout/layout_test.go
package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/id"
)

var l = Layout{Root: "/repo", ShardSize: 1000}

func TestRevisionPaths(t *testing.T) {
	assert.Equal(t, "/repo/revs/0/999", l.RevFile(999))
	assert.Equal(t, "/repo/revs/1/1000", l.RevFile(1000))
	assert.Equal(t, "/repo/revs/0/42.l2p", l.RevL2PIndex(42))
	assert.Equal(t, "/repo/revs/0/42.p2l", l.RevP2LIndex(42))
	assert.Equal(t, "/repo/revprops/2/2345", l.RevPropsFile(2345))
}

func TestPackPaths(t *testing.T) {
	assert.Equal(t, "/repo/revs/0.pack/pack", l.RevPackFile(7))
	assert.Equal(t, "/repo/revs/0.pack/pack.l2p", l.RevPackL2PIndex(7))
	assert.Equal(t, "/repo/revs/3.pack/pack.p2l", l.RevPackP2LIndex(3500))
}

func TestShardStart(t *testing.T) {
	assert.True(t, l.IsShardStart(0))
	assert.True(t, l.IsShardStart(1000))
	assert.False(t, l.IsShardStart(999))
	assert.False(t, l.IsShardStart(1001))
}

func TestTxnPaths(t *testing.T) {
	txn := id.TxnID(35) // "z" in base-36
	assert.Equal(t, "/repo/transactions/z.txn", l.TxnDir(txn))
	assert.Equal(t, "/repo/transactions/z.txn/rev", l.ProtoRevFile(txn))
	assert.Equal(t, "/repo/transactions/z.txn/rev-lock", l.ProtoRevLockFile(txn))
	assert.Equal(t, "/repo/transactions/z.txn/next-ids", l.TxnNextIDsFile(txn))

	nid := id.NodeRevID{
		NodeRevID: id.Part{ChangeSet: id.TxnChangeSet(txn), Number: 255},
	}
	assert.Equal(t, "/repo/transactions/z.txn/node.ff", l.TxnNodeFile(txn, nid))
	assert.Equal(t, "/repo/transactions/z.txn/node.ff.children", l.TxnNodeChildrenFile(txn, nid))
	assert.Equal(t, "/repo/transactions/z.txn/node.ff.props", l.TxnNodePropsFile(txn, nid))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current")

	require.NoError(t, WriteFileAtomic(path, []byte("1\n"), 0644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))

	// Overwrite leaves no temp files behind.
	require.NoError(t, WriteFileAtomic(path, []byte("2\n"), 0644))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
