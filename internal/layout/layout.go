// internal/layout/layout.go
package layout

import (
	"fmt"
	"path/filepath"

	"strata/internal/id"
)

// TxnSuffix marks transaction directories under transactions/.
const TxnSuffix = ".txn"

// Layout maps revision and transaction ids to on-disk paths. All
// methods are pure.
type Layout struct {
	Root      string
	ShardSize int64
}

func (l Layout) Format() string         { return filepath.Join(l.Root, "format") }
func (l Layout) Current() string        { return filepath.Join(l.Root, "current") }
func (l Layout) TxnCurrent() string     { return filepath.Join(l.Root, "txn-current") }
func (l Layout) TxnCurrentLock() string { return filepath.Join(l.Root, "txn-current-lock") }
func (l Layout) WriteLock() string      { return filepath.Join(l.Root, "write-lock") }
func (l Layout) MinUnpackedRev() string { return filepath.Join(l.Root, "min-unpacked-rev") }
func (l Layout) TxnsDir() string        { return filepath.Join(l.Root, "transactions") }

func (l Layout) shard(rev id.Rev) string {
	return fmt.Sprintf("%d", int64(rev)/l.ShardSize)
}

// RevShardDir is the directory bucket holding rev's revision file.
func (l Layout) RevShardDir(rev id.Rev) string {
	return filepath.Join(l.Root, "revs", l.shard(rev))
}

func (l Layout) RevFile(rev id.Rev) string {
	return filepath.Join(l.RevShardDir(rev), fmt.Sprintf("%d", rev))
}

func (l Layout) RevL2PIndex(rev id.Rev) string { return l.RevFile(rev) + ".l2p" }
func (l Layout) RevP2LIndex(rev id.Rev) string { return l.RevFile(rev) + ".p2l" }

// RevPackDir is the single-file bucket a shard becomes once packed.
func (l Layout) RevPackDir(rev id.Rev) string {
	return filepath.Join(l.Root, "revs", l.shard(rev)+".pack")
}

func (l Layout) RevPackFile(rev id.Rev) string {
	return filepath.Join(l.RevPackDir(rev), "pack")
}

func (l Layout) RevPackL2PIndex(rev id.Rev) string { return l.RevPackFile(rev) + ".l2p" }
func (l Layout) RevPackP2LIndex(rev id.Rev) string { return l.RevPackFile(rev) + ".p2l" }

func (l Layout) RevPropsShardDir(rev id.Rev) string {
	return filepath.Join(l.Root, "revprops", l.shard(rev))
}

func (l Layout) RevPropsFile(rev id.Rev) string {
	return filepath.Join(l.RevPropsShardDir(rev), fmt.Sprintf("%d", rev))
}

// IsShardStart reports whether rev is the first revision of its shard,
// meaning the shard directories do not exist yet.
func (l Layout) IsShardStart(rev id.Rev) bool {
	return int64(rev)%l.ShardSize == 0
}

// TxnDir is the per-transaction scratch directory.
func (l Layout) TxnDir(txn id.TxnID) string {
	return filepath.Join(l.TxnsDir(), txn.String()+TxnSuffix)
}

func (l Layout) ProtoRevFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "rev")
}

func (l Layout) ProtoRevLockFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "rev-lock")
}

func (l Layout) TxnChangesFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "changes")
}

func (l Layout) TxnNextIDsFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "next-ids")
}

func (l Layout) TxnItemIndexFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "item-index")
}

func (l Layout) TxnPropsFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "props")
}

func (l Layout) TxnPropsFinalFile(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "props-final")
}

// TxnNodeFile holds the serialized node-revision for one txn-local id.
func (l Layout) TxnNodeFile(txn id.TxnID, nid id.NodeRevID) string {
	return filepath.Join(l.TxnDir(txn), "node."+nodeFileKey(nid))
}

// TxnNodeChildrenFile is the append-only directory mutation log.
func (l Layout) TxnNodeChildrenFile(txn id.TxnID, nid id.NodeRevID) string {
	return l.TxnNodeFile(txn, nid) + ".children"
}

func (l Layout) TxnNodePropsFile(txn id.TxnID, nid id.NodeRevID) string {
	return l.TxnNodeFile(txn, nid) + ".props"
}

// TxnRepSidecar is the intra-txn rep-sharing sidecar named by digest.
func (l Layout) TxnRepSidecar(txn id.TxnID, sha1Hex string) string {
	return filepath.Join(l.TxnDir(txn), sha1Hex)
}

func (l Layout) TxnProtoL2PIndex(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "index.l2p")
}

func (l Layout) TxnProtoP2LIndex(txn id.TxnID) string {
	return filepath.Join(l.TxnDir(txn), "index.p2l")
}

// nodeFileKey flattens a node-rev id into a filename-safe key. The
// noderev part alone is unique within one transaction.
func nodeFileKey(nid id.NodeRevID) string {
	return fmt.Sprintf("%x", nid.NodeRevID.Number)
}
