// internal/fs/read.go
package fs

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"os"
	"strconv"
	"strings"

	"strata/internal/deltify"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/index"
	"strata/internal/noderev"
	"strata/internal/rep"
)

// readItem returns the raw bytes of one indexed item in a committed
// revision file.
func (f *FS) readItem(rev id.Rev, itemIndex uint64) ([]byte, error) {
	entry, err := index.Lookup(f.Layout.RevL2PIndex(rev), itemIndex)
	if err != nil {
		return nil, err
	}
	return readSlice(f.Layout.RevFile(rev), entry)
}

// readTxnItem returns the raw bytes of one indexed item in a
// transaction's proto-rev file.
func (f *FS) readTxnItem(txn id.TxnID, itemIndex uint64) ([]byte, error) {
	entries, err := index.ReadAll(f.Layout.TxnProtoL2PIndex(txn))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ItemIndex == itemIndex {
			return readSlice(f.Layout.ProtoRevFile(txn), e)
		}
	}
	return nil, fserrors.Corrupt("item %d missing from transaction %s", itemIndex, txn)
}

func readSlice(path string, e index.Entry) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "opening %s", path)
	}
	defer file.Close()
	buf := make([]byte, e.Size)
	if _, err := file.ReadAt(buf, e.Offset); err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "reading item %d of %s", e.ItemIndex, path)
	}
	return buf, nil
}

// GetNodeRev loads a node-revision by id. Transaction-tagged ids read
// from the transaction directory; committed ids read through the
// revision indexes and the session cache.
func (f *FS) GetNodeRev(nid id.NodeRevID) (*noderev.NodeRev, error) {
	if nid.IsTxn() {
		data, err := os.ReadFile(f.Layout.TxnNodeFile(nid.TxnID(), nid))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fserrors.Corrupt("node-rev %s missing from transaction", nid)
			}
			return nil, fserrors.Wrap(fserrors.KindIO, err, "reading node-rev %s", nid)
		}
		return noderev.Parse(bufio.NewReader(bytes.NewReader(data)))
	}

	key := nid.NodeRevID.String()
	if cached, ok := f.nodeCache.Get(key); ok {
		return cached.Clone(), nil
	}
	data, err := f.readItem(nid.NodeRevID.ChangeSet.Rev(), nid.NodeRevID.Number)
	if err != nil {
		return nil, err
	}
	nr, err := noderev.Parse(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	f.nodeCache.Add(key, nr.Clone())
	return nr, nil
}

// RevRoot loads the root node-rev of a committed revision.
func (f *FS) RevRoot(rev id.Rev) (*noderev.NodeRev, error) {
	return f.GetNodeRev(id.NodeRevID{
		NodeRevID: id.Part{ChangeSet: id.RevChangeSet(rev), Number: index.ItemIndexRoot},
	})
}

// RepContents expands a representation to its full content, following
// the delta chain down to a self-delta.
func (f *FS) RepContents(r *rep.Rep) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	var raw []byte
	var err error
	if r.ChangeSet.IsTxn() {
		raw, err = f.readTxnItem(r.ChangeSet.Txn(), r.ItemIndex)
	} else {
		raw, err = f.readItem(r.ChangeSet.Rev(), r.ItemIndex)
	}
	if err != nil {
		return nil, err
	}

	header, payload, err := splitRep(raw)
	if err != nil {
		return nil, err
	}
	var base []byte
	if !header.SelfDelta {
		base, err = f.RepContents(&rep.Rep{
			ChangeSet: id.RevChangeSet(header.BaseRev),
			ItemIndex: header.BaseItem,
		})
		if err != nil {
			return nil, err
		}
	}
	content, err := deltify.Expand(payload, base)
	if err != nil {
		return nil, err
	}

	if r.MD5 != ([md5.Size]byte{}) {
		if md5.Sum(content) != r.MD5 {
			return nil, fserrors.New(fserrors.KindChecksumMismatch,
				"representation %s %d fails its MD5 check", r.ChangeSet, r.ItemIndex)
		}
	}
	return content, nil
}

// splitRep separates a raw rep block into its parsed header and the
// delta payload between the header line and the ENDREP trailer.
func splitRep(raw []byte) (rep.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := rep.ReadHeader(br)
	if err != nil {
		return rep.Header{}, nil, err
	}
	headerLen := bytes.IndexByte(raw, '\n') + 1
	if !bytes.HasSuffix(raw, []byte(rep.Trailer)) {
		return rep.Header{}, nil, fserrors.Corrupt("representation block missing trailer")
	}
	return header, raw[headerLen : len(raw)-len(rep.Trailer)], nil
}

// RepChainLength probes how many delta hops a representation's
// reconstruction takes, including the rep itself.
func (f *FS) RepChainLength(r *rep.Rep) (int, error) {
	length := 0
	cur := r
	for cur != nil {
		length++
		var raw []byte
		var err error
		if cur.ChangeSet.IsTxn() {
			raw, err = f.readTxnItem(cur.ChangeSet.Txn(), cur.ItemIndex)
		} else {
			raw, err = f.readItem(cur.ChangeSet.Rev(), cur.ItemIndex)
		}
		if err != nil {
			return 0, err
		}
		header, _, err := splitRep(raw)
		if err != nil {
			return 0, err
		}
		if header.SelfDelta {
			break
		}
		cur = &rep.Rep{ChangeSet: id.RevChangeSet(header.BaseRev), ItemIndex: header.BaseItem}
	}
	return length, nil
}

// ReadDir returns a directory node-rev's entry set. Mutable reps
// replay the transaction's delta log; committed reps expand the stored
// rep through the session cache.
func (f *FS) ReadDir(nr *noderev.NodeRev) (map[string]noderev.DirEntry, error) {
	if nr.Kind != noderev.KindDir {
		return nil, fserrors.New(fserrors.KindNotDir, "node-rev %s is not a directory", nr.ID)
	}
	if nr.DataRep == nil {
		return map[string]noderev.DirEntry{}, nil
	}
	if nr.DataRep.Mutable() {
		file, err := os.Open(f.Layout.TxnNodeChildrenFile(nr.ID.TxnID(), nr.ID))
		if err != nil {
			if os.IsNotExist(err) {
				return map[string]noderev.DirEntry{}, nil
			}
			return nil, fserrors.Wrap(fserrors.KindIO, err, "opening directory delta log")
		}
		defer file.Close()
		return noderev.ReplayDirDelta(file)
	}

	key := repItemKey(nr.DataRep)
	if cached, ok := f.dirCache.Get(key); ok {
		return copyEntries(cached), nil
	}
	data, err := f.RepContents(nr.DataRep)
	if err != nil {
		return nil, err
	}
	entries, err := noderev.ParseDirEntries(data)
	if err != nil {
		return nil, err
	}
	f.dirCache.Add(key, copyEntries(entries))
	return entries, nil
}

func repItemKey(r *rep.Rep) string {
	return r.ChangeSet.String() + ":" + strconv.FormatUint(r.ItemIndex, 10)
}

func copyEntries(entries map[string]noderev.DirEntry) map[string]noderev.DirEntry {
	out := make(map[string]noderev.DirEntry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// NodeAtPath walks from a revision's root to the node-rev at path.
func (f *FS) NodeAtPath(rev id.Rev, path string) (*noderev.NodeRev, error) {
	nr, err := f.RevRoot(rev)
	if err != nil {
		return nil, err
	}
	for _, component := range splitPath(path) {
		entries, err := f.ReadDir(nr)
		if err != nil {
			return nil, err
		}
		entry, ok := entries[component]
		if !ok {
			return nil, fserrors.Corrupt("path %q not found in r%d", path, rev)
		}
		if nr, err = f.GetNodeRev(entry.ID); err != nil {
			return nil, err
		}
	}
	return nr, nil
}

// FileContents reads a file's full content at a committed revision.
func (f *FS) FileContents(rev id.Rev, path string) ([]byte, error) {
	nr, err := f.NodeAtPath(rev, path)
	if err != nil {
		return nil, err
	}
	if nr.Kind != noderev.KindFile {
		return nil, fserrors.New(fserrors.KindNotFile, "%q in r%d is not a file", path, rev)
	}
	return f.RepContents(nr.DataRep)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// VerifyRev re-reads a freshly committed revision through empty
// caches: the root must load and every directory entry must resolve.
func (f *FS) VerifyRev(rev id.Rev) error {
	fresh := f.FreshCacheView()
	root, err := fresh.RevRoot(rev)
	if err != nil {
		return err
	}
	return fresh.verifyTree(root)
}

func (f *FS) verifyTree(nr *noderev.NodeRev) error {
	if nr.Kind != noderev.KindDir {
		_, err := f.RepContents(nr.DataRep)
		return err
	}
	entries, err := f.ReadDir(nr)
	if err != nil {
		return err
	}
	for _, name := range noderev.SortedNames(entries) {
		child, err := f.GetNodeRev(entries[name].ID)
		if err != nil {
			return err
		}
		if err := f.verifyTree(child); err != nil {
			return err
		}
	}
	return nil
}
