// internal/commit/commit.go
package commit

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"strata/internal/change"
	"strata/internal/deltify"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/index"
	"strata/internal/layout"
	"strata/internal/lock"
	"strata/internal/noderev"
	"strata/internal/rep"
	"strata/internal/revprops"
	"strata/internal/txn"
)

// LockChecker verifies path locks before a commit becomes visible.
// Recursive checks cover the whole subtree under path.
type LockChecker interface {
	Check(path string, recurse bool) error
}

// Options tunes one commit.
type Options struct {
	// Locks verifies path-level locks; nil skips lock verification.
	Locks LockChecker
	// Now supplies the commit timestamp; nil uses the wall clock.
	Now func() time.Time
}

// Commit promotes t into the next revision. On success the returned
// revision is the new youngest; the transaction directory is gone. A
// base revision that is no longer youngest fails with TxnOutOfDate and
// leaves both the transaction and the repository untouched.
func Commit(f *fs.FS, t *txn.Txn, opts Options) (id.Rev, error) {
	var newRev id.Rev
	var repsToCache []*rep.Rep

	err := f.Locks.WithWriteLock(func() error {
		var err error
		newRev, repsToCache, err = commitBody(f, t, opts)
		return err
	})
	if err != nil {
		return id.InvalidRev, err
	}

	// The rep-sharing index is updated outside the write lock, in a
	// single persistent transaction. A failure here only costs future
	// dedup opportunities.
	if f.Config.Storage.RepSharing && f.RepCache != nil && len(repsToCache) > 0 {
		if err := f.RepCache.SetBatch(repsToCache); err != nil {
			f.Log.Warn("writing reps to rep-cache failed", zap.Error(err))
		}
	}
	return newRev, nil
}

func commitBody(f *fs.FS, t *txn.Txn, opts Options) (id.Rev, []*rep.Rep, error) {
	youngest, err := f.Youngest()
	if err != nil {
		return id.InvalidRev, nil, err
	}
	if t.BaseRev != youngest {
		return id.InvalidRev, nil, fserrors.TxnOutOfDate(
			"transaction out of date: based on r%d but youngest is r%d", t.BaseRev, youngest)
	}

	folded, err := t.ChangesFetch()
	if err != nil {
		return id.InvalidRev, nil, err
	}

	if opts.Locks != nil {
		if err := verifyLocks(opts.Locks, folded); err != nil {
			return id.InvalidRev, nil, err
		}
	}
	if err := verifyMoves(f, folded, t.BaseRev, youngest); err != nil {
		return id.InvalidRev, nil, err
	}

	newRev := youngest + 1

	guard, err := f.Locks.LockProtoRev(t.ID)
	if err != nil {
		return id.InvalidRev, nil, err
	}
	defer guard.Unlock()

	w := &finalWriter{
		fs:       f,
		txn:      t,
		guard:    guard,
		rev:      newRev,
		repsHash: make(map[[sha1.Size]byte]*rep.Rep),
	}
	if _, err := w.writeFinalRev(t.RootID, true); err != nil {
		return id.InvalidRev, nil, err
	}
	if err := w.writeFinalChangedPathInfo(folded); err != nil {
		return id.InvalidRev, nil, err
	}
	if err := guard.File.Sync(); err != nil {
		return id.InvalidRev, nil, fserrors.Wrap(fserrors.KindIO, err, "syncing proto-rev file")
	}

	if f.Layout.IsShardStart(newRev) {
		for _, dir := range []string{f.Layout.RevShardDir(newRev), f.Layout.RevPropsShardDir(newRev)} {
			if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
				return id.InvalidRev, nil, fserrors.Wrap(fserrors.KindIO, err, "creating shard directory")
			}
		}
	}

	atomic := func(path string, data []byte) error {
		return layout.WriteFileAtomic(path, data, 0644)
	}
	if err := index.Finalize(f.Layout.TxnProtoL2PIndex(t.ID),
		f.Layout.RevL2PIndex(newRev), f.Layout.RevP2LIndex(newRev), atomic); err != nil {
		return id.InvalidRev, nil, err
	}

	// Atomic publish: the proto-rev file becomes the revision file.
	// The proto-rev lock stays held until the rename is done so the
	// path cannot be reused under us.
	if err := layout.MoveIntoPlace(f.Layout.ProtoRevFile(t.ID),
		f.Layout.RevFile(newRev), f.Layout.RevFile(newRev-1)); err != nil {
		return id.InvalidRev, nil, err
	}
	if err := guard.Unlock(); err != nil {
		return id.InvalidRev, nil, err
	}

	if err := finalizeRevProps(f, t, newRev, opts); err != nil {
		return id.InvalidRev, nil, err
	}

	if f.Config.VerifyBeforePublish {
		if err := f.VerifyRev(newRev); err != nil {
			return id.InvalidRev, nil, err
		}
	}

	if err := f.BumpYoungest(newRev); err != nil {
		return id.InvalidRev, nil, err
	}
	f.Log.Info("committed revision",
		zap.Int64("revision", int64(newRev)), zap.String("txn", t.ID.String()))

	if err := txn.Purge(f, t.ID); err != nil {
		f.Log.Warn("purging committed transaction failed", zap.Error(err))
	}
	return newRev, w.repsToCache, nil
}

// verifyLocks walks the changed paths in depth-first order. Adds,
// deletes and replacements need a recursive check; pure modifications
// do not. Paths already covered by a recursive check are skipped.
func verifyLocks(checker LockChecker, folded map[string]*change.Change) error {
	paths := change.SortedPaths(folded)
	lastRecursed := ""
	for _, path := range paths {
		if lastRecursed != "" && isDescendant(lastRecursed, path) {
			continue
		}
		c := folded[path]
		recurse := c.Kind != change.KindModify
		if err := checker.Check(path, recurse); err != nil {
			return err
		}
		if recurse {
			lastRecursed = path
		}
	}
	return nil
}

// finalWriter rewrites the transaction tree into the proto-rev file,
// converting transaction-tagged state into rev-tagged state.
type finalWriter struct {
	fs    *fs.FS
	txn   *txn.Txn
	guard *lock.ProtoRevGuard
	rev   id.Rev

	repsToCache []*rep.Rep
	repsHash    map[[sha1.Size]byte]*rep.Rep
}

func getFinalPart(p id.Part, rev id.Rev) id.Part {
	if p.ChangeSet.IsTxn() {
		p.ChangeSet = id.RevChangeSet(rev)
	}
	return p
}

// writeFinalRev writes the node at nid (directories depth-first,
// children before their parent) and returns its final id. Nodes
// already committed return the zero id and are left alone.
func (w *finalWriter) writeFinalRev(nid id.NodeRevID, atRoot bool) (id.NodeRevID, error) {
	if !nid.IsTxn() {
		return id.NodeRevID{}, nil
	}
	nr, err := w.txn.GetNodeRev(nid)
	if err != nil {
		return id.NodeRevID{}, err
	}

	if nr.Kind == noderev.KindDir {
		entries, err := w.txn.ReadDir(nr)
		if err != nil {
			return id.NodeRevID{}, err
		}
		for _, name := range noderev.SortedNames(entries) {
			entry := entries[name]
			newID, err := w.writeFinalRev(entry.ID, false)
			if err != nil {
				return id.NodeRevID{}, err
			}
			if newID != (id.NodeRevID{}) {
				entry.ID = newID
				entries[name] = entry
			}
		}
		if nr.DataRep.Mutable() {
			data := noderev.SerializeDirEntries(entries)
			if err := w.writeContentRep(nr, nr.DataRep, data, index.ItemTypeDirRep, false); err != nil {
				return id.NodeRevID{}, err
			}
		}
	} else if nr.DataRep.Mutable() {
		// File contents are already in the proto-rev file; only the
		// change-set tag moves to the new revision.
		nr.DataRep.ChangeSet = id.RevChangeSet(w.rev)
	}

	if nr.PropRep.Mutable() {
		props, err := w.txn.Proplist(nr)
		if err != nil {
			return id.NodeRevID{}, err
		}
		itemType := index.ItemTypeFileProps
		if nr.Kind == noderev.KindDir {
			itemType = index.ItemTypeDirProps
		}
		if err := w.writeContentRep(nr, nr.PropRep, revprops.Serialize(props), itemType, true); err != nil {
			return id.NodeRevID{}, err
		}
	}

	nr.ID = id.NodeRevID{
		NodeID:    getFinalPart(nr.ID.NodeID, w.rev),
		CopyID:    getFinalPart(nr.ID.CopyID, w.rev),
		NodeRevID: getFinalPart(nr.ID.NodeRevID, w.rev),
	}
	if !nr.CopyrootRev.Valid() {
		nr.CopyrootRev = w.rev
	}
	if nr.PredecessorID != nil && nr.PredecessorID.IsTxn() {
		return id.NodeRevID{}, fserrors.Corrupt("node-rev %s has a transaction-local predecessor", nr.ID)
	}

	if w.fs.Config.Storage.RepSharing {
		if nr.DataRep != nil && nr.Kind == noderev.KindFile &&
			nr.DataRep.ChangeSet.Rev() == w.rev {
			w.repsToCache = append(w.repsToCache, nr.DataRep.Clone())
		}
		if nr.PropRep != nil && nr.PropRep.ChangeSet.Rev() == w.rev {
			copied := nr.PropRep.Clone()
			w.repsToCache = append(w.repsToCache, copied)
			w.repsHash[copied.SHA1] = copied
		}
	}

	// SHA-1 digests of directory data and of property lists are not
	// worth the on-disk bytes.
	if nr.DataRep != nil && nr.Kind == noderev.KindDir {
		nr.DataRep.HasSHA1 = false
	}
	if nr.PropRep != nil {
		nr.PropRep.HasSHA1 = false
	}
	nr.IsFreshTxnRoot = false

	if atRoot {
		if err := w.validateRoot(nr); err != nil {
			return id.NodeRevID{}, err
		}
	}

	offset, err := w.guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return id.NodeRevID{}, fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}
	if err := nr.Serialize(w.guard.File); err != nil {
		return id.NodeRevID{}, fserrors.Wrap(fserrors.KindIO, err, "writing final node-rev")
	}
	end, err := w.guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return id.NodeRevID{}, fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}
	entry := index.Entry{
		ItemIndex: nr.ID.NodeRevID.Number,
		Offset:    offset,
		Size:      end - offset,
		Type:      index.ItemTypeNodeRev,
	}
	if err := w.appendIndexes(entry); err != nil {
		return id.NodeRevID{}, err
	}
	return nr.ID, nil
}

// validateRoot guards against predecessor-count corruption spreading:
// the new root must extend head's root chain by exactly the revision
// distance.
func (w *finalWriter) validateRoot(root *noderev.NodeRev) error {
	headRoot, err := w.fs.RevRoot(w.rev - 1)
	if err != nil {
		return err
	}
	if root.PredecessorCount-headRoot.PredecessorCount != 1 {
		return fserrors.Corrupt(
			"predecessor count for the root node-revision is wrong: found (%d+1 != %d), committing r%d",
			headRoot.PredecessorCount, root.PredecessorCount, w.rev)
	}
	return nil
}

// writeContentRep delta-encodes data against the chosen base and
// stores it in the proto-rev file, applying rep sharing first. On
// return target describes the final committed representation.
func (w *finalWriter) writeContentRep(nr *noderev.NodeRev, target *rep.Rep, data []byte,
	itemType index.ItemType, props bool) error {

	newRep := &rep.Rep{
		ChangeSet:    id.RevChangeSet(w.rev),
		ItemIndex:    target.ItemIndex,
		ExpandedSize: uint64(len(data)),
		MD5:          md5.Sum(data),
		SHA1:         sha1.Sum(data),
		HasSHA1:      true,
	}

	shared, err := txn.GetSharedRep(w.txn, newRep, w.repsHash)
	if err != nil {
		return err
	}
	if shared != nil {
		// A sidecar hit can name a rep staged in this transaction;
		// the proto-rev file becomes the revision file with its
		// offsets intact, so only the tag moves.
		if shared.ChangeSet.IsTxn() {
			shared.ChangeSet = id.RevChangeSet(w.rev)
		}
		*target = *shared
		return nil
	}

	base, err := txn.ChooseDeltaBase(w.fs, nr, props)
	if err != nil {
		return err
	}
	var baseBytes []byte
	header := rep.Header{SelfDelta: true}
	if base != nil {
		if baseBytes, err = w.fs.RepContents(base); err != nil {
			return err
		}
		header = rep.Header{
			BaseRev:  base.ChangeSet.Rev(),
			BaseItem: base.ItemIndex,
			BaseLen:  uint64(len(baseBytes)),
		}
	}

	offset, err := w.guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}
	var block bytes.Buffer
	block.WriteString(header.String())
	headerLen := block.Len()
	dw := deltify.NewWriter(&block, baseBytes)
	if _, err := dw.Write(data); err != nil {
		return err
	}
	if err := dw.Close(); err != nil {
		return err
	}
	newRep.Size = uint64(block.Len() - headerLen)
	block.WriteString(rep.Trailer)
	if _, err := w.guard.File.Write(block.Bytes()); err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "writing representation")
	}

	if newRep.ItemIndex == rep.ItemIndexUnused {
		item, err := w.txn.AllocateItemIndex()
		if err != nil {
			return err
		}
		newRep.ItemIndex = item
	}
	entry := index.Entry{
		ItemIndex: newRep.ItemIndex,
		Offset:    offset,
		Size:      int64(block.Len()),
		Type:      itemType,
	}
	if err := w.appendIndexes(entry); err != nil {
		return err
	}
	*target = *newRep
	return nil
}

// writeFinalChangedPathInfo emits the canonical changed-paths block.
// Move records carry the revision they left as copy-from.
func (w *finalWriter) writeFinalChangedPathInfo(folded map[string]*change.Change) error {
	for _, c := range folded {
		if c.Kind == change.KindMove || c.Kind == change.KindMoveReplace {
			if c.HasCopyfrom() {
				c.CopyfromRev = w.rev - 1
			}
		}
		if c.NodeRevID != nil && c.NodeRevID.IsTxn() {
			final := id.NodeRevID{
				NodeID:    getFinalPart(c.NodeRevID.NodeID, w.rev),
				CopyID:    getFinalPart(c.NodeRevID.CopyID, w.rev),
				NodeRevID: getFinalPart(c.NodeRevID.NodeRevID, w.rev),
			}
			c.NodeRevID = &final
		}
	}

	offset, err := w.guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}
	data := change.SerializeFolded(folded)
	if _, err := w.guard.File.Write(data); err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "writing changed-paths block")
	}
	return w.appendIndexes(index.Entry{
		ItemIndex: index.ItemIndexChanges,
		Offset:    offset,
		Size:      int64(len(data)),
		Type:      index.ItemTypeChanges,
	})
}

func (w *finalWriter) appendIndexes(e index.Entry) error {
	if err := index.Append(w.fs.Layout.TxnProtoL2PIndex(w.txn.ID), e); err != nil {
		return err
	}
	return index.Append(w.fs.Layout.TxnProtoP2LIndex(w.txn.ID), e)
}

// finalizeRevProps writes the new revision's property file: strip the
// internal markers, stamp the date (preserving a client-supplied one
// when the marker says so), then rename into place.
func finalizeRevProps(f *fs.FS, t *txn.Txn, newRev id.Rev, opts Options) error {
	props, err := t.Props()
	if err != nil {
		return err
	}
	clientDate := props[revprops.PropClientDate] != ""
	final := revprops.StripMarkers(props)
	if !clientDate || final[revprops.PropDate] == "" {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		final[revprops.PropDate] = now().UTC().Format(revprops.DateFormat)
	}
	return layout.WriteFileAtomic(f.Layout.RevPropsFile(newRev),
		revprops.Serialize(final), 0644)
}

