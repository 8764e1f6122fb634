// internal/txn/repwriter.go
package txn

import (
	"crypto/md5"
	"crypto/sha1"
	"hash"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"strata/internal/deltify"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/index"
	"strata/internal/layout"
	"strata/internal/lock"
	"strata/internal/noderev"
	"strata/internal/rep"
)

// GetSharedRep looks up an already-stored representation with the same
// content as r. Lookup order: the per-transaction in-memory map, the
// per-commit hash (when given), the persistent rep-cache, and the
// per-transaction on-disk sidecar. Persistent-lookup failures are
// downgraded to warnings and treated as misses unless they signal
// corruption or a malfunction. A hit returns a fresh descriptor carrying r's MD5; the
// cached entry is never mutated.
func GetSharedRep(t *Txn, r *rep.Rep, repsHash map[[sha1.Size]byte]*rep.Rep) (*rep.Rep, error) {
	if !t.FS.Config.Storage.RepSharing || !r.HasSHA1 {
		return nil, nil
	}

	persistent := t.FS.RepCache != nil

	adopt := func(old *rep.Rep) *rep.Rep {
		fresh := old.Clone()
		fresh.MD5 = r.MD5
		return fresh
	}

	if old, ok := t.repDigests[r.SHA1]; ok {
		return adopt(old), nil
	}
	if repsHash != nil {
		if old, ok := repsHash[r.SHA1]; ok {
			return adopt(old), nil
		}
	}

	if persistent {
		youngest, err := t.FS.YoungestCached()
		if err != nil {
			return nil, err
		}
		old, err := t.FS.RepCache.Get(r.SHA1, youngest)
		if err != nil {
			if fserrors.Fatal(err) {
				return nil, err
			}
			t.FS.Log.Warn("rep-cache lookup failed, treating as miss",
				zap.String("sha1", r.SHA1Hex()), zap.Error(err))
			old = nil
		}
		if old != nil {
			if err := checkRep(t, old); err != nil {
				t.FS.Log.Warn("rep-cache candidate failed validation, treating as miss",
					zap.String("sha1", r.SHA1Hex()), zap.Error(err))
			} else {
				return adopt(old), nil
			}
		}
	}

	data, err := os.ReadFile(t.FS.Layout.TxnRepSidecar(t.ID, r.SHA1Hex()))
	if err == nil {
		old, err := rep.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		return adopt(old), nil
	} else if !os.IsNotExist(err) {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "reading rep sidecar")
	}

	return nil, nil
}

// checkRep verifies that a rep-cache candidate still resolves through
// the revision indexes.
func checkRep(t *Txn, r *rep.Rep) error {
	_, err := index.Lookup(t.FS.Layout.RevL2PIndex(r.ChangeSet.Rev()), r.ItemIndex)
	return err
}

// repWriter streams file content into the transaction's proto-rev
// file, delta-encoded against the chosen base, accumulating both
// checksums as it goes.
type repWriter struct {
	t  *Txn
	nr *noderev.NodeRev

	guard      *lock.ProtoRevGuard
	repOffset  int64
	deltaStart int64

	md5h     hash.Hash
	sha1h    hash.Hash
	expanded uint64
	dw       *deltify.Writer

	closed bool
}

// SetContents opens a write stream replacing nr's file content. The
// representation becomes final when the stream is closed; on any
// failure the proto-rev file is truncated back and the lock released.
func (t *Txn) SetContents(nr *noderev.NodeRev) (io.WriteCloser, error) {
	if nr.Kind != noderev.KindFile {
		return nil, fserrors.New(fserrors.KindNotFile, "node-rev %s is not a file", nr.ID)
	}
	if !nr.ID.IsTxn() || nr.ID.TxnID() != t.ID {
		return nil, fserrors.Corrupt("attempt to write contents of %s outside its transaction", nr.ID)
	}

	guard, err := t.FS.Locks.LockProtoRev(t.ID)
	if err != nil {
		return nil, err
	}
	repOffset, err := guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		guard.Unlock()
		return nil, fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}

	base, err := ChooseDeltaBase(t.FS, nr, false)
	if err != nil {
		guard.Unlock()
		return nil, err
	}
	var baseBytes []byte
	header := rep.Header{SelfDelta: true}
	if base != nil {
		if baseBytes, err = t.FS.RepContents(base); err != nil {
			guard.Unlock()
			return nil, err
		}
		header = rep.Header{
			BaseRev:  base.ChangeSet.Rev(),
			BaseItem: base.ItemIndex,
			BaseLen:  uint64(len(baseBytes)),
		}
	}
	if _, err := io.WriteString(guard.File, header.String()); err != nil {
		guard.File.Truncate(repOffset)
		guard.Unlock()
		return nil, fserrors.Wrap(fserrors.KindIO, err, "writing rep header")
	}
	deltaStart, err := guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		guard.File.Truncate(repOffset)
		guard.Unlock()
		return nil, fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}

	return &repWriter{
		t:          t,
		nr:         nr,
		guard:      guard,
		repOffset:  repOffset,
		deltaStart: deltaStart,
		md5h:       md5.New(),
		sha1h:      sha1.New(),
		dw:         deltify.NewWriter(guard.File, baseBytes),
	}, nil
}

func (w *repWriter) Write(p []byte) (int, error) {
	w.md5h.Write(p)
	w.sha1h.Write(p)
	w.expanded += uint64(len(p))
	if _, err := w.dw.Write(p); err != nil {
		w.cleanup()
		return 0, fserrors.Wrap(fserrors.KindIO, err, "writing representation")
	}
	return len(p), nil
}

// cleanup truncates the unfinished representation away and releases
// the proto-rev lock. It runs on every abnormal exit.
func (w *repWriter) cleanup() {
	if w.closed {
		return
	}
	w.closed = true
	w.guard.File.Truncate(w.repOffset)
	w.guard.Unlock()
}

func (w *repWriter) Close() error {
	if w.closed {
		return nil
	}
	if err := w.dw.Close(); err != nil {
		w.cleanup()
		return fserrors.Wrap(fserrors.KindIO, err, "flushing delta stream")
	}
	end, err := w.guard.File.Seek(0, io.SeekCurrent)
	if err != nil {
		w.cleanup()
		return fserrors.Wrap(fserrors.KindIO, err, "positioning proto-rev file")
	}

	newRep := &rep.Rep{
		ChangeSet:    id.TxnChangeSet(w.t.ID),
		ItemIndex:    rep.ItemIndexUnused,
		Size:         uint64(end - w.deltaStart),
		ExpandedSize: w.expanded,
		HasSHA1:      true,
	}
	copy(newRep.MD5[:], w.md5h.Sum(nil))
	copy(newRep.SHA1[:], w.sha1h.Sum(nil))

	shared, err := GetSharedRep(w.t, newRep, nil)
	if err != nil {
		w.cleanup()
		return err
	}
	if shared != nil {
		// Identical content already stored: drop our bytes and adopt
		// the existing representation.
		if err := w.guard.File.Truncate(w.repOffset); err != nil {
			w.cleanup()
			return fserrors.Wrap(fserrors.KindIO, err, "truncating duplicate representation")
		}
		w.nr.DataRep = shared
	} else {
		if _, err := io.WriteString(w.guard.File, rep.Trailer); err != nil {
			w.cleanup()
			return fserrors.Wrap(fserrors.KindIO, err, "writing rep trailer")
		}
		item, err := w.t.AllocateItemIndex()
		if err != nil {
			w.cleanup()
			return err
		}
		newRep.ItemIndex = item
		entry := index.Entry{
			ItemIndex: item,
			Offset:    w.repOffset,
			Size:      end + int64(len(rep.Trailer)) - w.repOffset,
			Type:      index.ItemTypeFileRep,
		}
		if err := appendProtoIndexes(w.t, entry); err != nil {
			w.cleanup()
			return err
		}
		if err := layout.WriteFileAtomic(
			w.t.FS.Layout.TxnRepSidecar(w.t.ID, newRep.SHA1Hex()),
			[]byte(newRep.String()+"\n"), 0644); err != nil {
			w.cleanup()
			return err
		}
		w.t.repDigests[newRep.SHA1] = newRep
		w.nr.DataRep = newRep
	}

	if err := w.t.PutNodeRev(w.nr); err != nil {
		w.cleanup()
		return err
	}
	w.closed = true
	return w.guard.Unlock()
}

// appendProtoIndexes records an item in both proto-index streams.
func appendProtoIndexes(t *Txn, e index.Entry) error {
	if err := index.Append(t.FS.Layout.TxnProtoL2PIndex(t.ID), e); err != nil {
		return err
	}
	return index.Append(t.FS.Layout.TxnProtoP2LIndex(t.ID), e)
}
