// internal/txn/store.go
package txn

import (
	"crypto/sha1"
	"fmt"
	"os"
	"strings"

	"strata/internal/base36"
	"strata/internal/change"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/index"
	"strata/internal/layout"
	"strata/internal/noderev"
	"strata/internal/registry"
	"strata/internal/rep"
	"strata/internal/revprops"
)

// Txn is a handle on one open transaction. A handle has a single
// owner; concurrent mutators on the same transaction are detected
// through the proto-rev lock and fail with RepBeingWritten.
type Txn struct {
	FS      *fs.FS
	ID      id.TxnID
	BaseRev id.Rev
	RootID  id.NodeRevID

	// In-memory view of mutable directories, keyed by the parent's
	// noderev handle. Updated by partial replacement on SetEntry.
	dirs map[string]map[string]noderev.DirEntry

	// Per-transaction SHA-1 map of representations written so far,
	// backing intra-transaction rep sharing.
	repDigests map[[sha1.Size]byte]*rep.Rep
}

// Begin opens a new transaction based on baseRev: mints an id from the
// shared counter, creates the transaction directory, and installs the
// base revision's root as the initial transaction root.
func Begin(f *fs.FS, baseRev id.Rev) (*Txn, error) {
	youngest, err := f.Youngest()
	if err != nil {
		return nil, err
	}
	if baseRev > youngest {
		return nil, fserrors.Corrupt("cannot begin transaction on nonexistent revision %d", baseRev)
	}

	var txnID id.TxnID
	err = f.Locks.WithTxnCurrentLock(func() error {
		data, err := os.ReadFile(f.Layout.TxnCurrent())
		if err != nil {
			return fserrors.Wrap(fserrors.KindIO, err, "reading txn-current")
		}
		n, err := base36.DecodeLine(data)
		if err != nil {
			return err
		}
		txnID = id.TxnID(n)
		next := base36.Encode(n+1) + "\n"
		return layout.WriteFileAtomic(f.Layout.TxnCurrent(), []byte(next), 0644)
	})
	if err != nil {
		return nil, err
	}

	dir := f.Layout.TxnDir(txnID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "creating transaction directory")
	}
	for _, init := range []struct{ path, data string }{
		{f.Layout.ProtoRevFile(txnID), ""},
		{f.Layout.ProtoRevLockFile(txnID), ""},
		{f.Layout.TxnChangesFile(txnID), ""},
		{f.Layout.TxnNextIDsFile(txnID), "0 0\n"},
	} {
		if err := os.WriteFile(init.path, []byte(init.data), 0644); err != nil {
			return nil, fserrors.Wrap(fserrors.KindIO, err, "initializing transaction files")
		}
	}

	f.Locks.WithTxnListLock(func(reg *registry.Registry) error {
		reg.GetOrCreate(txnID)
		return nil
	})

	t := &Txn{
		FS:         f,
		ID:         txnID,
		BaseRev:    baseRev,
		dirs:       make(map[string]map[string]noderev.DirEntry),
		repDigests: make(map[[sha1.Size]byte]*rep.Rep),
	}

	baseRoot, err := f.RevRoot(baseRev)
	if err != nil {
		return nil, err
	}
	root := baseRoot.Clone()
	root.PredecessorID = &baseRoot.ID
	root.PredecessorCount = baseRoot.PredecessorCount + 1
	root.ID = id.NodeRevID{
		NodeID:    baseRoot.ID.NodeID,
		CopyID:    baseRoot.ID.CopyID,
		NodeRevID: id.Part{ChangeSet: id.TxnChangeSet(txnID), Number: index.ItemIndexRoot},
	}
	root.IsFreshTxnRoot = true
	if err := t.PutNodeRev(root); err != nil {
		return nil, err
	}
	t.RootID = root.ID
	return t, nil
}

// Open attaches to an existing transaction by name (its base-36 id).
func Open(f *fs.FS, name string) (*Txn, error) {
	txnID, err := id.ParseTxnID(name)
	if err != nil {
		return nil, fserrors.NoSuchTransaction(name)
	}
	info, err := os.Stat(f.Layout.TxnDir(txnID))
	if err != nil || !info.IsDir() {
		return nil, fserrors.NoSuchTransaction(name)
	}

	t := &Txn{
		FS:         f,
		ID:         txnID,
		dirs:       make(map[string]map[string]noderev.DirEntry),
		repDigests: make(map[[sha1.Size]byte]*rep.Rep),
	}
	t.RootID = id.NodeRevID{
		NodeRevID: id.Part{ChangeSet: id.TxnChangeSet(txnID), Number: index.ItemIndexRoot},
	}
	root, err := f.GetNodeRev(t.RootID)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.KindNoSuchTransaction, err,
			"transaction %s has no root", name)
	}
	t.RootID = root.ID
	if root.PredecessorID == nil {
		return nil, fserrors.Corrupt("transaction %s root has no predecessor", name)
	}
	t.BaseRev = root.PredecessorID.NodeRevID.ChangeSet.Rev()

	f.Locks.WithTxnListLock(func(reg *registry.Registry) error {
		reg.GetOrCreate(txnID)
		return nil
	})
	return t, nil
}

// List enumerates the ids of all on-disk transactions.
func List(f *fs.FS) ([]id.TxnID, error) {
	entries, err := os.ReadDir(f.Layout.TxnsDir())
	if err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "listing transactions")
	}
	var ids []id.TxnID
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), layout.TxnSuffix)
		if !ok || !e.IsDir() {
			continue
		}
		txnID, err := id.ParseTxnID(name)
		if err != nil {
			continue
		}
		ids = append(ids, txnID)
	}
	return ids, nil
}

// Purge removes a transaction's directory and its registry entry.
// Used by Abort and by the post-commit cleanup.
func Purge(f *fs.FS, txnID id.TxnID) error {
	if err := os.RemoveAll(f.Layout.TxnDir(txnID)); err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "removing transaction %s", txnID)
	}
	return f.Locks.WithTxnListLock(func(reg *registry.Registry) error {
		reg.Free(txnID)
		return nil
	})
}

// Abort discards the transaction.
func (t *Txn) Abort() error {
	return Purge(t.FS, t.ID)
}

// readNextIDs parses the next-ids file: two base-36 counters separated
// by one space, newline-terminated. Anything else is corruption.
func (t *Txn) readNextIDs() (nodeID, copyID uint64, err error) {
	data, err := os.ReadFile(t.FS.Layout.TxnNextIDsFile(t.ID))
	if err != nil {
		return 0, 0, fserrors.Wrap(fserrors.KindIO, err, "reading next-ids")
	}
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		return 0, 0, fserrors.Corrupt("next-ids missing trailing newline")
	}
	nodeStr, copyStr, ok := strings.Cut(strings.TrimSuffix(s, "\n"), " ")
	if !ok {
		return 0, 0, fserrors.Corrupt("malformed next-ids %q", s)
	}
	if nodeID, err = base36.Decode(nodeStr); err != nil {
		return 0, 0, err
	}
	if copyID, err = base36.Decode(copyStr); err != nil {
		return 0, 0, err
	}
	return nodeID, copyID, nil
}

func (t *Txn) writeNextIDs(nodeID, copyID uint64) error {
	data := base36.Encode(nodeID) + " " + base36.Encode(copyID) + "\n"
	return layout.WriteFileAtomic(t.FS.Layout.TxnNextIDsFile(t.ID), []byte(data), 0644)
}

// ReserveNodeID mints a fresh node-id part for this transaction.
func (t *Txn) ReserveNodeID() (id.Part, error) {
	nodeID, copyID, err := t.readNextIDs()
	if err != nil {
		return id.Part{}, err
	}
	if err := t.writeNextIDs(nodeID+1, copyID); err != nil {
		return id.Part{}, err
	}
	return id.Part{ChangeSet: id.TxnChangeSet(t.ID), Number: nodeID}, nil
}

// ReserveCopyID mints a fresh copy-id part for this transaction.
func (t *Txn) ReserveCopyID() (id.Part, error) {
	nodeID, copyID, err := t.readNextIDs()
	if err != nil {
		return id.Part{}, err
	}
	if err := t.writeNextIDs(nodeID, copyID+1); err != nil {
		return id.Part{}, err
	}
	return id.Part{ChangeSet: id.TxnChangeSet(t.ID), Number: copyID}, nil
}

// AllocateItemIndex mints the next item index of this change-set. The
// counter starts at the first user index; the root node-rev and the
// changes block hold the fixed indexes below it.
func (t *Txn) AllocateItemIndex() (uint64, error) {
	path := t.FS.Layout.TxnItemIndexFile(t.ID)
	next := index.ItemIndexFirstUser
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		n, err := base36.DecodeLine(data)
		if err != nil {
			return 0, err
		}
		next = n
	} else if err != nil && !os.IsNotExist(err) {
		return 0, fserrors.Wrap(fserrors.KindIO, err, "reading item-index")
	}
	out := base36.Encode(next+1) + "\n"
	if err := layout.WriteFileAtomic(path, []byte(out), 0644); err != nil {
		return 0, err
	}
	return next, nil
}

// Props reads the transaction's property list.
func (t *Txn) Props() (map[string]string, error) {
	return revprops.Read(t.FS.Layout.TxnPropsFile(t.ID))
}

// SetProp sets or, with an empty value, removes one transaction
// property.
func (t *Txn) SetProp(name, value string) error {
	return t.SetProps(map[string]string{name: value})
}

// SetProps applies a batch of property changes atomically.
func (t *Txn) SetProps(props map[string]string) error {
	current, err := t.Props()
	if err != nil {
		return err
	}
	for name, value := range props {
		if value == "" {
			delete(current, name)
		} else {
			current[name] = value
		}
	}
	return layout.WriteFileAtomic(t.FS.Layout.TxnPropsFile(t.ID),
		revprops.Serialize(current), 0644)
}

// ChangesFetch reads the raw change log and folds it into the
// canonical per-path change map.
func (t *Txn) ChangesFetch() (map[string]*change.Change, error) {
	file, err := os.Open(t.FS.Layout.TxnChangesFile(t.ID))
	if err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "opening change log")
	}
	defer file.Close()
	raw, err := change.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return change.Fold(raw)
}

func (t *Txn) String() string {
	return fmt.Sprintf("txn %s (base r%d)", t.ID, t.BaseRev)
}
