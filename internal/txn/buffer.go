// internal/txn/buffer.go
package txn

import (
	"bytes"
	"os"

	"strata/internal/change"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/layout"
	"strata/internal/noderev"
	"strata/internal/rep"
	"strata/internal/revprops"
)

// PutNodeRev stages a node-revision in the transaction directory. The
// id must be transaction-tagged; committed node-revs are immutable.
func (t *Txn) PutNodeRev(nr *noderev.NodeRev) error {
	if !nr.ID.IsTxn() || nr.ID.TxnID() != t.ID {
		return fserrors.Corrupt("attempt to store node-rev %s outside its transaction", nr.ID)
	}
	var b bytes.Buffer
	if err := nr.Serialize(&b); err != nil {
		return err
	}
	return layout.WriteFileAtomic(t.FS.Layout.TxnNodeFile(t.ID, nr.ID), b.Bytes(), 0644)
}

// GetNodeRev loads a node-revision, staged or committed.
func (t *Txn) GetNodeRev(nid id.NodeRevID) (*noderev.NodeRev, error) {
	return t.FS.GetNodeRev(nid)
}

// Root loads the transaction's root node-rev.
func (t *Txn) Root() (*noderev.NodeRev, error) {
	return t.GetNodeRev(t.RootID)
}

// DeleteNodeRev removes a node-rev staged in this transaction along
// with its directory log and property sidecars.
func (t *Txn) DeleteNodeRev(nid id.NodeRevID) error {
	if !nid.IsTxn() || nid.TxnID() != t.ID {
		return fserrors.Corrupt("attempt to delete node-rev %s outside its transaction", nid)
	}
	for _, path := range []string{
		t.FS.Layout.TxnNodeFile(t.ID, nid),
		t.FS.Layout.TxnNodeChildrenFile(t.ID, nid),
		t.FS.Layout.TxnNodePropsFile(t.ID, nid),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fserrors.Wrap(fserrors.KindIO, err, "removing %s", path)
		}
	}
	delete(t.dirs, nid.NodeRevID.String())
	return nil
}

// CreateNode stages a brand-new node with no history.
func (t *Txn) CreateNode(kind noderev.Kind, createdPath string, copyID id.Part) (*noderev.NodeRev, error) {
	nodeID, err := t.ReserveNodeID()
	if err != nil {
		return nil, err
	}
	item, err := t.AllocateItemIndex()
	if err != nil {
		return nil, err
	}
	nr := &noderev.NodeRev{
		ID: id.NodeRevID{
			NodeID:    nodeID,
			CopyID:    copyID,
			NodeRevID: id.Part{ChangeSet: id.TxnChangeSet(t.ID), Number: item},
		},
		Kind:         kind,
		CreatedPath:  createdPath,
		CopyrootPath: "/",
		CopyrootRev:  id.InvalidRev,
		CopyfromRev:  id.InvalidRev,
	}
	if err := t.PutNodeRev(nr); err != nil {
		return nil, err
	}
	return nr, nil
}

// CreateSuccessor clones an existing node-rev into this transaction so
// it can be mutated. The clone keeps the node identity and extends the
// predecessor chain by one.
func (t *Txn) CreateSuccessor(old *noderev.NodeRev, createdPath string) (*noderev.NodeRev, error) {
	item, err := t.AllocateItemIndex()
	if err != nil {
		return nil, err
	}
	nr := old.Clone()
	nr.PredecessorID = &old.ID
	nr.PredecessorCount = old.PredecessorCount + 1
	nr.ID = id.NodeRevID{
		NodeID:    old.ID.NodeID,
		CopyID:    old.ID.CopyID,
		NodeRevID: id.Part{ChangeSet: id.TxnChangeSet(t.ID), Number: item},
	}
	nr.CreatedPath = createdPath
	nr.IsFreshTxnRoot = false
	if err := t.PutNodeRev(nr); err != nil {
		return nil, err
	}
	return nr, nil
}

// ReadDir returns the current entry set of a directory node-rev,
// preferring the transaction's in-memory view for mutable directories.
func (t *Txn) ReadDir(nr *noderev.NodeRev) (map[string]noderev.DirEntry, error) {
	if nr.DataRep.Mutable() {
		if cached, ok := t.dirs[nr.ID.NodeRevID.String()]; ok {
			out := make(map[string]noderev.DirEntry, len(cached))
			for k, v := range cached {
				out[k] = v
			}
			return out, nil
		}
	}
	return t.FS.ReadDir(nr)
}

// SetEntry points parent's entry name at a child node (or removes it
// when childID is nil). An immutable parent is materialized first: its
// current contents become the leading snapshot of a fresh delta log
// and its data-rep turns mutable.
func (t *Txn) SetEntry(parent *noderev.NodeRev, name string, childID *id.NodeRevID, kind noderev.Kind) error {
	if parent.Kind != noderev.KindDir {
		return fserrors.New(fserrors.KindNotDir, "node-rev %s is not a directory", parent.ID)
	}
	if !parent.ID.IsTxn() || parent.ID.TxnID() != t.ID {
		return fserrors.Corrupt("attempt to modify directory %s outside its transaction", parent.ID)
	}

	logPath := t.FS.Layout.TxnNodeChildrenFile(t.ID, parent.ID)

	if !parent.DataRep.Mutable() {
		entries, err := t.FS.ReadDir(parent)
		if err != nil {
			return err
		}
		var snapshot bytes.Buffer
		for _, entryName := range noderev.SortedNames(entries) {
			if err := noderev.WriteDirDeltaSet(&snapshot, entries[entryName]); err != nil {
				return err
			}
		}
		if err := os.WriteFile(logPath, snapshot.Bytes(), 0644); err != nil {
			return fserrors.Wrap(fserrors.KindIO, err, "materializing directory")
		}
		parent.DataRep = &rep.Rep{
			ChangeSet: id.TxnChangeSet(t.ID),
			ItemIndex: rep.ItemIndexUnused,
		}
		if err := t.PutNodeRev(parent); err != nil {
			return err
		}
		t.dirs[parent.ID.NodeRevID.String()] = entries
	}

	file, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "opening directory delta log")
	}
	defer file.Close()

	cache, ok := t.dirs[parent.ID.NodeRevID.String()]
	if !ok {
		cache, err = t.FS.ReadDir(parent)
		if err != nil {
			return err
		}
		t.dirs[parent.ID.NodeRevID.String()] = cache
	}

	if childID == nil {
		if err := noderev.WriteDirDeltaDelete(file, name); err != nil {
			return fserrors.Wrap(fserrors.KindIO, err, "appending directory delta")
		}
		delete(cache, name)
		return nil
	}

	entry := noderev.DirEntry{Name: name, Kind: kind, ID: *childID}
	if err := noderev.WriteDirDeltaSet(file, entry); err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "appending directory delta")
	}
	cache[name] = entry
	return nil
}

// AddChange appends one record to the transaction's change log.
func (t *Txn) AddChange(c *change.Change) error {
	file, err := os.OpenFile(t.FS.Layout.TxnChangesFile(t.ID), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "opening change log")
	}
	defer file.Close()
	return change.Serialize(file, c)
}

// SetProplist replaces a staged node-rev's property list. An immutable
// (or absent) prop-rep turns mutable and receives an item index.
func (t *Txn) SetProplist(nr *noderev.NodeRev, props map[string]string) error {
	if !nr.ID.IsTxn() || nr.ID.TxnID() != t.ID {
		return fserrors.Corrupt("attempt to set properties of %s outside its transaction", nr.ID)
	}
	if err := layout.WriteFileAtomic(t.FS.Layout.TxnNodePropsFile(t.ID, nr.ID),
		revprops.Serialize(props), 0644); err != nil {
		return err
	}
	if !nr.PropRep.Mutable() {
		item, err := t.AllocateItemIndex()
		if err != nil {
			return err
		}
		nr.PropRep = &rep.Rep{
			ChangeSet: id.TxnChangeSet(t.ID),
			ItemIndex: item,
		}
		return t.PutNodeRev(nr)
	}
	return nil
}

// Proplist reads a node-rev's property list, staged or committed.
func (t *Txn) Proplist(nr *noderev.NodeRev) (map[string]string, error) {
	if nr.PropRep.Mutable() {
		return revprops.Read(t.FS.Layout.TxnNodePropsFile(t.ID, nr.ID))
	}
	if nr.PropRep == nil {
		return map[string]string{}, nil
	}
	data, err := t.FS.RepContents(nr.PropRep)
	if err != nil {
		return nil, err
	}
	return revprops.Parse(data)
}
