// internal/txn/editor.go
package txn

import (
	"strings"

	"strata/internal/change"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/noderev"
)

// Path-level editing on top of the mutation buffer: resolve a path,
// clone the parent chain into the transaction, stage the entry change,
// and log the change record.

type pathStep struct {
	name string
	node *noderev.NodeRev
}

// openPath resolves path from the transaction root, returning every
// step including the root itself.
func (t *Txn) openPath(path string) ([]pathStep, error) {
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	steps := []pathStep{{name: "/", node: root}}
	cur := root
	for _, component := range splitPath(path) {
		entries, err := t.ReadDir(cur)
		if err != nil {
			return nil, err
		}
		entry, ok := entries[component]
		if !ok {
			return nil, fserrors.Corrupt("path %q not found in transaction %s", path, t.ID)
		}
		child, err := t.GetNodeRev(entry.ID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, pathStep{name: component, node: child})
		cur = child
	}
	return steps, nil
}

// makePathMutable clones every node along path into the transaction
// (bottom node included) and returns the now-mutable node at path.
// Parent entry updates do not produce change records; only the edit
// that triggered the clone does.
func (t *Txn) makePathMutable(path string) (*noderev.NodeRev, error) {
	steps, err := t.openPath(path)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		node := steps[i].node
		if node.ID.IsTxn() && node.ID.TxnID() == t.ID {
			continue
		}
		clone, err := t.CreateSuccessor(node, joinSteps(steps[:i+1]))
		if err != nil {
			return nil, err
		}
		if err := t.SetEntry(steps[i-1].node, steps[i].name, &clone.ID, clone.Kind); err != nil {
			return nil, err
		}
		steps[i].node = clone
	}
	return steps[len(steps)-1].node, nil
}

// mutableParent returns the mutable directory that will hold path's
// basename.
func (t *Txn) mutableParent(path string) (*noderev.NodeRev, string, error) {
	dir, name := splitParent(path)
	if name == "" {
		return nil, "", fserrors.Corrupt("cannot edit the root path itself")
	}
	parent, err := t.makePathMutable(dir)
	if err != nil {
		return nil, "", err
	}
	if parent.Kind != noderev.KindDir {
		return nil, "", fserrors.New(fserrors.KindNotDir, "%q is not a directory", dir)
	}
	return parent, name, nil
}

// MakeFile stages an empty file at path and logs an add.
func (t *Txn) MakeFile(path string) (*noderev.NodeRev, error) {
	return t.makeNode(path, noderev.KindFile)
}

// MakeDir stages an empty directory at path and logs an add.
func (t *Txn) MakeDir(path string) (*noderev.NodeRev, error) {
	return t.makeNode(path, noderev.KindDir)
}

func (t *Txn) makeNode(path string, kind noderev.Kind) (*noderev.NodeRev, error) {
	parent, name, err := t.mutableParent(path)
	if err != nil {
		return nil, err
	}
	entries, err := t.ReadDir(parent)
	if err != nil {
		return nil, err
	}
	if _, exists := entries[name]; exists {
		return nil, fserrors.Corrupt("path %q already exists", path)
	}
	node, err := t.CreateNode(kind, path, parent.ID.CopyID)
	if err != nil {
		return nil, err
	}
	if err := t.SetEntry(parent, name, &node.ID, kind); err != nil {
		return nil, err
	}
	err = t.AddChange(&change.Change{
		Path:        path,
		Kind:        change.KindAdd,
		NodeRevID:   &node.ID,
		NodeKind:    kind,
		CopyfromRev: id.InvalidRev,
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// WriteFile replaces path's content and logs a text modification.
func (t *Txn) WriteFile(path string, data []byte) error {
	node, err := t.makePathMutable(path)
	if err != nil {
		return err
	}
	if node.Kind != noderev.KindFile {
		return fserrors.New(fserrors.KindNotFile, "%q is not a file", path)
	}
	w, err := t.SetContents(node)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return t.AddChange(&change.Change{
		Path:        path,
		Kind:        change.KindModify,
		NodeRevID:   &node.ID,
		NodeKind:    noderev.KindFile,
		TextMod:     true,
		CopyfromRev: id.InvalidRev,
	})
}

// Delete removes path from its parent and logs the deletion.
func (t *Txn) Delete(path string) error {
	steps, err := t.openPath(path)
	if err != nil {
		return err
	}
	target := steps[len(steps)-1].node
	parent, name, err := t.mutableParent(path)
	if err != nil {
		return err
	}
	if err := t.SetEntry(parent, name, nil, target.Kind); err != nil {
		return err
	}
	if target.ID.IsTxn() && target.ID.TxnID() == t.ID {
		if err := t.DeleteNodeRev(target.ID); err != nil {
			return err
		}
	}
	return t.AddChange(&change.Change{
		Path:        path,
		Kind:        change.KindDelete,
		NodeRevID:   &target.ID,
		NodeKind:    target.Kind,
		CopyfromRev: id.InvalidRev,
	})
}

// Move stages path's node at newPath with copy-from history and logs a
// move. The caller must also delete the source path; a move without a
// covering deletion fails commit-time verification.
func (t *Txn) Move(path, newPath string) error {
	steps, err := t.openPath(path)
	if err != nil {
		return err
	}
	source := steps[len(steps)-1].node
	parent, name, err := t.mutableParent(newPath)
	if err != nil {
		return err
	}
	entries, err := t.ReadDir(parent)
	if err != nil {
		return err
	}
	kind := change.KindMove
	if _, exists := entries[name]; exists {
		kind = change.KindMoveReplace
	}

	moved, err := t.CreateSuccessor(source, newPath)
	if err != nil {
		return err
	}
	moved.CopyfromPath = path
	moved.CopyfromRev = t.BaseRev
	moved.CopyrootPath = newPath
	moved.CopyrootRev = id.InvalidRev
	if err := t.PutNodeRev(moved); err != nil {
		return err
	}
	if err := t.SetEntry(parent, name, &moved.ID, moved.Kind); err != nil {
		return err
	}
	return t.AddChange(&change.Change{
		Path:         newPath,
		Kind:         kind,
		NodeRevID:    &moved.ID,
		NodeKind:     moved.Kind,
		TextMod:      false,
		CopyfromPath: path,
		CopyfromRev:  t.BaseRev,
	})
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func splitParent(path string) (dir, name string) {
	trimmed := strings.TrimSuffix(path, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "/", trimmed
	}
	return trimmed[:i], trimmed[i+1:]
}

func joinSteps(steps []pathStep) string {
	if len(steps) == 1 {
		return "/"
	}
	parts := make([]string, 0, len(steps)-1)
	for _, s := range steps[1:] {
		parts = append(parts, s.name)
	}
	return "/" + strings.Join(parts, "/")
}
