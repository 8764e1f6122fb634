// internal/change/fold.go
package change

import (
	"strings"

	"strata/internal/fserrors"
)

// Fold collapses a raw change stream into one canonical record per
// path. Changes are applied in stream order; a deletion or replacement
// also drops every previously folded record underneath its path.
func Fold(changes []*Change) (map[string]*Change, error) {
	folded := make(map[string]*Change)
	for _, c := range changes {
		if err := foldOne(folded, c); err != nil {
			return nil, err
		}
		if c.Kind == KindDelete || c.Kind == KindReplace || c.Kind == KindMoveReplace {
			dropChildren(folded, c.Path)
		}
	}
	return folded, nil
}

func foldOne(folded map[string]*Change, c *Change) error {
	old, ok := folded[c.Path]
	if !ok {
		if c.NodeRevID == nil && c.Kind != KindReset {
			return fserrors.Corrupt("missing required node revision ID")
		}
		folded[c.Path] = c.Clone()
		return nil
	}

	// Only a reset may omit the node revision id.
	if c.NodeRevID == nil && c.Kind != KindReset {
		return fserrors.Corrupt("missing required node revision ID")
	}

	// A new id on a path may only appear right after its deletion.
	if c.NodeRevID != nil && old.NodeRevID != nil &&
		!old.NodeRevID.Eq(*c.NodeRevID) && old.Kind != KindDelete {
		return fserrors.New(fserrors.KindInvalidChangeOrder,
			"invalid change ordering: new node revision ID without delete")
	}

	// Only add-like changes and reset may follow a deletion.
	if old.Kind == KindDelete &&
		c.Kind != KindReplace && c.Kind != KindReset && c.Kind != KindAdd &&
		c.Kind != KindMove && c.Kind != KindMoveReplace {
		return fserrors.New(fserrors.KindInvalidChangeOrder,
			"invalid change ordering: non-add change on deleted path")
	}

	// An add can only follow a delete or reset.
	if c.Kind == KindAdd && old.Kind != KindDelete && old.Kind != KindReset {
		return fserrors.New(fserrors.KindInvalidChangeOrder,
			"invalid change ordering: add change on preexisting path")
	}

	switch c.Kind {
	case KindReset:
		delete(folded, c.Path)

	case KindDelete:
		if old.Kind == KindAdd || old.Kind == KindMove {
			// The path was introduced in this transaction; deleting it
			// makes the pair a net no-op.
			delete(folded, c.Path)
		} else {
			old.Kind = KindDelete
			old.TextMod = c.TextMod
			old.PropMod = c.PropMod
			old.clearCopyfrom()
		}

	case KindAdd, KindReplace:
		// An add here follows a delete, so it is a replacement.
		replace(old, c)
		old.Kind = KindReplace

	case KindMove, KindMoveReplace:
		replace(old, c)
		old.Kind = KindMoveReplace

	default:
		if c.TextMod {
			old.TextMod = true
		}
		if c.PropMod {
			old.PropMod = true
		}
	}
	return nil
}

func replace(old, c *Change) {
	old.NodeKind = c.NodeKind
	nid := *c.NodeRevID
	old.NodeRevID = &nid
	old.TextMod = c.TextMod
	old.PropMod = c.PropMod
	if c.HasCopyfrom() {
		old.CopyfromRev = c.CopyfromRev
		old.CopyfromPath = c.CopyfromPath
	} else {
		old.clearCopyfrom()
	}
}

// dropChildren removes every folded record strictly below parent.
// Candidates shorter than parent plus a separator and one name
// character cannot be children, which keeps the inner loop of this
// O(n^2) pass cheap.
func dropChildren(folded map[string]*Change, parent string) {
	minChildLen := len(parent) + 2
	switch {
	case parent == "":
		minChildLen = 1
	case strings.HasSuffix(parent, "/"):
		minChildLen = len(parent) + 1
	}
	for path := range folded {
		if len(path) >= minChildLen && isChild(parent, path) {
			delete(folded, path)
		}
	}
}

func isChild(parent, path string) bool {
	if parent == "/" || parent == "" {
		return strings.HasPrefix(path, "/") && path != "/"
	}
	parent = strings.TrimSuffix(parent, "/")
	return strings.HasPrefix(path, parent+"/") && len(path) > len(parent)+1
}
