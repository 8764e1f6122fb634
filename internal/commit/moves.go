// internal/commit/moves.go
package commit

import (
	"sort"
	"strings"

	"strata/internal/change"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/id"
)

// verifyMoves checks the folded change map's move invariants against
// the transaction's base revision and everything committed since:
// no two moves from the same source, no concurrent move of the same
// source since the transaction began, and every move covered by a
// deletion of (an ancestor of) its source.
func verifyMoves(f *fs.FS, folded map[string]*change.Change, baseRev, oldRev id.Rev) error {
	var moves []*change.Change
	var deletions []string
	for path, c := range folded {
		if (c.Kind == change.KindMove || c.Kind == change.KindMoveReplace) && c.HasCopyfrom() {
			moves = append(moves, c)
		}
		if c.Kind == change.KindDelete || c.Kind == change.KindReplace || c.Kind == change.KindMoveReplace {
			deletions = append(deletions, path)
		}
	}
	if len(moves) == 0 {
		return nil
	}

	sort.Slice(moves, func(i, j int) bool { return moves[i].Path < moves[j].Path })

	// A deletion somewhere below a moved-here directory deletes from
	// the move source's subtree: rewrite it to reference that subtree
	// so the coverage check below sees it.
	for _, deleted := range deletions {
		i := sort.Search(len(moves), func(i int) bool { return moves[i].Path > deleted })
		if i == 0 {
			continue
		}
		m := moves[i-1]
		if isDescendant(m.Path, deleted) {
			relative := deleted[len(m.Path):]
			rewritten := m.CopyfromPath + relative
			replaceDeletion(&deletions, deleted, rewritten)
		}
	}
	sort.Strings(deletions)

	// Each move source may appear at most once, counting both this
	// transaction and everything committed since its base.
	sources := make(map[string]bool, len(moves))
	for _, m := range moves {
		if sources[m.CopyfromPath] {
			return fserrors.New(fserrors.KindAmbiguousMove,
				"path %q moved to more than one target", m.CopyfromPath)
		}
		sources[m.CopyfromPath] = true
	}
	for rev := baseRev + 1; rev <= oldRev; rev++ {
		committed, err := f.ChangesAt(rev)
		if err != nil {
			return err
		}
		for _, c := range committed {
			if (c.Kind == change.KindMove || c.Kind == change.KindMoveReplace) &&
				c.HasCopyfrom() && sources[c.CopyfromPath] {
				return fserrors.New(fserrors.KindAmbiguousMove,
					"path %q already moved in r%d", c.CopyfromPath, rev)
			}
		}
	}

	// Every move needs a deletion at or above its source.
	for _, m := range moves {
		covered := false
		for _, deleted := range deletions {
			if deleted == m.CopyfromPath || isDescendant(deleted, m.CopyfromPath) {
				covered = true
				break
			}
		}
		if !covered {
			return fserrors.New(fserrors.KindIncompleteMove,
				"path %q moved without its original being deleted", m.CopyfromPath)
		}
	}
	return nil
}

func replaceDeletion(deletions *[]string, old, rewritten string) {
	for i, d := range *deletions {
		if d == old {
			(*deletions)[i] = rewritten
			return
		}
	}
}

// isDescendant reports whether path lies strictly below ancestor.
func isDescendant(ancestor, path string) bool {
	if ancestor == "/" || ancestor == "" {
		return strings.HasPrefix(path, "/") && path != "/"
	}
	trimmed := strings.TrimSuffix(ancestor, "/")
	return strings.HasPrefix(path, trimmed+"/") && len(path) > len(trimmed)+1
}
