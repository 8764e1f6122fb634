// internal/index/index.go
package index

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"strata/internal/fserrors"
)

// ItemType classifies what an on-disk item is.
type ItemType int

const (
	ItemTypeFileRep   ItemType = 1
	ItemTypeDirRep    ItemType = 2
	ItemTypeFileProps ItemType = 3
	ItemTypeDirProps  ItemType = 4
	ItemTypeNodeRev   ItemType = 5
	ItemTypeChanges   ItemType = 6
)

// Well-known item indexes within a change-set.
const (
	// ItemIndexRoot is the root node-rev of a revision.
	ItemIndexRoot uint64 = 1
	// ItemIndexChanges is the changed-paths block.
	ItemIndexChanges uint64 = 2
	// ItemIndexFirstUser is where per-transaction allocation starts.
	ItemIndexFirstUser uint64 = 3
)

// Entry maps one logical item to its physical location.
type Entry struct {
	ItemIndex uint64
	Offset    int64
	Size      int64
	Type      ItemType
}

func (e Entry) String() string {
	return fmt.Sprintf("%d %d %d %d\n", e.ItemIndex, e.Offset, e.Size, int(e.Type))
}

func parseEntry(line string) (Entry, error) {
	var e Entry
	var t int
	if _, err := fmt.Sscanf(line, "%d %d %d %d", &e.ItemIndex, &e.Offset, &e.Size, &t); err != nil {
		return Entry{}, fserrors.Corrupt("malformed index entry %q", line)
	}
	e.Type = ItemType(t)
	return e, nil
}

// Append adds e to an append-only proto-index file.
func Append(path string, e Entry) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "opening proto-index")
	}
	defer f.Close()
	if _, err := io.WriteString(f, e.String()); err != nil {
		return fserrors.Wrap(fserrors.KindIO, err, "appending proto-index entry")
	}
	return nil
}

// ReadAll loads every entry of an index or proto-index file.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "opening index")
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "reading index")
	}
	return entries, nil
}

// Finalize builds the final log-to-phys and phys-to-log index files
// from a proto-index stream. The l2p file is ordered by item index,
// the p2l file by physical offset.
func Finalize(protoPath, l2pPath, p2lPath string, writeAtomic func(path string, data []byte) error) error {
	entries, err := ReadAll(protoPath)
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ItemIndex < entries[j].ItemIndex })
	if err := writeAtomic(l2pPath, render(entries)); err != nil {
		return fmt.Errorf("writing l2p index: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	if err := writeAtomic(p2lPath, render(entries)); err != nil {
		return fmt.Errorf("writing p2l index: %w", err)
	}
	return nil
}

func render(entries []Entry) []byte {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
	}
	return []byte(b.String())
}

// Lookup finds the entry for itemIndex in a final l2p index file.
func Lookup(l2pPath string, itemIndex uint64) (Entry, error) {
	entries, err := ReadAll(l2pPath)
	if err != nil {
		return Entry{}, err
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ItemIndex >= itemIndex })
	if i < len(entries) && entries[i].ItemIndex == itemIndex {
		return entries[i], nil
	}
	return Entry{}, fserrors.Corrupt("item %d missing from index %s", itemIndex, l2pPath)
}
