// internal/noderev/direntries.go
package noderev

import (
	"bufio"
	"bytes"
	"sort"
	"strings"

	"strata/internal/fserrors"
	"strata/internal/id"
)

// DirEntry is one child of a directory.
type DirEntry struct {
	Name string
	Kind Kind
	ID   id.NodeRevID
}

// SerializeDirEntries renders entries as a canonical hash record: keys
// in lexicographic order, values "<kind> <node-rev-id>". Identical
// entry sets always produce identical bytes, which is what makes
// directory rep sharing work.
func SerializeDirEntries(entries map[string]DirEntry) []byte {
	m := make(map[string]string, len(entries))
	for name, e := range entries {
		m[name] = string(e.Kind) + " " + e.ID.String()
	}
	var b bytes.Buffer
	WriteHashRec(&b, m)
	return b.Bytes()
}

// ParseDirEntries reads a serialized entry set.
func ParseDirEntries(data []byte) (map[string]DirEntry, error) {
	m, err := ReadHashRec(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	entries := make(map[string]DirEntry, len(m))
	for name, val := range m {
		kindStr, idStr, ok := strings.Cut(val, " ")
		if !ok {
			return nil, fserrors.Corrupt("malformed directory entry %q", val)
		}
		nid, err := id.ParseNodeRevID(idStr)
		if err != nil {
			return nil, err
		}
		kind := Kind(kindStr)
		if kind != KindFile && kind != KindDir {
			return nil, fserrors.Corrupt("directory entry %q has bad kind %q", name, kindStr)
		}
		entries[name] = DirEntry{Name: name, Kind: kind, ID: nid}
	}
	return entries, nil
}

// SortedNames returns entry names in lexicographic order.
func SortedNames(entries map[string]DirEntry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
