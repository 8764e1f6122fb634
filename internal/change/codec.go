// internal/change/codec.go
package change

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/noderev"
)

// Raw change-log format, two lines per record:
//
//	<node-rev-id|-> <kind> <node-kind> <text-mod> <prop-mod> <path>
//	<copyfrom-rev> <copyfrom-path>
//
// The second line is empty when the change has no copy-from.

// Serialize appends one record to w.
func Serialize(w io.Writer, c *Change) error {
	idStr := "-"
	if c.NodeRevID != nil {
		idStr = c.NodeRevID.String()
	}
	nodeKind := string(c.NodeKind)
	if nodeKind == "" {
		nodeKind = "unknown"
	}
	if _, err := fmt.Fprintf(w, "%s %s %s %t %t %s\n", idStr, c.Kind, nodeKind,
		c.TextMod, c.PropMod, c.Path); err != nil {
		return err
	}
	if c.HasCopyfrom() {
		_, err := fmt.Fprintf(w, "%d %s\n", c.CopyfromRev, c.CopyfromPath)
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ReadAll parses a whole change log in stream order.
func ReadAll(r io.Reader) ([]*Change, error) {
	br := bufio.NewReader(r)
	var changes []*Change
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			return changes, nil
		}
		if err != nil && err != io.EOF {
			return nil, fserrors.Wrap(fserrors.KindIO, err, "reading change log")
		}
		c, err := parseRecord(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return nil, err
		}
		line, err = br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fserrors.Wrap(fserrors.KindIO, err, "reading change log")
		}
		line = strings.TrimSuffix(line, "\n")
		if line != "" {
			revStr, path, ok := strings.Cut(line, " ")
			if !ok {
				return nil, fserrors.Corrupt("malformed copy-from line %q", line)
			}
			rev, convErr := strconv.ParseInt(revStr, 10, 64)
			if convErr != nil {
				return nil, fserrors.Corrupt("malformed copy-from revision %q", revStr)
			}
			c.CopyfromRev = id.Rev(rev)
			c.CopyfromPath = path
		}
		changes = append(changes, c)
	}
}

func parseRecord(line string) (*Change, error) {
	fields := strings.SplitN(line, " ", 6)
	if len(fields) != 6 {
		return nil, fserrors.Corrupt("malformed change record %q", line)
	}
	c := &Change{
		Kind:        Kind(fields[1]),
		Path:        fields[5],
		CopyfromRev: id.InvalidRev,
	}
	if fields[0] != "-" {
		nid, err := id.ParseNodeRevID(fields[0])
		if err != nil {
			return nil, err
		}
		c.NodeRevID = &nid
	}
	if fields[2] != "unknown" {
		c.NodeKind = noderev.Kind(fields[2])
	}
	var err error
	if c.TextMod, err = strconv.ParseBool(fields[3]); err != nil {
		return nil, fserrors.Corrupt("malformed text-mod flag %q", fields[3])
	}
	if c.PropMod, err = strconv.ParseBool(fields[4]); err != nil {
		return nil, fserrors.Corrupt("malformed prop-mod flag %q", fields[4])
	}
	return c, nil
}

// SerializeFolded renders a folded change map as the canonical
// changed-paths block: a hash record keyed by path, each value the
// single-record serialization of its change.
func SerializeFolded(folded map[string]*Change) []byte {
	m := make(map[string]string, len(folded))
	for path, c := range folded {
		var b bytes.Buffer
		Serialize(&b, c)
		m[path] = b.String()
	}
	var b bytes.Buffer
	noderev.WriteHashRec(&b, m)
	return b.Bytes()
}

// ParseFolded reads a canonical changed-paths block.
func ParseFolded(data []byte) (map[string]*Change, error) {
	m, err := noderev.ReadHashRec(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	folded := make(map[string]*Change, len(m))
	for path, val := range m {
		cs, err := ReadAll(strings.NewReader(val))
		if err != nil {
			return nil, err
		}
		if len(cs) != 1 {
			return nil, fserrors.Corrupt("changed-paths entry for %q is not a single record", path)
		}
		folded[path] = cs[0]
	}
	return folded, nil
}

// SortedPaths returns the folded map's paths in lexicographic order.
func SortedPaths(folded map[string]*Change) []string {
	paths := make([]string, 0, len(folded))
	for p := range folded {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
