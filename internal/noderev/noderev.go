// internal/noderev/noderev.go
package noderev

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/rep"
)

type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// NodeRev is one revision of a node in the tree.
type NodeRev struct {
	ID               id.NodeRevID
	Kind             Kind
	PredecessorID    *id.NodeRevID
	PredecessorCount int64
	DataRep          *rep.Rep
	PropRep          *rep.Rep
	CopyfromPath     string
	CopyfromRev      id.Rev
	CopyrootPath     string
	CopyrootRev      id.Rev
	CreatedPath      string
	IsFreshTxnRoot   bool
	MergeInfoCount   int64
	MergeInfoHere    bool
}

// Clone copies the node-rev deeply enough that retagging ids and reps
// on the copy leaves the original untouched.
func (n *NodeRev) Clone() *NodeRev {
	c := *n
	if n.PredecessorID != nil {
		p := *n.PredecessorID
		c.PredecessorID = &p
	}
	c.DataRep = n.DataRep.Clone()
	c.PropRep = n.PropRep.Clone()
	return &c
}

// Serialize writes the node-rev as a keyed text record.
func (n *NodeRev) Serialize(w io.Writer) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "id: %s\n", n.ID)
	fmt.Fprintf(&b, "type: %s\n", n.Kind)
	if n.PredecessorID != nil {
		fmt.Fprintf(&b, "pred: %s\n", n.PredecessorID)
	}
	fmt.Fprintf(&b, "count: %d\n", n.PredecessorCount)
	if n.DataRep != nil {
		fmt.Fprintf(&b, "text: %s\n", n.DataRep)
	}
	if n.PropRep != nil {
		fmt.Fprintf(&b, "props: %s\n", n.PropRep)
	}
	fmt.Fprintf(&b, "cpath: %s\n", n.CreatedPath)
	fmt.Fprintf(&b, "copyroot: %d %s\n", n.CopyrootRev, n.CopyrootPath)
	if n.CopyfromPath != "" {
		fmt.Fprintf(&b, "copyfrom: %d %s\n", n.CopyfromRev, n.CopyfromPath)
	}
	if n.MergeInfoCount > 0 {
		fmt.Fprintf(&b, "minfo-cnt: %d\n", n.MergeInfoCount)
	}
	if n.MergeInfoHere {
		b.WriteString("minfo-here: y\n")
	}
	if n.IsFreshTxnRoot {
		b.WriteString("is-fresh-txn-root: y\n")
	}
	b.WriteString("\n")
	_, err := w.Write(b.Bytes())
	return err
}

// Parse reads one keyed text record. The record ends at a blank line
// or EOF.
func Parse(r *bufio.Reader) (*NodeRev, error) {
	n := &NodeRev{CopyfromRev: id.InvalidRev}
	seen := false
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && line == "" {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fserrors.Wrap(fserrors.KindIO, err, "reading node-rev")
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fserrors.Corrupt("malformed node-rev line %q", line)
		}
		seen = true
		if err := n.setField(key, val); err != nil {
			return nil, err
		}
	}
	if !seen {
		return nil, fserrors.Corrupt("empty node-rev record")
	}
	if n.Kind != KindFile && n.Kind != KindDir {
		return nil, fserrors.Corrupt("node-rev %s has no valid kind", n.ID)
	}
	return n, nil
}

func (n *NodeRev) setField(key, val string) error {
	var err error
	switch key {
	case "id":
		n.ID, err = id.ParseNodeRevID(val)
	case "type":
		n.Kind = Kind(val)
	case "pred":
		var p id.NodeRevID
		if p, err = id.ParseNodeRevID(val); err == nil {
			n.PredecessorID = &p
		}
	case "count":
		n.PredecessorCount, err = strconv.ParseInt(val, 10, 64)
	case "text":
		n.DataRep, err = rep.Parse(val)
	case "props":
		n.PropRep, err = rep.Parse(val)
	case "cpath":
		n.CreatedPath = val
	case "copyroot":
		n.CopyrootRev, n.CopyrootPath, err = parseRevPath(val)
	case "copyfrom":
		n.CopyfromRev, n.CopyfromPath, err = parseRevPath(val)
	case "minfo-cnt":
		n.MergeInfoCount, err = strconv.ParseInt(val, 10, 64)
	case "minfo-here":
		n.MergeInfoHere = val == "y"
	case "is-fresh-txn-root":
		n.IsFreshTxnRoot = val == "y"
	default:
		return fserrors.Corrupt("unknown node-rev field %q", key)
	}
	return err
}

func parseRevPath(val string) (id.Rev, string, error) {
	revStr, path, ok := strings.Cut(val, " ")
	if !ok {
		return id.InvalidRev, "", fserrors.Corrupt("malformed rev-path %q", val)
	}
	r, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return id.InvalidRev, "", fserrors.Corrupt("malformed revision in %q", val)
	}
	return id.Rev(r), path, nil
}
