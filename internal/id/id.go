// internal/id/id.go
package id

import (
	"fmt"
	"strings"

	"strata/internal/base36"
	"strata/internal/fserrors"
)

// Rev is a committed revision number. Revision 0 is the empty tree.
type Rev int64

const InvalidRev Rev = -1

func (r Rev) Valid() bool { return r >= 0 }

// TxnID is the 64-bit transaction counter value, serialized base-36.
type TxnID uint64

const InvalidTxn TxnID = ^TxnID(0)

func (t TxnID) String() string { return base36.Encode(uint64(t)) }

func ParseTxnID(s string) (TxnID, error) {
	n, err := base36.Decode(s)
	if err != nil {
		return InvalidTxn, err
	}
	return TxnID(n), nil
}

// ChangeSet is a tagged integer carrying either a revision number
// (committed) or a transaction id (in progress). The top bit is the
// discriminator; the remaining bits are the numeric value.
type ChangeSet uint64

const txnBit = ChangeSet(1) << 63

func RevChangeSet(r Rev) ChangeSet   { return ChangeSet(r) }
func TxnChangeSet(t TxnID) ChangeSet { return ChangeSet(t) | txnBit }

func (c ChangeSet) IsTxn() bool { return c&txnBit != 0 }

// Rev returns the revision the change-set names, or InvalidRev when it
// names a transaction.
func (c ChangeSet) Rev() Rev {
	if c.IsTxn() {
		return InvalidRev
	}
	return Rev(c)
}

func (c ChangeSet) Txn() TxnID {
	if !c.IsTxn() {
		return InvalidTxn
	}
	return TxnID(c &^ txnBit)
}

func (c ChangeSet) String() string {
	if c.IsTxn() {
		return "t" + c.Txn().String()
	}
	return fmt.Sprintf("r%d", Rev(c))
}

func ParseChangeSet(s string) (ChangeSet, error) {
	if s == "" {
		return 0, fserrors.Corrupt("empty change-set")
	}
	switch s[0] {
	case 't':
		t, err := ParseTxnID(s[1:])
		if err != nil {
			return 0, err
		}
		return TxnChangeSet(t), nil
	case 'r':
		var r int64
		if _, err := fmt.Sscanf(s[1:], "%d", &r); err != nil || r < 0 {
			return 0, fserrors.Corrupt("malformed change-set %q", s)
		}
		return RevChangeSet(Rev(r)), nil
	}
	return 0, fserrors.Corrupt("malformed change-set %q", s)
}

// Part is one component of a node-revision id: a numeric value
// namespaced by the change-set that allocated it.
type Part struct {
	ChangeSet ChangeSet
	Number    uint64
}

func (p Part) String() string {
	return base36.Encode(p.Number) + "-" + p.ChangeSet.String()
}

func (p Part) Eq(q Part) bool { return p == q }

func ParsePart(s string) (Part, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return Part{}, fserrors.Corrupt("malformed id part %q", s)
	}
	n, err := base36.Decode(s[:i])
	if err != nil {
		return Part{}, err
	}
	cs, err := ParseChangeSet(s[i+1:])
	if err != nil {
		return Part{}, err
	}
	return Part{ChangeSet: cs, Number: n}, nil
}

// NodeRevID identifies one node-revision. NodeID is stable across a
// node's whole history, CopyID tracks branch lineage, NodeRevID is the
// per-revision handle.
type NodeRevID struct {
	NodeID    Part
	CopyID    Part
	NodeRevID Part
}

func (n NodeRevID) String() string {
	return n.NodeID.String() + "." + n.CopyID.String() + "." + n.NodeRevID.String()
}

func (n NodeRevID) Eq(m NodeRevID) bool { return n == m }

// TxnID returns the owning transaction when the noderev part is
// transaction-tagged.
func (n NodeRevID) TxnID() TxnID {
	return n.NodeRevID.ChangeSet.Txn()
}

// IsTxn reports whether this id lives inside an uncommitted
// transaction.
func (n NodeRevID) IsTxn() bool {
	return n.NodeRevID.ChangeSet.IsTxn()
}

func ParseNodeRevID(s string) (NodeRevID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return NodeRevID{}, fserrors.Corrupt("malformed node-rev id %q", s)
	}
	var out NodeRevID
	var err error
	if out.NodeID, err = ParsePart(parts[0]); err != nil {
		return NodeRevID{}, err
	}
	if out.CopyID, err = ParsePart(parts[1]); err != nil {
		return NodeRevID{}, err
	}
	if out.NodeRevID, err = ParsePart(parts[2]); err != nil {
		return NodeRevID{}, err
	}
	return out, nil
}
