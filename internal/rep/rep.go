// internal/rep/rep.go
package rep

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"strata/internal/fserrors"
	"strata/internal/id"
)

// Rep describes one stored representation: a (possibly delta-encoded)
// byte sequence a node-revision references for its content or
// properties. A rep whose change-set names a transaction is mutable;
// one whose change-set names a revision is immutable.
type Rep struct {
	ChangeSet    id.ChangeSet
	ItemIndex    uint64
	Size         uint64 // bytes on disk, after delta encoding
	ExpandedSize uint64 // bytes before delta encoding
	MD5          [md5.Size]byte
	SHA1         [sha1.Size]byte
	HasSHA1      bool
}

// ItemIndexUnused marks a freshly mutable rep whose item index has not
// been allocated yet.
const ItemIndexUnused = ^uint64(0)

func (r *Rep) Mutable() bool {
	return r != nil && r.ChangeSet.IsTxn()
}

// Clone returns a copy so callers can retag without mutating shared
// descriptors.
func (r *Rep) Clone() *Rep {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (r *Rep) SHA1Hex() string { return hex.EncodeToString(r.SHA1[:]) }

// String renders the rep in its node-revision field form:
// "<changeset> <item> <size> <expanded> <md5hex> [<sha1hex>]".
func (r *Rep) String() string {
	s := fmt.Sprintf("%s %d %d %d %s", r.ChangeSet, r.ItemIndex, r.Size,
		r.ExpandedSize, hex.EncodeToString(r.MD5[:]))
	if r.HasSHA1 {
		s += " " + r.SHA1Hex()
	}
	return s
}

func Parse(s string) (*Rep, error) {
	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 6 {
		return nil, fserrors.Corrupt("malformed representation %q", s)
	}
	cs, err := id.ParseChangeSet(fields[0])
	if err != nil {
		return nil, err
	}
	item, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fserrors.Corrupt("malformed rep item index %q", fields[1])
	}
	size, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, fserrors.Corrupt("malformed rep size %q", fields[2])
	}
	expanded, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return nil, fserrors.Corrupt("malformed rep expanded size %q", fields[3])
	}
	out := &Rep{ChangeSet: cs, ItemIndex: item, Size: size, ExpandedSize: expanded}
	if err := decodeDigest(out.MD5[:], fields[4]); err != nil {
		return nil, err
	}
	if len(fields) == 6 {
		if err := decodeDigest(out.SHA1[:], fields[5]); err != nil {
			return nil, err
		}
		out.HasSHA1 = true
	}
	return out, nil
}

func decodeDigest(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(dst) {
		return fserrors.New(fserrors.KindBadChecksumParse, "malformed digest %q", s)
	}
	copy(dst, b)
	return nil
}
