// internal/repcache/repcache.go
package repcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/rep"
)

const keyPrefix = "rep:"

// entry is the stored form of one shared representation. Only
// committed (revision-tagged) reps are ever inserted.
type entry struct {
	Rev          int64  `json:"rev"`
	ItemIndex    uint64 `json:"item"`
	Size         uint64 `json:"size"`
	ExpandedSize uint64 `json:"expanded_size"`
	MD5          string `json:"md5"`
}

// Cache is the persistent SHA-1 to representation index used for rep
// sharing across revisions.
type Cache struct {
	db *badger.DB
}

func New(db *badger.DB) *Cache {
	return &Cache{db: db}
}

func makeKey(digest [sha1.Size]byte) []byte {
	return []byte(keyPrefix + hex.EncodeToString(digest[:]))
}

// Get looks up a representation by content digest. A missing digest
// returns (nil, nil). A row naming a revision younger than youngest
// means the cache refers to a revision that does not exist, which is
// reported as corruption rather than treated as a miss.
func (c *Cache) Get(digest [sha1.Size]byte, youngest id.Rev) (*rep.Rep, error) {
	var e entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(digest))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rep-cache lookup: %w", err)
	}

	if id.Rev(e.Rev) > youngest {
		return nil, fserrors.Corrupt(
			"representation key for checksum '%s' exists in filesystem but "+
				"refers to a non-existent revision %d", hex.EncodeToString(digest[:]), e.Rev)
	}

	out := &rep.Rep{
		ChangeSet:    id.RevChangeSet(id.Rev(e.Rev)),
		ItemIndex:    e.ItemIndex,
		Size:         e.Size,
		ExpandedSize: e.ExpandedSize,
		SHA1:         digest,
		HasSHA1:      true,
	}
	md5Bytes, err := hex.DecodeString(e.MD5)
	if err != nil || len(md5Bytes) != len(out.MD5) {
		return nil, fserrors.New(fserrors.KindBadChecksumParse,
			"rep-cache row for '%s' has malformed MD5", hex.EncodeToString(digest[:]))
	}
	copy(out.MD5[:], md5Bytes)
	return out, nil
}

// SetBatch inserts reps inside a single persistent transaction. Called
// once per successful commit, after the write lock is released.
// Existing rows win: the first committed rep for a digest stays
// authoritative.
func (c *Cache) SetBatch(reps []*rep.Rep) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, r := range reps {
			if !r.HasSHA1 || r.ChangeSet.IsTxn() {
				continue
			}
			key := makeKey(r.SHA1)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			e := entry{
				Rev:          int64(r.ChangeSet.Rev()),
				ItemIndex:    r.ItemIndex,
				Size:         r.Size,
				ExpandedSize: r.ExpandedSize,
				MD5:          hex.EncodeToString(r.MD5[:]),
			}
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling rep-cache entry: %w", err)
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}
