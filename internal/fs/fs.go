// internal/fs/fs.go
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"strata/internal/change"
	"strata/internal/config"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/index"
	"strata/internal/layout"
	"strata/internal/lock"
	"strata/internal/noderev"
	"strata/internal/registry"
	"strata/internal/repcache"
	"strata/internal/revprops"
)

const (
	formatNumber  = 1
	nodeCacheSize = 1024
	dirCacheSize  = 256
)

// FS is one session against a repository on disk. It owns the
// process-wide mutable state: the shared transaction registry, the
// lock manager, and the cached youngest revision. Pass the handle
// explicitly; there are no ambient globals.
type FS struct {
	Layout   layout.Layout
	Config   *config.Config
	Locks    *lock.Manager
	Registry *registry.Registry
	RepCache *repcache.Cache
	Log      *zap.Logger

	db *badger.DB

	youngestMu  sync.Mutex
	youngest    id.Rev
	youngestSet bool

	nodeCache *lru.Cache[string, *noderev.NodeRev]
	dirCache  *lru.Cache[string, map[string]noderev.DirEntry]
}

// Create initializes a new repository at root and returns an open
// session. Revision 0 is the empty tree.
func Create(root string, cfg *config.Config, logger *zap.Logger) (*FS, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	l := layout.Layout{Root: root, ShardSize: cfg.Storage.ShardSize}

	for _, dir := range []string{root, l.TxnsDir(), l.RevShardDir(0), l.RevPropsShardDir(0)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating repository directory: %w", err)
		}
	}

	format := fmt.Sprintf("%d\nsharded %d\nlogical 1\n", formatNumber, cfg.Storage.ShardSize)
	if err := os.WriteFile(l.Format(), []byte(format), 0644); err != nil {
		return nil, fmt.Errorf("writing format file: %w", err)
	}
	for _, init := range []struct{ path, data string }{
		{l.TxnCurrent(), "0\n"},
		{l.TxnCurrentLock(), ""},
		{l.WriteLock(), ""},
		{l.MinUnpackedRev(), "0\n"},
	} {
		if err := os.WriteFile(init.path, []byte(init.data), 0644); err != nil {
			return nil, fmt.Errorf("initializing %s: %w", filepath.Base(init.path), err)
		}
	}

	if err := config.Save(filepath.Join(root, "config.json"), cfg); err != nil {
		return nil, fmt.Errorf("writing repository config: %w", err)
	}

	if err := writeRevisionZero(l); err != nil {
		return nil, err
	}
	if err := os.WriteFile(l.Current(), []byte("0\n"), 0644); err != nil {
		return nil, fmt.Errorf("writing current: %w", err)
	}

	return Open(root, logger)
}

// Open opens an existing repository.
func Open(root string, logger *zap.Logger) (*FS, error) {
	cfg, err := config.Load(filepath.Join(root, "config.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading repository config: %w", err)
		}
		cfg = config.Default()
	}
	l := layout.Layout{Root: root, ShardSize: cfg.Storage.ShardSize}

	if _, err := os.Stat(l.Format()); err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", root, err)
	}

	// The rep-cache database admits one process at a time. A session
	// that cannot take it still works; it just loses cross-revision
	// dedup until the holder goes away.
	opts := badger.DefaultOptions(filepath.Join(root, "rep-cache"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	var cache *repcache.Cache
	if err != nil {
		logger.Warn("rep-cache unavailable, sharing disabled for this session",
			zap.Error(err))
		db = nil
	} else {
		cache = repcache.New(db)
	}

	reg := registry.New()
	f := &FS{
		Layout:   l,
		Config:   cfg,
		Registry: reg,
		Locks:    lock.NewManager(l, reg),
		RepCache: cache,
		Log:      logger,
		db:       db,
	}
	f.nodeCache, _ = lru.New[string, *noderev.NodeRev](nodeCacheSize)
	f.dirCache, _ = lru.New[string, map[string]noderev.DirEntry](dirCacheSize)

	// While the write lock is held the cached youngest must match the
	// on-disk marker.
	f.Locks.OnWriteLockAcquired = func() error {
		_, err := f.Youngest()
		return err
	}
	return f, nil
}

func (f *FS) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

// Youngest reads the youngest revision marker and refreshes the
// session cache.
func (f *FS) Youngest() (id.Rev, error) {
	data, err := os.ReadFile(f.Layout.Current())
	if err != nil {
		return id.InvalidRev, fserrors.Wrap(fserrors.KindIO, err, "reading current")
	}
	s := strings.TrimSuffix(string(data), "\n")
	if s == string(data) {
		return id.InvalidRev, fserrors.Corrupt("current file missing trailing newline")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return id.InvalidRev, fserrors.Corrupt("malformed current file %q", s)
	}
	rev := id.Rev(n)

	f.youngestMu.Lock()
	f.youngest = rev
	f.youngestSet = true
	f.youngestMu.Unlock()
	return rev, nil
}

// YoungestCached returns the last youngest revision this session
// observed, reading the marker only when nothing is cached yet.
func (f *FS) YoungestCached() (id.Rev, error) {
	f.youngestMu.Lock()
	if f.youngestSet {
		rev := f.youngest
		f.youngestMu.Unlock()
		return rev, nil
	}
	f.youngestMu.Unlock()
	return f.Youngest()
}

// BumpYoungest atomically publishes rev as the new youngest revision.
// This is the final observable mutation of a commit.
func (f *FS) BumpYoungest(rev id.Rev) error {
	data := fmt.Sprintf("%d\n", rev)
	if err := layout.WriteFileAtomic(f.Layout.Current(), []byte(data), 0644); err != nil {
		return err
	}
	f.youngestMu.Lock()
	f.youngest = rev
	f.youngestSet = true
	f.youngestMu.Unlock()
	return nil
}

// writeRevisionZero bootstraps the empty tree: a single root directory
// node-rev, its indexes, and its revprops.
func writeRevisionZero(l layout.Layout) error {
	zero := id.Part{ChangeSet: id.RevChangeSet(0), Number: 0}
	root := &noderev.NodeRev{
		ID: id.NodeRevID{
			NodeID:    zero,
			CopyID:    zero,
			NodeRevID: id.Part{ChangeSet: id.RevChangeSet(0), Number: index.ItemIndexRoot},
		},
		Kind:         noderev.KindDir,
		CreatedPath:  "/",
		CopyrootPath: "/",
		CopyrootRev:  0,
		CopyfromRev:  id.InvalidRev,
	}

	revFile, err := os.Create(l.RevFile(0))
	if err != nil {
		return fmt.Errorf("writing revision zero: %w", err)
	}
	if err := root.Serialize(revFile); err != nil {
		revFile.Close()
		return fmt.Errorf("writing revision zero root: %w", err)
	}
	info, err := revFile.Stat()
	if err != nil {
		revFile.Close()
		return fmt.Errorf("writing revision zero: %w", err)
	}
	if err := revFile.Close(); err != nil {
		return fmt.Errorf("writing revision zero: %w", err)
	}

	entry := index.Entry{
		ItemIndex: index.ItemIndexRoot,
		Offset:    0,
		Size:      info.Size(),
		Type:      index.ItemTypeNodeRev,
	}
	atomic := func(path string, data []byte) error {
		return layout.WriteFileAtomic(path, data, 0644)
	}
	if err := atomic(l.RevL2PIndex(0), []byte(entry.String())); err != nil {
		return fmt.Errorf("writing revision zero index: %w", err)
	}
	if err := atomic(l.RevP2LIndex(0), []byte(entry.String())); err != nil {
		return fmt.Errorf("writing revision zero index: %w", err)
	}

	props := map[string]string{}
	return layout.WriteFileAtomic(l.RevPropsFile(0), revprops.Serialize(props), 0644)
}

// RevProps reads the property list of a committed revision.
func (f *FS) RevProps(rev id.Rev) (map[string]string, error) {
	data, err := os.ReadFile(f.Layout.RevPropsFile(rev))
	if err != nil {
		return nil, fserrors.Wrap(fserrors.KindIO, err, "reading revprops of r%d", rev)
	}
	return revprops.Parse(data)
}

// ChangesAt reads and parses the canonical changed-paths block of a
// committed revision.
func (f *FS) ChangesAt(rev id.Rev) (map[string]*change.Change, error) {
	if rev == 0 {
		return map[string]*change.Change{}, nil
	}
	data, err := f.readItem(rev, index.ItemIndexChanges)
	if err != nil {
		return nil, err
	}
	return change.ParseFolded(data)
}

// FreshCacheView returns a handle sharing this session's on-disk state
// but with empty in-memory caches. The commit pipeline uses it to
// verify a new revision without trusting anything cached during the
// transaction.
func (f *FS) FreshCacheView() *FS {
	shadow := &FS{
		Layout:   f.Layout,
		Config:   f.Config,
		Locks:    f.Locks,
		Registry: f.Registry,
		RepCache: f.RepCache,
		Log:      f.Log,
		db:       f.db,
	}
	shadow.nodeCache, _ = lru.New[string, *noderev.NodeRev](nodeCacheSize)
	shadow.dirCache, _ = lru.New[string, map[string]noderev.DirEntry](dirCacheSize)
	return shadow
}
