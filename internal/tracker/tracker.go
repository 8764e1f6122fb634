// internal/tracker/tracker.go
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"strata/internal/commit"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/revprops"
	"strata/internal/txn"
)

// Tracker watches a working directory and commits every file change
// into the repository as a new revision.
type Tracker struct {
	fs      *fs.FS
	root    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	ignoreDirs map[string]bool
	mu         sync.Mutex
	done       chan struct{}
}

// New creates a tracker rooted at dir. Call Run to start watching.
func New(f *fs.FS, dir string, logger *zap.Logger) (*Tracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	t := &Tracker{
		fs:      f,
		root:    dir,
		watcher: watcher,
		logger:  logger,
		ignoreDirs: map[string]bool{
			".git":         true,
			".strata":      true,
			"node_modules": true,
			"vendor":       true,
		},
		done: make(chan struct{}),
	}
	if err := t.addWatches(); err != nil {
		watcher.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) addWatches() error {
	return filepath.Walk(t.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if t.shouldIgnore(path) {
				return filepath.SkipDir
			}
			if err := t.watcher.Add(path); err != nil {
				return fmt.Errorf("adding directory to watcher: %w", err)
			}
		}
		return nil
	})
}

func (t *Tracker) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	return t.ignoreDirs[base] || strings.HasPrefix(base, ".tmp-")
}

// Run processes watcher events until Close is called.
func (t *Tracker) Run() {
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (t *Tracker) Close() error {
	close(t.done)
	return t.watcher.Close()
}

func (t *Tracker) handle(event fsnotify.Event) {
	if t.shouldIgnore(event.Name) {
		return
	}
	rel, err := filepath.Rel(t.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	repoPath := "/" + filepath.ToSlash(rel)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 {
				t.watcher.Add(event.Name)
				t.commitChange(repoPath, func(tx *txn.Txn) error {
					_, err := tx.MakeDir(repoPath)
					return err
				})
			}
			return
		}
		data, err := os.ReadFile(event.Name)
		if err != nil {
			return
		}
		t.commitChange(repoPath, func(tx *txn.Txn) error {
			if _, err := tx.MakeFile(repoPath); err != nil {
				if !fserrors.IsKind(err, fserrors.KindCorrupt) {
					return err
				}
			}
			return tx.WriteFile(repoPath, data)
		})

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		t.commitChange(repoPath, func(tx *txn.Txn) error {
			return tx.Delete(repoPath)
		})
	}
}

// commitChange runs one edit in a fresh transaction and commits it,
// retrying once when a concurrent commit made the base stale.
func (t *Tracker) commitChange(path string, edit func(*txn.Txn) error) {
	for attempt := 0; attempt < 2; attempt++ {
		youngest, err := t.fs.Youngest()
		if err != nil {
			t.logger.Warn("reading youngest failed", zap.Error(err))
			return
		}
		tx, err := txn.Begin(t.fs, youngest)
		if err != nil {
			t.logger.Warn("beginning transaction failed", zap.Error(err))
			return
		}
		if err := tx.SetProp(revprops.PropLog, "auto: "+path); err != nil {
			tx.Abort()
			t.logger.Warn("setting log message failed", zap.Error(err))
			return
		}
		if err := edit(tx); err != nil {
			tx.Abort()
			t.logger.Debug("skipping change", zap.String("path", path), zap.Error(err))
			return
		}
		rev, err := commit.Commit(t.fs, tx, commit.Options{})
		if err == nil {
			t.logger.Info("auto-committed", zap.String("path", path), zap.Int64("revision", int64(rev)))
			return
		}
		tx.Abort()
		if !fserrors.IsKind(err, fserrors.KindTxnOutOfDate) {
			t.logger.Warn("auto-commit failed", zap.String("path", path), zap.Error(err))
			return
		}
	}
}
