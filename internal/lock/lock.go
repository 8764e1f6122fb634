// internal/lock/lock.go
package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/layout"
	"strata/internal/registry"
)

// Manager owns the four shared locks of one filesystem session: the
// global write lock, the txn-counter lock, the txn-list lock, and the
// per-transaction proto-rev locks. On-disk advisory locks coordinate
// processes; in-process mutexes coordinate goroutines sharing a
// session.
type Manager struct {
	Layout   layout.Layout
	Registry *registry.Registry

	writeMu      sync.Mutex
	txnCurrentMu sync.Mutex
	txnListMu    sync.Mutex

	hasWriteLock bool

	// OnWriteLockAcquired runs while the write lock is held, before
	// the caller's body. The session uses it to refresh its cached
	// youngest revision; no pack info is kept or refreshed.
	OnWriteLockAcquired func() error
}

func NewManager(l layout.Layout, reg *registry.Registry) *Manager {
	return &Manager{Layout: l, Registry: reg}
}

// HasWriteLock reports whether this session currently holds the
// global write lock.
func (m *Manager) HasWriteLock() bool { return m.hasWriteLock }

// WithWriteLock serializes commits: in-process mutex first, then an
// exclusive advisory lock on the write-lock sentinel. Release runs on
// every exit path.
func (m *Manager) WithWriteLock(body func() error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	release, err := flockFile(m.Layout.WriteLock())
	if err != nil {
		return err
	}
	m.hasWriteLock = true
	defer func() {
		m.hasWriteLock = false
		release()
	}()

	if m.OnWriteLockAcquired != nil {
		if err := m.OnWriteLockAcquired(); err != nil {
			return err
		}
	}
	return body()
}

// WithTxnCurrentLock guards the read-modify-write of the txn-current
// counter file.
func (m *Manager) WithTxnCurrentLock(body func() error) error {
	m.txnCurrentMu.Lock()
	defer m.txnCurrentMu.Unlock()

	release, err := flockFile(m.Layout.TxnCurrentLock())
	if err != nil {
		return err
	}
	defer release()
	return body()
}

// WithTxnListLock guards the shared transaction registry.
func (m *Manager) WithTxnListLock(body func(reg *registry.Registry) error) error {
	m.txnListMu.Lock()
	defer m.txnListMu.Unlock()
	return body(m.Registry)
}

// flockFile takes an exclusive advisory lock on path. If the sentinel
// does not exist it is created and the acquisition retried exactly
// once.
func flockFile(path string) (release func(), err error) {
	retried := false
	for {
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			if os.IsNotExist(err) && !retried {
				retried = true
				if cerr := createSentinel(path); cerr != nil {
					return nil, cerr
				}
				continue
			}
			return nil, fserrors.Wrap(fserrors.KindIO, err, "opening lock file %s", path)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return nil, fserrors.Wrap(fserrors.KindIO, err, "locking %s", path)
		}
		return func() {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		}, nil
	}
}

func createSentinel(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil && !os.IsExist(err) {
		return fserrors.Wrap(fserrors.KindIO, err, "creating lock file %s", path)
	}
	if f != nil {
		f.Close()
	}
	return nil
}

// ProtoRevGuard holds the per-transaction proto-rev lock plus the
// opened proto-rev file positioned at its end.
type ProtoRevGuard struct {
	File *os.File

	manager  *Manager
	txnID    id.TxnID
	lockFile *os.File
	released bool
}

// LockProtoRev acquires the exclusive right to append to txnID's
// proto-rev file: the being_written flag in the shared registry plus a
// non-blocking advisory lock on the rev-lock sentinel. Another writer
// sharing this manager's registry yields RepBeingWritten; one in another
// session or another process yields ContentionTimeout.
func (m *Manager) LockProtoRev(txnID id.TxnID) (*ProtoRevGuard, error) {
	var shared *registry.Txn
	err := m.WithTxnListLock(func(reg *registry.Registry) error {
		shared = reg.GetOrCreate(txnID)
		if shared.BeingWritten {
			return fserrors.RepBeingWritten(
				"cannot write to the prototype revision file of transaction %s "+
					"because a previous representation is currently being written by this process",
				txnID)
		}
		shared.BeingWritten = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	clearFlag := func() {
		m.WithTxnListLock(func(reg *registry.Registry) error {
			if t := reg.Lookup(txnID); t != nil {
				t.BeingWritten = false
			}
			return nil
		})
	}

	lf, err := os.OpenFile(m.Layout.ProtoRevLockFile(txnID), os.O_RDWR, 0644)
	if err != nil {
		clearFlag()
		if os.IsNotExist(err) {
			return nil, fserrors.NoSuchTransaction(txnID.String())
		}
		return nil, fserrors.Wrap(fserrors.KindIO, err, "opening proto-rev lock")
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		clearFlag()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fserrors.New(fserrors.KindContentionTimeout,
				"cannot write to the prototype revision file of transaction %s "+
					"because another client is currently writing to it", txnID)
		}
		return nil, fserrors.Wrap(fserrors.KindIO, err, "locking proto-rev file")
	}

	f, err := os.OpenFile(m.Layout.ProtoRevFile(txnID), os.O_RDWR, 0644)
	if err != nil {
		unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
		clearFlag()
		return nil, fserrors.Wrap(fserrors.KindIO, err, "opening proto-rev file")
	}
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
		clearFlag()
		return nil, fserrors.Wrap(fserrors.KindIO, err, "seeking proto-rev file")
	}

	return &ProtoRevGuard{File: f, manager: m, txnID: txnID, lockFile: lf}, nil
}

// Unlock releases the proto-rev lock and clears being_written. Safe to
// call more than once; the flag is cleared even when closing the file
// fails.
func (g *ProtoRevGuard) Unlock() error {
	if g.released {
		return nil
	}
	g.released = true

	var firstErr error
	if err := g.File.Close(); err != nil {
		firstErr = fmt.Errorf("closing proto-rev file: %w", err)
	}
	unix.Flock(int(g.lockFile.Fd()), unix.LOCK_UN)
	if err := g.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing proto-rev lock: %w", err)
	}
	g.manager.WithTxnListLock(func(reg *registry.Registry) error {
		if t := reg.Lookup(g.txnID); t != nil {
			t.BeingWritten = false
		}
		return nil
	})
	return firstErr
}
