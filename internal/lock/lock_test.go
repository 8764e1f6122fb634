// internal/lock/lock_test.go
package lock

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/layout"
	"strata/internal/registry"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	l := layout.Layout{Root: root, ShardSize: 1000}
	require.NoError(t, os.MkdirAll(l.TxnsDir(), 0755))
	return NewManager(l, registry.New())
}

func TestWriteLockRunsBody(t *testing.T) {
	m := newTestManager(t)
	ran := false
	err := m.WithWriteLock(func() error {
		ran = true
		assert.True(t, m.HasWriteLock())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, m.HasWriteLock())
}

// The sentinel is created and the acquisition retried when it does not
// exist yet.
func TestWriteLockCreatesMissingSentinel(t *testing.T) {
	m := newTestManager(t)
	_, err := os.Stat(m.Layout.WriteLock())
	require.True(t, os.IsNotExist(err))

	require.NoError(t, m.WithWriteLock(func() error { return nil }))
	_, err = os.Stat(m.Layout.WriteLock())
	assert.NoError(t, err)
}

func TestWriteLockSerializes(t *testing.T) {
	m := newTestManager(t)
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithWriteLock(func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestWriteLockHookRuns(t *testing.T) {
	m := newTestManager(t)
	hookRan := false
	m.OnWriteLockAcquired = func() error {
		hookRan = true
		return nil
	}
	require.NoError(t, m.WithWriteLock(func() error { return nil }))
	assert.True(t, hookRan)
}

func setupTxnFiles(t *testing.T, m *Manager, txnID id.TxnID) {
	t.Helper()
	require.NoError(t, os.MkdirAll(m.Layout.TxnDir(txnID), 0755))
	require.NoError(t, os.WriteFile(m.Layout.ProtoRevFile(txnID), nil, 0644))
	require.NoError(t, os.WriteFile(m.Layout.ProtoRevLockFile(txnID), nil, 0644))
}

func TestProtoRevLockExclusive(t *testing.T) {
	m := newTestManager(t)
	txnID := id.TxnID(1)
	setupTxnFiles(t, m, txnID)

	guard, err := m.LockProtoRev(txnID)
	require.NoError(t, err)

	_, err = m.LockProtoRev(txnID)
	assert.True(t, fserrors.IsKind(err, fserrors.KindRepBeingWritten))

	require.NoError(t, guard.Unlock())

	// Released: a new writer may take over.
	guard, err = m.LockProtoRev(txnID)
	require.NoError(t, err)
	require.NoError(t, guard.Unlock())
}

func TestProtoRevLockClearsFlagOnUnlock(t *testing.T) {
	m := newTestManager(t)
	txnID := id.TxnID(2)
	setupTxnFiles(t, m, txnID)

	guard, err := m.LockProtoRev(txnID)
	require.NoError(t, err)
	m.WithTxnListLock(func(reg *registry.Registry) error {
		require.NotNil(t, reg.Lookup(txnID))
		assert.True(t, reg.Lookup(txnID).BeingWritten)
		return nil
	})

	require.NoError(t, guard.Unlock())
	m.WithTxnListLock(func(reg *registry.Registry) error {
		assert.False(t, reg.Lookup(txnID).BeingWritten)
		return nil
	})

	// Unlock is idempotent.
	assert.NoError(t, guard.Unlock())
}

// A second session (separate registry, same repository) contends on
// the advisory lock itself.
func TestProtoRevLockCrossSessionContention(t *testing.T) {
	m1 := newTestManager(t)
	m2 := NewManager(m1.Layout, registry.New())
	txnID := id.TxnID(5)
	setupTxnFiles(t, m1, txnID)

	guard, err := m1.LockProtoRev(txnID)
	require.NoError(t, err)
	defer guard.Unlock()

	_, err = m2.LockProtoRev(txnID)
	assert.True(t, fserrors.IsKind(err, fserrors.KindContentionTimeout))

	// The loser's being_written flag is rolled back.
	m2.WithTxnListLock(func(reg *registry.Registry) error {
		assert.False(t, reg.Lookup(txnID).BeingWritten)
		return nil
	})
}

func TestProtoRevLockMissingTxn(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LockProtoRev(id.TxnID(99))
	assert.True(t, fserrors.IsKind(err, fserrors.KindNoSuchTransaction))
}

func TestProtoRevLockAppendsAtEnd(t *testing.T) {
	m := newTestManager(t)
	txnID := id.TxnID(3)
	setupTxnFiles(t, m, txnID)
	require.NoError(t, os.WriteFile(m.Layout.ProtoRevFile(txnID), []byte("existing"), 0644))

	guard, err := m.LockProtoRev(txnID)
	require.NoError(t, err)
	defer guard.Unlock()

	_, err = guard.File.WriteString("+more")
	require.NoError(t, err)
	require.NoError(t, guard.File.Sync())

	data, err := os.ReadFile(m.Layout.ProtoRevFile(txnID))
	require.NoError(t, err)
	assert.Equal(t, "existing+more", string(data))
}
