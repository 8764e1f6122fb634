// internal/commit/commit_test.go
package commit

import (
	"encoding/hex"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/internal/change"
	"strata/internal/config"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/revprops"
	"strata/internal/txn"
)

func newTestFS(t *testing.T, cfg *config.Config) *fs.FS {
	t.Helper()
	f, err := fs.Create(t.TempDir(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// commitFile commits one file write (creating the file when needed)
// on top of the current youngest revision.
func commitFile(t *testing.T, f *fs.FS, path string, data []byte) id.Rev {
	t.Helper()
	youngest, err := f.Youngest()
	require.NoError(t, err)
	tx, err := txn.Begin(f, youngest)
	require.NoError(t, err)
	if _, err := f.NodeAtPath(youngest, path); err != nil {
		_, err = tx.MakeFile(path)
		require.NoError(t, err)
	}
	require.NoError(t, tx.WriteFile(path, data))
	rev, err := Commit(f, tx, Options{})
	require.NoError(t, err)
	return rev
}

func TestCommitFirstRevision(t *testing.T) {
	f := newTestFS(t, nil)

	tx, err := txn.Begin(f, 0)
	require.NoError(t, err)
	_, err = tx.MakeFile("/iota")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("hello\n")))

	rev, err := Commit(f, tx, Options{})
	require.NoError(t, err)
	assert.Equal(t, id.Rev(1), rev)

	youngest, err := f.Youngest()
	require.NoError(t, err)
	assert.Equal(t, id.Rev(1), youngest)

	content, err := f.FileContents(1, "/iota")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), content)

	nr, err := f.NodeAtPath(1, "/iota")
	require.NoError(t, err)
	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", hex.EncodeToString(nr.DataRep.MD5[:]))

	changes, err := f.ChangesAt(1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Contains(t, changes, "/iota")
	assert.Equal(t, change.KindAdd, changes["/iota"].Kind)
	assert.True(t, changes["/iota"].TextMod)
	assert.False(t, changes["/iota"].NodeRevID.IsTxn())

	// The transaction directory is gone.
	ids, err := txn.List(f)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// Two transactions based on the same revision: the first commit wins,
// the second fails with TxnOutOfDate and remains purgeable.
func TestConcurrentCommitsOneWins(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/iota", []byte("base\n"))

	t1, err := txn.Begin(f, 1)
	require.NoError(t, err)
	t2, err := txn.Begin(f, 1)
	require.NoError(t, err)

	require.NoError(t, t1.WriteFile("/iota", []byte("first\n")))
	require.NoError(t, t2.WriteFile("/iota", []byte("second\n")))

	rev, err := Commit(f, t1, Options{})
	require.NoError(t, err)
	assert.Equal(t, id.Rev(2), rev)

	_, err = Commit(f, t2, Options{})
	assert.True(t, fserrors.IsKind(err, fserrors.KindTxnOutOfDate))

	content, err := f.FileContents(2, "/iota")
	require.NoError(t, err)
	assert.Equal(t, []byte("first\n"), content)

	require.NoError(t, t2.Abort())
	ids, err := txn.List(f)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// A failed out-of-date commit leaves the repository untouched.
func TestTxnOutOfDateLeavesStateIntact(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/iota", []byte("base\n"))

	stale, err := txn.Begin(f, 1)
	require.NoError(t, err)
	require.NoError(t, stale.WriteFile("/iota", []byte("stale\n")))

	commitFile(t, f, "/iota", []byte("winner\n"))
	before, err := os.ReadFile(f.Layout.Current())
	require.NoError(t, err)

	_, err = Commit(f, stale, Options{})
	require.True(t, fserrors.IsKind(err, fserrors.KindTxnOutOfDate))

	after, err := os.ReadFile(f.Layout.Current())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(f.Layout.RevFile(3))
	assert.True(t, os.IsNotExist(err))
}

func TestAbortNeverAdvancesYoungest(t *testing.T) {
	f := newTestFS(t, nil)
	tx, err := txn.Begin(f, 0)
	require.NoError(t, err)
	_, err = tx.MakeFile("/iota")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("doomed\n")))
	require.NoError(t, tx.Abort())

	youngest, err := f.Youngest()
	require.NoError(t, err)
	assert.Equal(t, id.Rev(0), youngest)
}

// Identical content across revisions shares one physical
// representation: the new node-rev references the older revision's
// item.
func TestRepSharingAcrossRevisions(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/iota", []byte("shared content\n"))
	commitFile(t, f, "/iota", []byte("something else\n"))
	commitFile(t, f, "/iota", []byte("shared content\n"))

	first, err := f.NodeAtPath(1, "/iota")
	require.NoError(t, err)
	third, err := f.NodeAtPath(3, "/iota")
	require.NoError(t, err)

	assert.Equal(t, id.Rev(1), third.DataRep.ChangeSet.Rev())
	assert.Equal(t, first.DataRep.ItemIndex, third.DataRep.ItemIndex)

	content, err := f.FileContents(3, "/iota")
	require.NoError(t, err)
	assert.Equal(t, []byte("shared content\n"), content)
}

// Skip-delta in the mid-range, linear near HEAD.
func TestDeltaBaseChooser(t *testing.T) {
	cfg := config.Default()
	cfg.Delta.MaxLinearDeltification = 4
	f := newTestFS(t, cfg)

	for i := 1; i <= 17; i++ {
		commitFile(t, f, "/iota", []byte(fmt.Sprintf("content %d\n", i)))
	}

	// Predecessor count 16: the lowest set bit clears to zero, a
	// power-of-two jump all the way back.
	at17, err := f.NodeAtPath(17, "/iota")
	require.NoError(t, err)
	require.Equal(t, int64(16), at17.PredecessorCount)
	base, err := txn.ChooseDeltaBase(f, at17, false)
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.Equal(t, id.Rev(1), base.ChangeSet.Rev())

	// Predecessor count 14: within the linear window, delta against
	// the immediate predecessor.
	at15, err := f.NodeAtPath(15, "/iota")
	require.NoError(t, err)
	require.Equal(t, int64(14), at15.PredecessorCount)
	base, err = txn.ChooseDeltaBase(f, at15, false)
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.Equal(t, id.Rev(14), base.ChangeSet.Rev())

	// No predecessors: fresh chain.
	at1, err := f.NodeAtPath(1, "/iota")
	require.NoError(t, err)
	base, err = txn.ChooseDeltaBase(f, at1, false)
	require.NoError(t, err)
	assert.Nil(t, base)
}

// Deleting a directory folds away every change under it.
func TestDeleteCollapsesSubtree(t *testing.T) {
	f := newTestFS(t, nil)

	setup, err := txn.Begin(f, 0)
	require.NoError(t, err)
	_, err = setup.MakeDir("/a")
	require.NoError(t, err)
	_, err = setup.MakeDir("/a/b")
	require.NoError(t, err)
	_, err = Commit(f, setup, Options{})
	require.NoError(t, err)

	tx, err := txn.Begin(f, 1)
	require.NoError(t, err)
	_, err = tx.MakeFile("/a/b/c")
	require.NoError(t, err)
	require.NoError(t, tx.Delete("/a"))

	rev, err := Commit(f, tx, Options{})
	require.NoError(t, err)

	changes, err := f.ChangesAt(rev)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Contains(t, changes, "/a")
	assert.Equal(t, change.KindDelete, changes["/a"].Kind)
}

func TestIncompleteMove(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/foo", []byte("movable\n"))

	tx, err := txn.Begin(f, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Move("/foo", "/bar"))

	_, err = Commit(f, tx, Options{})
	assert.True(t, fserrors.IsKind(err, fserrors.KindIncompleteMove))
}

func TestCompleteMove(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/foo", []byte("movable\n"))

	tx, err := txn.Begin(f, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Move("/foo", "/bar"))
	require.NoError(t, tx.Delete("/foo"))

	rev, err := Commit(f, tx, Options{})
	require.NoError(t, err)

	changes, err := f.ChangesAt(rev)
	require.NoError(t, err)
	require.Contains(t, changes, "/bar")
	assert.Equal(t, change.KindMove, changes["/bar"].Kind)
	assert.Equal(t, "/foo", changes["/bar"].CopyfromPath)
	assert.Equal(t, rev-1, changes["/bar"].CopyfromRev)

	content, err := f.FileContents(rev, "/bar")
	require.NoError(t, err)
	assert.Equal(t, []byte("movable\n"), content)
}

func TestAmbiguousMove(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/foo", []byte("movable\n"))

	tx, err := txn.Begin(f, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Move("/foo", "/bar"))
	require.NoError(t, tx.Move("/foo", "/baz"))
	require.NoError(t, tx.Delete("/foo"))

	_, err = Commit(f, tx, Options{})
	assert.True(t, fserrors.IsKind(err, fserrors.KindAmbiguousMove))
}

// After N commits every revision has a revision file, a revprops file
// and both indexes.
func TestCommittedRevisionsComplete(t *testing.T) {
	f := newTestFS(t, nil)
	for i := 1; i <= 3; i++ {
		commitFile(t, f, "/iota", []byte(fmt.Sprintf("v%d\n", i)))
	}
	youngest, err := f.Youngest()
	require.NoError(t, err)
	require.Equal(t, id.Rev(3), youngest)

	for rev := id.Rev(1); rev <= 3; rev++ {
		for _, path := range []string{
			f.Layout.RevFile(rev),
			f.Layout.RevPropsFile(rev),
			f.Layout.RevL2PIndex(rev),
			f.Layout.RevP2LIndex(rev),
		} {
			_, err := os.Stat(path)
			assert.NoError(t, err, "r%d: %s", rev, path)
		}
		require.NoError(t, f.VerifyRev(rev))
	}
}

func TestRevpropsFinalization(t *testing.T) {
	f := newTestFS(t, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tx, err := txn.Begin(f, 0)
	require.NoError(t, err)
	require.NoError(t, tx.SetProps(map[string]string{
		revprops.PropLog:        "first",
		revprops.PropCheckOOD:   "true",
		revprops.PropCheckLocks: "true",
	}))
	_, err = tx.MakeFile("/iota")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("hello\n")))

	rev, err := Commit(f, tx, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)

	props, err := f.RevProps(rev)
	require.NoError(t, err)
	assert.Equal(t, "first", props[revprops.PropLog])
	assert.Equal(t, now.Format(revprops.DateFormat), props[revprops.PropDate])
	assert.NotContains(t, props, revprops.PropCheckOOD)
	assert.NotContains(t, props, revprops.PropCheckLocks)
}

func TestRevpropsClientDate(t *testing.T) {
	f := newTestFS(t, nil)
	supplied := "2020-01-01T00:00:00.000000Z"

	tx, err := txn.Begin(f, 0)
	require.NoError(t, err)
	require.NoError(t, tx.SetProps(map[string]string{
		revprops.PropClientDate: "1",
		revprops.PropDate:       supplied,
	}))
	_, err = tx.MakeFile("/iota")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("hello\n")))

	rev, err := Commit(f, tx, Options{})
	require.NoError(t, err)

	props, err := f.RevProps(rev)
	require.NoError(t, err)
	assert.Equal(t, supplied, props[revprops.PropDate])
	assert.NotContains(t, props, revprops.PropClientDate)
}

type recordingChecker struct {
	calls []string
}

func (r *recordingChecker) Check(path string, recurse bool) error {
	r.calls = append(r.calls, fmt.Sprintf("%s:%t", path, recurse))
	return nil
}

func TestLockVerification(t *testing.T) {
	f := newTestFS(t, nil)
	commitFile(t, f, "/iota", []byte("v1\n"))

	tx, err := txn.Begin(f, 1)
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("v2\n")))
	_, err = tx.MakeFile("/mu")
	require.NoError(t, err)

	checker := &recordingChecker{}
	_, err = Commit(f, tx, Options{Locks: checker})
	require.NoError(t, err)

	// Pure modifications check non-recursively, adds recursively.
	assert.Contains(t, checker.calls, "/iota:false")
	assert.Contains(t, checker.calls, "/mu:true")
}

func TestLockCheckerFailureAbortsCommit(t *testing.T) {
	f := newTestFS(t, nil)
	tx, err := txn.Begin(f, 0)
	require.NoError(t, err)
	_, err = tx.MakeFile("/iota")
	require.NoError(t, err)
	require.NoError(t, tx.WriteFile("/iota", []byte("v1\n")))

	_, err = Commit(f, tx, Options{Locks: failingChecker{}})
	require.Error(t, err)

	youngest, err := f.Youngest()
	require.NoError(t, err)
	assert.Equal(t, id.Rev(0), youngest)
}

type failingChecker struct{}

func (failingChecker) Check(path string, recurse bool) error {
	return fmt.Errorf("path %q is locked by another user", path)
}

func TestVerifyBeforePublish(t *testing.T) {
	cfg := config.Default()
	cfg.VerifyBeforePublish = true
	f := newTestFS(t, cfg)

	rev := commitFile(t, f, "/iota", []byte("verified\n"))
	assert.Equal(t, id.Rev(1), rev)
}
