package txn

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	icommon "github.com/emberdb/emberdb/internal/common"
	"github.com/emberdb/emberdb/pkg/storage"
	"github.com/emberdb/emberdb/test"
	"github.com/stretchr/testify/assert"
)

func TestTransactionIDsUnique(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	const workers = 8
	const perWorker = 25

	ids := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- tdb.BeginTransaction(nil, nil).ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "transaction id reused")
		seen[id] = true
	}
	assert.Equal(t, workers*perWorker, len(seen))

	t1 := tdb.BeginTransaction(nil, nil)
	t2 := tdb.BeginTransaction(nil, nil)
	assert.Greater(t, t2.ID(), t1.ID(), "sequential ids must increase")
}

func TestTryLockReentrantKeepsStamp(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.TryLock(nil, test.TestKeys[0], false))

	stamp := txn.trackedKeys[0][string(test.TestKeys[0])]
	assert.Equal(t, eng.LatestSequenceNumber(), stamp)

	// bump the engine sequence with an unrelated write.
	assert.Nil(t, eng.Storage.Set(nil, test.TestKeys[1], test.TestValues[1], nil))

	// re-entrant lock: no lock manager churn, stamp does not regress to a
	// larger (less useful) sequence number.
	assert.Nil(t, txn.TryLock(nil, test.TestKeys[0], false))
	assert.Equal(t, stamp, txn.trackedKeys[0][string(test.TestKeys[0])])
	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))
	assert.Equal(t, 0, eng.conflictCheckCount())
}

func TestSnapshotIsolationConflict(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, &TransactionOptions{SetSnapshot: true, LockTimeout: -1})

	// a write lands after the snapshot was taken.
	assert.Nil(t, eng.Storage.Set(nil, test.TestKeys[0], test.TestValues[0], nil))

	err = txn.TryLock(nil, test.TestKeys[0], false)
	assert.NotNil(t, err)
	_, ok := err.(icommon.ConflictError)
	assert.True(t, ok, "expected ConflictError, got %v", err)

	// the newly acquired lock must not be left held.
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))
	_, tracked := txn.trackedKeys[0]
	assert.False(t, tracked && len(txn.trackedKeys[0]) > 0)
}

func TestNoConflictFastPath(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	assert.Nil(t, eng.Storage.Set(nil, test.TestKeys[0], test.TestValues[0], nil))

	txn := tdb.BeginTransaction(nil, &TransactionOptions{SetSnapshot: true, LockTimeout: -1})

	// first lock validates against the snapshot.
	assert.Nil(t, txn.TryLock(nil, test.TestKeys[0], false))
	assert.Equal(t, 1, eng.conflictCheckCount())
	assert.Equal(t, txn.snapshot.SeqNumber(), txn.trackedKeys[0][string(test.TestKeys[0])])

	// the stamp is now <= the snapshot seq: no further check.
	assert.Nil(t, txn.TryLock(nil, test.TestKeys[0], false))
	assert.Equal(t, 1, eng.conflictCheckCount())
}

// An untracked lock stamps the key with the latest sequence number without
// validating. A later tracked lock on the same key must still detect a
// modification that happened after the snapshot.
func TestUntrackedStampDoesNotHideConflict(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, &TransactionOptions{SetSnapshot: true, LockTimeout: -1})

	assert.Nil(t, eng.Storage.Set(nil, test.TestKeys[0], test.TestValues[0], nil))

	assert.Nil(t, txn.TryLock(nil, test.TestKeys[0], true), "untracked lock skips validation")

	err = txn.TryLock(nil, test.TestKeys[0], false)
	_, ok := err.(icommon.ConflictError)
	assert.True(t, ok, "expected ConflictError, got %v", err)

	// the key was pre-held, so the failed validation must not unlock it.
	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))
}

func TestCommitAppliesStagedWrites(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))
	assert.Nil(t, txn.Delete(nil, test.TestKeys[1]))

	assert.Nil(t, txn.Commit())

	val, err := eng.Storage.Get(nil, test.TestKeys[0], nil)
	assert.Nil(t, err)
	assert.Equal(t, test.TestValues[0], val)

	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))
	assert.Equal(t, 0, len(txn.trackedKeys))
	assert.True(t, txn.writeBatch.Empty())
}

func TestCommitStorageErrorStillReleasesLocks(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	diskErr := errors.New("injected write failure")
	eng.failWrites(diskErr)

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))

	err = txn.Commit()
	assert.Equal(t, diskErr, err, "storage errors propagate verbatim")

	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))

	// another transaction can take the key immediately.
	other := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, other.TryLock(nil, test.TestKeys[0], false))
}

func TestRollbackReleasesEverything(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))
	assert.Nil(t, txn.Rollback())

	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))
	assert.True(t, txn.writeBatch.Empty())

	// nothing became durable.
	_, err = eng.Storage.Get(nil, test.TestKeys[0], nil)
	_, ok := err.(icommon.NotFoundError)
	assert.True(t, ok)
}

func TestRollbackToSavePointReleasesOnlyNewKeys(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	keyA, keyB := "a", "b"

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.TryLock(nil, []byte(keyA), false))

	txn.SetSavePoint()
	assert.Nil(t, txn.TryLock(nil, []byte(keyB), false))

	assert.Nil(t, txn.RollbackToSavePoint())

	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, keyA), "key locked before the savepoint stays locked")
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, keyB), "key locked after the savepoint is released")

	_, trackedA := txn.trackedKeys[0][keyA]
	_, trackedB := txn.trackedKeys[0][keyB]
	assert.True(t, trackedA)
	assert.False(t, trackedB)

	assert.Nil(t, txn.Rollback())
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, keyA))
}

func TestRollbackToSavePointTruncatesStagedWrites(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))

	txn.SetSavePoint()
	assert.Nil(t, txn.Put(nil, test.TestKeys[1], test.TestValues[1]))

	assert.Nil(t, txn.RollbackToSavePoint())
	assert.Nil(t, txn.Commit())

	val, err := eng.Storage.Get(nil, test.TestKeys[0], nil)
	assert.Nil(t, err)
	assert.Equal(t, test.TestValues[0], val)

	_, err = eng.Storage.Get(nil, test.TestKeys[1], nil)
	_, ok := err.(icommon.NotFoundError)
	assert.True(t, ok, "write staged after the savepoint must not commit")
}

func TestRollbackToSavePointWithoutSavePoint(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, nil)
	err = txn.RollbackToSavePoint()
	_, ok := err.(icommon.NotFoundError)
	assert.True(t, ok)
}

func TestSavePointReentrantKeyStaysLocked(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	key := "a"
	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.TryLock(nil, []byte(key), false))

	txn.SetSavePoint()
	// re-locking a key tracked before the marker doesn't make it "new".
	assert.Nil(t, txn.TryLock(nil, []byte(key), false))

	assert.Nil(t, txn.RollbackToSavePoint())
	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, key))
}

func TestLockBatchDeduplicates(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	wb := storage.NewWriteBatch()
	wb.Put(nil, []byte("z"), []byte("vz"))
	wb.Put(nil, []byte("a"), []byte("va1"))
	wb.Put(nil, []byte("a"), []byte("va2"))

	txn := tdb.BeginTransaction(nil, nil)
	keys, err := txn.LockBatch(wb)
	assert.Nil(t, err)

	assert.Equal(t, 2, len(keys[0]))
	assert.Equal(t, maxSequenceNumber, keys[0]["a"], "batch locked keys carry the sentinel stamp")
	assert.Equal(t, maxSequenceNumber, keys[0]["z"])
	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "a"))
	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "z"))

	tdb.UnLock(txn, keys)
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "a"))
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "z"))
}

func TestLockBatchFailureReleasesAcquired(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	holder := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, holder.TryLock(nil, []byte("m"), false))

	wb := storage.NewWriteBatch()
	wb.Put(nil, []byte("a"), []byte("va"))
	wb.Put(nil, []byte("m"), []byte("vm"))
	wb.Put(nil, []byte("z"), []byte("vz"))

	txn := tdb.BeginTransaction(nil, &TransactionOptions{LockTimeout: 0})
	keys, err := txn.LockBatch(wb)
	assert.Nil(t, keys)
	_, ok := err.(icommon.LockTimeoutError)
	assert.True(t, ok, "expected LockTimeoutError, got %v", err)

	// acquisition order is a..z, so "a" was taken before "m" failed; it must
	// have been released again.
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "a"))
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "z"))
	assert.True(t, tdb.lockMgr.isLockedBy(holder.ID(), 0, "m"))
}

func TestCommitBatch(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	wb := storage.NewWriteBatch()
	wb.Put(nil, test.TestKeys[0], test.TestValues[0])
	wb.Put(nil, test.TestKeys[1], test.TestValues[1])

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.CommitBatch(wb))

	for i := 0; i < 2; i++ {
		val, err := eng.Storage.Get(nil, test.TestKeys[i], nil)
		assert.Nil(t, err)
		assert.Equal(t, test.TestValues[i], val)
		assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[i])))
	}
}

func TestLockTimeoutIsBounded(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	holder := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, holder.TryLock(nil, test.TestKeys[0], false))

	waiter := tdb.BeginTransaction(nil, &TransactionOptions{LockTimeout: 50})

	start := time.Now()
	err = waiter.TryLock(nil, test.TestKeys[0], false)
	elapsed := time.Since(start)

	_, ok := err.(icommon.LockTimeoutError)
	assert.True(t, ok, "expected LockTimeoutError, got %v", err)
	assert.Less(t, elapsed, 5*time.Second, "lock attempt must return within a bound")

	// the key frees up once the holder rolls back.
	assert.Nil(t, holder.Rollback())
	assert.Nil(t, waiter.TryLock(nil, test.TestKeys[0], false))
}

func TestLockWaitersWakeOnRelease(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	holder := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, holder.TryLock(nil, test.TestKeys[0], false))

	waiter := tdb.BeginTransaction(nil, &TransactionOptions{LockTimeout: 5000})

	done := make(chan error, 1)
	go func() {
		done <- waiter.TryLock(nil, test.TestKeys[0], false)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, holder.Rollback())

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
	assert.True(t, tdb.lockMgr.isLockedBy(waiter.ID(), 0, string(test.TestKeys[0])))
}

// Exactly one of a concurrent commit CAS and lock-steal CAS may win against
// the same STARTED transaction.
func TestExpirationArbitrationIsExclusive(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	for i := 0; i < 200; i++ {
		txn := tdb.BeginTransaction(nil, &TransactionOptions{Expiration: 10, LockTimeout: -1})

		var commitWins, stealWins atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			<-start
			if txn.execStatus.CompareAndSwap(statusStarted, statusCommitting) {
				commitWins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if txn.tryStealingLocks() {
				stealWins.Add(1)
			}
		}()

		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), commitWins.Load()+stealWins.Load())
		txn.Discard()
	}
}

func TestExpiredCommitFails(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, &TransactionOptions{Expiration: 1, LockTimeout: -1})
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))

	eng.advance(2000000)
	assert.True(t, txn.IsExpired())

	err = txn.Commit()
	_, ok := err.(icommon.ExpiredError)
	assert.True(t, ok, "expected ExpiredError, got %v", err)

	// even a failed commit clears the transaction's resources.
	assert.False(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, string(test.TestKeys[0])))

	_, err = eng.Storage.Get(nil, test.TestKeys[0], nil)
	_, notFound := err.(icommon.NotFoundError)
	assert.True(t, notFound)
	txn.Discard()
}

func TestCommitFailsAfterLocksStolen(t *testing.T) {
	_, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, &TransactionOptions{Expiration: 100, LockTimeout: -1})
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))

	// a sweep steals the locks while the transaction is not yet expired by
	// its own clock read; the CAS is the sole arbiter.
	assert.True(t, tdb.tryStealingExpiredTransactionLocks(txn.ID()))

	err = txn.Commit()
	_, ok := err.(icommon.ExpiredError)
	assert.True(t, ok, "expected ExpiredError, got %v", err)
	txn.Discard()
}

func TestLockStealingFromExpiredTransaction(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	victim := tdb.BeginTransaction(nil, &TransactionOptions{Expiration: 1, LockTimeout: -1})
	assert.Nil(t, victim.Put(nil, test.TestKeys[0], test.TestValues[0]))

	eng.advance(2000000)

	// the thief doesn't wait for a timeout: the expired holder is stolen from.
	thief := tdb.BeginTransaction(nil, &TransactionOptions{LockTimeout: 5000})
	assert.Nil(t, thief.TryLock(nil, test.TestKeys[0], false))
	assert.True(t, tdb.lockMgr.isLockedBy(thief.ID(), 0, string(test.TestKeys[0])))
	assert.Equal(t, statusLocksStolen, victim.execStatus.Load())

	err = victim.Commit()
	_, ok := err.(icommon.ExpiredError)
	assert.True(t, ok)

	// the victim's cleanup must not release a lock it no longer owns.
	victim.Discard()
	assert.True(t, tdb.lockMgr.isLockedBy(thief.ID(), 0, string(test.TestKeys[0])))

	assert.Nil(t, thief.Put(nil, test.TestKeys[0], test.TestValues[1]))
	assert.Nil(t, thief.Commit())

	val, err := eng.Storage.Get(nil, test.TestKeys[0], nil)
	assert.Nil(t, err)
	assert.Equal(t, test.TestValues[1], val)
}

func TestGetReadsOwnStagedWrites(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	assert.Nil(t, eng.Storage.Set(nil, []byte("k"), []byte("stored"), nil))

	txn := tdb.BeginTransaction(nil, nil)

	// nothing staged: reads through to the storage.
	val, err := txn.Get(nil, []byte("k"), nil)
	assert.Nil(t, err)
	assert.Equal(t, []byte("stored"), val)

	assert.Nil(t, txn.Put(nil, []byte("k"), []byte("staged")))
	val, err = txn.Get(nil, []byte("k"), nil)
	assert.Nil(t, err)
	assert.Equal(t, []byte("staged"), val)

	assert.Nil(t, txn.Merge(nil, []byte("k"), []byte("+op")))
	val, err = txn.Get(nil, []byte("k"), nil)
	assert.Nil(t, err)
	assert.Equal(t, []byte("staged+op"), val)

	assert.Nil(t, txn.Delete(nil, []byte("k")))
	_, err = txn.Get(nil, []byte("k"), nil)
	_, ok := err.(icommon.NotFoundError)
	assert.True(t, ok)

	txn.Discard()
}

func TestGetMergesStagedOperandOntoStoredBase(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	assert.Nil(t, eng.Storage.Set(nil, []byte("k"), []byte("base"), nil))

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.Merge(nil, []byte("k"), []byte("+op")))

	val, err := txn.Get(nil, []byte("k"), nil)
	assert.Nil(t, err)
	assert.Equal(t, []byte("base+op"), val)
	txn.Discard()
}

func TestGetForUpdateLocksKey(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	assert.Nil(t, eng.Storage.Set(nil, []byte("k"), []byte("v"), nil))

	txn := tdb.BeginTransaction(nil, nil)
	val, err := txn.GetForUpdate(nil, []byte("k"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.True(t, tdb.lockMgr.isLockedBy(txn.ID(), 0, "k"))

	other := tdb.BeginTransaction(nil, &TransactionOptions{LockTimeout: 0})
	err = other.TryLock(nil, []byte("k"), false)
	_, ok := err.(icommon.LockTimeoutError)
	assert.True(t, ok)
	txn.Discard()
}

func TestLazySnapshotTakenAtFirstLock(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, &TransactionOptions{LazySnapshot: true, LockTimeout: -1})
	assert.Nil(t, txn.snapshot)

	// this write would conflict with a snapshot taken at construction.
	assert.Nil(t, eng.Storage.Set(nil, test.TestKeys[0], test.TestValues[0], nil))

	assert.Nil(t, txn.TryLock(nil, test.TestKeys[0], false))
	assert.NotNil(t, txn.snapshot)
	assert.Equal(t, eng.LatestSequenceNumber(), txn.snapshot.SeqNumber())
	txn.Discard()
}

func TestSnapshotIsolationAcrossTransactions(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	assert.Nil(t, eng.Storage.Set(nil, []byte("k"), []byte("v0"), nil))

	txnA := tdb.BeginTransaction(nil, &TransactionOptions{SetSnapshot: true, LockTimeout: -1})

	txnB := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txnB.Put(nil, []byte("k"), []byte("v1")))
	assert.Nil(t, txnB.Commit())

	// A reads its snapshot view...
	val, err := txnA.Get(nil, []byte("k"), nil)
	assert.Nil(t, err)
	assert.Equal(t, []byte("v0"), val)

	// ...but cannot lock the key B modified after A's snapshot.
	err = txnA.TryLock(nil, []byte("k"), false)
	_, ok := err.(icommon.ConflictError)
	assert.True(t, ok)
	txnA.Discard()
}

func TestCommitWithoutExpirationSkipsArbitration(t *testing.T) {
	eng, tdb, err := newTestDB()
	assert.Nil(t, err)

	txn := tdb.BeginTransaction(nil, nil)
	assert.Nil(t, txn.Put(nil, test.TestKeys[0], test.TestValues[0]))

	// no TTL: the status stays STARTED through the commit.
	assert.Nil(t, txn.Commit())
	assert.Equal(t, statusStarted, txn.execStatus.Load())

	val, err := eng.Storage.Get(nil, test.TestKeys[0], nil)
	assert.Nil(t, err)
	assert.Equal(t, test.TestValues[0], val)
}
