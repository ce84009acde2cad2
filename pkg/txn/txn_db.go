package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberdb/emberdb/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// txnIDCounter produces process-wide unique transaction ids.
// ids start at 1 and are never reused while the process runs.
var txnIDCounter atomic.Uint64

// TransactionDB provides pessimistic transactions over a storage engine.
//
// It owns the lock manager and the registry of expirable transactions used by
// the lock stealing arbitration. Safe for concurrent use; each Transaction it
// hands out is single threaded (see Transaction).
type TransactionDB struct {
	store   Engine
	options *TransactionDBOptions

	lockMgr *lockManager

	// idCounter defaults to the process-wide counter.
	// tests substitute an isolated one.
	idCounter *atomic.Uint64

	// expirable transactions by id. Only transactions with a TTL register.
	mu            sync.RWMutex
	expirableTxns map[uint64]*Transaction
}

// Open wraps the storage engine with pessimistic transaction support.
func Open(store Engine, options *TransactionDBOptions) *TransactionDB {
	if options == nil {
		options = NewDefaultTransactionDBOptions()
	}

	tdb := &TransactionDB{
		store:         store,
		options:       options,
		idCounter:     &txnIDCounter,
		expirableTxns: make(map[uint64]*Transaction),
	}
	tdb.lockMgr = newLockManager(options.NumStripes, tdb, store)
	return tdb
}

// BeginTransaction creates a new transaction over the db.
func (tdb *TransactionDB) BeginTransaction(writeOptions *storage.WriteOptions, txnOptions *TransactionOptions) *Transaction {
	if txnOptions == nil {
		txnOptions = NewDefaultTransactionOptions()
	}

	startTime := tdb.store.NowMicros()

	var expirationTime uint64
	if txnOptions.Expiration > 0 {
		expirationTime = startTime + uint64(txnOptions.Expiration)*1000000
	}

	lockTimeoutMs := txnOptions.LockTimeout
	if lockTimeoutMs < 0 {
		// lock timeout not set, use the db-wide default.
		lockTimeoutMs = tdb.options.TransactionLockTimeout
	}

	t := &Transaction{
		id:             tdb.idCounter.Add(1),
		db:             tdb,
		store:          tdb.store,
		writeOptions:   writeOptions,
		expirationTime: expirationTime,
		lockTimeout:    time.Duration(lockTimeoutMs) * time.Millisecond,
		trackedKeys:    make(TransactionKeyMap),
		writeBatch:     storage.NewWriteBatch(),
	}

	if txnOptions.SetSnapshot {
		t.SetSnapshot()
	} else if txnOptions.LazySnapshot {
		t.SetSnapshotOnNextOperation()
	}

	if expirationTime > 0 {
		tdb.insertExpirableTransaction(t.id, t)
	}

	log.WithFields(log.Fields{"id": t.id, "expirationTime": expirationTime}).Debug("txn::txn_db::BeginTransaction; created")
	return t
}

// TryLock acquires exclusive ownership of (cfID, key) for the transaction,
// honoring its lock timeout.
func (tdb *TransactionDB) TryLock(t *Transaction, cfID uint32, key string) error {
	return tdb.lockMgr.lock(t.id, t.expirationTime, cfID, key, t.lockTimeout)
}

// UnLock releases every key of the map still held by the transaction.
// Never fails; best effort and idempotent.
func (tdb *TransactionDB) UnLock(t *Transaction, keys TransactionKeyMap) {
	tdb.lockMgr.unlock(t.id, keys)
}

// UnLockKey releases a single key held by the transaction.
func (tdb *TransactionDB) UnLockKey(t *Transaction, cfID uint32, key string) {
	tdb.lockMgr.unlockKey(t.id, cfID, key)
}

func (tdb *TransactionDB) insertExpirableTransaction(id uint64, t *Transaction) {
	tdb.mu.Lock()
	defer tdb.mu.Unlock()
	tdb.expirableTxns[id] = t
}

func (tdb *TransactionDB) removeExpirableTransaction(id uint64) {
	tdb.mu.Lock()
	defer tdb.mu.Unlock()
	delete(tdb.expirableTxns, id)
}

// tryStealingExpiredTransactionLocks attempts to win the commit/steal
// arbitration against the transaction with the given id. Returns true iff the
// owner was moved to LOCKS_STOLEN and its locks may be taken over.
//
// An owner missing from the registry has already finished; its locks are
// released (or about to be) by its own cleanup, so there is nothing to steal.
func (tdb *TransactionDB) tryStealingExpiredTransactionLocks(ownerID uint64) bool {
	tdb.mu.RLock()
	t, ok := tdb.expirableTxns[ownerID]
	tdb.mu.RUnlock()

	if !ok {
		return false
	}
	return t.tryStealingLocks()
}
