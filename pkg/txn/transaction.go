package txn

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	icommon "github.com/emberdb/emberdb/internal/common"
	"github.com/emberdb/emberdb/pkg/storage"
	log "github.com/sirupsen/logrus"
)

// TransactionKeyMap maps column family id -> key -> the sequence number the
// key is known to be unmodified since. The stamp is a conservative lower
// bound used to skip redundant conflict checks.
type TransactionKeyMap map[uint32]map[string]uint64

func (m TransactionKeyMap) add(cfID uint32, key string, seqNum uint64) {
	keys, ok := m[cfID]
	if !ok {
		keys = make(map[string]uint64)
		m[cfID] = keys
	}
	keys[key] = seqNum
}

// executionStatus is the commit/steal arbitration state of a transaction.
type executionStatus = int32

const (
	statusStarted executionStatus = iota
	statusCommitting
	statusLocksStolen
)

// savePoint marks the tracked-key and staged-mutation state at a moment in
// time, enabling partial rollback.
type savePoint struct {
	// snapshot held when the savepoint was set.
	snapshot *storage.Snapshot

	// keys first tracked after the savepoint was set. when rolled back,
	// exactly these are unlocked.
	newKeys TransactionKeyMap
}

// Transaction is a pessimistic transaction over the storage engine.
//
// Every key it writes is exclusively locked through the db's lock manager
// before the mutation is staged. If a snapshot is set, locked keys are
// validated to be unmodified since the snapshot, giving snapshot isolation.
//
// A single transaction is not thread safe: operations on it must be called
// sequentially. The only state shared with other threads is the execution
// status, which arbitrates commit against lock stealing by expiration sweeps.
type Transaction struct {
	// unique process-wide id, stable for the transaction's entire life.
	// the lock manager attributes lock ownership to it.
	id uint64

	db    *TransactionDB
	store Engine

	writeOptions *storage.WriteOptions

	// absolute expiration timestamp in micros. 0 = no expiration.
	expirationTime uint64

	// max duration a single lock acquisition may block.
	lockTimeout time.Duration

	// execStatus transitions STARTED -> COMMITTING (commit wins) or
	// STARTED -> LOCKS_STOLEN (expiration sweep wins), only via CAS.
	execStatus atomic.Int32

	// snapshot the transaction validates its keys against. may be nil.
	snapshot       *storage.Snapshot
	snapshotNeeded bool

	// keys this transaction holds locks for, with their stamps.
	trackedKeys TransactionKeyMap

	savePoints []*savePoint

	// staged mutations, not yet durable.
	writeBatch *storage.WriteBatch
}

// ID returns the id of the transaction.
func (t *Transaction) ID() uint64 {
	return t.id
}

// GetWriteBatch returns the staged, not yet durable mutations of the transaction.
func (t *Transaction) GetWriteBatch() *storage.WriteBatch {
	return t.writeBatch
}

// GetTrackedKeys returns the keys the transaction currently holds locks for.
func (t *Transaction) GetTrackedKeys() TransactionKeyMap {
	return t.trackedKeys
}

// GetSnapshot returns the snapshot the transaction validates against, or nil.
func (t *Transaction) GetSnapshot() *storage.Snapshot {
	return t.snapshot
}

// SetSnapshot pins the transaction's read view at the current latest sequence
// number, releasing any previously held snapshot.
func (t *Transaction) SetSnapshot() {
	if t.snapshot != nil {
		t.store.ReleaseSnapshot(t.snapshot)
	}
	t.snapshot = t.store.GetSnapshot()
	t.snapshotNeeded = false
}

// SetSnapshotOnNextOperation defers taking the snapshot until the next lock
// acquisition.
func (t *Transaction) SetSnapshotOnNextOperation() {
	t.snapshotNeeded = true
}

func (t *Transaction) setSnapshotIfNeeded() {
	if t.snapshotNeeded {
		t.SetSnapshot()
	}
}

// IsExpired reports whether the transaction's TTL has elapsed.
// A pure read; only ever a hint that gates the commit/steal arbitration.
func (t *Transaction) IsExpired() bool {
	return t.expirationTime > 0 && t.store.NowMicros() >= t.expirationTime
}

// tryStealingLocks attempts the STARTED -> LOCKS_STOLEN transition on behalf
// of an expiration sweep. Exactly one of this and a concurrent commit's CAS
// can win.
func (t *Transaction) tryStealingLocks() bool {
	return t.execStatus.CompareAndSwap(statusStarted, statusLocksStolen)
}

// TryLock acquires an exclusive lock on the key for this transaction.
//
// Re-entrant: a key the transaction already tracks is not re-acquired. If the
// transaction has a snapshot and untracked is false, the key is only locked
// if it has not been modified since the snapshot; a failed validation never
// leaves a newly acquired lock held. With untracked set, the caller gets
// mutual exclusion without adding the key to conflict-validation bookkeeping.
func (t *Transaction) TryLock(cf *storage.ColumnFamilyHandle, key []byte, untracked bool) error {
	cfID := storage.GetColumnFamilyID(cf)
	skey := string(key)

	currentSeq := maxSequenceNumber
	newSeq := maxSequenceNumber

	previouslyLocked := false
	if keys, ok := t.trackedKeys[cfID]; ok {
		if seqNum, ok := keys[skey]; ok {
			previouslyLocked = true
			currentSeq = seqNum
		}
	}

	var err error
	if !previouslyLocked {
		err = t.db.TryLock(t, cfID, skey)
	}

	t.setSnapshotIfNeeded()

	// Even when the caller does not want conflict checking for this key, the
	// lock is still required for mutual exclusion with other writers.
	if untracked || t.snapshot == nil {
		if currentSeq == maxSequenceNumber {
			// no snapshot was checked: the key is known unmodified only from
			// this moment forward.
			newSeq = t.store.LatestSequenceNumber()
		} else {
			// the earlier stamp remains valid and may be older, hence more useful.
			newSeq = currentSeq
		}
	} else {
		// a snapshot is set: the key must be unmodified since it.
		// must run after the key is locked.
		if err == nil {
			newSeq, err = t.validateSnapshot(cfID, key, currentSeq)
			if err != nil && !previouslyLocked {
				// never leave a lock held after a failed TryLock.
				t.db.UnLockKey(t, cfID, skey)
			}
		}
	}

	if err == nil {
		t.trackKey(cfID, skey, newSeq)
	} else {
		log.WithFields(log.Fields{"id": t.id, "cfID": cfID, "key": skey}).Debug("txn::transaction::TryLock; failed")
	}

	return err
}

// validateSnapshot returns the stamp to record for the key, or a
// ConflictError if the key was modified after the transaction's snapshot.
func (t *Transaction) validateSnapshot(cfID uint32, key []byte, prevSeq uint64) (uint64, error) {
	snapSeq := t.snapshot.SeqNumber()

	if prevSeq <= snapSeq {
		// already known unmodified as of the snapshot. no check needed.
		return prevSeq, nil
	}

	if err := checkKeyForConflicts(t.store, cfID, key, snapSeq); err != nil {
		return 0, err
	}

	// unmodified as of the snapshot: the snapshot seq is the cheapest valid stamp.
	return snapSeq, nil
}

// trackKey records the key's stamp, keeping the older (more useful) of the
// two if the key is already tracked.
func (t *Transaction) trackKey(cfID uint32, key string, seqNum uint64) {
	keys, ok := t.trackedKeys[cfID]
	if !ok {
		keys = make(map[string]uint64)
		t.trackedKeys[cfID] = keys
	}

	oldSeq, tracked := keys[key]
	if !tracked || seqNum < oldSeq {
		keys[key] = seqNum
	}

	if !tracked && len(t.savePoints) > 0 {
		sp := t.savePoints[len(t.savePoints)-1]
		sp.newKeys.add(cfID, key, seqNum)
	}
}

// batchKeyCollector deduplicates the keys a batch touches per column family.
type batchKeyCollector struct {
	keys map[uint32]map[string]struct{}
}

func (c *batchKeyCollector) record(cfID uint32, key []byte) error {
	cfKeys, ok := c.keys[cfID]
	if !ok {
		cfKeys = make(map[string]struct{})
		c.keys[cfID] = cfKeys
	}
	cfKeys[string(key)] = struct{}{}
	return nil
}

func (c *batchKeyCollector) PutCF(cfID uint32, key, value []byte) error {
	return c.record(cfID, key)
}

func (c *batchKeyCollector) MergeCF(cfID uint32, key, value []byte) error {
	return c.record(cfID, key)
}

func (c *batchKeyCollector) DeleteCF(cfID uint32, key []byte) error {
	return c.record(cfID, key)
}

// LockBatch locks every key the batch touches. On success it returns the
// acquired key set for later release by the caller; on failure no locks
// acquired by this call remain held.
//
// Keys are deduplicated and acquired in a fixed total order (column family id
// ascending, then bytewise key order), so the transaction cannot deadlock
// against its own earlier calls. The returned keys carry the sentinel
// "no validation performed" stamp: batch-locked keys are never validated
// against a snapshot.
func (t *Transaction) LockBatch(batch *storage.WriteBatch) (TransactionKeyMap, error) {
	collector := &batchKeyCollector{keys: make(map[uint32]map[string]struct{})}
	if err := batch.Iterate(collector); err != nil {
		return nil, err
	}

	cfIDs := make([]uint32, 0, len(collector.keys))
	for cfID := range collector.keys {
		cfIDs = append(cfIDs, cfID)
	}
	sort.Slice(cfIDs, func(i, j int) bool { return cfIDs[i] < cfIDs[j] })

	keysToUnlock := make(TransactionKeyMap)

	var err error
	for _, cfID := range cfIDs {
		cfKeys := make([]string, 0, len(collector.keys[cfID]))
		for key := range collector.keys[cfID] {
			cfKeys = append(cfKeys, key)
		}
		sort.Strings(cfKeys)

		for _, key := range cfKeys {
			err = t.db.TryLock(t, cfID, key)
			if err != nil {
				break
			}
			keysToUnlock.add(cfID, key, maxSequenceNumber)
		}

		if err != nil {
			break
		}
	}

	if err != nil {
		// a single bulk release; never loop into the lock manager on failure.
		t.db.UnLock(t, keysToUnlock)
		return nil, err
	}

	return keysToUnlock, nil
}

// Put stages a value write for the key, locking it first.
func (t *Transaction) Put(cf *storage.ColumnFamilyHandle, key, value []byte) error {
	if err := t.TryLock(cf, key, false); err != nil {
		return err
	}
	t.writeBatch.Put(cf, key, value)
	return nil
}

// Merge stages a merge operand for the key, locking it first.
func (t *Transaction) Merge(cf *storage.ColumnFamilyHandle, key, value []byte) error {
	if err := t.TryLock(cf, key, false); err != nil {
		return err
	}
	t.writeBatch.Merge(cf, key, value)
	return nil
}

// Delete stages a delete of the key, locking it first.
func (t *Transaction) Delete(cf *storage.ColumnFamilyHandle, key []byte) error {
	if err := t.TryLock(cf, key, false); err != nil {
		return err
	}
	t.writeBatch.Delete(cf, key)
	return nil
}

// PutUntracked stages a value write with mutual exclusion but without
// conflict-validation bookkeeping for the key.
func (t *Transaction) PutUntracked(cf *storage.ColumnFamilyHandle, key, value []byte) error {
	if err := t.TryLock(cf, key, true); err != nil {
		return err
	}
	t.writeBatch.Put(cf, key, value)
	return nil
}

// stagedValueGetter resolves the value of a single key from the staged batch.
type stagedValueGetter struct {
	cfID uint32
	key  string

	hasBase  bool
	deleted  bool
	base     []byte
	operands [][]byte
}

func (g *stagedValueGetter) PutCF(cfID uint32, key, value []byte) error {
	if cfID == g.cfID && string(key) == g.key {
		g.base = value
		g.hasBase = true
		g.deleted = false
		g.operands = nil
	}
	return nil
}

func (g *stagedValueGetter) MergeCF(cfID uint32, key, value []byte) error {
	if cfID == g.cfID && string(key) == g.key {
		g.operands = append(g.operands, value)
	}
	return nil
}

func (g *stagedValueGetter) DeleteCF(cfID uint32, key []byte) error {
	if cfID == g.cfID && string(key) == g.key {
		g.deleted = true
		g.hasBase = false
		g.base = nil
		g.operands = nil
	}
	return nil
}

// Get returns the value of the key as seen by this transaction: its own
// staged writes first, then the read view of the given options (defaulting to
// the transaction's snapshot).
func (t *Transaction) Get(cf *storage.ColumnFamilyHandle, key []byte, opts *storage.ReadOptions) ([]byte, error) {
	cfID := storage.GetColumnFamilyID(cf)

	getter := &stagedValueGetter{cfID: cfID, key: string(key)}
	if err := t.writeBatch.Iterate(getter); err != nil {
		return nil, err
	}

	if opts == nil || opts.Snapshot == nil {
		opts = &storage.ReadOptions{Snapshot: t.snapshot}
	}

	// staged delete with no later operands hides the key.
	if getter.deleted && len(getter.operands) == 0 {
		return nil, icommon.NewNotFoundError(fmt.Sprintf("key %s not found", string(key)))
	}

	// nothing staged for the key: plain read.
	if !getter.hasBase && !getter.deleted && len(getter.operands) == 0 {
		return t.store.Get(cf, key, opts)
	}

	var result []byte
	switch {
	case getter.hasBase:
		result = append(result, getter.base...)
	case getter.deleted:
		// operands staged after a delete merge onto nothing.
	default:
		// operands only: merge onto the stored base value, if any.
		base, err := t.store.Get(cf, key, opts)
		if err != nil {
			if _, ok := err.(icommon.NotFoundError); !ok {
				return nil, err
			}
		} else {
			result = append(result, base...)
		}
	}

	for _, operand := range getter.operands {
		result = append(result, operand...)
	}
	return result, nil
}

// GetForUpdate reads the key and locks it for this transaction, validating it
// against the snapshot if one is set.
func (t *Transaction) GetForUpdate(cf *storage.ColumnFamilyHandle, key []byte) ([]byte, error) {
	if err := t.TryLock(cf, key, false); err != nil {
		return nil, err
	}
	return t.Get(cf, key, nil)
}

// Commit durably applies the staged mutations.
//
// Whether it succeeds or fails, every lock the transaction held is released
// and the staged state is discarded.
func (t *Transaction) Commit() error {
	log.WithFields(log.Fields{"id": t.id}).Debug("txn::transaction::Commit; started")

	err := t.doCommit(t.writeBatch)
	t.Clear()

	return err
}

// CommitBatch locks every key the batch touches, durably applies the batch
// and releases exactly the locks this call acquired. The transaction's own
// staged mutations and tracked keys are untouched.
func (t *Transaction) CommitBatch(batch *storage.WriteBatch) error {
	keysToUnlock, err := t.LockBatch(batch)
	if err != nil {
		return err
	}

	err = t.doCommit(batch)
	t.db.UnLock(t, keysToUnlock)

	return err
}

func (t *Transaction) doCommit(batch *storage.WriteBatch) error {
	if t.expirationTime > 0 {
		if t.IsExpired() {
			return icommon.NewExpiredError(fmt.Sprintf("txn %d has expired", t.id))
		}

		// The commit may only proceed if this thread wins the transition to
		// COMMITTING. An expiration sweep may consider this transaction
		// expired and steal its locks between the IsExpired check and the
		// start of the write; both act on the same atomic state, so exactly
		// one of them wins.
		if !t.execStatus.CompareAndSwap(statusStarted, statusCommitting) {
			if t.execStatus.Load() != statusLocksStolen {
				// the transition set is {STARTED->COMMITTING, STARTED->LOCKS_STOLEN};
				// anything else here is a protocol bug.
				log.WithFields(log.Fields{"id": t.id, "status": t.execStatus.Load()}).
					Error("txn::transaction::doCommit; unexpected execution status on failed CAS")
			}
			return icommon.NewExpiredError(fmt.Sprintf("txn %d locks were stolen after expiration", t.id))
		}
	}

	return t.store.Write(t.writeOptions, batch)
}

// Rollback discards the staged mutations and releases every held lock.
func (t *Transaction) Rollback() error {
	log.WithFields(log.Fields{"id": t.id}).Debug("txn::transaction::Rollback; started")
	t.Clear()
	return nil
}

// SetSavePoint marks the current tracked-key and staged-mutation state.
func (t *Transaction) SetSavePoint() {
	t.savePoints = append(t.savePoints, &savePoint{
		snapshot: t.snapshot,
		newKeys:  make(TransactionKeyMap),
	})
	t.writeBatch.SetSavePoint()
}

// RollbackToSavePoint releases the locks for exactly the keys first tracked
// after the most recent savepoint, discards the mutations staged after it and
// pops it. Keys tracked before the savepoint remain locked and tracked.
func (t *Transaction) RollbackToSavePoint() error {
	if len(t.savePoints) == 0 {
		return icommon.NewNotFoundError(fmt.Sprintf("txn %d has no savepoint", t.id))
	}

	sp := t.savePoints[len(t.savePoints)-1]
	t.savePoints = t.savePoints[:len(t.savePoints)-1]

	// unlock only the keys tracked since the savepoint.
	t.db.UnLock(t, sp.newKeys)
	for cfID, cfKeys := range sp.newKeys {
		for key := range cfKeys {
			delete(t.trackedKeys[cfID], key)
		}
	}

	// a snapshot taken after the savepoint is rolled back too.
	if t.snapshot != sp.snapshot {
		if t.snapshot != nil {
			t.store.ReleaseSnapshot(t.snapshot)
		}
		t.snapshot = sp.snapshot
	}

	return t.writeBatch.RollbackToSavePoint()
}

// Clear releases every lock the transaction holds and discards its staged
// state. The transaction keeps its identity and may stage new work.
func (t *Transaction) Clear() {
	t.db.UnLock(t, t.trackedKeys)

	if t.snapshot != nil {
		t.store.ReleaseSnapshot(t.snapshot)
		t.snapshot = nil
	}

	t.trackedKeys = make(TransactionKeyMap)
	t.savePoints = nil
	t.writeBatch.Clear()
}

// Discard terminates the transaction without committing: every held lock is
// released and, if the transaction had a TTL, it is removed from the
// expiration registry. Must be called once the transaction won't be used
// again, on every path.
func (t *Transaction) Discard() {
	t.Clear()
	if t.expirationTime > 0 {
		t.db.removeExpirableTransaction(t.id)
	}
}
