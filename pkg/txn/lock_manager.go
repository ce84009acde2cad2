package txn

import (
	"hash/fnv"
	"sync"
	"time"

	icommon "github.com/emberdb/emberdb/internal/common"
	log "github.com/sirupsen/logrus"
)

// lockStealer arbitrates forcible lock reassignment from expired owners.
// Implemented by TransactionDB.
type lockStealer interface {
	tryStealingExpiredTransactionLocks(ownerID uint64) bool
}

// clock is the time source of the lock manager.
type clock interface {
	NowMicros() uint64
}

// lockInfo attributes a key's exclusive lock to a transaction.
type lockInfo struct {
	ownerID uint64

	// expirationTime of the owning transaction in micros. 0 = never expires.
	expirationTime uint64
}

// lockStripe is a shard of a column family's lock map.
// waitCh is closed and replaced whenever any key of the stripe is released,
// waking every waiter to re-check.
type lockStripe struct {
	mu     sync.Mutex
	keys   map[string]*lockInfo
	waitCh chan struct{}
}

func newLockStripe() *lockStripe {
	return &lockStripe{
		keys:   make(map[string]*lockInfo),
		waitCh: make(chan struct{}),
	}
}

// notifyLocked wakes the stripe's waiters. Caller holds the stripe mutex.
func (ls *lockStripe) notifyLocked() {
	close(ls.waitCh)
	ls.waitCh = make(chan struct{})
}

// lockMap holds the lock stripes of a single column family.
type lockMap struct {
	stripes []*lockStripe
}

func newLockMap(numStripes uint32) *lockMap {
	lm := &lockMap{
		stripes: make([]*lockStripe, numStripes),
	}
	for i := range lm.stripes {
		lm.stripes[i] = newLockStripe()
	}
	return lm
}

func (lm *lockMap) getStripe(key string) *lockStripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return lm.stripes[h.Sum32()%uint32(len(lm.stripes))]
}

// lockManager grants exclusive per-key ownership to transactions.
//
// Lock maps are scoped per column family and sharded into stripes. A lock
// request blocks at most for its timeout. When the current holder of a key is
// past its expiration, the manager asks the stealer to arbitrate before
// waiting; winning that arbitration transfers the key to the requester.
type lockManager struct {
	mu         sync.RWMutex
	lockMaps   map[uint32]*lockMap
	numStripes uint32

	stealer lockStealer
	clock   clock
}

func newLockManager(numStripes uint32, stealer lockStealer, clock clock) *lockManager {
	if numStripes == 0 {
		numStripes = 16
	}
	return &lockManager{
		lockMaps:   make(map[uint32]*lockMap),
		numStripes: numStripes,
		stealer:    stealer,
		clock:      clock,
	}
}

func (lm *lockManager) getLockMap(cfID uint32) *lockMap {
	lm.mu.RLock()
	m, ok := lm.lockMaps[cfID]
	lm.mu.RUnlock()
	if ok {
		return m
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if m, ok = lm.lockMaps[cfID]; ok {
		return m
	}
	m = newLockMap(lm.numStripes)
	lm.lockMaps[cfID] = m
	return m
}

// lock acquires exclusive ownership of (cfID, key) for the owner, blocking up
// to the timeout. Re-entrant for the same owner. A non-positive timeout makes
// a single non-blocking attempt.
func (lm *lockManager) lock(ownerID uint64, ownerExpirationTime uint64, cfID uint32, key string, timeout time.Duration) error {
	stripe := lm.getLockMap(cfID).getStripe(key)
	deadline := time.Now().Add(timeout)

	for {
		stripe.mu.Lock()
		li, held := stripe.keys[key]

		if !held {
			stripe.keys[key] = &lockInfo{ownerID: ownerID, expirationTime: ownerExpirationTime}
			stripe.mu.Unlock()
			return nil
		}

		if li.ownerID == ownerID {
			// re-entrant. refresh the expiration attributed to the lock.
			li.expirationTime = ownerExpirationTime
			stripe.mu.Unlock()
			return nil
		}

		if li.expirationTime > 0 && lm.clock.NowMicros() >= li.expirationTime &&
			lm.stealer.tryStealingExpiredTransactionLocks(li.ownerID) {
			log.WithFields(log.Fields{"ownerID": ownerID, "victimID": li.ownerID, "key": key}).
				Info("txn::lock_manager::lock; stole lock from expired owner")
			stripe.keys[key] = &lockInfo{ownerID: ownerID, expirationTime: ownerExpirationTime}
			stripe.mu.Unlock()
			return nil
		}

		waitCh := stripe.waitCh
		stripe.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return icommon.NewLockTimeoutError("timeout waiting to lock key")
		}

		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			return icommon.NewLockTimeoutError("timeout waiting to lock key")
		}
	}
}

// unlockKey releases a single key if the owner still holds it. Idempotent.
func (lm *lockManager) unlockKey(ownerID uint64, cfID uint32, key string) {
	stripe := lm.getLockMap(cfID).getStripe(key)

	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	if li, ok := stripe.keys[key]; ok && li.ownerID == ownerID {
		delete(stripe.keys, key)
		stripe.notifyLocked()
	}
}

// unlock releases every key of the map still held by the owner.
// Best effort and idempotent: keys already released or since stolen by
// another owner are skipped.
func (lm *lockManager) unlock(ownerID uint64, keys TransactionKeyMap) {
	for cfID, cfKeys := range keys {
		m := lm.getLockMap(cfID)
		for key := range cfKeys {
			stripe := m.getStripe(key)
			stripe.mu.Lock()
			if li, ok := stripe.keys[key]; ok && li.ownerID == ownerID {
				delete(stripe.keys, key)
				stripe.notifyLocked()
			}
			stripe.mu.Unlock()
		}
	}
}

// isLocked reports whether the key is currently attributed to the owner.
// Used by tests.
func (lm *lockManager) isLockedBy(ownerID uint64, cfID uint32, key string) bool {
	stripe := lm.getLockMap(cfID).getStripe(key)

	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	li, ok := stripe.keys[key]
	return ok && li.ownerID == ownerID
}
