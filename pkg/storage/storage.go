package storage

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	icommon "github.com/emberdb/emberdb/internal/common"
	log "github.com/sirupsen/logrus"
)

// keyVersion is a single durable mutation of a key.
type keyVersion struct {
	seqNum uint64
	kind   mutationKind
	value  []byte
}

// familyStore holds the versioned data of a single column family.
type familyStore struct {
	versions map[string][]keyVersion
}

func newFamilyStore() *familyStore {
	return &familyStore{
		versions: make(map[string][]keyVersion),
	}
}

// Storage is a key-value store with multi versioned values.
//
// Every mutation is assigned a monotonically increasing sequence number which
// acts as the logical clock for snapshot reads and conflict detection.
// Operations on it are thread safe.
type Storage struct {
	mu sync.RWMutex

	options *Options

	// seqNum is the sequence number of the last applied mutation.
	seqNum uint64

	// column family registry. id 0 is the default family.
	nextCFID uint32
	cfByName map[string]*ColumnFamilyHandle
	families map[uint32]*familyStore

	// live snapshots, oldest first.
	snapshots snapshotList

	// cache holds the latest version of recently read keys.
	// it is advisory only and never consulted for conflict decisions.
	cache *ristretto.Cache[string, []byte]
}

// NewStorage creates a new in-memory storage according to the given options.
func NewStorage(options *Options) (*Storage, error) {
	if options == nil {
		options = &Options{}
	}
	if options.CacheSize == 0 {
		options.CacheSize = defaultCacheSize
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e6,
		MaxCost:     options.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	strg := &Storage{
		options:  options,
		nextCFID: 1,
		cfByName: make(map[string]*ColumnFamilyHandle),
		families: make(map[uint32]*familyStore),
		cache:    cache,
	}
	strg.snapshots.init()

	def := &ColumnFamilyHandle{id: 0, name: DefaultColumnFamilyName}
	strg.cfByName[DefaultColumnFamilyName] = def
	strg.families[0] = newFamilyStore()

	return strg, nil
}

// Close releases the resources held by the storage.
func (s *Storage) Close() error {
	s.cache.Close()
	return nil
}

// DefaultColumnFamily returns the handle of the default column family.
func (s *Storage) DefaultColumnFamily() *ColumnFamilyHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfByName[DefaultColumnFamilyName]
}

// CreateColumnFamily registers a new column family and returns its handle.
func (s *Storage) CreateColumnFamily(name string) (*ColumnFamilyHandle, error) {
	log.WithFields(log.Fields{"name": name}).Info("storage::storage::CreateColumnFamily; started")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cfByName[name]; ok {
		return nil, fmt.Errorf("column family %s already exists", name)
	}

	cfh := &ColumnFamilyHandle{id: s.nextCFID, name: name}
	s.nextCFID++
	s.cfByName[name] = cfh
	s.families[cfh.id] = newFamilyStore()
	return cfh, nil
}

// GetColumnFamily returns the handle of the column family with the given name.
func (s *Storage) GetColumnFamily(name string) (*ColumnFamilyHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfh, ok := s.cfByName[name]
	if !ok {
		return nil, icommon.NewNotFoundError(fmt.Sprintf("column family %s not found", name))
	}
	return cfh, nil
}

// batchApplier applies the records of a write batch onto the storage.
// it assumes the storage mutex is held by the caller.
type batchApplier struct {
	s      *Storage
	seqNum uint64
}

func (a *batchApplier) apply(cfID uint32, key []byte, kind mutationKind, value []byte) error {
	fs, ok := a.s.families[cfID]
	if !ok {
		return fmt.Errorf("unknown column family id %d", cfID)
	}

	a.seqNum++
	skey := string(key)
	fs.versions[skey] = append(fs.versions[skey], keyVersion{seqNum: a.seqNum, kind: kind, value: append([]byte(nil), value...)})

	// the cache is populated on reads only. writes invalidate.
	a.s.cache.Del(cacheKey(cfID, key))
	return nil
}

func (a *batchApplier) PutCF(cfID uint32, key, value []byte) error {
	return a.apply(cfID, key, mutationKindSet, value)
}

func (a *batchApplier) MergeCF(cfID uint32, key, value []byte) error {
	return a.apply(cfID, key, mutationKindMerge, value)
}

func (a *batchApplier) DeleteCF(cfID uint32, key []byte) error {
	return a.apply(cfID, key, mutationKindDelete, nil)
}

// Write durably applies the batch, assigning one sequence number per record.
// The batch is applied atomically: its records become visible all at once.
func (s *Storage) Write(opts *WriteOptions, batch *WriteBatch) error {
	if batch == nil || batch.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// validate every record before touching the store so a bad batch
	// doesn't apply partially.
	if err := batch.Iterate(&batchValidator{s: s}); err != nil {
		return err
	}

	batch.setSeqNum(s.seqNum + 1)

	applier := &batchApplier{s: s, seqNum: s.seqNum}
	if err := batch.Iterate(applier); err != nil {
		return err
	}
	s.seqNum = applier.seqNum

	// cache mutations are buffered; flush them so no reader observes a
	// value from before this batch.
	s.cache.Wait()

	log.WithFields(log.Fields{"count": batch.Count(), "seqNum": s.seqNum}).Debug("storage::storage::Write; applied batch")
	return nil
}

// batchValidator checks that every record of a batch targets a known column family.
type batchValidator struct {
	s *Storage
}

func (v *batchValidator) check(cfID uint32) error {
	if _, ok := v.s.families[cfID]; !ok {
		return fmt.Errorf("unknown column family id %d", cfID)
	}
	return nil
}

func (v *batchValidator) PutCF(cfID uint32, key, value []byte) error { return v.check(cfID) }

func (v *batchValidator) MergeCF(cfID uint32, key, value []byte) error { return v.check(cfID) }

func (v *batchValidator) DeleteCF(cfID uint32, key []byte) error { return v.check(cfID) }

// Set adds a value for the given key. It's a single record write batch.
func (s *Storage) Set(cf *ColumnFamilyHandle, key, value []byte, opts *WriteOptions) error {
	wb := NewWriteBatch()
	wb.Put(cf, key, value)
	return s.Write(opts, wb)
}

// Merge adds a merge operand for the given key. It's a single record write batch.
func (s *Storage) Merge(cf *ColumnFamilyHandle, key, value []byte, opts *WriteOptions) error {
	wb := NewWriteBatch()
	wb.Merge(cf, key, value)
	return s.Write(opts, wb)
}

// Delete removes the value of the given key. It's a single record write batch.
func (s *Storage) Delete(cf *ColumnFamilyHandle, key []byte, opts *WriteOptions) error {
	wb := NewWriteBatch()
	wb.Delete(cf, key)
	return s.Write(opts, wb)
}

// Get returns the value of the key visible at the read options' snapshot.
// A nil snapshot reads the latest version.
// returns NotFoundError if the key doesn't exist or is deleted.
func (s *Storage) Get(cf *ColumnFamilyHandle, key []byte, opts *ReadOptions) ([]byte, error) {
	cfID := GetColumnFamilyID(cf)

	var atSeq uint64
	latest := opts == nil || opts.Snapshot == nil
	if latest {
		if value, ok := s.cache.Get(cacheKey(cfID, key)); ok {
			return value, nil
		}
	} else {
		atSeq = opts.Snapshot.SeqNumber()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if latest {
		atSeq = s.seqNum
	}

	fs, ok := s.families[cfID]
	if !ok {
		return nil, fmt.Errorf("unknown column family id %d", cfID)
	}

	value, found := resolveValue(fs.versions[string(key)], atSeq)
	if !found {
		return nil, icommon.NewNotFoundError(fmt.Sprintf("key %s not found", string(key)))
	}

	if latest {
		s.cache.Set(cacheKey(cfID, key), value, int64(len(value)))
	}
	return value, nil
}

// LatestSequenceNumber returns the sequence number of the last applied mutation.
func (s *Storage) LatestSequenceNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqNum
}

// LastModifiedSequence returns the sequence number of the most recent mutation
// of the key and whether the key was ever written.
func (s *Storage) LastModifiedSequence(cfID uint32, key []byte) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.families[cfID]
	if !ok {
		return 0, false
	}
	versions := fs.versions[string(key)]
	if len(versions) == 0 {
		return 0, false
	}
	return versions[len(versions)-1].seqNum, true
}

// NowMicros returns the current wall clock time in microseconds.
func (s *Storage) NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// GetSnapshot acquires a snapshot pinned at the latest sequence number.
// The caller must release it via ReleaseSnapshot.
func (s *Storage) GetSnapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{seqNum: s.seqNum}
	s.snapshots.pushBack(snap)
	return snap
}

// ReleaseSnapshot removes the snapshot from the live list. Idempotent.
func (s *Storage) ReleaseSnapshot(snap *Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.prev != nil {
		s.snapshots.remove(snap)
	}
}

// resolveValue computes the value of a key at the given sequence number from
// its version chain. Merge operands concatenate onto the base value in
// chronological order.
func resolveValue(versions []keyVersion, atSeq uint64) ([]byte, bool) {
	var operands [][]byte
	var base []byte
	found := false

	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.seqNum > atSeq {
			continue
		}

		if v.kind == mutationKindMerge {
			operands = append(operands, v.value)
			continue
		}
		if v.kind == mutationKindSet {
			base = v.value
			found = true
		}
		// a delete terminates the chain with no base.
		break
	}

	if !found && len(operands) == 0 {
		return nil, false
	}

	result := append([]byte(nil), base...)
	for i := len(operands) - 1; i >= 0; i-- {
		result = append(result, operands[i]...)
	}
	return result, true
}

func cacheKey(cfID uint32, key []byte) string {
	return strconv.FormatUint(uint64(cfID), 10) + "/" + string(key)
}
