package txn

import (
	"sync"
	"sync/atomic"

	"github.com/emberdb/emberdb/pkg/storage"
)

// testEngine wraps the real storage with a controllable clock, an injectable
// write failure and a counter of conflict checks.
type testEngine struct {
	*storage.Storage

	mu             sync.Mutex
	now            uint64
	writeErr       error
	conflictChecks int
}

func newTestEngine() (*testEngine, error) {
	s, err := storage.NewStorage(nil)
	if err != nil {
		return nil, err
	}
	return &testEngine{
		Storage: s,
		now:     1000000,
	}, nil
}

func (e *testEngine) NowMicros() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// advance moves the clock forward by the given number of microseconds.
func (e *testEngine) advance(micros uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now += micros
}

func (e *testEngine) failWrites(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeErr = err
}

func (e *testEngine) Write(opts *storage.WriteOptions, batch *storage.WriteBatch) error {
	e.mu.Lock()
	err := e.writeErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.Storage.Write(opts, batch)
}

// LastModifiedSequence is only reached through the conflict checker, so its
// call count observes whether a TryLock validated or fast-pathed.
func (e *testEngine) LastModifiedSequence(cfID uint32, key []byte) (uint64, bool) {
	e.mu.Lock()
	e.conflictChecks++
	e.mu.Unlock()
	return e.Storage.LastModifiedSequence(cfID, key)
}

func (e *testEngine) conflictCheckCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflictChecks
}

// newTestDB creates a transaction db over a test engine with an isolated id
// counter so tests don't observe each other's ids.
func newTestDB() (*testEngine, *TransactionDB, error) {
	eng, err := newTestEngine()
	if err != nil {
		return nil, nil, err
	}
	tdb := Open(eng, NewDefaultTransactionDBOptions())
	tdb.idCounter = new(atomic.Uint64)
	return eng, tdb, nil
}
