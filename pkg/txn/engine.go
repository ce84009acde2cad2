package txn

import (
	icommon "github.com/emberdb/emberdb/internal/common"
	"github.com/emberdb/emberdb/pkg/storage"
)

// Engine is the capability surface the transaction layer requires from the
// underlying storage engine. *storage.Storage satisfies it; tests substitute
// their own.
type Engine interface {
	// Write durably applies the batch atomically.
	Write(opts *storage.WriteOptions, batch *storage.WriteBatch) error

	// Get returns the value of the key visible at the read options' snapshot.
	Get(cf *storage.ColumnFamilyHandle, key []byte, opts *storage.ReadOptions) ([]byte, error)

	// LatestSequenceNumber returns the seq number of the last applied mutation.
	LatestSequenceNumber() uint64

	// LastModifiedSequence returns the seq number of the most recent mutation
	// of the key and whether the key was ever written.
	LastModifiedSequence(cfID uint32, key []byte) (uint64, bool)

	// NowMicros returns the current wall clock time in microseconds.
	NowMicros() uint64

	// GetSnapshot pins a read view at the latest sequence number.
	GetSnapshot() *storage.Snapshot

	// ReleaseSnapshot unpins the snapshot. Idempotent.
	ReleaseSnapshot(snap *storage.Snapshot)
}

// checkKeyForConflicts returns a ConflictError if the key was modified
// strictly after the given sequence number.
func checkKeyForConflicts(store Engine, cfID uint32, key []byte, seqNum uint64) error {
	lastSeq, found := store.LastModifiedSequence(cfID, key)
	if found && lastSeq > seqNum {
		return icommon.NewConflictError("write conflict: key modified after the txn snapshot")
	}
	return nil
}
