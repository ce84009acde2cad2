package txn

import (
	"math"
)

// maxSequenceNumber is the sentinel stamp for keys locked without any
// conflict validation.
const maxSequenceNumber uint64 = math.MaxUint64

// TransactionDBOptions defines the database wide transaction settings.
type TransactionDBOptions struct {
	// TransactionLockTimeout is the default duration in milliseconds that a
	// single lock acquisition may block before failing. Used for transactions
	// that don't set their own LockTimeout.
	TransactionLockTimeout int64

	// NumStripes is the number of stripes in each column family's lock map.
	NumStripes uint32
}

// NewDefaultTransactionDBOptions returns the default transaction db options.
func NewDefaultTransactionDBOptions() *TransactionDBOptions {
	return &TransactionDBOptions{
		TransactionLockTimeout: 1000,
		NumStripes:             16,
	}
}

// TransactionOptions defines the settings of a single transaction.
type TransactionOptions struct {
	// SetSnapshot takes a snapshot at construction. Keys locked by the
	// transaction are then validated against it.
	SetSnapshot bool

	// LazySnapshot defers taking the snapshot until the first lock
	// acquisition instead of construction.
	LazySnapshot bool

	// Expiration is the TTL of the transaction in seconds.
	// After it elapses, the transaction's locks may be stolen.
	// 0 means the transaction never expires.
	Expiration int64

	// LockTimeout is the lock acquisition timeout in milliseconds.
	// A negative value picks up the database wide default.
	LockTimeout int64
}

// NewDefaultTransactionOptions returns the default per transaction options.
func NewDefaultTransactionOptions() *TransactionOptions {
	return &TransactionOptions{
		LockTimeout: -1,
	}
}
