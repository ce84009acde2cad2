package storage

const (
	defaultCacheSize int64 = 64 * 1024 * 1024
)

// Options defines all of the configuration options available with the storage layer.
type Options struct {
	// CacheSize is the max memory in bytes used by the read cache.
	// set to zero for defaultCacheSize.
	CacheSize int64
}

// WriteOptions defines the options for a single write to the storage.
type WriteOptions struct {
	// Sync indicates if the write should be flushed before being acked.
	// the in-memory engine treats every write as synchronous; the flag is
	// carried through so callers don't change when the engine does.
	Sync bool
}

// ReadOptions defines the options for a single read from the storage.
type ReadOptions struct {
	// Snapshot bounds the visibility of the read to the sequence number
	// of the snapshot. nil reads the latest version.
	Snapshot *Snapshot
}
