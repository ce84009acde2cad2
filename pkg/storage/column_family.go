package storage

// DefaultColumnFamilyName is the name of the column family every storage starts with.
const DefaultColumnFamilyName = "default"

// ColumnFamilyHandle identifies a single keyspace namespace within the storage.
// Locks and sequence numbers are scoped per column family.
type ColumnFamilyHandle struct {
	id   uint32
	name string
}

// ID returns the id of the column family.
func (cfh *ColumnFamilyHandle) ID() uint32 {
	return cfh.id
}

// Name returns the name of the column family.
func (cfh *ColumnFamilyHandle) Name() string {
	return cfh.name
}

// GetColumnFamilyID returns the id for the given handle.
// A nil handle denotes the default column family.
func GetColumnFamilyID(cfh *ColumnFamilyHandle) uint32 {
	if cfh == nil {
		return 0
	}
	return cfh.id
}
