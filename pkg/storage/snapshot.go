package storage

// Snapshot denotes a read-only snapshot of the database.
// It marks the highest sequence number visible to its holder.
type Snapshot struct {
	seqNum uint64

	prev, next *Snapshot
}

// SeqNumber returns the seq number of the snapshot
func (s *Snapshot) SeqNumber() uint64 {
	return s.seqNum
}

// snapshotList is a circular doubly-linked list of the live snapshots,
// anchored at a sentinel. Oldest snapshot is at the front.
type snapshotList struct {
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.prev = &l.root
	l.root.next = &l.root
}

func (l *snapshotList) empty() bool {
	return l.root.next == &l.root
}

func (l *snapshotList) pushBack(s *Snapshot) {
	s.prev = l.root.prev
	s.next = &l.root
	s.prev.next = s
	s.next.prev = s
}

func (l *snapshotList) remove(s *Snapshot) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev = nil
	s.next = nil
}
