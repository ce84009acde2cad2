package storage

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// header has 8 bytes of sequence number and 4 bytes for the count of records.
const batchHeaderSize = 12

type mutationKind uint8

const (
	mutationKindDelete mutationKind = 0
	mutationKindSet    mutationKind = 1
	mutationKindMerge  mutationKind = 2
)

// WriteBatch contains a number of Put/Merge/Delete records written atomically.
// Record format: kind byte, column family id as uvarint, key, and a value for
// Put/Merge. Refer to https://github.com/google/leveldb/blob/master/db/write_batch.cc
// for the format this is derived from.
type WriteBatch struct {
	data []byte

	// savePoints are offsets into data for partial rollback.
	savePoints []batchMark
}

type batchMark struct {
	size  int
	count uint32
}

// BatchHandler is the visitor invoked for every record of a batch by Iterate.
type BatchHandler interface {
	PutCF(cfID uint32, key, value []byte) error
	MergeCF(cfID uint32, key, value []byte) error
	DeleteCF(cfID uint32, key []byte) error
}

// NewWriteBatch creates an empty write batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// init initializes a write batch with size headerSize and capacity cap rounded to nearest power of 2.
func (wb *WriteBatch) init(cap int) {
	icap := 256
	for icap < cap {
		icap *= 2
	}
	wb.data = make([]byte, batchHeaderSize, icap)
}

// Put adds a value for the given key in the write batch.
func (wb *WriteBatch) Put(cf *ColumnFamilyHandle, key, value []byte) {
	if len(wb.data) == 0 {
		wb.init(len(key) + len(value) + 3*binary.MaxVarintLen64 + batchHeaderSize)
	}

	if wb.incrementCount() {
		wb.data = append(wb.data, byte(mutationKindSet))
		wb.appendUvarint(uint64(GetColumnFamilyID(cf)))
		wb.appendStr(key)
		wb.appendStr(value)
	} else {
		log.Error("storage::write_batch: Put; error in incrementing count")
	}
}

// Merge adds a merge operand for the given key in the write batch.
func (wb *WriteBatch) Merge(cf *ColumnFamilyHandle, key, value []byte) {
	if len(wb.data) == 0 {
		wb.init(len(key) + len(value) + 3*binary.MaxVarintLen64 + batchHeaderSize)
	}

	if wb.incrementCount() {
		wb.data = append(wb.data, byte(mutationKindMerge))
		wb.appendUvarint(uint64(GetColumnFamilyID(cf)))
		wb.appendStr(key)
		wb.appendStr(value)
	} else {
		log.Error("storage::write_batch: Merge; error in incrementing count")
	}
}

// Delete adds a delete entry for the given key in the write batch.
func (wb *WriteBatch) Delete(cf *ColumnFamilyHandle, key []byte) {
	if len(wb.data) == 0 {
		wb.init(len(key) + 2*binary.MaxVarintLen64 + batchHeaderSize)
	}

	if wb.incrementCount() {
		wb.data = append(wb.data, byte(mutationKindDelete))
		wb.appendUvarint(uint64(GetColumnFamilyID(cf)))
		wb.appendStr(key)
	}
}

// Count returns the number of records in the batch.
func (wb *WriteBatch) Count() uint32 {
	if len(wb.data) == 0 {
		return 0
	}
	return wb.getCount()
}

// Empty returns true iff the batch has no records.
func (wb *WriteBatch) Empty() bool {
	return wb.Count() == 0
}

// Clear discards every record and savepoint of the batch.
func (wb *WriteBatch) Clear() {
	wb.data = nil
	wb.savePoints = nil
}

// SetSavePoint remembers the current state of the batch.
// A later RollbackToSavePoint discards every record added after this call.
func (wb *WriteBatch) SetSavePoint() {
	wb.savePoints = append(wb.savePoints, batchMark{size: len(wb.data), count: wb.Count()})
}

// RollbackToSavePoint truncates the batch to the most recent savepoint and pops it.
func (wb *WriteBatch) RollbackToSavePoint() error {
	if len(wb.savePoints) == 0 {
		return fmt.Errorf("write batch has no savepoint")
	}

	mark := wb.savePoints[len(wb.savePoints)-1]
	wb.savePoints = wb.savePoints[:len(wb.savePoints)-1]

	if mark.size == 0 {
		wb.data = nil
		return nil
	}
	wb.data = wb.data[:mark.size]
	wb.setCount(mark.count)
	return nil
}

// Iterate calls the handler for every record of the batch in insertion order.
// It stops at the first handler error and returns it.
func (wb *WriteBatch) Iterate(handler BatchHandler) error {
	itr := wb.getIterator()
	for i := uint32(0); i < wb.Count(); i++ {
		kind, cfID, ukey, value, ok := itr.next()
		if !ok {
			return fmt.Errorf("corrupt write batch")
		}

		var err error
		switch kind {
		case mutationKindSet:
			err = handler.PutCF(cfID, ukey, value)
		case mutationKindMerge:
			err = handler.MergeCF(cfID, ukey, value)
		case mutationKindDelete:
			err = handler.DeleteCF(cfID, ukey)
		default:
			err = fmt.Errorf("unknown record kind %d in write batch", kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (wb *WriteBatch) getSeqNumData() []byte {
	return wb.data[:8]
}

func (wb *WriteBatch) getCountData() []byte {
	return wb.data[8:12]
}

func (wb *WriteBatch) incrementCount() bool {
	d := wb.getCountData()
	for i := range d {
		d[i]++
		if d[i] != 0x00 {
			return true
		}
	}

	// invalid
	d[0] = 0xff
	d[1] = 0xff
	d[2] = 0xff
	d[3] = 0xff

	return false
}

func (wb *WriteBatch) appendStr(s []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	wb.data = append(wb.data, buf[:n]...)
	wb.data = append(wb.data, s...)
}

func (wb *WriteBatch) appendUvarint(v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	wb.data = append(wb.data, buf[:n]...)
}

func (wb *WriteBatch) setSeqNum(seqNum uint64) {
	binary.LittleEndian.PutUint64(wb.getSeqNumData(), seqNum)
}

func (wb *WriteBatch) getSeqNum() uint64 {
	return binary.LittleEndian.Uint64(wb.getSeqNumData())
}

func (wb *WriteBatch) setCount(count uint32) {
	binary.LittleEndian.PutUint32(wb.getCountData(), count)
}

func (wb *WriteBatch) getCount() uint32 {
	return binary.LittleEndian.Uint32(wb.getCountData())
}

func (wb *WriteBatch) getIterator() batchIterator {
	if len(wb.data) == 0 {
		return nil
	}
	return wb.data[batchHeaderSize:]
}

type batchIterator []byte

func (bi *batchIterator) next() (kind mutationKind, cfID uint32, ukey []byte, value []byte, ok bool) {
	tmp := *bi
	if len(tmp) == 0 {
		log.Error("storage::write_batch: next; next called on an empty batch iterator")
		return 0, 0, nil, nil, false
	}

	kind, *bi = mutationKind(tmp[0]), tmp[1:]

	cf, ok := bi.nextUvarint()
	if !ok {
		log.Error("storage::write_batch: next; column family id not found.")
		return 0, 0, nil, nil, false
	}
	cfID = uint32(cf)

	ukey, ok = bi.nextString()
	if !ok {
		log.Error("storage::write_batch: next; ukey for record not found.")
		return 0, 0, nil, nil, false
	}

	if kind != mutationKindDelete {
		value, ok = bi.nextString()
		if !ok {
			log.Error("storage::write_batch: next; value for record not found.")
			return 0, 0, nil, nil, false
		}
	}

	return kind, cfID, ukey, value, true
}

// nextString gets the next string from the batch.
// it reads the length of the string stored as varint and then reads the actual string
func (bi *batchIterator) nextString() (s []byte, ok bool) {
	tmp := *bi

	// u is the length of the string.
	u, numBytes := binary.Uvarint(tmp)
	if numBytes <= 0 {
		log.Error("storage::write_batch: nextString; corrupt value of length of the string.")
		return nil, false
	}

	tmp = tmp[numBytes:]
	if u > uint64(len(tmp)) {
		log.Error("storage::write_batch: nextString; corrupt value of length of string. u is greater than the length of the buffer.")
		return nil, false
	}

	s, *bi = tmp[:u], tmp[u:]
	return s, true
}

func (bi *batchIterator) nextUvarint() (v uint64, ok bool) {
	tmp := *bi

	v, numBytes := binary.Uvarint(tmp)
	if numBytes <= 0 {
		log.Error("storage::write_batch: nextUvarint; corrupt varint.")
		return 0, false
	}

	*bi = tmp[numBytes:]
	return v, true
}
