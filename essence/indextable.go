package essence

import (
	"fmt"

	"github.com/metarex-media/mxf-reader/klv"
	"github.com/metarex-media/mxf-reader/logger"
)

var indexLog = logger.GetLogger("indextable")

// Index table segment local tags, SMPTE 377 static assignments.
const (
	tagIndexEditRate      = 0x3f0b
	tagIndexStartPosition = 0x3f0c
	tagIndexDuration      = 0x3f0d
	tagEditUnitByteCount  = 0x3f05
	tagIndexSID           = 0x3f06
	tagBodySID            = 0x3f07
	tagSliceCount         = 0x3f08
	tagDeltaEntryArray    = 0x3f09
	tagIndexEntryArray    = 0x3f0a
	tagPosTableCount      = 0x3f0e
)

// DeltaEntry describes one element of a content package in the delta
// entry array of an index segment. A PosTableIndex of -1 marks the
// element as temporally reordered.
type DeltaEntry struct {
	PosTableIndex int8
	Slice         uint8
	ElementDelta  uint32
}

// indexEntry is one edit unit of the table. Discovered entries (from
// the incremental walk) carry only offset and size; entries parsed
// from index segments also carry the index metadata.
type indexEntry struct {
	temporalOffset int8
	keyFrameOffset int8
	flags          uint8
	streamOffset   int64
	size           int64
	haveMeta       bool
}

// IndexEntryExt is the public view of one edit unit, resolved through
// the chunk index to an absolute file offset by the reader.
type IndexEntryExt struct {
	TemporalOffset  int8
	KeyFrameOffset  int8
	Flags           uint8
	ContainerOffset int64
	EditUnitSize    int64
	FileOffset      int64
}

// IndexTable accumulates per edit unit offsets and sizes, either
// parsed from index table segments or discovered edit unit by edit
// unit while walking a growing file. Constant edit unit size streams
// use an arithmetic fast path and store no entries.
type IndexTable struct {
	editRate      Rational
	startPosition int64
	duration      int64

	entries      []indexEntry
	deltaEntries []DeltaEntry

	constEditUnitSize int64
	essenceDataSize   int64
	sliceCount        uint8
	posTableCount     uint8

	isComplete bool
}

// NewIndexTable returns an empty helper.
func NewIndexTable() *IndexTable {
	return &IndexTable{}
}

// SetEditRate records the edit rate when no index segment supplies
// one.
func (t *IndexTable) SetEditRate(rate Rational) {
	if t.editRate == (Rational{}) {
		t.editRate = rate
	}
}

// EditRate returns the table's edit rate.
func (t *IndexTable) EditRate() Rational {
	return t.editRate
}

// SetConstantEditUnitSize switches the table to the arithmetic fast
// path for streams whose every edit unit is size bytes.
func (t *IndexTable) SetConstantEditUnitSize(rate Rational, size uint32) {
	t.SetEditRate(rate)
	t.constEditUnitSize = int64(size)
}

// HaveConstantEditUnitSize reports whether the fast path is active.
func (t *IndexTable) HaveConstantEditUnitSize() bool {
	return t.constEditUnitSize > 0
}

// EditUnitSize returns the constant edit unit size, 0 when the sizes
// vary.
func (t *IndexTable) EditUnitSize() int64 {
	return t.constEditUnitSize
}

// SetEssenceDataSize clamps the table to the essence byte count the
// chunk index has established.
func (t *IndexTable) SetEssenceDataSize(size int64) {
	t.essenceDataSize = size
}

// SetIsComplete marks the table final.
func (t *IndexTable) SetIsComplete() {
	t.isComplete = true
}

// IsComplete reports whether the table covers the whole stream.
func (t *IndexTable) IsComplete() bool {
	return t.isComplete
}

// Duration returns the indexed duration in edit units.
func (t *IndexTable) Duration() int64 {
	if t.duration > 0 {
		return t.duration
	}
	if t.constEditUnitSize > 0 && t.essenceDataSize > 0 {
		return t.essenceDataSize / t.constEditUnitSize
	}
	return int64(len(t.entries))
}

// HaveEditUnitOffset reports whether the essence offset of position
// is known.
func (t *IndexTable) HaveEditUnitOffset(position int64) bool {
	if position < 0 {
		return false
	}
	if t.constEditUnitSize > 0 {
		if t.isComplete {
			return position < t.Duration()
		}
		return true
	}
	return position < int64(len(t.entries))
}

// EditUnitOffset returns the essence offset of position. The caller
// has checked HaveEditUnitOffset.
func (t *IndexTable) EditUnitOffset(position int64) int64 {
	if t.constEditUnitSize > 0 {
		return position * t.constEditUnitSize
	}
	return t.entries[position].streamOffset
}

// HaveEditUnitSize reports whether both the offset and the byte size
// of position are known.
func (t *IndexTable) HaveEditUnitSize(position int64) bool {
	if position < 0 {
		return false
	}
	if t.constEditUnitSize > 0 {
		if t.isComplete {
			return position < t.Duration()
		}
		return true
	}
	if position >= int64(len(t.entries)) {
		return false
	}
	return t.entries[position].size > 0 || position+1 < int64(len(t.entries))
}

// GetEditUnit returns the essence offset and size of position.
func (t *IndexTable) GetEditUnit(position int64) (offset int64, size int64, err error) {
	if !t.HaveEditUnitSize(position) {
		return 0, 0, fmt.Errorf("%w: edit unit %d not indexed", ErrNotFound, position)
	}
	if t.constEditUnitSize > 0 {
		return position * t.constEditUnitSize, t.constEditUnitSize, nil
	}
	entry := t.entries[position]
	size = entry.size
	if size == 0 {
		size = t.entries[position+1].streamOffset - entry.streamOffset
	}
	return entry.streamOffset, size, nil
}

// HaveEditUnit reports whether index metadata (temporal offset, key
// frame offset, flags) exists for position.
func (t *IndexTable) HaveEditUnit(position int64) bool {
	if position < 0 {
		return false
	}
	if t.constEditUnitSize > 0 {
		return position < t.Duration()
	}
	return position < int64(len(t.entries)) && t.entries[position].haveMeta
}

// GetIndexEntry fills entry for position, leaving FileOffset to the
// caller.
func (t *IndexTable) GetIndexEntry(entry *IndexEntryExt, position int64) bool {
	if !t.HaveEditUnitOffset(position) {
		return false
	}
	if t.duration > 0 && position >= t.duration {
		return false
	}
	if t.constEditUnitSize > 0 {
		if t.isComplete && position >= t.Duration() {
			return false
		}
		*entry = IndexEntryExt{
			ContainerOffset: position * t.constEditUnitSize,
			EditUnitSize:    t.constEditUnitSize,
		}
		return true
	}
	e := t.entries[position]
	size := e.size
	if size == 0 && position+1 < int64(len(t.entries)) {
		size = t.entries[position+1].streamOffset - e.streamOffset
	}
	*entry = IndexEntryExt{
		TemporalOffset:  e.temporalOffset,
		KeyFrameOffset:  e.keyFrameOffset,
		Flags:           e.flags,
		ContainerOffset: e.streamOffset,
		EditUnitSize:    size,
	}
	return true
}

// EditUnitMetadata returns the temporal offset, key frame offset and
// flags of position.
func (t *IndexTable) EditUnitMetadata(position int64) (temporalOffset int8, keyFrameOffset int8, flags uint8) {
	if t.constEditUnitSize > 0 || position < 0 || position >= int64(len(t.entries)) {
		return 0, 0, 0
	}
	e := t.entries[position]
	return e.temporalOffset, e.keyFrameOffset, e.flags
}

// GetTemporalReordering reports whether the element starting at
// elementOffset bytes into a content package is temporally reordered,
// looked up through the delta entry array.
func (t *IndexTable) GetTemporalReordering(elementOffset uint32) bool {
	match := -1
	for i, delta := range t.deltaEntries {
		if delta.ElementDelta <= elementOffset {
			match = i
		}
	}
	if match < 0 {
		return false
	}
	return t.deltaEntries[match].PosTableIndex == -1
}

// UpdateIndex records a discovered edit unit: position's essence
// offset and walked byte size. Discovery is strictly sequential; a
// position already known just has its size confirmed.
func (t *IndexTable) UpdateIndex(position, essenceOffset, size int64) error {
	if t.constEditUnitSize > 0 {
		return nil
	}
	switch {
	case position == int64(len(t.entries)):
		t.entries = append(t.entries, indexEntry{streamOffset: essenceOffset, size: size})
	case position < int64(len(t.entries)):
		entry := &t.entries[position]
		if entry.streamOffset != essenceOffset {
			return fmt.Errorf("%w: edit unit %d offset 0x%x disagrees with indexed 0x%x",
				ErrIndexMismatch, position, essenceOffset, entry.streamOffset)
		}
		if entry.size == 0 {
			entry.size = size
		}
	default:
		return fmt.Errorf("%w: non sequential index update at %d with %d entries",
			ErrBadArgument, position, len(t.entries))
	}
	return nil
}

// ExtractIndexTable walks a complete file's partitions whose IndexSID
// matches and parses every index table segment found. It reports
// whether any segment existed and marks the table complete when one
// did.
func (t *IndexTable) ExtractIndexTable(f *klv.File, indexSID uint32) (bool, error) {
	found := false
	partitions := f.Partitions()
	for _, partition := range partitions {
		if partition.IndexSID != indexSID || partition.IndexByteCount == 0 {
			continue
		}

		if err := f.Seek(partition.ThisPartition); err != nil {
			return found, err
		}
		_, _, length, err := f.ReadKL()
		if err != nil {
			return found, err
		}
		if err := f.Skip(int64(length)); err != nil {
			return found, err
		}

	partitionWalk:
		for !f.EOF() {
			key, llen, length, err := f.ReadNextNonFillerKL()
			if err != nil {
				return found, err
			}
			klLen := int64(klv.KeyLen) + int64(llen)

			switch {
			case klv.IsPartitionPack(key) || klv.IsGCEssenceElement(key) || klv.IsAvidEssenceElement(key):
				break partitionWalk
			case klv.IsHeaderMetadata(key):
				if partition.HeaderByteCount > klLen+int64(length) {
					err = f.Skip(partition.HeaderByteCount - klLen)
				} else {
					err = f.Skip(int64(length))
				}
			case klv.IsIndexTableSegment(key):
				if err = t.ReadIndexTableSegment(f, length); err != nil {
					return found, err
				}
				found = true
			default:
				err = f.Skip(int64(length))
			}
			if err != nil {
				return found, err
			}
		}
	}

	if found {
		t.isComplete = true
	}
	return found, nil
}

// ReadIndexTableSegment parses one segment whose KL has just been
// consumed, merging it into the table.
func (t *IndexTable) ReadIndexTableSegment(f *klv.File, length uint64) error {
	value := make([]byte, length)
	if _, err := f.Read(value); err != nil {
		return err
	}
	return t.parseSegment(value)
}

func (t *IndexTable) parseSegment(value []byte) error {
	tags, err := walkLocalSet(value)
	if err != nil {
		return err
	}

	var indexEntryArray []byte
	segmentStart := int64(-1)
	segmentDuration := int64(0)

	for _, item := range tags {
		switch item.tag {
		case tagIndexEditRate:
			if len(item.value) >= 8 {
				t.editRate = Rational{
					Numerator:   int32(order.Uint32(item.value[0:4])),
					Denominator: int32(order.Uint32(item.value[4:8])),
				}
			}
		case tagIndexStartPosition:
			segmentStart = int64(order.Uint64(item.value))
		case tagIndexDuration:
			segmentDuration = int64(order.Uint64(item.value))
		case tagEditUnitByteCount:
			if size := order.Uint32(item.value); size > 0 {
				t.constEditUnitSize = int64(size)
			}
		case tagSliceCount:
			t.sliceCount = item.value[0]
		case tagPosTableCount:
			t.posTableCount = item.value[0]
		case tagDeltaEntryArray:
			if err := t.parseDeltaEntries(item.value); err != nil {
				return err
			}
		case tagIndexEntryArray:
			indexEntryArray = item.value
		case tagIndexSID, tagBodySID:
			// carried on the partition pack as well, nothing to do
		}
	}

	if segmentStart >= 0 && len(t.entries) == 0 {
		t.startPosition = segmentStart
	}

	if indexEntryArray != nil {
		placement := int64(len(t.entries))
		if segmentStart >= 0 {
			placement = segmentStart
		}
		if placement > int64(len(t.entries)) {
			indexLog.Warnf("index segment starts at edit unit %d but only %d entries are held; segments out of order",
				placement, len(t.entries))
			placement = int64(len(t.entries))
		}
		if err := t.parseIndexEntries(indexEntryArray, placement); err != nil {
			return err
		}
	}

	t.duration += segmentDuration
	return nil
}

func (t *IndexTable) parseDeltaEntries(value []byte) error {
	if len(value) < 8 {
		return fmt.Errorf("%w: delta entry array header truncated", ErrMalformed)
	}
	count := int(order.Uint32(value[0:4]))
	itemLen := int(order.Uint32(value[4:8]))
	if itemLen < 6 || len(value) < 8+count*itemLen {
		return fmt.Errorf("%w: delta entry array truncated", ErrMalformed)
	}

	t.deltaEntries = t.deltaEntries[:0]
	for i := 0; i < count; i++ {
		entry := value[8+i*itemLen:]
		t.deltaEntries = append(t.deltaEntries, DeltaEntry{
			PosTableIndex: int8(entry[0]),
			Slice:         entry[1],
			ElementDelta:  order.Uint32(entry[2:6]),
		})
	}
	return nil
}

// parseIndexEntries decodes an index entry array, placing the entries
// from placement onwards. Entries already discovered by the physical
// walk are enriched in place; the segment is authoritative.
func (t *IndexTable) parseIndexEntries(value []byte, placement int64) error {
	if len(value) < 8 {
		return fmt.Errorf("%w: index entry array header truncated", ErrMalformed)
	}
	count := int(order.Uint32(value[0:4]))
	itemLen := int(order.Uint32(value[4:8]))
	if itemLen < 11 || len(value) < 8+count*itemLen {
		return fmt.Errorf("%w: index entry array truncated", ErrMalformed)
	}

	for i := 0; i < count; i++ {
		raw := value[8+i*itemLen:]
		entry := indexEntry{
			temporalOffset: int8(raw[0]),
			keyFrameOffset: int8(raw[1]),
			flags:          raw[2],
			streamOffset:   int64(order.Uint64(raw[3:11])),
			haveMeta:       true,
		}

		at := placement + int64(i)
		if at < int64(len(t.entries)) {
			if t.entries[at].streamOffset != entry.streamOffset {
				indexLog.Warnf("index entry %d offset 0x%x replaces the discovered offset 0x%x",
					at, entry.streamOffset, t.entries[at].streamOffset)
			}
			entry.size = t.entries[at].size
			t.entries[at] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
		if at > 0 && t.entries[at-1].size == 0 {
			t.entries[at-1].size = entry.streamOffset - t.entries[at-1].streamOffset
		}
	}
	return nil
}
