package essence

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/metarex-media/mxf-reader/klv"
)

// keys used by the synthetic test files
var (
	headerPartitionKey = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x02, 0x05, 0x01, 0x01, 0x0d, 0x01, 0x02, 0x01, 0x01, 0x02, 0x04, 0x00}
	bodyPartitionKey   = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x02, 0x05, 0x01, 0x01, 0x0d, 0x01, 0x02, 0x01, 0x01, 0x03, 0x04, 0x00}
	footerPartitionKey = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x02, 0x05, 0x01, 0x01, 0x0d, 0x01, 0x02, 0x01, 0x01, 0x04, 0x04, 0x00}
	ripKey             = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x02, 0x05, 0x01, 0x01, 0x0d, 0x01, 0x02, 0x01, 0x01, 0x11, 0x01, 0x00}
	indexSegmentKey    = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x02, 0x53, 0x01, 0x01, 0x0d, 0x01, 0x02, 0x01, 0x01, 0x10, 0x01, 0x00}
	fillerKey          = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x01, 0x01, 0x02, 0x03, 0x01, 0x02, 0x10, 0x01, 0x00, 0x00, 0x00}

	gcPictureKey   = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x15, 0x01, 0x05, 0x01}
	gcSoundKey     = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x16, 0x01, 0x01, 0x01}
	gcSoundClipKey = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x16, 0x01, 0x02, 0x01}
	gcSystemKey    = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x14, 0x02, 0x01, 0x00}
	altPictureKey  = klv.Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x15, 0x01, 0x06, 0x01}
)

// klHeaderLen is the KL byte count the builder always emits: a 16
// byte key and a 4 byte long form BER length.
const klHeaderLen = 20

type mxfBuilder struct {
	data []byte
}

func (b *mxfBuilder) pos() int64 {
	return int64(len(b.data))
}

func (b *mxfBuilder) kl(key klv.Key, length int) {
	b.data = append(b.data, key[:]...)
	b.data = append(b.data, 0x83, byte(length>>16), byte(length>>8), byte(length))
}

func (b *mxfBuilder) klv(key klv.Key, value []byte) {
	b.kl(key, len(value))
	b.data = append(b.data, value...)
}

// partition writes a partition pack at the current position with its
// ThisPartition set correctly.
func (b *mxfBuilder) partition(key klv.Key, headerBC, indexBC int64, indexSID uint32, bodyOffset int64, bodySID uint32) int64 {
	at := b.pos()
	value := make([]byte, 64)
	binary.BigEndian.PutUint16(value[0:2], 1)
	binary.BigEndian.PutUint16(value[2:4], 3)
	binary.BigEndian.PutUint32(value[4:8], 1) // KAG
	binary.BigEndian.PutUint64(value[8:16], uint64(at))
	binary.BigEndian.PutUint64(value[32:40], uint64(headerBC))
	binary.BigEndian.PutUint64(value[40:48], uint64(indexBC))
	binary.BigEndian.PutUint32(value[48:52], indexSID)
	binary.BigEndian.PutUint64(value[52:60], uint64(bodyOffset))
	binary.BigEndian.PutUint32(value[60:64], bodySID)
	b.klv(key, value)
	return at
}

// essenceUnit writes one essence element whose value is size bytes of
// the fill byte.
func (b *mxfBuilder) essenceUnit(key klv.Key, size int, fill byte) {
	value := make([]byte, size)
	for i := range value {
		value[i] = fill
	}
	b.klv(key, value)
}

func localItem(tag uint16, value []byte) []byte {
	item := make([]byte, 4+len(value))
	binary.BigEndian.PutUint16(item[0:2], tag)
	binary.BigEndian.PutUint16(item[2:4], uint16(len(value)))
	copy(item[4:], value)
	return item
}

func u32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

func u64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// indexSegmentValue builds a variable bit rate index segment local
// set: the edit unit offsets include a final entry marking the end of
// the essence.
func indexSegmentValue(editRate Rational, start, duration int64, offsets []int64) []byte {
	var value []byte
	rate := append(u32(uint32(editRate.Numerator)), u32(uint32(editRate.Denominator))...)
	value = append(value, localItem(0x3f0b, rate)...)
	value = append(value, localItem(0x3f0c, u64(uint64(start)))...)
	value = append(value, localItem(0x3f0d, u64(uint64(duration)))...)
	value = append(value, localItem(0x3f05, u32(0))...)
	value = append(value, localItem(0x3f06, u32(1))...)
	value = append(value, localItem(0x3f07, u32(1))...)

	entries := make([]byte, 8, 8+11*len(offsets))
	binary.BigEndian.PutUint32(entries[0:4], uint32(len(offsets)))
	binary.BigEndian.PutUint32(entries[4:8], 11)
	for _, offset := range offsets {
		item := make([]byte, 11)
		item[2] = 0x80
		binary.BigEndian.PutUint64(item[3:11], uint64(offset))
		entries = append(entries, item...)
	}
	value = append(value, localItem(0x3f0a, entries)...)

	return value
}

// unitSizes returns varied value sizes for numUnits edit units.
func unitSizes(numUnits int) []int {
	sizes := make([]int, numUnits)
	for i := range sizes {
		sizes[i] = 64 + (i%7)*3
	}
	return sizes
}

// unitOffsets returns the cumulative stream offsets of the units,
// with a final entry at the total byte count.
func unitOffsets(sizes []int) []int64 {
	offsets := make([]int64, 0, len(sizes)+1)
	run := int64(0)
	for _, size := range sizes {
		offsets = append(offsets, run)
		run += int64(klHeaderLen + size)
	}
	return append(offsets, run)
}

// buildFrameWrappedComplete builds a four partition file: an empty
// header, essence split across two body partitions and a footer
// carrying the index table, closed by a random index pack.
func buildFrameWrappedComplete(numUnits, unitsInFirst int) ([]byte, []int) {
	sizes := unitSizes(numUnits)
	offsets := unitOffsets(sizes)

	b := &mxfBuilder{}
	b.partition(headerPartitionKey, 0, 0, 0, 0, 0)

	b.partition(bodyPartitionKey, 0, 0, 0, 0, 1)
	for i := 0; i < unitsInFirst; i++ {
		b.essenceUnit(gcPictureKey, sizes[i], byte(i))
	}

	b.partition(bodyPartitionKey, 0, 0, 0, offsets[unitsInFirst], 1)
	for i := unitsInFirst; i < numUnits; i++ {
		b.essenceUnit(gcPictureKey, sizes[i], byte(i))
	}

	segment := indexSegmentValue(Rational{25, 1}, 0, int64(numUnits), offsets)
	b.partition(footerPartitionKey, 0, int64(klHeaderLen+len(segment)), 1, 0, 0)
	b.klv(indexSegmentKey, segment)
	b.klv(ripKey, make([]byte, 28))

	return b.data, sizes
}

// buildClipWrappedComplete builds a single essence element file with
// the whole clip in one body partition.
func buildClipWrappedComplete(key klv.Key, value []byte) []byte {
	b := &mxfBuilder{}
	b.partition(headerPartitionKey, 0, 0, 0, 0, 0)
	b.partition(bodyPartitionKey, 0, 0, 0, 0, 1)
	b.klv(key, value)
	b.partition(footerPartitionKey, 0, 0, 0, 0, 0)
	b.klv(ripKey, make([]byte, 28))
	return b.data
}

// buildClipWrappedSplit spreads a clip across two body partitions.
func buildClipWrappedSplit(key klv.Key, first, second []byte) []byte {
	b := &mxfBuilder{}
	b.partition(headerPartitionKey, 0, 0, 0, 0, 0)
	b.partition(bodyPartitionKey, 0, 0, 0, 0, 1)
	b.klv(key, first)
	b.partition(bodyPartitionKey, 0, 0, 0, int64(len(first)), 1)
	b.klv(key, second)
	b.partition(footerPartitionKey, 0, 0, 0, 0, 0)
	b.klv(ripKey, make([]byte, 28))
	return b.data
}

// growingFile is a ReadSeeker whose backing slice the tests append
// to, imitating a file still being written.
type growingFile struct {
	data []byte
	pos  int64
}

func (g *growingFile) append(p []byte) {
	g.data = append(g.data, p...)
}

func (g *growingFile) Read(p []byte) (int, error) {
	if g.pos >= int64(len(g.data)) {
		return 0, io.EOF
	}
	n := copy(p, g.data[g.pos:])
	g.pos += int64(n)
	return n, nil
}

func (g *growingFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		g.pos = offset
	case io.SeekCurrent:
		g.pos += offset
	case io.SeekEnd:
		g.pos = int64(len(g.data)) + offset
	}
	if g.pos < 0 {
		return 0, fmt.Errorf("seek to negative position")
	}
	return g.pos, nil
}
