package klv

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// KeyLen is the byte length of every MXF key.
	KeyLen = 16
	// MaxLLen is the longest BER length encoding MXF allows,
	// one identifier byte plus eight value bytes.
	MaxLLen = 9
)

// File wraps a seekable byte source with the KLV level operations the
// essence reader drives. The partition list grows as partition packs
// are parsed, either up front with ScanPartitions for a complete file
// or one at a time with ReadNextPartition while the file is still
// growing.
type File struct {
	src        io.ReadSeeker
	pos        int64
	partitions []*Partition
}

// NewFile wraps src. The cursor is assumed to be at byte 0.
func NewFile(src io.ReadSeeker) *File {
	return &File{src: src}
}

// Tell returns the current byte position.
func (f *File) Tell() int64 {
	return f.pos
}

// Seek moves the cursor to an absolute byte position.
func (f *File) Seek(pos int64) error {
	n, err := f.src.Seek(pos, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seeking to %d: %w", pos, err)
	}
	f.pos = n
	return nil
}

// Skip moves the cursor n bytes forward.
func (f *File) Skip(n int64) error {
	p, err := f.src.Seek(n, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("skipping %d bytes: %w", n, err)
	}
	f.pos = p
	return nil
}

// Size returns the current byte length of the source. It is
// recomputed on every call so a growing file reports its latest
// length.
func (f *File) Size() (int64, error) {
	end, err := f.src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.src.Seek(f.pos, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// EOF reports whether the cursor is at or past the end of the source.
func (f *File) EOF() bool {
	size, err := f.Size()
	if err != nil {
		return true
	}
	return f.pos >= size
}

// Read fills p, failing unless the full length is available.
func (f *File) Read(p []byte) (int, error) {
	n, err := io.ReadFull(f.src, p)
	f.pos += int64(n)
	if err != nil {
		return n, fmt.Errorf("reading %d bytes at %d: %w", len(p), f.pos-int64(n), err)
	}
	return n, nil
}

// ReadKL reads a key and a BER length, leaving the cursor at the
// start of the value. llen is the full byte length of the length
// field including the identifier byte.
func (f *File) ReadKL() (key Key, llen uint8, length uint64, err error) {
	var keyBytes [KeyLen]byte
	if _, err = f.Read(keyBytes[:]); err != nil {
		return NullKey, 0, 0, err
	}
	key = Key(keyBytes)

	var first [1]byte
	if _, err = f.Read(first[:]); err != nil {
		return NullKey, 0, 0, err
	}
	if first[0] < 0x80 {
		return key, 1, uint64(first[0]), nil
	}

	extra := int(first[0] & 0x7f)
	if extra == 0 || extra > MaxLLen-1 {
		return NullKey, 0, 0, fmt.Errorf("invalid BER length byte 0x%02x at position %d", first[0], f.pos-1)
	}
	buf := make([]byte, 8)
	if _, err = f.Read(buf[8-extra:]); err != nil {
		return NullKey, 0, 0, err
	}
	return key, uint8(1 + extra), binary.BigEndian.Uint64(buf), nil
}

// ReadNextNonFillerKL reads KLs, skipping the value of any fill item,
// until a non filler key is found.
func (f *File) ReadNextNonFillerKL() (Key, uint8, uint64, error) {
	for {
		key, llen, length, err := f.ReadKL()
		if err != nil {
			return NullKey, 0, 0, err
		}
		if !IsFiller(key) {
			return key, llen, length, nil
		}
		if err := f.Skip(int64(length)); err != nil {
			return NullKey, 0, 0, err
		}
	}
}

// ReadNextPartition parses the partition pack value the cursor is
// sitting on and appends it to the partition list. The caller has
// already consumed the KL.
func (f *File) ReadNextPartition(key Key, length uint64) (*Partition, error) {
	value := make([]byte, length)
	if _, err := f.Read(value); err != nil {
		return nil, err
	}
	p, err := ParsePartition(key, value)
	if err != nil {
		return nil, err
	}
	f.partitions = append(f.partitions, p)
	return p, nil
}

// Partitions returns the partition list built so far, in file order.
func (f *File) Partitions() []*Partition {
	return f.partitions
}

// ScanPartitions walks a complete file from the start and collects
// every partition pack into the partition list. Values of all other
// KLVs are skipped. The cursor position is not preserved.
func (f *File) ScanPartitions() error {
	if err := f.Seek(0); err != nil {
		return err
	}
	for !f.EOF() {
		at := f.Tell()
		key, _, length, err := f.ReadKL()
		if err != nil {
			return err
		}
		if IsPartitionPack(key) {
			p, err := f.ReadNextPartition(key, length)
			if err != nil {
				return err
			}
			if p.ThisPartition != at {
				p.SetThisPartition(at)
			}
			continue
		}
		if err := f.Skip(int64(length)); err != nil {
			return err
		}
	}
	return nil
}
