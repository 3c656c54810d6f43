package essence

import (
	"fmt"
	"sort"

	"github.com/metarex-media/mxf-reader/klv"
	"github.com/metarex-media/mxf-reader/logger"
)

var chunkLog = logger.GetLogger("chunkindex")

// Chunk is a contiguous run of essence bytes within one partition.
// For clip wrapped essence it covers the value body of a single
// essence element and FilePosition points past the KL. For frame
// wrapped essence it covers a span of whole content packages and
// FilePosition points at the leading KL.
type Chunk struct {
	EssenceOffset int64
	FilePosition  int64
	Size          int64
	IsComplete    bool
	PartitionID   int
}

// ChunkIndex maps the continuous essence offset space onto the
// discontiguous file positions the essence actually occupies. Chunks
// are appended in file order; at most the final chunk is incomplete
// while the file is still growing.
type ChunkIndex struct {
	chunks []Chunk

	// last accessed chunk, the fast path for the sequential access
	// pattern the reader has
	last int

	numIndexedPartitions int
	isComplete           bool
	clipWrapped          bool
	avidFirstFrameOffset int32
}

// NewChunkIndex returns an empty index for one essence stream.
// avidFirstFrameOffset shifts the start of the first clip wrapped
// chunk for Avid picture files that prefix their essence.
func NewChunkIndex(clipWrapped bool, avidFirstFrameOffset int32) *ChunkIndex {
	return &ChunkIndex{
		clipWrapped:          clipWrapped,
		avidFirstFrameOffset: avidFirstFrameOffset,
	}
}

// CreateIndex walks every partition of a complete file whose BodySID
// matches and appends the essence it finds. hasTrack filters clip
// wrapped elements down to the ones a track reader exists for.
func (ci *ChunkIndex) CreateIndex(f *klv.File, bodySID uint32, hasTrack func(trackNumber uint32) bool) error {
	partitions := f.Partitions()
	for i, partition := range partitions {
		if partition.BodySID != bodySID {
			continue
		}

		var partitionEnd int64
		if i+1 < len(partitions) {
			partitionEnd = partitions[i+1].ThisPartition
		} else {
			var err error
			partitionEnd, err = f.Size()
			if err != nil {
				return err
			}
		}

		if err := f.Seek(partition.ThisPartition); err != nil {
			return err
		}
		_, _, length, err := f.ReadKL()
		if err != nil {
			return err
		}
		if err := f.Skip(int64(length)); err != nil {
			return err
		}

	partitionWalk:
		for !f.EOF() {
			key, llen, length, err := f.ReadNextNonFillerKL()
			if err != nil {
				return err
			}
			klLen := int64(klv.KeyLen) + int64(llen)

			switch {
			case klv.IsPartitionPack(key):
				break partitionWalk

			case klv.IsHeaderMetadata(key):
				if partition.HeaderByteCount > klLen+int64(length) {
					err = f.Skip(partition.HeaderByteCount - klLen)
				} else {
					err = f.Skip(int64(length))
				}

			case klv.IsIndexTableSegment(key):
				if partition.IndexByteCount > klLen+int64(length) {
					err = f.Skip(partition.IndexByteCount - klLen)
				} else {
					err = f.Skip(int64(length))
				}

			case klv.IsGCEssenceElement(key) || klv.IsAvidEssenceElement(key):
				if ci.clipWrapped && !hasTrack(klv.TrackNumber(key)) {
					// not the target essence container
					err = f.Skip(int64(length))
					if err != nil {
						return err
					}
					continue
				}
				if err = ci.AppendChunk(i, partition, f.Tell(), llen, int64(length)); err != nil {
					return err
				}
				if !ci.clipWrapped {
					ci.UpdateLastChunk(partitionEnd, true)
					break partitionWalk
				}
				// clip wrapped partitions can hold multiple
				// essence container elements
				err = f.Skip(int64(length))

			default:
				err = f.Skip(int64(length))
			}
			if err != nil {
				return err
			}
		}
	}

	ci.isComplete = true
	return nil
}

// AppendChunk adds the essence element or content package run that
// starts at filePosition (which is just past the KL) to the index,
// reconciling the partition's declared BodyOffset against the running
// total.
func (ci *ChunkIndex) AppendChunk(partitionID int, partition *klv.Partition, filePosition int64, llen uint8, length int64) error {
	bodyOffset := partition.BodyOffset
	if len(ci.chunks) == 0 {
		if bodyOffset > 0 {
			chunkLog.Warnf("ignoring potential missing essence container data; "+
				"partition pack's BodyOffset 0x%x > expected offset 0x00", bodyOffset)
			bodyOffset = 0
		}
	} else {
		tail := ci.chunks[len(ci.chunks)-1].EssenceOffset + ci.chunks[len(ci.chunks)-1].Size
		if bodyOffset > tail {
			chunkLog.Warnf("ignoring potential missing essence container data; "+
				"partition pack's BodyOffset 0x%x > expected offset 0x%x", bodyOffset, tail)
			bodyOffset = tail
		} else if bodyOffset < tail {
			chunkLog.Warnf("ignoring potential overlapping essence container data; "+
				"partition pack's BodyOffset 0x%x < expected offset 0x%x", bodyOffset, tail)
			bodyOffset = tail
		}
	}

	chunk := Chunk{
		EssenceOffset: bodyOffset,
		FilePosition:  filePosition,
		PartitionID:   partitionID,
	}
	if !ci.clipWrapped {
		chunk.FilePosition -= int64(klv.KeyLen) + int64(llen)
		chunk.Size = 0
		chunk.IsComplete = false
	} else {
		chunk.Size = length
		if ci.avidFirstFrameOffset > 0 && len(ci.chunks) == 0 {
			chunk.FilePosition += int64(ci.avidFirstFrameOffset)
			chunk.Size -= int64(ci.avidFirstFrameOffset)
		}
		if chunk.Size < 0 {
			return fmt.Errorf("%w: essence element smaller than the first frame offset", ErrMalformed)
		}
		chunk.IsComplete = true
	}
	ci.chunks = append(ci.chunks, chunk)

	ci.numIndexedPartitions = partitionID + 1
	return nil
}

// UpdateLastChunk extends a growing final chunk up to filePosition,
// marking it complete when isEnd says the terminal boundary is known.
func (ci *ChunkIndex) UpdateLastChunk(filePosition int64, isEnd bool) {
	if len(ci.chunks) == 0 {
		return
	}
	tail := &ci.chunks[len(ci.chunks)-1]
	if !tail.IsComplete && filePosition >= tail.FilePosition+tail.Size {
		tail.Size = filePosition - tail.FilePosition
		tail.IsComplete = isEnd
	}
}

// SetIsComplete marks the chunk sequence final.
func (ci *ChunkIndex) SetIsComplete() {
	ci.isComplete = true
}

// IsComplete reports whether every chunk of the stream is indexed.
func (ci *ChunkIndex) IsComplete() bool {
	return ci.isComplete
}

// NumIndexedPartitions returns how many partitions have been covered
// so far, counted from the start of the partition list.
func (ci *ChunkIndex) NumIndexedPartitions() int {
	return ci.numIndexedPartitions
}

// NumChunks returns the chunk count.
func (ci *ChunkIndex) NumChunks() int {
	return len(ci.chunks)
}

// EssenceDataSize returns the total essence byte count indexed so
// far.
func (ci *ChunkIndex) EssenceDataSize() int64 {
	if len(ci.chunks) == 0 {
		return 0
	}
	tail := ci.chunks[len(ci.chunks)-1]
	return tail.EssenceOffset + tail.Size
}

// HaveFilePosition reports whether essenceOffset falls inside (or on
// the inclusive tail of) an indexed chunk.
func (ci *ChunkIndex) HaveFilePosition(essenceOffset int64) bool {
	if len(ci.chunks) == 0 {
		return false
	}

	ci.updateForOffset(essenceOffset)

	chunk := ci.chunks[ci.last]
	return chunk.EssenceOffset <= essenceOffset &&
		chunk.EssenceOffset+chunk.Size >= essenceOffset
}

// FilePosition maps an essence offset to its absolute file position.
func (ci *ChunkIndex) FilePosition(essenceOffset int64) (int64, error) {
	if len(ci.chunks) == 0 {
		return 0, fmt.Errorf("%w: empty chunk index", ErrNotFound)
	}
	ci.updateForOffset(essenceOffset)

	chunk := ci.chunks[ci.last]
	if chunk.EssenceOffset > essenceOffset || chunk.EssenceOffset+chunk.Size < essenceOffset {
		return 0, fmt.Errorf("%w: edit unit offset 0x%x", ErrNotFound, essenceOffset)
	}

	return chunk.FilePosition + (essenceOffset - chunk.EssenceOffset), nil
}

// FilePositionSpan maps an essence offset to a file position,
// requiring the whole (offset, size) span to be covered. A span
// running past the known bytes is accepted only while the final chunk
// is still growing and the offset itself is within it.
func (ci *ChunkIndex) FilePositionSpan(essenceOffset, size int64) (int64, error) {
	if len(ci.chunks) == 0 {
		return 0, fmt.Errorf("%w: empty chunk index", ErrNotFound)
	}
	ci.updateForOffset(essenceOffset)

	chunk := ci.chunks[ci.last]
	havePosition := true
	if chunk.EssenceOffset > essenceOffset {
		havePosition = false
	} else if chunk.EssenceOffset+chunk.Size < essenceOffset+size {
		if chunk.EssenceOffset+chunk.Size < essenceOffset {
			havePosition = false
		} else if chunk.IsComplete {
			havePosition = false
		}
	}
	if !havePosition {
		return 0, fmt.Errorf("%w: edit unit (off=0x%x,size=0x%x)", ErrNotFound, essenceOffset, size)
	}

	return chunk.FilePosition + (essenceOffset - chunk.EssenceOffset), nil
}

// EssenceOffset is the inverse mapping, from an absolute file
// position back to the essence offset.
func (ci *ChunkIndex) EssenceOffset(filePosition int64) (int64, error) {
	if len(ci.chunks) == 0 {
		return 0, fmt.Errorf("%w: empty chunk index", ErrNotFound)
	}
	ci.updateForFilePosition(filePosition)

	chunk := ci.chunks[ci.last]
	if chunk.FilePosition > filePosition || chunk.FilePosition+chunk.Size < filePosition {
		return 0, fmt.Errorf("%w: edit unit file position 0x%x", ErrNotFound, filePosition)
	}

	return chunk.EssenceOffset + (filePosition - chunk.FilePosition), nil
}

// updateForOffset moves the last accessed index to the chunk covering
// essenceOffset. The chunk slice is append only and sorted, so a
// binary search is used either side of the hint; the hint is left
// alone when no chunk reaches the offset, which the range checks in
// the callers then reject.
func (ci *ChunkIndex) updateForOffset(essenceOffset int64) {
	chunks := ci.chunks
	current := chunks[ci.last]

	if current.EssenceOffset > essenceOffset {
		// offset is in a chunk before the hint
		i := sort.Search(ci.last, func(i int) bool {
			return chunks[i].EssenceOffset > essenceOffset
		})
		if i > 0 {
			ci.last = i - 1
		}
	} else if current.EssenceOffset+current.Size <= essenceOffset {
		// offset is in a chunk after the hint
		n := len(chunks)
		i := sort.Search(n-ci.last-1, func(j int) bool {
			c := chunks[ci.last+1+j]
			return c.EssenceOffset+c.Size > essenceOffset
		})
		if ci.last+1+i < n {
			ci.last = ci.last + 1 + i
		}
	}
}

func (ci *ChunkIndex) updateForFilePosition(filePosition int64) {
	chunks := ci.chunks
	current := chunks[ci.last]

	if current.FilePosition > filePosition {
		i := sort.Search(ci.last, func(i int) bool {
			return chunks[i].FilePosition > filePosition
		})
		if i > 0 {
			ci.last = i - 1
		}
	} else if current.FilePosition+current.Size <= filePosition {
		n := len(chunks)
		i := sort.Search(n-ci.last-1, func(j int) bool {
			c := chunks[ci.last+1+j]
			return c.FilePosition+c.Size > filePosition
		})
		if ci.last+1+i < n {
			ci.last = ci.last + 1 + i
		}
	}
}
