package essence

import (
	"errors"
	"fmt"
	"math"

	"github.com/metarex-media/mxf-reader/klv"
	"github.com/metarex-media/mxf-reader/logger"
)

var readerLog = logger.GetLogger("essencereader")

// errEndOfEssence signals that the walker ran into the random index
// pack: the file is complete and no further content package exists.
var errEndOfEssence = errors.New("end of essence data")

// lookaheadKL is the one KL look-ahead the reader holds between
// dispatch decisions. A nil lookahead means the next KL has not been
// read yet.
type lookaheadKL struct {
	key    klv.Key
	llen   uint8
	length uint64
}

// Config wires a Reader to its stream: which SIDs to follow, the
// wrapping mode, the track list and the descriptor properties probed
// from the header metadata.
type Config struct {
	BodySID     uint32
	IndexSID    uint32
	ClipWrapped bool
	EditRate    Rational
	Tracks      []*Track
	Descriptor  *Descriptor

	// FileIsComplete is true when a footer partition and random
	// index pack are known to exist, letting the chunk index and
	// index table be built up front.
	FileIsComplete bool
}

// Reader walks partitions, dispatches KLVs, keeps the chunk index and
// index table current and materialises frames for enabled tracks. It
// is single threaded; one owner drives SetReadLimits, Seek and Read
// serially.
type Reader struct {
	f             *klv.File
	bodySID       uint32
	indexSID      uint32
	clipWrapped   bool
	editRate      Rational
	tracks        []*Track
	trackByNumber map[uint32]*Track
	descriptor    *Descriptor

	chunks    *ChunkIndex
	index     *IndexTable
	frameMeta *FrameMetadataReader

	readStartPosition int64
	readDuration      int64
	position          int64

	basePosition int64
	filePosition int64

	nextKL          *lookaheadKL
	atCPStart       bool
	essenceStartKey klv.Key

	lastKnownBasePosition int64
	lastKnownFilePosition int64

	previousPartitionID   int
	previousFilePosition  int64

	imageStartOffset uint32
	imageEndOffset   uint32

	haveFooter     bool
	fileIsComplete bool

	trackFrames []*Frame
}

// NewReader builds a reader over f. For a complete file the chunk
// index and index table are extracted immediately; for a growing file
// they are discovered incrementally as Read walks forward.
func NewReader(f *klv.File, cfg Config) (*Reader, error) {
	r := &Reader{
		f:                     f,
		bodySID:               cfg.BodySID,
		indexSID:              cfg.IndexSID,
		clipWrapped:           cfg.ClipWrapped,
		editRate:              cfg.EditRate,
		tracks:                cfg.Tracks,
		trackByNumber:         make(map[uint32]*Track),
		descriptor:            cfg.Descriptor,
		basePosition:          -1,
		filePosition:          -1,
		lastKnownBasePosition: -1,
		lastKnownFilePosition: -1,
		haveFooter:            cfg.FileIsComplete,
		fileIsComplete:        cfg.FileIsComplete,
	}
	for i, track := range cfg.Tracks {
		track.Index = i
		r.trackByNumber[track.Number] = track
	}
	r.frameMeta = NewFrameMetadataReader(f)

	// ImageStartOffset and ImageEndOffset are used in Avid
	// uncompressed files, as is the first frame offset
	var avidFirstFrameOffset int32
	if cfg.ClipWrapped && len(cfg.Tracks) > 0 && cfg.Tracks[0].IsPicture && cfg.Descriptor != nil {
		if cfg.Descriptor.FirstFrameOffset > 0 {
			avidFirstFrameOffset = cfg.Descriptor.FirstFrameOffset
		}
		r.imageStartOffset, r.imageEndOffset = cfg.Descriptor.PaddingOffsets()
	}
	r.chunks = NewChunkIndex(cfg.ClipWrapped, avidFirstFrameOffset)
	r.index = NewIndexTable()

	// extract the essence container layout if the file is complete
	if cfg.FileIsComplete {
		if err := r.chunks.CreateIndex(f, cfg.BodySID, r.hasTrack); err != nil {
			return nil, err
		}
	}

	// extract the essence container index table if the file is
	// complete
	if cfg.IndexSID != 0 && cfg.FileIsComplete {
		found, err := r.index.ExtractIndexTable(f, cfg.IndexSID)
		if err != nil {
			return nil, err
		}
		if found {
			if cfg.EditRate != (Rational{}) && r.index.EditRate() != (Rational{}) &&
				r.index.EditRate() != cfg.EditRate {
				return nil, fmt.Errorf("%w: index edit rate %v/%v differs from the file's %v/%v",
					ErrMalformed, r.index.EditRate().Numerator, r.index.EditRate().Denominator,
					cfg.EditRate.Numerator, cfg.EditRate.Denominator)
			}
		} else if r.chunks.EssenceDataSize() > 0 {
			readerLog.Warnf("missing index table segments for essence data with size %d",
				r.chunks.EssenceDataSize())
		}

		r.index.SetEssenceDataSize(r.chunks.EssenceDataSize())

		// check the last indexed edit unit is available in the
		// essence container data
		if r.index.Duration() > 0 {
			lastOffset, lastSize, err := r.index.GetEditUnit(r.index.Duration() - 1)
			if err == nil && r.chunks.EssenceDataSize() < lastOffset+lastSize {
				return nil, fmt.Errorf("%w: last edit unit (offset %d, size %d) not available in "+
					"essence container (size %d)",
					ErrMalformed, lastOffset, lastSize, r.chunks.EssenceDataSize())
			}
		}
	} else {
		// if there is no index table then at least set the edit rate
		r.index.SetEditRate(cfg.EditRate)

		// a known constant edit unit size is required to address
		// clip wrapped essence
		if cfg.ClipWrapped && !r.setConstantEditUnitSize() {
			readerLog.Warn("failed to set a constant edit unit size for clip wrapped essence data")
		}

		if r.chunks.IsComplete() {
			r.index.SetEssenceDataSize(r.chunks.EssenceDataSize())
			if r.index.HaveConstantEditUnitSize() {
				// the chunk layout and the constant size pin down
				// every edit unit, nothing further can arrive
				r.index.SetIsComplete()
			}
		}
	}

	r.readStartPosition = 0
	if r.index.IsComplete() {
		r.readDuration = r.index.Duration()
	} else {
		r.readDuration = math.MaxInt64
	}

	return r, nil
}

func (r *Reader) hasTrack(trackNumber uint32) bool {
	return r.trackByNumber[trackNumber] != nil
}

// SetReadLimits sets the presentation window. With a complete index
// the window is clamped to the known duration; otherwise the raw
// values are stored with negatives floored to zero.
func (r *Reader) SetReadLimits(startPosition, duration int64) {
	if r.index.IsComplete() {
		r.readStartPosition = r.legitimisePosition(startPosition)
		if duration <= 0 || r.index.Duration() == 0 {
			r.readDuration = 0
		} else {
			end := startPosition + duration - 1
			if duration > math.MaxInt64-startPosition {
				end = math.MaxInt64
			}
			r.readDuration = r.legitimisePosition(end) - r.readStartPosition + 1
		}
	} else {
		if startPosition < 0 {
			r.readStartPosition = 0
		} else {
			r.readStartPosition = startPosition
		}
		if duration < 0 {
			r.readDuration = 0
		} else {
			r.readDuration = duration
		}
	}
}

func (r *Reader) legitimisePosition(position int64) int64 {
	switch {
	case position < 0 || r.index.Duration() == 0:
		return 0
	case position >= r.index.Duration():
		return r.index.Duration() - 1
	default:
		return position
	}
}

// ReadStartPosition returns the window start.
func (r *Reader) ReadStartPosition() int64 {
	return r.readStartPosition
}

// ReadDuration returns the window length.
func (r *Reader) ReadDuration() int64 {
	return r.readDuration
}

// Position returns the current edit unit position.
func (r *Reader) Position() int64 {
	return r.position
}

// IsComplete reports whether both the chunk index and the index table
// cover the whole stream.
func (r *Reader) IsComplete() bool {
	return r.chunks.IsComplete() && r.index.IsComplete()
}

// Tracks returns the reader's track list.
func (r *Reader) Tracks() []*Track {
	return r.tracks
}

// ChunkIndex exposes the chunk index, read only, for reporting.
func (r *Reader) ChunkIndex() *ChunkIndex {
	return r.chunks
}

// IndexTable exposes the index table, read only, for reporting.
func (r *Reader) IndexTable() *IndexTable {
	return r.index
}

// GetIndexEntry fills entry for position, resolving the container
// offset through the chunk index to an absolute file offset.
func (r *Reader) GetIndexEntry(entry *IndexEntryExt, position int64) (bool, error) {
	if !r.index.GetIndexEntry(entry, position) {
		return false, nil
	}
	fileOffset, err := r.chunks.FilePositionSpan(entry.ContainerOffset, entry.EditUnitSize)
	if err != nil {
		return false, err
	}
	entry.FileOffset = fileOffset
	return true, nil
}

// Seek sets the logical position. The physical seek happens now when
// the target is inside the read window, otherwise it is deferred to
// the next Read.
func (r *Reader) Seek(position int64) error {
	r.position = position

	if position >= r.readStartPosition && position < r.readStartPosition+r.readDuration {
		return r.seekEssence(position, false)
	}
	return nil
}

// Read materialises up to numSamples edit units starting at the
// current position, pushing a frame per enabled track. The returned
// count excludes samples clipped by the read window; the position
// always advances by exactly numSamples.
func (r *Reader) Read(numSamples uint32) (uint32, error) {
	r.trackFrames = make([]*Frame, len(r.tracks))
	r.frameMeta.Reset()

	targetPosition := r.position + int64(numSamples)

	// check read limits
	if r.readDuration == 0 ||
		r.position >= r.readStartPosition+r.readDuration ||
		r.position+int64(numSamples) <= 0 ||
		r.position+int64(numSamples) <= r.readStartPosition {
		// always be positioned numSamples after the previous
		// position
		if err := r.Seek(r.position + int64(numSamples)); err != nil {
			return 0, err
		}
		return 0, nil
	}

	// adjust the sample count and seek to the start of data if the
	// position is in the pre-roll
	firstSampleOffset := uint32(0)
	readNum := numSamples
	if r.position < 0 {
		firstSampleOffset = uint32(-r.position)
		readNum -= firstSampleOffset
		if err := r.Seek(0); err != nil {
			return 0, err
		}
	}
	// samples before the window start are clipped, never
	// materialised
	if r.position < r.readStartPosition {
		readNum -= uint32(r.readStartPosition - r.position)
		if err := r.Seek(r.readStartPosition); err != nil {
			return 0, err
		}
	}
	if r.position+int64(readNum) > r.readStartPosition+r.readDuration {
		readNum -= uint32(r.position + int64(readNum) - (r.readStartPosition + r.readDuration))
	}

	startPosition := r.position
	var produced uint32
	var err error
	if r.clipWrapped {
		produced, err = r.readClipWrappedSamples(readNum)
	} else {
		produced, err = r.readFrameWrappedSamples(readNum, firstSampleOffset)
	}
	if err != nil {
		return produced, err
	}

	if r.clipWrapped {
		// add the index information for the first sample and push
		// the frame
		var temporalOffset, keyFrameOffset int8
		var flags uint8
		if r.index.HaveEditUnit(startPosition) {
			temporalOffset, keyFrameOffset, flags = r.index.EditUnitMetadata(startPosition)
		}
		for i, frame := range r.trackFrames {
			if frame == nil {
				continue
			}
			frame.FirstSampleOffset = firstSampleOffset
			frame.TemporalOffset = temporalOffset
			frame.KeyFrameOffset = keyFrameOffset
			frame.Flags = flags
			r.frameMeta.InsertFrameMetadata(frame, r.tracks[i].Number)
			r.tracks[i].Buffer.PushFrame(frame)
			r.trackFrames[i] = nil
		}
	}

	// always be positioned numSamples after the previous position
	if r.position != targetPosition {
		if err := r.Seek(targetPosition); err != nil {
			return produced, err
		}
	}

	return produced, nil
}

func (r *Reader) setConstantEditUnitSize() bool {
	if r.descriptor == nil {
		return false
	}
	size, ok := r.descriptor.EditUnitSize(r.editRate)
	if !ok || size == 0 {
		return false
	}
	r.index.SetConstantEditUnitSize(r.editRate, size)
	return true
}

// readClipWrappedSamples reads numSamples into a single frame for the
// stream's one track, coalescing contiguous edit units into as few
// physical reads as the chunk layout allows.
func (r *Reader) readClipWrappedSamples(numSamples uint32) (uint32, error) {
	if len(r.tracks) == 0 {
		return 0, fmt.Errorf("%w: clip wrapped stream with no track", ErrBadArgument)
	}

	// only position 0 is seekable while a clip wrapped file is
	// incomplete
	if !r.IsComplete() && r.position == 0 {
		if err := r.seekEssence(r.position, true); err != nil {
			return 0, err
		}
	}

	track := r.tracks[0]
	var frame *Frame
	if track.Enabled {
		frame = NewFrame()
		r.trackFrames[0] = frame
	}

	currentFilePosition := r.f.Tell()
	total := uint32(0)
	for total < numSamples {
		// maximum number of contiguous samples that can be read in
		// one go; image padding forces edit unit at a time
		var filePosition, size int64
		var numCont uint32
		var err error
		if r.imageStartOffset != 0 || r.imageEndOffset != 0 {
			filePosition, size, numCont, err = r.getEditUnitGroup(r.position, 1)
		} else {
			filePosition, size, numCont, err = r.getEditUnitGroup(r.position, numSamples-total)
		}
		if err != nil {
			return total, err
		}

		if frame != nil {
			if size < int64(r.imageStartOffset)+int64(r.imageEndOffset) {
				return total, fmt.Errorf("%w: edit unit size %d smaller than its image padding",
					ErrMalformed, size)
			}

			if currentFilePosition != filePosition {
				if err := r.f.Seek(filePosition); err != nil {
					return total, err
				}
			}
			currentFilePosition = filePosition

			first := frame.IsEmpty()
			frame.Grow(uint32(size))
			buf := frame.BytesAvailable()[:size]
			n, err := r.f.Read(buf)
			currentFilePosition += int64(n)
			if err != nil || int64(n) != size {
				return total, fmt.Errorf("%w: read %d of %d essence bytes", ErrShortRead, n, size)
			}

			// strip the Avid image padding in place
			kept := size - int64(r.imageEndOffset)
			if r.imageStartOffset > 0 {
				copy(buf, buf[r.imageStartOffset:kept])
				kept -= int64(r.imageStartOffset)
			}
			frame.IncrementSize(uint32(kept))
			frame.NumSamples += numCont

			if first {
				frame.ECPosition = r.position
				frame.TemporalReordering = r.index.GetTemporalReordering(0)
				frame.CPFilePosition = filePosition
				frame.FilePosition = filePosition
			}
		} else {
			if err := r.f.Seek(filePosition + size); err != nil {
				return total, err
			}
			currentFilePosition = filePosition + size
		}

		r.position += int64(numCont)
		total += numCont
	}

	return total, nil
}

// readFrameWrappedSamples walks numSamples content packages,
// materialising one frame per enabled track per edit unit and pushing
// each as its package completes.
func (r *Reader) readFrameWrappedSamples(numSamples uint32, firstSampleOffset uint32) (uint32, error) {
	produced := uint32(0)
	for i := uint32(0); i < numSamples; i++ {
		// a completion transition mid read can clamp the window
		// under us
		if r.fileIsComplete && r.position >= r.readStartPosition+r.readDuration {
			break
		}

		if err := r.seekEssence(r.position, true); err != nil {
			if errors.Is(err, errEndOfEssence) {
				break
			}
			return produced, err
		}

		var size int64
		var cpFilePosition int64
		switch {
		case r.index.HaveEditUnitSize(r.position):
			fp, sz, err := r.getEditUnit(r.position)
			if err != nil {
				return produced, err
			}
			size = sz
			cpFilePosition = fp
			if cpFilePosition != r.filePosition {
				return produced, fmt.Errorf("%w: indexed file position 0x%x does not match current 0x%x",
					ErrIndexMismatch, cpFilePosition, r.filePosition)
			}
		case r.index.HaveEditUnitOffset(r.position):
			fp, err := r.chunks.FilePosition(r.index.EditUnitOffset(r.position))
			if err != nil {
				return produced, err
			}
			cpFilePosition = fp
			if cpFilePosition != r.filePosition {
				return produced, fmt.Errorf("%w: indexed file position 0x%x does not match current 0x%x",
					ErrIndexMismatch, cpFilePosition, r.filePosition)
			}
		default:
			cpFilePosition = r.filePosition
		}

		packageFrames := make(map[uint32]*Frame)
		cpNumRead := int64(0)
		firstElement := true
		for size == 0 || cpNumRead < size {
			key, llen, length, ok, err := r.readEssenceKL(firstElement)
			if err != nil {
				return produced, err
			}
			if !ok {
				break
			}
			firstElement = false
			klLen := int64(klv.KeyLen) + int64(llen)
			cpNumRead += klLen

			processed, err := r.frameMeta.ProcessFrameMetadata(key, length)
			if err != nil {
				return produced, err
			}

			switch {
			case processed:
				// value consumed by the metadata reader
			case klv.IsGCEssenceElement(key) || klv.IsAvidEssenceElement(key):
				trackNumber := klv.TrackNumber(key)
				frame, seen := packageFrames[trackNumber]
				if !seen {
					// first sighting of this track in the package
					track := r.trackByNumber[trackNumber]
					if track != nil && track.Enabled {
						frame = NewFrame()
						frame.ECPosition = r.position
						frame.CPFilePosition = cpFilePosition
						frame.FilePosition = cpFilePosition + cpNumRead
						if r.index.HaveEditUnit(r.position) {
							frame.TemporalReordering =
								r.index.GetTemporalReordering(uint32(cpNumRead - klLen))
						}
						r.trackFrames[track.Index] = frame
					}
					packageFrames[trackNumber] = frame
				}

				if frame != nil {
					frame.Grow(uint32(length))
					buf := frame.BytesAvailable()[:length]
					if _, err := r.f.Read(buf); err != nil {
						return produced, fmt.Errorf("%w: %v", ErrShortRead, err)
					}
					frame.IncrementSize(uint32(length))
					frame.NumSamples++
				} else if err := r.f.Skip(int64(length)); err != nil {
					return produced, err
				}
			default:
				if err := r.f.Skip(int64(length)); err != nil {
					return produced, err
				}
			}

			cpNumRead += int64(length)
		}
		if size != 0 && cpNumRead != size {
			return produced, fmt.Errorf("%w: read content package size (0x%x) does not match "+
				"size in index (0x%x) at file position 0x%x",
				ErrIndexMismatch, cpNumRead, size, r.f.Tell())
		}

		if size == 0 {
			essenceOffset, err := r.chunks.EssenceOffset(cpFilePosition)
			if err != nil {
				return produced, err
			}
			if err := r.index.UpdateIndex(r.position, essenceOffset, cpNumRead); err != nil {
				return produced, err
			}
		}

		// complete the package's frames and push them
		var temporalOffset, keyFrameOffset int8
		var flags uint8
		if r.index.HaveEditUnit(r.position) {
			temporalOffset, keyFrameOffset, flags = r.index.EditUnitMetadata(r.position)
		}
		for idx, frame := range r.trackFrames {
			if frame == nil {
				continue
			}
			if i == 0 {
				frame.FirstSampleOffset = firstSampleOffset
			}
			frame.TemporalOffset = temporalOffset
			frame.KeyFrameOffset = keyFrameOffset
			frame.Flags = flags
			r.frameMeta.InsertFrameMetadata(frame, r.tracks[idx].Number)
			r.tracks[idx].Buffer.PushFrame(frame)
			r.trackFrames[idx] = nil
		}

		r.position++
		produced++
	}

	return produced, nil
}

func (r *Reader) getEditUnit(position int64) (filePosition, size int64, err error) {
	offset, size, err := r.index.GetEditUnit(position)
	if err != nil {
		return 0, 0, err
	}
	filePosition, err = r.chunks.FilePositionSpan(offset, size)
	if err != nil {
		return 0, 0, err
	}
	return filePosition, size, nil
}

// getEditUnitGroup returns the largest run of contiguous edit units
// starting at position, at most maxSamples long. It binary searches
// the index: the file positions of a contiguous run step by exactly
// the constant edit unit size.
func (r *Reader) getEditUnitGroup(position int64, maxSamples uint32) (filePosition, size int64, numSamples uint32, err error) {
	if maxSamples == 0 {
		return 0, 0, 0, fmt.Errorf("%w: edit unit group of zero samples", ErrBadArgument)
	}

	if !r.index.HaveConstantEditUnitSize() || maxSamples == 1 {
		filePosition, size, err = r.getEditUnit(position)
		return filePosition, size, 1, err
	}

	firstFilePosition, firstSize, err := r.getEditUnit(position)
	if err != nil {
		return 0, 0, 0, err
	}
	editUnitSize := r.index.EditUnitSize()

	// first <= left <= right <= last, with first to left contiguous
	left := uint32(1)
	right := maxSamples
	last := maxSamples

	for right != left {
		rightFilePosition, rightSize, err := r.getEditUnit(position + int64(right) - 1)
		if err != nil {
			return 0, 0, 0, err
		}
		if rightSize != editUnitSize {
			return 0, 0, 0, fmt.Errorf("%w: edit unit %d size %d breaks the constant size %d",
				ErrMalformed, position+int64(right)-1, rightSize, editUnitSize)
		}

		expected := firstFilePosition + editUnitSize*int64(right-1)
		switch {
		case rightFilePosition > expected:
			// first to right is not contiguous, try halfway between
			// left and right (round down)
			last = right
			right = (left + right) / 2
		case rightFilePosition == expected:
			// first to right is contiguous, try halfway between
			// right and last (round up)
			left = right
			right = (right + last + 1) / 2
		default:
			return 0, 0, 0, fmt.Errorf("%w: edit unit %d file position moved backwards",
				ErrMalformed, position+int64(right)-1)
		}
	}

	return firstFilePosition, firstSize * int64(left), left, nil
}

// seekEssence positions the file at the start of basePosition's
// content package. With forRead false the seek stays lazy when the
// position is not yet indexed. Any failure resets the lookahead so
// the next call re-walks from a safe anchor.
func (r *Reader) seekEssence(basePosition int64, forRead bool) error {
	if err := r.doSeekEssence(basePosition, forRead); err != nil {
		r.resetState()
		return err
	}
	return nil
}

func (r *Reader) doSeekEssence(basePosition int64, forRead bool) error {
	if basePosition < 0 {
		return fmt.Errorf("%w: negative base position %d", ErrBadArgument, basePosition)
	}

	if r.atCPStart && basePosition == r.basePosition {
		return nil
	}

	// if the file position is known then seek straight to it
	if filePosition, ok := r.indexedFilePosition(basePosition); ok {
		if err := r.f.Seek(filePosition); err != nil {
			return err
		}
		r.setContentPackageStart(basePosition, filePosition, true)
		return nil
	}

	if r.chunks.IsComplete() && r.index.IsComplete() {
		return fmt.Errorf("%w: edit unit %d beyond the indexed essence", ErrNotFound, basePosition)
	}
	if !forRead {
		return nil
	}

	// position the file at the start of the first or last known
	// content package
	if r.basePosition < 0 {
		if err := r.seekContentPackageStart(); err != nil {
			return err
		}
		r.setContentPackageStart(0, -1, false)
	} else if r.basePosition < r.lastKnownBasePosition {
		if r.lastKnownBasePosition > basePosition {
			return fmt.Errorf("%w: restart anchor %d is past the target %d",
				ErrBadArgument, r.lastKnownBasePosition, basePosition)
		}
		if err := r.f.Seek(r.lastKnownFilePosition); err != nil {
			return err
		}
		r.setContentPackageStart(r.lastKnownBasePosition, r.lastKnownFilePosition, true)
	}

	// read forward until the requested position or fail
	for r.basePosition < basePosition {
		_, llen, length, err := r.readFirstEssenceKL()
		if err != nil {
			return err
		}
		cpNumRead := int64(klv.KeyLen) + int64(llen) + int64(length)
		nextFilePosition := r.filePosition
		nextBasePosition := r.basePosition

		if r.basePosition < basePosition {
			if err := r.f.Skip(int64(length)); err != nil {
				return err
			}
			r.resetState()
			for {
				_, llen2, length2, ok, err := r.readNonFirstEssenceKL()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				cpNumRead += int64(klv.KeyLen) + int64(llen2) + int64(length2)
				if err := r.f.Skip(int64(length2)); err != nil {
					return err
				}
			}

			essenceOffset, err := r.chunks.EssenceOffset(nextFilePosition)
			if err != nil {
				return err
			}
			if err := r.index.UpdateIndex(nextBasePosition, essenceOffset, cpNumRead); err != nil {
				return err
			}
		}
	}

	return nil
}

// indexedFilePosition resolves a base position to a file position via
// the index table and chunk index, reporting whether both mappings
// are known.
func (r *Reader) indexedFilePosition(basePosition int64) (int64, bool) {
	if !r.index.HaveEditUnitOffset(basePosition) {
		return 0, false
	}
	essenceOffset := r.index.EditUnitOffset(basePosition)
	if !r.chunks.HaveFilePosition(essenceOffset) {
		return 0, false
	}
	filePosition, err := r.chunks.FilePosition(essenceOffset)
	if err != nil {
		return 0, false
	}
	return filePosition, true
}

// setContentPackageStart records the new content package position.
// With posAtKey false the package's first KL has already been
// consumed into the lookahead and the file position is adjusted back
// over it.
func (r *Reader) setContentPackageStart(basePosition, filePosition int64, posAtKey bool) {
	r.basePosition = basePosition
	r.filePosition = filePosition
	if r.filePosition < 0 {
		r.filePosition = r.f.Tell()
	}
	if !r.clipWrapped && !posAtKey && r.nextKL != nil {
		r.filePosition -= int64(klv.KeyLen) + int64(r.nextKL.llen)
	}

	if r.basePosition > r.lastKnownBasePosition {
		r.lastKnownBasePosition = r.basePosition
		r.lastKnownFilePosition = r.filePosition
		if !r.chunks.IsComplete() {
			r.chunks.UpdateLastChunk(r.filePosition, false)
		}
	}

	if posAtKey {
		r.nextKL = nil
	}
	r.atCPStart = true
}

// readEssenceKL reads the next KL of the current content package.
// ok is false when the package has ended at the next package's start
// key or a partition pack.
func (r *Reader) readEssenceKL(firstElement bool) (key klv.Key, llen uint8, length uint64, ok bool, err error) {
	if firstElement {
		key, llen, length, err = r.readFirstEssenceKL()
		if err != nil {
			return klv.NullKey, 0, 0, false, err
		}
		r.resetState()
		return key, llen, length, true, nil
	}
	return r.readNonFirstEssenceKL()
}

// readFirstEssenceKL returns the KL of a content package's first
// essence element, walking to the package start first if needed. The
// KL stays in the lookahead until consumed.
func (r *Reader) readFirstEssenceKL() (klv.Key, uint8, uint64, error) {
	key, llen, length, err := r.doReadFirstEssenceKL()
	if err != nil {
		r.resetState()
		return klv.NullKey, 0, 0, err
	}
	return key, llen, length, nil
}

func (r *Reader) doReadFirstEssenceKL() (klv.Key, uint8, uint64, error) {
	if !r.atCPStart {
		if err := r.seekContentPackageStart(); err != nil {
			return klv.NullKey, 0, 0, err
		}
		r.setContentPackageStart(r.basePosition+1, -1, false)
	} else if r.nextKL == nil {
		key, llen, length, err := r.f.ReadKL()
		if err != nil {
			return klv.NullKey, 0, 0, err
		}
		if r.essenceStartKey == klv.NullKey {
			r.essenceStartKey = key
		} else if key != r.essenceStartKey {
			return klv.NullKey, 0, 0, fmt.Errorf("%w: first element in content package has key %s, expected %s",
				ErrStartKeyMismatch, key, r.essenceStartKey)
		}
		r.nextKL = &lookaheadKL{key: key, llen: llen, length: length}
	}
	// else the first element's KL has already been read

	return r.nextKL.key, r.nextKL.llen, r.nextKL.length, nil
}

// readNonFirstEssenceKL reads the KL of a subsequent element in the
// current package. It returns ok false, with the KL stashed in the
// lookahead, when the next package or partition has started.
func (r *Reader) readNonFirstEssenceKL() (key klv.Key, llen uint8, length uint64, ok bool, err error) {
	key, llen, length, ok, err = r.doReadNonFirstEssenceKL()
	if err != nil {
		r.resetState()
		return klv.NullKey, 0, 0, false, err
	}
	return key, llen, length, ok, nil
}

func (r *Reader) doReadNonFirstEssenceKL() (klv.Key, uint8, uint64, bool, error) {
	if r.nextKL != nil || r.atCPStart {
		return klv.NullKey, 0, 0, false, fmt.Errorf("%w: lookahead held mid package", ErrBadArgument)
	}

	key, llen, length, err := r.f.ReadKL()
	if err != nil {
		return klv.NullKey, 0, 0, false, err
	}

	// the KL belongs to the next content package or the next
	// partition has started
	if key == r.essenceStartKey {
		r.nextKL = &lookaheadKL{key: key, llen: llen, length: length}
		r.setContentPackageStart(r.basePosition+1, -1, false)
		return klv.NullKey, 0, 0, false, nil
	}
	if klv.IsPartitionPack(key) {
		r.chunks.UpdateLastChunk(r.f.Tell()-int64(klv.KeyLen)-int64(llen), true)
		if !r.haveFooter && klv.IsFooterPartitionPack(key) {
			r.setHaveFooter()
		}
		r.nextKL = &lookaheadKL{key: key, llen: llen, length: length}
		return klv.NullKey, 0, 0, false, nil
	}

	return key, llen, length, true, nil
}

// seekContentPackageStart advances the cursor, which may be at a
// partition pack, header metadata, index segment or junk, to the byte
// before the next content package's first essence KL. The KL is left
// in the lookahead.
func (r *Reader) seekContentPackageStart() error {
	haveStartKey := r.essenceStartKey != klv.NullKey

	if r.nextKL != nil && klv.IsPartitionPack(r.nextKL.key) {
		if r.fileIsComplete {
			if err := r.f.Skip(int64(r.nextKL.length)); err != nil {
				return err
			}
		} else if err := r.readNextPartition(r.nextKL.key, r.nextKL.llen, r.nextKL.length); err != nil {
			return err
		}
	}
	r.nextKL = nil

	var partitionID int
	if r.fileIsComplete {
		partitionID = r.getPartitionID(r.f.Tell())
	} else {
		partitionID = len(r.f.Partitions()) - 1
	}
	if partitionID < 0 || partitionID >= len(r.f.Partitions()) {
		return fmt.Errorf("%w: no partitions known at file position 0x%x", ErrMalformed, r.f.Tell())
	}
	partition := r.f.Partitions()[partitionID]

	for {
		key, llen, length, err := r.f.ReadNextNonFillerKL()
		if err != nil {
			return err
		}
		klLen := int64(klv.KeyLen) + int64(llen)

		switch {
		case klv.IsPartitionPack(key):
			if r.fileIsComplete {
				if err := r.f.Skip(int64(length)); err != nil {
					return err
				}
				partitionID = r.getPartitionID(r.f.Tell())
			} else {
				if partition.BodySID == r.bodySID {
					r.chunks.UpdateLastChunk(r.f.Tell()-klLen, true)
				}
				if err := r.readNextPartition(key, llen, length); err != nil {
					return err
				}
				partitionID++
			}
			partition = r.f.Partitions()[partitionID]

		case klv.IsHeaderMetadata(key):
			if partition.HeaderByteCount > klLen+int64(length) {
				err = r.f.Skip(partition.HeaderByteCount - klLen)
			} else {
				err = r.f.Skip(int64(length))
			}
			if err != nil {
				return err
			}

		case klv.IsIndexTableSegment(key):
			if !r.index.IsComplete() && partition.IndexSID == r.indexSID {
				if err := r.index.ReadIndexTableSegment(r.f, length); err != nil {
					return err
				}
			} else {
				if partition.IndexByteCount > klLen+int64(length) {
					err = r.f.Skip(partition.IndexByteCount - klLen)
				} else {
					err = r.f.Skip(int64(length))
				}
				if err != nil {
					return err
				}
			}

		case partition.BodySID == r.bodySID &&
			((haveStartKey && key == r.essenceStartKey) ||
				(!haveStartKey && (klv.IsGCEssenceElement(key) || klv.IsAvidEssenceElement(key)))):
			if r.clipWrapped {
				// check whether this is the target essence
				// container; skip and continue if not
				if r.trackByNumber[klv.TrackNumber(key)] == nil {
					if err := r.f.Skip(int64(length)); err != nil {
						return err
					}
					continue
				}
				if !r.chunks.IsComplete() {
					if err := r.chunks.AppendChunk(partitionID, partition, r.f.Tell(), llen, int64(length)); err != nil {
						return err
					}
				}
			} else if !r.chunks.IsComplete() &&
				r.chunks.NumIndexedPartitions() < len(r.f.Partitions()) {
				if err := r.chunks.AppendChunk(partitionID, partition, r.f.Tell(), llen, int64(length)); err != nil {
					return err
				}
			}
			if !haveStartKey {
				r.essenceStartKey = key
			}

			r.nextKL = &lookaheadKL{key: key, llen: llen, length: length}
			return nil

		default:
			if !r.fileIsComplete && klv.IsRandomIndexPack(key) {
				if !r.haveFooter {
					return fmt.Errorf("%w: encountered a random index pack before a footer partition pack",
						ErrMalformed)
				}
				r.setFileIsComplete()
				if err := r.f.Skip(int64(length)); err != nil {
					return err
				}
				return errEndOfEssence
			}
			if err := r.f.Skip(int64(length)); err != nil {
				return err
			}
		}
	}
}

// getPartitionID finds the partition containing filePosition, scanning
// forward from the previous hit.
func (r *Reader) getPartitionID(filePosition int64) int {
	if filePosition < r.previousFilePosition {
		r.previousPartitionID = 0
		r.previousFilePosition = 0
	}

	partitions := r.f.Partitions()
	i := r.previousPartitionID
	for ; i < len(partitions); i++ {
		if partitions[i].ThisPartition > filePosition {
			break
		}
	}
	if i > 0 {
		i--
	}

	r.previousFilePosition = filePosition
	r.previousPartitionID = i

	return i
}

// readNextPartition appends the partition pack the cursor has just
// read the KL of, fixing up a ThisPartition that disagrees with the
// physical position and handling footer completion.
func (r *Reader) readNextPartition(key klv.Key, llen uint8, length uint64) error {
	partitionPos := r.f.Tell() - int64(klv.KeyLen) - int64(llen)
	partitions := r.f.Partitions()
	if partitionPos < 0 ||
		(len(partitions) > 0 && partitions[len(partitions)-1].ThisPartition >= partitionPos) {
		return fmt.Errorf("%w: partition pack at 0x%x not after the previous partition",
			ErrMalformed, partitionPos)
	}

	partition, err := r.f.ReadNextPartition(key, length)
	if err != nil {
		return err
	}

	if partition.ThisPartition != partitionPos {
		readerLog.Warnf("updating (in-memory) partition property ThisPartition %d to actual file position %d",
			partition.ThisPartition, partitionPos)
		partition.SetThisPartition(partitionPos)
	}

	if !r.haveFooter && partition.IsFooter() {
		r.setHaveFooter()
		if partition.IndexByteCount == 0 {
			r.setFileIsComplete()
		}
	}

	return nil
}

func (r *Reader) setHaveFooter() {
	r.haveFooter = true
	r.chunks.SetIsComplete()
	r.index.SetEssenceDataSize(r.chunks.EssenceDataSize())
}

func (r *Reader) setFileIsComplete() {
	if !r.haveFooter {
		r.setHaveFooter()
	}
	r.fileIsComplete = true
	r.index.SetIsComplete()

	// clamp the read window to the now known duration
	r.SetReadLimits(r.readStartPosition, r.readDuration)
}

func (r *Reader) resetState() {
	r.nextKL = nil
	r.atCPStart = false
}
