package essence

import (
	"github.com/google/uuid"
	"github.com/metarex-media/mxf-reader/klv"
)

// SystemMetadata is the parsed content of a content package's system
// item, attached to every frame assembled from that package.
type SystemMetadata struct {
	// Rate is the raw system pack rate byte.
	Rate byte
	// Timecode is the raw SMPTE 12M timecode words when present.
	Timecode [8]byte
	HaveTimecode bool
	// MaterialNumber is the UUID half of the package UMID when
	// present.
	MaterialNumber uuid.UUID
	HaveUMID       bool
}

// FrameMetadataReader recognises the non essence KLVs embedded in a
// content package, consumes their values and hands the parsed
// metadata to each frame pushed from the package.
type FrameMetadataReader struct {
	f       *klv.File
	current *SystemMetadata
}

// NewFrameMetadataReader returns a reader pulling values from f.
func NewFrameMetadataReader(f *klv.File) *FrameMetadataReader {
	return &FrameMetadataReader{f: f}
}

// Reset discards metadata from the previous content package. Called
// at the start of every Read.
func (r *FrameMetadataReader) Reset() {
	r.current = nil
}

// ProcessFrameMetadata inspects one KL inside a content package. If
// the key is a system item the value is consumed and parsed and true
// is returned; otherwise the cursor is untouched.
func (r *FrameMetadataReader) ProcessFrameMetadata(key klv.Key, length uint64) (bool, error) {
	if !klv.IsSystemItem(key) {
		return false, nil
	}

	value := make([]byte, length)
	if _, err := r.f.Read(value); err != nil {
		return false, err
	}
	r.current = parseSystemPack(value)
	return true, nil
}

// InsertFrameMetadata attaches the package's metadata to a frame.
func (r *FrameMetadataReader) InsertFrameMetadata(frame *Frame, trackNumber uint32) {
	if r.current == nil || frame == nil {
		return
	}
	meta := *r.current
	frame.Metadata = &meta
}

// parseSystemPack decodes the system metadata pack of SMPTE 331:
// bitmap, rate and type bytes, then the optional timecode and UMID
// blocks the bitmap flags declare.
func parseSystemPack(value []byte) *SystemMetadata {
	meta := &SystemMetadata{}
	if len(value) < 7 {
		return meta
	}

	bitmap := value[0]
	meta.Rate = value[1]

	// fixed part: bitmap, rate, type, channel handle (2), continuity
	// count (2)
	pos := 7

	// SMPTE UL follows when the metadata flag is set
	if bitmap&0x20 != 0 {
		pos += 16
	}

	// creation date / timecode block
	if bitmap&0x10 != 0 && pos+17 <= len(value) {
		copy(meta.Timecode[:], value[pos+1:pos+9])
		meta.HaveTimecode = true
		pos += 17
	}

	// user date / UMID block: 32 byte basic UMID, material number in
	// the final 16 bytes
	if bitmap&0x08 != 0 && pos+32 <= len(value) {
		material, err := uuid.FromBytes(value[pos+16 : pos+32])
		if err == nil {
			meta.MaterialNumber = material
			meta.HaveUMID = true
		}
		pos += 32
	}

	return meta
}
