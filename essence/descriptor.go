package essence

import (
	"github.com/metarex-media/mxf-reader/klv"
	"github.com/metarex-media/mxf-reader/logger"
)

var descLog = logger.GetLogger("descriptor")

// EssenceKind is the closed picture/sound variant a file descriptor
// resolves to.
type EssenceKind int

const (
	KindUnknown EssenceKind = iota
	KindPicture
	KindSound
)

// File descriptor set ids, byte 14 of the set key.
const (
	setGenericPicture = 0x27
	setCDCI           = 0x28
	setRGBA           = 0x29
	setMPEG2Video     = 0x51
	setGenericSound   = 0x42
	setWaveAudio      = 0x48
)

// Descriptor local tags used by the probe. The Avid extension items
// (first frame offset, frame sample size) have dynamic tags resolved
// through the primer.
const (
	tagSampleRate           = 0x3001
	tagStoredHeight         = 0x3202
	tagStoredWidth          = 0x3203
	tagFrameLayout          = 0x320c
	tagImageAlignment       = 0x3211
	tagImageStartOffset     = 0x3213
	tagImageEndOffset       = 0x3214
	tagAudioSamplingRate    = 0x3d03
	tagChannelCount         = 0x3d07
	tagQuantizationBits     = 0x3d01
	tagBlockAlign           = 0x3d0a
	tagAvgBytesPerSecond    = 0x3d09
	tagPictureEssenceCoding = 0x3201
)

// Avid extension item labels, resolved from the primer's dynamic
// tags.
const (
	ulAvidFirstFrameOffset = "060e2b34.01010101.0e040101.01010400"
	ulAvidFrameSampleSize  = "060e2b34.01010101.0e040101.01010500"
)

// Descriptor is the probe's view of the first file descriptor found
// in the header metadata: just the numeric properties the reader
// needs to position and size edit units.
type Descriptor struct {
	Kind       EssenceKind
	SampleRate Rational

	// picture
	StoredWidth      uint32
	StoredHeight     uint32
	FrameLayout      uint8
	ImageAlignment   uint32
	ImageStartOffset uint32
	ImageEndOffset   uint32
	FirstFrameOffset int32
	FrameSampleSize  uint32

	// sound
	SamplingRate     Rational
	ChannelCount     uint32
	QuantizationBits uint32
	BlockAlign       uint16
}

// SampleSize returns the byte size of one sample: the frame size for
// picture essence, the block alignment for sound.
func (d *Descriptor) SampleSize() uint32 {
	switch d.Kind {
	case KindPicture:
		return d.FrameSampleSize
	case KindSound:
		return uint32(d.BlockAlign)
	}
	return 0
}

// EditUnitSize derives a constant edit unit byte size at editRate,
// reporting false when none exists (variable bit rate pictures, non
// integral sound sample sequences).
func (d *Descriptor) EditUnitSize(editRate Rational) (uint32, bool) {
	switch d.Kind {
	case KindPicture:
		if d.FrameSampleSize > 0 {
			return d.FrameSampleSize, true
		}
	case KindSound:
		samples, constant := samplesPerEditUnit(editRate, d.SamplingRate)
		if constant && d.BlockAlign > 0 {
			return uint32(samples) * uint32(d.BlockAlign), true
		}
	}
	return 0, false
}

// PaddingOffsets returns the image start and end offsets, falling
// back to a derived end offset when only an alignment is declared.
// Avid uncompressed alpha files were found with ImageAlignmentOffset
// set but neither padding property.
func (d *Descriptor) PaddingOffsets() (start, end uint32) {
	start = d.ImageStartOffset
	end = d.ImageEndOffset
	if d.ImageAlignment > 1 && start == 0 && end == 0 && d.FrameSampleSize > 0 {
		end = (d.ImageAlignment - d.FrameSampleSize%d.ImageAlignment) % d.ImageAlignment
		if end != 0 {
			descLog.Warnf("file with a non-zero ImageAlignmentOffset is missing a non-zero "+
				"ImageStartOffset or ImageEndOffset, assuming ImageEndOffset %d", end)
		}
	}
	return start, end
}

// isFileDescriptorKey reports whether a header metadata set key is
// one of the file descriptors the probe understands, and which kind.
func isFileDescriptorKey(k klv.Key) (EssenceKind, bool) {
	if k[4] != 0x02 || k[5] != 0x53 ||
		k[8] != 0x0d || k[9] != 0x01 || k[10] != 0x01 || k[11] != 0x01 ||
		k[12] != 0x01 || k[13] != 0x01 {
		return KindUnknown, false
	}
	switch k[14] {
	case setGenericPicture, setCDCI, setRGBA, setMPEG2Video:
		return KindPicture, true
	case setGenericSound, setWaveAudio:
		return KindSound, true
	}
	return KindUnknown, false
}

// ProbeDescriptor walks the header metadata of partition and parses
// the first file descriptor into a Descriptor. It returns nil when
// the partition carries no descriptor.
func ProbeDescriptor(f *klv.File, partition *klv.Partition) (*Descriptor, error) {
	if err := f.Seek(partition.ThisPartition); err != nil {
		return nil, err
	}
	_, _, length, err := f.ReadKL()
	if err != nil {
		return nil, err
	}
	if err := f.Skip(int64(length)); err != nil {
		return nil, err
	}

	primer := make(map[uint16]string)
	var desc *Descriptor

	var consumed int64
	for consumed < partition.HeaderByteCount && !f.EOF() {
		key, llen, length, err := f.ReadNextNonFillerKL()
		if err != nil {
			return nil, err
		}
		consumed += int64(klv.KeyLen) + int64(llen) + int64(length)

		if klv.IsPartitionPack(key) || klv.IsIndexTableSegment(key) {
			break
		}

		if klv.IsPrimerPack(key) {
			value := make([]byte, length)
			if _, err := f.Read(value); err != nil {
				return nil, err
			}
			primerUnpack(value, primer)
			continue
		}

		kind, isDescriptor := isFileDescriptorKey(key)
		if !isDescriptor || desc != nil {
			if err := f.Skip(int64(length)); err != nil {
				return nil, err
			}
			continue
		}

		value := make([]byte, length)
		if _, err := f.Read(value); err != nil {
			return nil, err
		}
		desc, err = parseDescriptor(kind, value, primer)
		if err != nil {
			return nil, err
		}
	}

	return desc, nil
}

func parseDescriptor(kind EssenceKind, value []byte, primer map[uint16]string) (*Descriptor, error) {
	tags, err := walkLocalSet(value)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{Kind: kind}
	for _, item := range tags {
		switch item.tag {
		case tagSampleRate:
			if len(item.value) >= 8 {
				desc.SampleRate = Rational{
					Numerator:   int32(order.Uint32(item.value[0:4])),
					Denominator: int32(order.Uint32(item.value[4:8])),
				}
			}
		case tagStoredWidth:
			desc.StoredWidth = order.Uint32(item.value)
		case tagStoredHeight:
			desc.StoredHeight = order.Uint32(item.value)
		case tagFrameLayout:
			desc.FrameLayout = item.value[0]
		case tagImageAlignment:
			desc.ImageAlignment = order.Uint32(item.value)
		case tagImageStartOffset:
			desc.ImageStartOffset = order.Uint32(item.value)
		case tagImageEndOffset:
			desc.ImageEndOffset = order.Uint32(item.value)
		case tagAudioSamplingRate:
			if len(item.value) >= 8 {
				desc.SamplingRate = Rational{
					Numerator:   int32(order.Uint32(item.value[0:4])),
					Denominator: int32(order.Uint32(item.value[4:8])),
				}
			}
		case tagChannelCount:
			desc.ChannelCount = order.Uint32(item.value)
		case tagQuantizationBits:
			desc.QuantizationBits = order.Uint32(item.value)
		case tagBlockAlign:
			desc.BlockAlign = order.Uint16(item.value)
		default:
			// Avid extension properties arrive under dynamic tags
			switch primer[item.tag] {
			case ulAvidFirstFrameOffset:
				desc.FirstFrameOffset = int32(order.Uint32(item.value))
			case ulAvidFrameSampleSize:
				desc.FrameSampleSize = order.Uint32(item.value)
			}
		}
	}

	return desc, nil
}
