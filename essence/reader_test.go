package essence

import (
	"bytes"
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/metarex-media/mxf-reader/klv"
)

func openComplete(t *testing.T, data []byte, cfg Config) *Reader {
	t.Helper()
	f := klv.NewFile(bytes.NewReader(data))
	if err := f.ScanPartitions(); err != nil {
		t.Fatalf("scanning partitions: %v", err)
	}
	cfg.FileIsComplete = true
	reader, err := NewReader(f, cfg)
	if err != nil {
		t.Fatalf("building the reader: %v", err)
	}
	return reader
}

func pictureTrack() *Track {
	return &Track{Number: klv.TrackNumber(gcPictureKey), Enabled: true, IsPicture: true}
}

func popAll(track *Track) []*Frame {
	var frames []*Frame
	for {
		frame := track.Buffer.PopFrame()
		if frame == nil {
			return frames
		}
		frames = append(frames, frame)
	}
}

func TestLinearFrameWrappedRead(t *testing.T) {
	g := NewWithT(t)

	data, sizes := buildFrameWrappedComplete(100, 50)
	track := pictureTrack()
	reader := openComplete(t, data, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})

	g.Expect(reader.IsComplete()).To(BeTrue())
	g.Expect(reader.ReadDuration()).To(Equal(int64(100)))

	reader.SetReadLimits(0, 100)

	first, err := reader.Read(10)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(first).To(Equal(uint32(10)))

	second, err := reader.Read(90)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(second).To(Equal(uint32(90)))
	g.Expect(reader.Position()).To(Equal(int64(100)))

	frames := popAll(track)
	g.Expect(frames).To(HaveLen(100))
	g.Expect(frames[99].ECPosition).To(Equal(int64(99)))
	for i, frame := range frames {
		g.Expect(frame.ECPosition).To(Equal(int64(i)))
		g.Expect(frame.Size()).To(Equal(sizes[i]))
		g.Expect(frame.NumSamples).To(Equal(uint32(1)))
		g.Expect(frame.Bytes()[0]).To(Equal(byte(i)))
	}
}

func TestOutOfWindowRead(t *testing.T) {
	g := NewWithT(t)

	data, _ := buildFrameWrappedComplete(100, 50)
	track := pictureTrack()
	reader := openComplete(t, data, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})

	reader.SetReadLimits(10, 5)
	g.Expect(reader.ReadStartPosition()).To(Equal(int64(10)))
	g.Expect(reader.ReadDuration()).To(Equal(int64(5)))

	produced, err := reader.Read(20)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(5)))
	g.Expect(reader.Position()).To(Equal(int64(20)))

	frames := popAll(track)
	g.Expect(frames).To(HaveLen(5))
	for i, frame := range frames {
		g.Expect(frame.ECPosition).To(Equal(int64(10 + i)))
	}

	// entirely outside the window costs no I/O and still advances
	produced, err = reader.Read(30)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(0)))
	g.Expect(reader.Position()).To(Equal(int64(50)))
}

func TestPreRollRead(t *testing.T) {
	g := NewWithT(t)

	data, _ := buildFrameWrappedComplete(100, 50)
	track := pictureTrack()
	reader := openComplete(t, data, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})

	reader.SetReadLimits(0, 100)
	g.Expect(reader.Seek(-3)).ShouldNot(HaveOccurred())
	g.Expect(reader.Position()).To(Equal(int64(-3)))

	produced, err := reader.Read(10)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(7)))
	g.Expect(reader.Position()).To(Equal(int64(7)))

	frames := popAll(track)
	g.Expect(frames).To(HaveLen(7))
	g.Expect(frames[0].FirstSampleOffset).To(Equal(uint32(3)))
	g.Expect(frames[0].ECPosition).To(Equal(int64(0)))
}

func TestPositionAdvancesBySum(t *testing.T) {
	g := NewWithT(t)

	data, _ := buildFrameWrappedComplete(20, 10)
	track := pictureTrack()
	reader := openComplete(t, data, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})
	reader.SetReadLimits(5, 10)

	total := int64(0)
	for _, n := range []uint32{3, 7, 11, 2, 40} {
		_, err := reader.Read(n)
		g.Expect(err).ShouldNot(HaveOccurred())
		total += int64(n)
		g.Expect(reader.Position()).To(Equal(total))
	}
}

// countingReadSeeker counts the physical read calls a clip wrapped
// read issues.
type countingReadSeeker struct {
	*bytes.Reader
	reads int
}

func (c *countingReadSeeker) Read(p []byte) (int, error) {
	c.reads++
	return c.Reader.Read(p)
}

func TestClipWrappedCoalescedRead(t *testing.T) {
	g := NewWithT(t)

	// 48kHz pcm at 25fps, 2 channels of 16 bits: 1920 samples of 4
	// bytes per edit unit
	const editUnitSize = 1920 * 4
	value := make([]byte, 50*editUnitSize)
	for i := range value {
		value[i] = byte(i / editUnitSize)
	}
	data := buildClipWrappedComplete(gcSoundClipKey, value)

	src := &countingReadSeeker{Reader: bytes.NewReader(data)}
	f := klv.NewFile(src)
	g.Expect(f.ScanPartitions()).ShouldNot(HaveOccurred())

	track := &Track{Number: klv.TrackNumber(gcSoundClipKey), Enabled: true}
	reader, err := NewReader(f, Config{
		BodySID:     1,
		ClipWrapped: true,
		EditRate:    Rational{25, 1},
		Tracks:      []*Track{track},
		Descriptor: &Descriptor{
			Kind:         KindSound,
			SamplingRate: Rational{48000, 1},
			ChannelCount: 2,
			BlockAlign:   4,
		},
		FileIsComplete: true,
	})
	g.Expect(err).ShouldNot(HaveOccurred())

	g.Expect(reader.IsComplete()).To(BeTrue())
	g.Expect(reader.ReadDuration()).To(Equal(int64(50)))

	reader.SetReadLimits(0, 50)
	src.reads = 0

	produced, err := reader.Read(50)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(50)))

	frame := track.Buffer.PopFrame()
	g.Expect(frame).ShouldNot(BeNil())
	g.Expect(frame.NumSamples).To(Equal(uint32(50)))
	g.Expect(frame.Size()).To(Equal(50 * editUnitSize))
	g.Expect(frame.Bytes()).To(Equal(value))

	// a fully contiguous clip coalesces into a single physical read
	g.Expect(src.reads).To(BeNumerically("<=", 2))
}

func TestClipWrappedSplitChunks(t *testing.T) {
	g := NewWithT(t)

	// 4 samples of 2 bytes per edit unit
	const editUnitSize = 8
	first := make([]byte, 30*editUnitSize)
	second := make([]byte, 20*editUnitSize)
	for i := range first {
		first[i] = byte(i % 251)
	}
	for i := range second {
		second[i] = byte((i + 101) % 251)
	}
	data := buildClipWrappedSplit(gcSoundClipKey, first, second)

	track := &Track{Number: klv.TrackNumber(gcSoundClipKey), Enabled: true}
	reader := openComplete(t, data, Config{
		BodySID:     1,
		ClipWrapped: true,
		EditRate:    Rational{25, 1},
		Tracks:      []*Track{track},
		Descriptor: &Descriptor{
			Kind:         KindSound,
			SamplingRate: Rational{100, 1},
			BlockAlign:   2,
		},
	})

	g.Expect(reader.ReadDuration()).To(Equal(int64(50)))
	reader.SetReadLimits(0, 50)

	produced, err := reader.Read(50)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(50)))

	frame := track.Buffer.PopFrame()
	g.Expect(frame).ShouldNot(BeNil())
	g.Expect(frame.NumSamples).To(Equal(uint32(50)))
	g.Expect(frame.Bytes()).To(Equal(append(append([]byte{}, first...), second...)))
}

func TestClipWrappedImagePadding(t *testing.T) {
	g := NewWithT(t)

	const frameSize = 1024
	value := make([]byte, 3*frameSize)
	for i := range value {
		value[i] = byte(i % 253)
	}
	data := buildClipWrappedComplete(gcPictureKey, value)

	track := &Track{Number: klv.TrackNumber(gcPictureKey), Enabled: true, IsPicture: true}
	reader := openComplete(t, data, Config{
		BodySID:     1,
		ClipWrapped: true,
		EditRate:    Rational{25, 1},
		Tracks:      []*Track{track},
		Descriptor: &Descriptor{
			Kind:             KindPicture,
			FrameSampleSize:  frameSize,
			ImageStartOffset: 8,
			ImageEndOffset:   16,
		},
	})

	reader.SetReadLimits(0, 3)
	produced, err := reader.Read(1)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(1)))

	frame := track.Buffer.PopFrame()
	g.Expect(frame).ShouldNot(BeNil())
	g.Expect(frame.Size()).To(Equal(frameSize - 8 - 16))
	g.Expect(frame.Bytes()).To(Equal(value[8 : frameSize-16]))

	// file position still addresses the full stored frame
	entry := IndexEntryExt{}
	have, err := reader.GetIndexEntry(&entry, 0)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(have).To(BeTrue())
	g.Expect(frame.FilePosition).To(Equal(entry.FileOffset))
}

func TestClipWrappedAvidFirstFrameOffset(t *testing.T) {
	g := NewWithT(t)

	const frameSize = 1024
	const firstFrameOffset = 512
	value := make([]byte, firstFrameOffset+2*frameSize)
	for i := range value {
		value[i] = byte(i % 247)
	}
	data := buildClipWrappedComplete(gcPictureKey, value)

	track := &Track{Number: klv.TrackNumber(gcPictureKey), Enabled: true, IsPicture: true}
	reader := openComplete(t, data, Config{
		BodySID:     1,
		ClipWrapped: true,
		EditRate:    Rational{25, 1},
		Tracks:      []*Track{track},
		Descriptor: &Descriptor{
			Kind:             KindPicture,
			FrameSampleSize:  frameSize,
			FirstFrameOffset: firstFrameOffset,
		},
	})

	g.Expect(reader.ReadDuration()).To(Equal(int64(2)))

	reader.SetReadLimits(0, 2)
	produced, err := reader.Read(1)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(1)))

	frame := track.Buffer.PopFrame()
	g.Expect(frame).ShouldNot(BeNil())
	g.Expect(frame.Bytes()).To(Equal(value[firstFrameOffset : firstFrameOffset+frameSize]))
}

func TestStartKeyMismatch(t *testing.T) {
	g := NewWithT(t)

	sizes := []int{64, 64}
	offsets := unitOffsets(sizes)

	b := &mxfBuilder{}
	b.partition(headerPartitionKey, 0, 0, 0, 0, 0)
	b.partition(bodyPartitionKey, 0, 0, 0, 0, 1)
	b.essenceUnit(gcPictureKey, sizes[0], 0)
	b.essenceUnit(altPictureKey, sizes[1], 1)
	segment := indexSegmentValue(Rational{25, 1}, 0, 2, offsets)
	b.partition(footerPartitionKey, 0, int64(klHeaderLen+len(segment)), 1, 0, 0)
	b.klv(indexSegmentKey, segment)
	b.klv(ripKey, make([]byte, 28))

	track := pictureTrack()
	reader := openComplete(t, b.data, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})
	reader.SetReadLimits(0, 2)

	_, err := reader.Read(2)
	g.Expect(err).Should(HaveOccurred())
	g.Expect(errors.Is(err, ErrStartKeyMismatch)).To(BeTrue())
}

func TestGrowingFileRead(t *testing.T) {
	g := NewWithT(t)

	sizes := unitSizes(8)
	offsets := unitOffsets(sizes)

	// phase one: essence in the header partition, no footer yet
	b := &mxfBuilder{}
	b.partition(headerPartitionKey, 0, 0, 0, 0, 1)
	for i := 0; i < 8; i++ {
		b.essenceUnit(gcPictureKey, sizes[i], byte(i))
	}

	gf := &growingFile{data: append([]byte{}, b.data...)}
	f := klv.NewFile(gf)

	// the header partition is read on open
	key, _, length, err := f.ReadKL()
	g.Expect(err).ShouldNot(HaveOccurred())
	_, err = f.ReadNextPartition(key, length)
	g.Expect(err).ShouldNot(HaveOccurred())

	track := pictureTrack()
	reader, err := NewReader(f, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(reader.IsComplete()).To(BeFalse())

	produced, err := reader.Read(5)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(5)))
	g.Expect(reader.Position()).To(Equal(int64(5)))

	frames := popAll(track)
	g.Expect(frames).To(HaveLen(5))
	for i, frame := range frames {
		g.Expect(frame.Size()).To(Equal(sizes[i]))
	}

	// phase two: the writer finalises the file
	tail := &mxfBuilder{}
	segment := indexSegmentValue(Rational{25, 1}, 0, 8, offsets)
	tail.partition(footerPartitionKey, 0, int64(klHeaderLen+len(segment)), 1, 0, 0)
	tail.klv(indexSegmentKey, segment)
	tail.klv(ripKey, make([]byte, 28))
	gf.append(tail.data)

	produced, err = reader.Read(5)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(3)))
	g.Expect(reader.Position()).To(Equal(int64(10)))

	g.Expect(reader.IsComplete()).To(BeTrue())
	g.Expect(reader.ReadDuration()).To(Equal(int64(8)))

	frames = popAll(track)
	g.Expect(frames).To(HaveLen(3))
	g.Expect(frames[2].ECPosition).To(Equal(int64(7)))

	// a further read is fully outside the clamped window
	produced, err = reader.Read(4)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(produced).To(Equal(uint32(0)))
	g.Expect(reader.Position()).To(Equal(int64(14)))
}

func TestRandomIndexPackBeforeFooter(t *testing.T) {
	g := NewWithT(t)

	sizes := []int{64}
	b := &mxfBuilder{}
	b.partition(headerPartitionKey, 0, 0, 0, 0, 1)
	b.essenceUnit(gcPictureKey, sizes[0], 0)
	b.partition(bodyPartitionKey, 0, 0, 0, int64(klHeaderLen+sizes[0]), 1)
	b.klv(ripKey, make([]byte, 16))

	gf := &growingFile{data: b.data}
	f := klv.NewFile(gf)
	key, _, length, err := f.ReadKL()
	g.Expect(err).ShouldNot(HaveOccurred())
	_, err = f.ReadNextPartition(key, length)
	g.Expect(err).ShouldNot(HaveOccurred())

	track := pictureTrack()
	reader, err := NewReader(f, Config{
		BodySID:  1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})
	g.Expect(err).ShouldNot(HaveOccurred())

	_, err = reader.Read(2)
	g.Expect(err).Should(HaveOccurred())
	g.Expect(errors.Is(err, ErrMalformed)).To(BeTrue())
}

func TestGetIndexEntry(t *testing.T) {
	g := NewWithT(t)

	data, sizes := buildFrameWrappedComplete(10, 5)
	track := pictureTrack()
	reader := openComplete(t, data, Config{
		BodySID:  1,
		IndexSID: 1,
		EditRate: Rational{25, 1},
		Tracks:   []*Track{track},
	})

	entry := IndexEntryExt{}
	have, err := reader.GetIndexEntry(&entry, 3)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(have).To(BeTrue())
	g.Expect(entry.EditUnitSize).To(Equal(int64(klHeaderLen + sizes[3])))
	g.Expect(entry.Flags).To(Equal(uint8(0x80)))

	have, err = reader.GetIndexEntry(&entry, 10)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(have).To(BeFalse())
}
