package essence

import (
	"bytes"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/google/uuid"
	"github.com/metarex-media/mxf-reader/klv"
)

func TestSystemItemMetadata(t *testing.T) {
	g := NewWithT(t)

	// system metadata pack with the timecode and UMID blocks present
	pack := make([]byte, 7)
	pack[0] = 0x10 | 0x08
	pack[1] = 0x02 // rate byte

	timecodeBlock := make([]byte, 17)
	copy(timecodeBlock[1:9], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	pack = append(pack, timecodeBlock...)

	material := uuid.MustParse("8c2b45ad-23ef-4c63-9e6b-0123456789ab")
	umid := make([]byte, 32)
	copy(umid[16:32], material[:])
	pack = append(pack, umid...)

	b := &mxfBuilder{}
	b.klv(gcSystemKey, pack)

	f := klv.NewFile(bytes.NewReader(b.data))
	key, _, length, err := f.ReadKL()
	g.Expect(err).ShouldNot(HaveOccurred())

	reader := NewFrameMetadataReader(f)
	processed, err := reader.ProcessFrameMetadata(key, length)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(processed).To(BeTrue())

	frame := NewFrame()
	reader.InsertFrameMetadata(frame, 0x15010501)

	g.Expect(frame.Metadata).ShouldNot(BeNil())
	g.Expect(frame.Metadata.Rate).To(Equal(byte(0x02)))
	g.Expect(frame.Metadata.HaveTimecode).To(BeTrue())
	g.Expect(frame.Metadata.Timecode).To(Equal([8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	g.Expect(frame.Metadata.HaveUMID).To(BeTrue())
	g.Expect(frame.Metadata.MaterialNumber).To(Equal(material))
}

func TestNonSystemKeysAreLeftAlone(t *testing.T) {
	g := NewWithT(t)

	b := &mxfBuilder{}
	b.essenceUnit(gcPictureKey, 32, 0xaa)

	f := klv.NewFile(bytes.NewReader(b.data))
	key, _, length, err := f.ReadKL()
	g.Expect(err).ShouldNot(HaveOccurred())
	valueStart := f.Tell()

	reader := NewFrameMetadataReader(f)
	processed, err := reader.ProcessFrameMetadata(key, length)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(processed).To(BeFalse())

	// the cursor is untouched for the essence path to consume
	g.Expect(f.Tell()).To(Equal(valueStart))

	reader.InsertFrameMetadata(NewFrame(), 0)
}

func TestFrameBufferFIFO(t *testing.T) {
	g := NewWithT(t)

	buffer := &FrameBuffer{}
	first := NewFrame()
	first.ECPosition = 1
	second := NewFrame()
	second.ECPosition = 2
	buffer.PushFrame(first)
	buffer.PushFrame(second)

	g.Expect(buffer.Len()).To(Equal(2))
	g.Expect(buffer.PopFrame().ECPosition).To(Equal(int64(1)))
	g.Expect(buffer.PopFrame().ECPosition).To(Equal(int64(2)))
	g.Expect(buffer.PopFrame()).To(BeNil())
}

func TestFrameGrowCommit(t *testing.T) {
	g := NewWithT(t)

	frame := NewFrame()
	g.Expect(frame.IsEmpty()).To(BeTrue())

	frame.Grow(8)
	copy(frame.BytesAvailable(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	frame.IncrementSize(8)

	frame.Grow(4)
	copy(frame.BytesAvailable(), []byte{9, 10, 11, 12})
	frame.IncrementSize(4)

	g.Expect(frame.IsEmpty()).To(BeFalse())
	g.Expect(frame.Size()).To(Equal(12))
	g.Expect(frame.Bytes()).To(Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}))
}
