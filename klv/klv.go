// Package klv handles the KLV layer of an MXF file: BER lengths, key
// predicates, a channel based stream decoder for linear passes and a
// seekable File for the essence reader.
package klv

import (
	"context"
	"fmt"
	"io"

	"github.com/metarex-media/mxf-reader/stream"
	"golang.org/x/sync/errgroup"
)

// KLV is a single key length value triple pulled off a stream.
type KLV struct {
	Key    []byte
	Length []byte
	Value  []byte

	// LengthValue caches the decoded BER length so it is not
	// redecoded by every consumer.
	LengthValue int
}

// TotalLength returns the full byte count of the triple.
func (k *KLV) TotalLength() int {
	return len(k.Key) + len(k.Length) + len(k.Value)
}

// StartKLVStream breaks the reader into a stream of KLV triples on
// klvStream. It returns when the reader is drained or either stage
// fails.
func StartKLVStream(fStream io.Reader, klvStream chan *KLV, size int) error {

	bufferStream := make(chan *stream.Packet, size)

	errs, _ := errgroup.WithContext(context.Background())

	// initiate the stream of packets
	errs.Go(func() error {
		return stream.BufferManager(fStream, bufferStream, size)
	})

	// decode the packets to their klv values
	errs.Go(func() error {
		return klvDecode(bufferStream, klvStream)
	})

	return errs.Wait()
}

func klvDecode(buffer chan *stream.Packet, klvOut chan *KLV) error {

	defer close(klvOut)

	packet, streamOpen := <-buffer
	if !streamOpen {
		return fmt.Errorf("empty data stream")
	}

	contents := streamer{partStream: packet.Packet, buffer: buffer, streamOpen: streamOpen}
	position := 0

	for contents.streamOpen {

		section := KLV{Value: []byte{}}

		keyBytes, err := contents.bridger(&position, KeyLen)
		if err != nil {
			return err
		}
		section.Key = keyBytes

		berLen := 1 + berExtraLength(contents.partStream[position])
		lengthBytes, err := contents.bridger(&position, berLen)
		if err != nil {
			return err
		}
		section.Length = lengthBytes

		valueLength, _ := BerDecode(section.Length)
		section.LengthValue = valueLength

		valueBytes, err := contents.bridger(&position, valueLength)
		if err != nil {
			return err
		}
		section.Value = valueBytes

		klvOut <- &section
	}

	return nil
}

// streamer tracks a position across the packet boundaries of the
// buffered stream.
type streamer struct {
	partStream []byte
	buffer     chan *stream.Packet
	streamOpen bool
}

// bridger reads bridgeSize bytes, pulling in the next packet whenever
// the current one runs out.
func (s *streamer) bridger(positionPoint *int, bridgeSize int) ([]byte, error) {
	position := *positionPoint
	remain := bridgeSize
	bridged := []byte{}

	endPosition := position + bridgeSize
	if endPosition > len(s.partStream) {
		endPosition = len(s.partStream)
	}

	for remain > 0 {
		bridged = append(bridged, s.partStream[position:endPosition:endPosition]...)

		remain -= endPosition - position
		if endPosition == len(s.partStream) {
			position = 0
			endPosition = remain
			packet, streamOpen := <-s.buffer
			s.streamOpen = streamOpen
			if !streamOpen {
				if remain != 0 {
					return bridged, fmt.Errorf("buffer stream closed, was expecting at least %v more bytes", remain)
				}
				return bridged, nil
			}

			s.partStream = packet.Packet
			if endPosition > len(s.partStream) {
				endPosition = len(s.partStream)
			}
		} else {
			position = endPosition
		}
	}

	*positionPoint = position
	return bridged, nil
}

// berExtraLength returns how many value bytes follow a BER identifier
// byte. Short form lengths have none.
func berExtraLength(length byte) int {
	if length < 0x80 {
		return 0
	}

	return int(0x0f & length)
}

// BerDecode decodes BER encoded lengths up to 9 bytes long including
// the identifier byte. It returns the length and how many bytes the
// encoding used.
func BerDecode(num []byte) (length int, encodeLength int) {

	if len(num) == 0 {
		return 0, 0
	}
	// mxf does not exceed a BER length of 9,
	// 1 identifier byte and up to 8 value bytes
	start := num[0]
	if start < 0x80 {
		return int(start), 1
	}

	// take the 4 lsb for the byte count
	count := 0x0f & start
	if count > 8 {
		return 0, 0
	}

	if int(count) > len(num)-1 {
		count = uint8(len(num) - 1)
	}

	complete := make([]byte, 8)
	position := 7
	for proxy := int(count); proxy > 0; proxy-- {
		complete[position] = num[proxy]
		position--
	}

	return int(order.Uint64(complete)), int(count + 1)
}
