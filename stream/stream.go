// Package stream pumps a reader into fixed size packets for the
// channel based KLV decoder.
package stream

import (
	"bufio"
	"fmt"
	"io"
)

// Packet is one buffered slice of the source, tagged with its order
// in the stream.
type Packet struct {
	Packet   []byte
	Position int
}

// BufferManager reads the stream into packets on bufferStream until
// the source is drained. size divides the 100MB working budget into
// the individual packet size.
func BufferManager(stream io.Reader, bufferStream chan *Packet, size int) error {

	sizer := 104857600 / size

	bufReader := bufio.NewReaderSize(stream, sizer)

	count := 0
	for {
		bufferPacket := make([]byte, sizer)
		bufFill, err := bufReader.Read(bufferPacket)

		if err != nil {
			close(bufferStream)
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("error reading and buffering data %w", err)
		}

		// send only the bytes that were filled, a half full
		// buffer still goes out
		bufferStream <- &Packet{Position: count, Packet: bufferPacket[:bufFill]}

		count++
	}
}
