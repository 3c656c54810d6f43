package stream

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGoodStream(t *testing.T) {

	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i % 256)
	}

	bufferStream := make(chan *Packet, 10)
	var got []byte
	done := make(chan struct{})
	go func() {
		for packet := range bufferStream {
			got = append(got, packet.Packet...)
		}
		close(done)
	}()

	bufferErr := BufferManager(bytes.NewReader(data), bufferStream, 10)
	<-done

	Convey("Checking the buffer manager forwards a stream unchanged", t, func() {
		Convey("using 2048 bytes of patterned data", func() {
			Convey("No error is returned and the bytes round trip", func() {
				So(bufferErr, ShouldBeNil)
				So(got, ShouldResemble, data)
			})
		})
	})
}

func TestEmptyStream(t *testing.T) {

	bufferStream := make(chan *Packet, 1)
	bufferErr := BufferManager(bytes.NewReader(nil), bufferStream, 10)
	_, open := <-bufferStream

	Convey("Checking an empty stream closes the channel cleanly", t, func() {
		Convey("using an empty reader", func() {
			Convey("No error is returned and the channel is closed", func() {
				So(bufferErr, ShouldBeNil)
				So(open, ShouldBeFalse)
			})
		})
	})
}
