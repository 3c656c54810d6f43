package klv

import (
	"bytes"
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBerDecode(t *testing.T) {

	lengths := [][]byte{
		{0x05},
		{0x7f},
		{0x81, 0x80},
		{0x82, 0x01, 0x00},
		{0x83, 0x01, 0x00, 0x00},
		{0x88, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00},
	}
	expectedLengths := []int{5, 127, 128, 256, 65536, 256}
	expectedEncodes := []int{1, 1, 2, 3, 4, 9}

	for i, length := range lengths {
		decoded, encodeLength := BerDecode(length)

		Convey("Checking BER lengths decode to their value and byte count", t, func() {
			Convey(fmt.Sprintf("using % 02x as the encoded length", length), func() {
				Convey(fmt.Sprintf("The length is %v over %v bytes", expectedLengths[i], expectedEncodes[i]), func() {
					So(decoded, ShouldEqual, expectedLengths[i])
					So(encodeLength, ShouldEqual, expectedEncodes[i])
				})
			})
		})
	}

	Convey("Checking invalid BER lengths decode to zero", t, func() {
		Convey("using an empty slice and a 9+ byte count", func() {
			Convey("Both decode as 0,0", func() {
				zeroLength, zeroEncode := BerDecode([]byte{})
				So(zeroLength, ShouldEqual, 0)
				So(zeroEncode, ShouldEqual, 0)
				badLength, badEncode := BerDecode([]byte{0x89})
				So(badLength, ShouldEqual, 0)
				So(badEncode, ShouldEqual, 0)
			})
		})
	})
}

func TestKLVStream(t *testing.T) {

	// three small KLVs with two byte BER lengths
	var data []byte
	key := Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x15, 0x01, 0x05, 0x01}
	valueSizes := []int{40, 500, 7}
	for i, size := range valueSizes {
		data = append(data, key[:]...)
		data = append(data, 0x82, byte(size>>8), byte(size))
		value := make([]byte, size)
		for j := range value {
			value[j] = byte(i)
		}
		data = append(data, value...)
	}

	klvChan := make(chan *KLV, 10)
	var got []*KLV
	done := make(chan struct{})
	go func() {
		for item := range klvChan {
			got = append(got, item)
		}
		close(done)
	}()

	streamErr := StartKLVStream(bytes.NewReader(data), klvChan, 10)
	<-done

	Convey("Checking a byte stream decodes to its KLV triples", t, func() {
		Convey("using three generated essence KLVs as the stream", func() {
			Convey("No error is returned and the three values round trip", func() {
				So(streamErr, ShouldBeNil)
				So(len(got), ShouldEqual, 3)
				for i, item := range got {
					So(item.Key, ShouldResemble, key[:])
					So(item.LengthValue, ShouldEqual, valueSizes[i])
					So(len(item.Value), ShouldEqual, valueSizes[i])
				}
			})
		})
	})
}

func TestBadStream(t *testing.T) {

	// a stream that ends mid value
	key := Key{0x06, 0x0e, 0x2b, 0x34, 0x01, 0x02, 0x01, 0x01, 0x0d, 0x01, 0x03, 0x01, 0x15, 0x01, 0x05, 0x01}
	data := append([]byte{}, key[:]...)
	data = append(data, 0x82, 0x01, 0x00)
	data = append(data, make([]byte, 100)...)

	klvChan := make(chan *KLV, 10)
	go func() {
		for range klvChan {
		}
	}()

	streamErr := StartKLVStream(bytes.NewReader(data), klvChan, 10)

	Convey("Checking a truncated stream returns an error", t, func() {
		Convey("using a KLV whose value is cut short", func() {
			Convey("The buffer closure error is returned", func() {
				So(streamErr, ShouldNotBeNil)
				So(streamErr.Error(), ShouldContainSubstring, "was expecting at least")
			})
		})
	})
}
