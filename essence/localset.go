package essence

import (
	"encoding/binary"
	"fmt"
)

var order = binary.BigEndian

// localTag is one item of a metadata local set: a two byte tag with
// its raw value bytes.
type localTag struct {
	tag   uint16
	value []byte
}

// walkLocalSet splits a local set value into its tagged items. Tags
// and lengths are both two bytes in the sets the reader parses.
func walkLocalSet(value []byte) ([]localTag, error) {
	var tags []localTag
	pos := 0
	for pos < len(value) {
		if pos+4 > len(value) {
			return nil, fmt.Errorf("%w: truncated local set item at byte %d", ErrMalformed, pos)
		}
		tag := order.Uint16(value[pos : pos+2 : pos+2])
		length := int(order.Uint16(value[pos+2 : pos+4 : pos+4]))
		if pos+4+length > len(value) {
			return nil, fmt.Errorf("%w: local set item 0x%04x overruns the set", ErrMalformed, tag)
		}
		tags = append(tags, localTag{tag: tag, value: value[pos+4 : pos+4+length : pos+4+length]})
		pos += 4 + length
	}
	return tags, nil
}

// primerUnpack fills the shorthand map from a primer pack value,
// mapping each two byte local tag to its full universal label string.
func primerUnpack(input []byte, shorthand map[uint16]string) {
	if len(input) < 8 {
		return
	}
	count := order.Uint32(input[0:4])
	length := order.Uint32(input[4:8])
	if length < 18 {
		return
	}

	offset := 8
	for i := uint32(0); i < count; i++ {
		if offset+18 > len(input) {
			return
		}
		tag := order.Uint16(input[offset : offset+2])
		shorthand[tag] = ulString(input[offset+2 : offset+18])
		offset += int(length)
	}
}

func ulString(namebytes []byte) string {
	if len(namebytes) != 16 {
		return ""
	}

	return fmt.Sprintf("%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x%02x",
		namebytes[0], namebytes[1], namebytes[2], namebytes[3], namebytes[4], namebytes[5], namebytes[6], namebytes[7],
		namebytes[8], namebytes[9], namebytes[10], namebytes[11], namebytes[12], namebytes[13], namebytes[14], namebytes[15])
}
