package klv

import (
	"encoding/binary"
	"fmt"
)

// Key is a 16 byte SMPTE universal label.
type Key [16]byte

// NullKey is the all zero key, used as the "no key" value.
var NullKey = Key{}

// smpte is the fixed 4 byte prefix every UL starts with.
var smpte = [4]byte{0x06, 0x0e, 0x2b, 0x34}

// KeyFromBytes copies the first 16 bytes of b into a Key.
func KeyFromBytes(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

// String returns the key in the dotted universal label format,
// e.g. "060e2b34.02050101.0d010201.01020400".
func (k Key) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x%02x.%02x%02x%02x%02x",
		k[0], k[1], k[2], k[3], k[4], k[5], k[6], k[7],
		k[8], k[9], k[10], k[11], k[12], k[13], k[14], k[15])
}

// isPartitionFamily matches the pack keys that share the partition
// prefix 060e2b34.0205 01xx.0d010201.01 - the partition packs, the
// primer pack and the random index pack. Byte 7 is the version byte
// and is ignored.
func isPartitionFamily(k Key) bool {
	return k[0] == smpte[0] && k[1] == smpte[1] && k[2] == smpte[2] && k[3] == smpte[3] &&
		k[4] == 0x02 && k[5] == 0x05 && k[6] == 0x01 &&
		k[8] == 0x0d && k[9] == 0x01 && k[10] == 0x02 && k[11] == 0x01 && k[12] == 0x01
}

// IsPartitionPack reports whether the key is a header, body or footer
// partition pack key.
func IsPartitionPack(k Key) bool {
	return isPartitionFamily(k) && k[13] >= 0x02 && k[13] <= 0x04
}

// IsFooterPartitionPack reports whether the key is a footer partition
// pack key.
func IsFooterPartitionPack(k Key) bool {
	return isPartitionFamily(k) && k[13] == 0x04
}

// IsPrimerPack reports whether the key is the primer pack key that
// starts a partition's header metadata.
func IsPrimerPack(k Key) bool {
	return isPartitionFamily(k) && k[13] == 0x05
}

// IsRandomIndexPack reports whether the key is the random index pack
// key found at the end of a complete file.
func IsRandomIndexPack(k Key) bool {
	return isPartitionFamily(k) && k[13] == 0x11
}

// IsIndexTableSegment reports whether the key is an index table
// segment set key.
func IsIndexTableSegment(k Key) bool {
	return k[0] == smpte[0] && k[1] == smpte[1] && k[2] == smpte[2] && k[3] == smpte[3] &&
		k[4] == 0x02 && k[5] == 0x53 && k[6] == 0x01 &&
		k[8] == 0x0d && k[9] == 0x01 && k[10] == 0x02 && k[11] == 0x01 &&
		k[12] == 0x01 && k[13] == 0x10
}

// IsHeaderMetadata reports whether the key belongs to a partition's
// header metadata: the primer pack or any metadata local set. Index
// table segments are excluded even though they share the local set
// registry byte.
func IsHeaderMetadata(k Key) bool {
	if IsPrimerPack(k) {
		return true
	}
	if IsIndexTableSegment(k) {
		return false
	}
	return k[0] == smpte[0] && k[1] == smpte[1] && k[2] == smpte[2] && k[3] == smpte[3] &&
		k[4] == 0x02 && k[5] == 0x53
}

// IsFiller reports whether the key is a KLV fill item to be skipped.
// The three registry versions the teacher files carry are all matched.
func IsFiller(k Key) bool {
	return k[0] == smpte[0] && k[1] == smpte[1] && k[2] == smpte[2] && k[3] == smpte[3] &&
		(k[4] == 0x01 || k[4] == 0x02) && k[5] <= 0x02 && k[6] == 0x01 &&
		k[8] == 0x03 && k[9] == 0x01 && k[10] == 0x02 && k[11] == 0x10 &&
		k[12] == 0x01 && k[13] == 0x00
}

// IsGCEssenceElement reports whether the key is a generic container
// essence element. The last four bytes are the track number.
func IsGCEssenceElement(k Key) bool {
	return k[0] == smpte[0] && k[1] == smpte[1] && k[2] == smpte[2] && k[3] == smpte[3] &&
		k[4] == 0x01 && k[5] == 0x02 && k[6] == 0x01 &&
		k[8] == 0x0d && k[9] == 0x01 && k[10] == 0x03 && k[11] == 0x01
}

// IsAvidEssenceElement reports whether the key is an Avid essence
// element, which uses its own item designator in place of the generic
// container one.
func IsAvidEssenceElement(k Key) bool {
	return k[0] == smpte[0] && k[1] == smpte[1] && k[2] == smpte[2] && k[3] == smpte[3] &&
		k[4] == 0x01 && k[5] == 0x02 && k[6] == 0x01 &&
		k[8] == 0x0e && k[9] == 0x04 && k[10] == 0x03 && k[11] == 0x01
}

// IsSystemItem reports whether the key is a content package system
// item (CP or GC variants).
func IsSystemItem(k Key) bool {
	return IsGCEssenceElement(k) && (k[12] == 0x04 || k[12] == 0x14)
}

// TrackNumber returns the track number carried in the last four bytes
// of an essence element key.
func TrackNumber(k Key) uint32 {
	return binary.BigEndian.Uint32(k[12:16])
}
