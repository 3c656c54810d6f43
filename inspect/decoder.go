package inspect

import (
	"encoding/binary"
	"fmt"

	"github.com/metarex-media/mxf-reader/klv"

	mxf2go "github.com/metarex-media/mxf-to-go"
)

var order = binary.BigEndian

type keyLengthDecode struct {
	keyLen, lengthLen int
	lengthFunc        func([]byte) (int, int)
	keyFunc           func([]byte) (string, int)
}

func oneNameKL(namebytes []byte) (string, int) {
	if len(namebytes) != 1 {
		return "", 0
	}

	return fmt.Sprintf("%02x", namebytes[0:1:1]), 1
}

func twoNameKL(namebytes []byte) (string, int) {
	if len(namebytes) != 2 {
		return "", 0
	}

	return fmt.Sprintf("%04x", namebytes[0:2:2]), 2
}

func twoLengthKL(lengthbytes []byte) (int, int) {
	if len(lengthbytes) != 2 {
		return 0, 0
	}

	return int(order.Uint16(lengthbytes[0:2:2])), 2
}

func fullNameKL(namebytes []byte) (string, int) {
	if len(namebytes) != 16 {
		return "", 0
	}

	return klv.KeyFromBytes(namebytes).String(), 16
}

// decodeBuilder generates the key and length decoders for a set from
// byte 5 of its universal label, per the smpte 336 coding methods.
// skip is true when the coding is not one the report decodes.
func decodeBuilder(key uint8) (keyLengthDecode, bool) {
	var decodeOption keyLengthDecode
	var skip bool
	lenField := key >> 4
	keyField := key & 0b00001111

	switch lenField {
	case 0, 1:
		decodeOption.lengthLen = 16
		decodeOption.lengthFunc = klv.BerDecode
	case 4, 5:
		decodeOption.lengthLen = 2
		decodeOption.lengthFunc = twoLengthKL
	default:
		skip = true
	}

	switch lenField%2 + keyField {
	case 0, 1, 2, 0xB:
		decodeOption.keyFunc = fullNameKL
		decodeOption.keyLen = 16
	case 4:
		decodeOption.keyFunc = twoNameKL
		decodeOption.keyLen = 2
	case 3:
		decodeOption.keyFunc = oneNameKL
		decodeOption.keyLen = 1
	default:
		skip = true
	}

	return decodeOption, skip
}

// primerUnpack fills the shorthand map from a primer pack value,
// mapping each two byte local tag to the full universal label.
func primerUnpack(input []byte, shorthand map[string]string) {
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
		short := fmt.Sprintf("%04x", input[offset:offset+2])
		shorthand[short] = fullName(input[offset+2 : offset+18])
		offset += int(length)
	}
}

func fullName(namebytes []byte) string {
	if len(namebytes) != 16 {
		return ""
	}
	return klv.KeyFromBytes(namebytes).String()
}

// indexUnpack decodes an index table segment into a map of its
// properties, resolving local tags through the primer and falling
// back to the register shorthand.
func indexUnpack(indexTable *klv.KLV, primer map[string]string) (map[string]any, error) {

	decodeStructure, skip := decodeBuilder(indexTable.Key[5])
	if skip {
		return nil, fmt.Errorf("unsupported index table coding 0x%02x", indexTable.Key[5])
	}

	index := make(map[string]any)
	key := 0
	decoders := mxf2go.GIndexTableSegment
	for key < len(indexTable.Value) {
		newKey, keyLength := decodeStructure.keyFunc(indexTable.Value[key : key+decodeStructure.keyLen : key+decodeStructure.keyLen])
		length, sizeLength := decodeStructure.lengthFunc(indexTable.Value[key+keyLength : key+keyLength+decodeStructure.keyLen : key+keyLength+decodeStructure.keyLen])

		fullUL, okUL := primer[newKey]
		target := "urn:smpte:ul:" + fullUL
		if !okUL {
			// search the default register if the primer is lacking
			target = mxf2go.ShortHandLookUp[newKey]
		}

		decodeMethod, ok := decoders[target]
		if ok {
			res, _ := decodeMethod.Decode(indexTable.Value[key+keyLength+sizeLength : key+keyLength+sizeLength+length])
			index[decodeMethod.UL] = res
		}

		key += sizeLength + keyLength + length
	}

	// the raw entry array dwarfs the rest of the report
	delete(index, "IndexEntryArray")

	return index, nil
}
