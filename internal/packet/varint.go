package packet

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/dynamq/dynamq/internal/errs"
)

// encodeRemainingLength encodes length using MQTT's 1-4 byte
// variable-length integer encoding.
func encodeRemainingLength(length int) []byte {
	if length < 0 {
		return []byte{0}
	}

	var encoded []byte
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		encoded = append(encoded, b)
		if length == 0 || len(encoded) >= 4 {
			break
		}
	}
	return encoded
}

// parseRemainingLength decodes the variable-length remaining-length field
// starting at data[0], returning the length, the number of bytes consumed,
// and any error.
func parseRemainingLength(data []byte) (int, int, error) {
	var length, multiplier, offset int
	multiplier = 1

	for {
		if offset >= len(data) {
			return 0, 0, &errs.Err{Context: "packet.parseRemainingLength", Message: errs.ErrShortBuffer}
		}
		if offset >= 4 {
			return 0, 0, &errs.Err{Context: "packet.parseRemainingLength", Message: errs.ErrRemainingLengthExceed}
		}

		b := data[offset]
		length += int(b&0x7F) * multiplier
		if length > MaxPayloadSize {
			return 0, 0, &errs.Err{Context: "packet.parseRemainingLength", Message: errs.ErrRemainingLengthExceed}
		}

		multiplier *= 128
		offset++

		if b&0x80 == 0 {
			break
		}
	}

	return length, offset, nil
}

// decodeString parses a 2-byte-length-prefixed UTF-8 string from b,
// returning the string and the number of bytes consumed (2+len).
func decodeString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, &errs.Err{Context: "packet.decodeString", Message: errs.ErrShortString}
	}

	length := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+length {
		return "", 0, &errs.Err{Context: "packet.decodeString", Message: errs.ErrRemainingLenMismatch}
	}

	s := string(b[2 : 2+length])
	if !utf8.ValidString(s) {
		return "", 0, &errs.Err{Context: "packet.decodeString", Message: errs.ErrInvalidUTF8String}
	}

	return s, 2 + length, nil
}

// encodeString encodes s with a 2-byte big-endian length prefix.
func encodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func encodePacketID(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}
