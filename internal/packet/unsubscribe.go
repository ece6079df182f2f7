package packet

import (
	"github.com/dynamq/dynamq/internal/errs"
	"github.com/dynamq/dynamq/internal/topic"
)

// UnsubscribePacket is a parsed UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID uint16
	Filters  []string
}

func (up *UnsubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &errs.Err{Context: "Unsubscribe", Message: errs.ErrInvalidUnsubscribePacket}
	}
	if raw[0]&0x0F != 0x02 {
		return &errs.Err{Context: "Unsubscribe, Flags", Message: errs.ErrInvalidUnsubscribeFlags}
	}

	remainingLength, lenOffset, err := parseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+lenOffset+remainingLength {
		return &errs.Err{Context: "Unsubscribe, Packet Length", Message: errs.ErrInvalidPacketLength}
	}
	offset := 1 + lenOffset

	if offset+2 > len(raw) {
		return &errs.Err{Context: "Unsubscribe, PacketID", Message: errs.ErrMissingPacketID}
	}
	up.PacketID = uint16(raw[offset])<<8 | uint16(raw[offset+1])
	if up.PacketID == 0 {
		return &errs.Err{Context: "Unsubscribe, PacketID", Message: errs.ErrInvalidPacketID}
	}
	offset += 2

	if offset >= len(raw) {
		return &errs.Err{Context: "Unsubscribe, Filters", Message: errs.ErrNoTopicFilters}
	}

	for offset < len(raw) {
		filter, n, err := decodeString(raw[offset:])
		if err != nil {
			return &errs.Err{Context: "Unsubscribe, Filter", Message: errs.ErrInvalidUnsubscribePacket}
		}
		offset += n

		if err := topic.ValidateFilter(filter); err != nil {
			return err
		}

		up.Filters = append(up.Filters, filter)
	}

	if len(up.Filters) == 0 {
		return &errs.Err{Context: "Unsubscribe, Filters", Message: errs.ErrNoTopicFilters}
	}

	return nil
}

// EncodeUnsuback builds a complete UNSUBACK packet.
func EncodeUnsuback(packetID uint16) []byte {
	out := []byte{byte(UNSUBACK)}
	out = append(out, encodeRemainingLength(2)...)
	out = append(out, encodePacketID(packetID)...)
	return out
}
