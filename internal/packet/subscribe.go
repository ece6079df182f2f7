package packet

import (
	"github.com/dynamq/dynamq/internal/errs"
	"github.com/dynamq/dynamq/internal/topic"
)

// SubscriptionRequest is one (filter, requested qos) pair in a SUBSCRIBE.
type SubscriptionRequest struct {
	Filter string
	QoS    QoSLevel
}

// SubscribePacket is a parsed SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []SubscriptionRequest
}

func (sp *SubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &errs.Err{Context: "Subscribe", Message: errs.ErrInvalidSubscribePacket}
	}
	if raw[0]&0x0F != 0x02 {
		return &errs.Err{Context: "Subscribe, Flags", Message: errs.ErrInvalidSubscribeFlags}
	}

	remainingLength, lenOffset, err := parseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+lenOffset+remainingLength {
		return &errs.Err{Context: "Subscribe, Packet Length", Message: errs.ErrInvalidPacketLength}
	}
	offset := 1 + lenOffset

	if offset+2 > len(raw) {
		return &errs.Err{Context: "Subscribe, PacketID", Message: errs.ErrMissingPacketID}
	}
	sp.PacketID = uint16(raw[offset])<<8 | uint16(raw[offset+1])
	if sp.PacketID == 0 {
		return &errs.Err{Context: "Subscribe, PacketID", Message: errs.ErrInvalidPacketID}
	}
	offset += 2

	if offset >= len(raw) {
		return &errs.Err{Context: "Subscribe, Filters", Message: errs.ErrNoTopicFilters}
	}

	for offset < len(raw) {
		filter, n, err := decodeString(raw[offset:])
		if err != nil {
			return &errs.Err{Context: "Subscribe, Filter", Message: errs.ErrInvalidSubscribePacket}
		}
		offset += n

		if err := topic.ValidateFilter(filter); err != nil {
			return err
		}

		if offset >= len(raw) {
			return &errs.Err{Context: "Subscribe, QoS", Message: errs.ErrMissingQoSByte}
		}
		qosByte := raw[offset]
		offset++

		if qosByte&0xFC != 0 {
			return &errs.Err{Context: "Subscribe, QoS", Message: errs.ErrInvalidQoSReservedBits}
		}
		qos := QoSLevel(qosByte)
		if qos > QoSExactlyOnce {
			return &errs.Err{Context: "Subscribe, QoS", Message: errs.ErrInvalidQoSLevel}
		}

		sp.Subscriptions = append(sp.Subscriptions, SubscriptionRequest{Filter: filter, QoS: qos})
	}

	if len(sp.Subscriptions) == 0 {
		return &errs.Err{Context: "Subscribe, Filters", Message: errs.ErrNoTopicFilters}
	}

	return nil
}

// SubackReturnCode is a per-filter SUBACK result.
type SubackReturnCode byte

const (
	SubackMaxQoS0 SubackReturnCode = 0x00
	SubackMaxQoS1 SubackReturnCode = 0x01
	SubackMaxQoS2 SubackReturnCode = 0x02
	SubackFailure SubackReturnCode = 0x80
)

// EncodeSuback builds a complete SUBACK packet.
func EncodeSuback(packetID uint16, codes []SubackReturnCode) []byte {
	body := encodePacketID(packetID)
	for _, c := range codes {
		body = append(body, byte(c))
	}

	out := make([]byte, 0, 2+len(body))
	out = append(out, byte(SUBACK))
	out = append(out, encodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}
