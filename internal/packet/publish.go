package packet

import (
	"github.com/dynamq/dynamq/internal/errs"
	"github.com/dynamq/dynamq/internal/topic"
)

// PublishPacket is a parsed PUBLISH control packet.
type PublishPacket struct {
	Dup      bool
	QoS      QoSLevel
	Retain   bool
	Topic    string
	PacketID uint16 // zero for QoS 0
	Payload  []byte
}

func (pp *PublishPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &errs.Err{Context: "Publish", Message: errs.ErrInvalidPublishPacket}
	}

	flags := raw[0] & 0x0F
	pp.Dup = flags&0x08 != 0
	pp.QoS = QoSLevel((flags & 0x06) >> 1)
	pp.Retain = flags&0x01 != 0

	if pp.QoS > QoSExactlyOnce {
		return &errs.Err{Context: "Publish, QoS", Message: errs.ErrInvalidQoSLevel}
	}
	if pp.QoS == QoSAtMostOnce && pp.Dup {
		return &errs.Err{Context: "Publish, Dup", Message: errs.ErrInvalidDUPFlag}
	}

	remainingLength, lenOffset, err := parseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+lenOffset+remainingLength {
		return &errs.Err{Context: "Publish, Packet Length", Message: errs.ErrInvalidPacketLength}
	}
	if remainingLength > MaxPayloadSize {
		return &errs.Err{Context: "Publish, Packet Length", Message: errs.ErrPayloadTooLarge}
	}
	offset := 1 + lenOffset

	topicName, n, err := decodeString(raw[offset:])
	if err != nil {
		return &errs.Err{Context: "Publish, Topic", Message: errs.ErrInvalidPublishPacket}
	}
	pp.Topic = topicName
	offset += n

	if err := topic.ValidateName(pp.Topic); err != nil {
		return err
	}

	if pp.QoS != QoSAtMostOnce {
		if offset+2 > len(raw) {
			return &errs.Err{Context: "Publish, PacketID", Message: errs.ErrMissingPacketID}
		}
		pp.PacketID = uint16(raw[offset])<<8 | uint16(raw[offset+1])
		if pp.PacketID == 0 {
			return &errs.Err{Context: "Publish, PacketID", Message: errs.ErrInvalidPacketID}
		}
		offset += 2
	}

	pp.Payload = append([]byte(nil), raw[offset:]...)
	return nil
}

// Encode builds a complete PUBLISH packet.
func (pp *PublishPacket) Encode() []byte {
	var flags byte
	if pp.Dup {
		flags |= 0x08
	}
	flags |= byte(pp.QoS) << 1
	if pp.Retain {
		flags |= 0x01
	}

	body := encodeString(pp.Topic)
	if pp.QoS != QoSAtMostOnce {
		body = append(body, encodePacketID(pp.PacketID)...)
	}
	body = append(body, pp.Payload...)

	out := make([]byte, 0, 2+len(body))
	out = append(out, byte(PUBLISH)|flags)
	out = append(out, encodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}
