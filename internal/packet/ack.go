package packet

import "github.com/dynamq/dynamq/internal/errs"

// PubAckPacket acknowledges a QoS 1 PUBLISH.
type PubAckPacket struct {
	PacketID uint16
}

func (p *PubAckPacket) Parse(raw []byte) error {
	return parseAckBody(raw, &p.PacketID, "PubAck", errs.ErrInvalidPublishPacket)
}

func (p *PubAckPacket) Encode() []byte {
	return encodeAck(PUBACK, p.PacketID)
}

// PubRecPacket is the first step of the QoS 2 release handshake.
type PubRecPacket struct {
	PacketID uint16
}

func (p *PubRecPacket) Parse(raw []byte) error {
	return parseAckBody(raw, &p.PacketID, "PubRec", errs.ErrInvalidPublishPacket)
}

func (p *PubRecPacket) Encode() []byte {
	return encodeAck(PUBREC, p.PacketID)
}

// PubRelPacket is the second step of the QoS 2 release handshake.
type PubRelPacket struct {
	PacketID uint16
}

func (p *PubRelPacket) Parse(raw []byte) error {
	return parseAckBody(raw, &p.PacketID, "PubRel", errs.ErrInvalidPublishPacket)
}

func (p *PubRelPacket) Encode() []byte {
	out := []byte{byte(PUBREL) | 0x02}
	out = append(out, encodeRemainingLength(2)...)
	out = append(out, encodePacketID(p.PacketID)...)
	return out
}

// PubCompPacket completes the QoS 2 release handshake.
type PubCompPacket struct {
	PacketID uint16
}

func (p *PubCompPacket) Parse(raw []byte) error {
	return parseAckBody(raw, &p.PacketID, "PubComp", errs.ErrInvalidPublishPacket)
}

func (p *PubCompPacket) Encode() []byte {
	return encodeAck(PUBCOMP, p.PacketID)
}

func parseAckBody(raw []byte, id *uint16, ctx string, sentinel error) error {
	if len(raw) < 4 {
		return &errs.Err{Context: ctx, Message: sentinel}
	}

	remainingLength, lenOffset, err := parseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if remainingLength != 2 || len(raw) != 1+lenOffset+remainingLength {
		return &errs.Err{Context: ctx, Message: errs.ErrInvalidPacketLength}
	}

	offset := 1 + lenOffset
	*id = uint16(raw[offset])<<8 | uint16(raw[offset+1])
	if *id == 0 {
		return &errs.Err{Context: ctx, Message: errs.ErrInvalidPacketID}
	}
	return nil
}

func encodeAck(t PacketType, id uint16) []byte {
	out := []byte{byte(t)}
	out = append(out, encodeRemainingLength(2)...)
	out = append(out, encodePacketID(id)...)
	return out
}
