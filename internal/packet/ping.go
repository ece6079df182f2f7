package packet

import "github.com/dynamq/dynamq/internal/errs"

// PingreqPacket is a parsed PINGREQ control packet (no payload).
type PingreqPacket struct{}

func (p *PingreqPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &errs.Err{Context: "Pingreq", Message: errs.ErrInvalidPingreqPacket}
	}
	if raw[0]&0x0F != 0x00 {
		return &errs.Err{Context: "Pingreq, Flags", Message: errs.ErrInvalidPingreqFlags}
	}
	if raw[1] != 0x00 {
		return &errs.Err{Context: "Pingreq, Length", Message: errs.ErrInvalidPingreqLength}
	}
	return nil
}

// EncodePingresp builds a complete PINGRESP packet.
func EncodePingresp() []byte {
	return []byte{byte(PINGRESP), 0x00}
}
