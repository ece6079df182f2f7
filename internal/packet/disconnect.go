package packet

import "github.com/dynamq/dynamq/internal/errs"

// DisconnectPacket is a parsed DISCONNECT control packet (no payload).
type DisconnectPacket struct{}

func (d *DisconnectPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &errs.Err{Context: "Disconnect", Message: errs.ErrInvalidDisconnectPacket}
	}
	if raw[0]&0x0F != 0x00 {
		return &errs.Err{Context: "Disconnect, Flags", Message: errs.ErrInvalidDisconnectPacket}
	}
	if raw[1] != 0x00 {
		return &errs.Err{Context: "Disconnect, Length", Message: errs.ErrInvalidDisconnectPacket}
	}
	return nil
}
