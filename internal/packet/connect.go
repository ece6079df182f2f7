package packet

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/dynamq/dynamq/internal/errs"
)

// ConnectPacket is a parsed CONNECT control packet.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       QoSLevel
	WillFlag      bool
	CleanSession  bool
	KeepAlive     uint16

	ClientID    string
	WillTopic   string
	WillMessage string
	Username    string
	Password    string

	Raw []byte
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 {
		return &errs.Err{Context: "Connect", Message: errs.ErrInvalidConnPacket}
	}
	if PacketType(raw[0]&0xF0) != CONNECT {
		return &errs.Err{Context: "Connect", Message: errs.ErrInvalidConnPacket}
	}
	cp.Raw = raw

	remainingLength, lenOffset, err := parseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+lenOffset+remainingLength {
		return &errs.Err{Context: "Connect, Packet Length", Message: errs.ErrInvalidPacketLength}
	}
	offset := 1 + lenOffset

	protocolName, n, err := decodeString(raw[offset:])
	if err != nil {
		return &errs.Err{Context: "Connect, ProtocolName", Message: errs.ErrInvalidConnPacket}
	}
	cp.ProtocolName = protocolName
	offset += n

	if cp.ProtocolName != "MQTT" {
		return &errs.Err{Context: "Connect, ProtocolName", Message: errs.ErrUnsupportedProtocolName}
	}

	if offset >= len(raw) {
		return &errs.Err{Context: "Connect", Message: errs.ErrInvalidConnPacket}
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	if cp.ProtocolLevel != 4 {
		return &errs.Err{Context: "Connect, ProtocolLevel", Message: errs.ErrUnsupportedProtocolLevel}
	}

	if offset >= len(raw) {
		return &errs.Err{Context: "Connect", Message: errs.ErrInvalidConnPacket}
	}
	flags := raw[offset]
	offset++

	cp.UsernameFlag = flags&0x80 != 0
	cp.PasswordFlag = flags&0x40 != 0
	cp.WillRetain = flags&0x20 != 0
	cp.WillQoS = QoSLevel((flags & 0x18) >> 3)
	cp.WillFlag = flags&0x04 != 0
	cp.CleanSession = flags&0x02 != 0

	if cp.WillFlag && cp.WillQoS > QoSExactlyOnce {
		return &errs.Err{Context: "Connect, WillQos", Message: errs.ErrInvalidWillQos}
	}

	if offset+2 > len(raw) {
		return &errs.Err{Context: "Connect", Message: errs.ErrInvalidConnPacket}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	clientID, n, err := decodeString(raw[offset:])
	if err != nil {
		return &errs.Err{Context: "Connect, ClientID", Message: errs.ErrInvalidConnPacket}
	}
	cp.ClientID = clientID
	offset += n

	if cErr := cp.validateClientID(); cErr != nil {
		switch {
		case errors.Is(cErr, errs.ErrEmptyClientID):
			// caller auto-generates an id (handled by the broker, not the codec)
		case errors.Is(cErr, errs.ErrEmptyAndCleanSessionClientID):
			return &errs.Err{Context: "Connect, ClientID", Message: errs.ErrIdentifierRejected}
		default:
			return cErr
		}
	}

	if cp.WillFlag {
		willTopic, n, err := decodeString(raw[offset:])
		if err != nil {
			return &errs.Err{Context: "Connect, WillTopic", Message: errs.ErrInvalidConnPacket}
		}
		cp.WillTopic = willTopic
		offset += n

		willMessage, n, err := decodeString(raw[offset:])
		if err != nil {
			return &errs.Err{Context: "Connect, WillMessage", Message: errs.ErrInvalidConnPacket}
		}
		cp.WillMessage = willMessage
		offset += n
	}

	if !cp.UsernameFlag && cp.PasswordFlag {
		return &errs.Err{Context: "Connect, UsernameFlag+PasswordFlag", Message: errs.ErrPasswordWithoutUsername}
	}

	if cp.UsernameFlag {
		username, n, err := decodeString(raw[offset:])
		if err != nil {
			return &errs.Err{Context: "Connect, Username", Message: errs.ErrMalformedUsernameField}
		}
		cp.Username = username
		offset += n
	}

	if cp.PasswordFlag {
		password, n, err := decodeString(raw[offset:])
		if err != nil {
			return &errs.Err{Context: "Connect, Password", Message: errs.ErrMalformedPasswordField}
		}
		cp.Password = password
		offset += n
	}

	return nil
}

func (cp *ConnectPacket) validateClientID() error {
	if len(cp.ClientID) == 0 {
		if !cp.CleanSession {
			return &errs.Err{Context: "Connect, ClientID", Message: errs.ErrEmptyAndCleanSessionClientID}
		}
		return &errs.Err{Context: "Connect, ClientID", Message: errs.ErrEmptyClientID}
	}

	if len(cp.ClientID) > 23 {
		return &errs.Err{Context: "Connect, ClientID", Message: errs.ErrClientIDLengthExceed}
	}

	const allowed = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for _, c := range cp.ClientID {
		if !strings.ContainsRune(allowed, c) {
			return &errs.Err{Context: "Connect, ClientID", Message: errs.ErrInvalidCharsClientID}
		}
	}

	return nil
}
