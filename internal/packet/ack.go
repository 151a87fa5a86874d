package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqtt/pkg/er"
)

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// PubrecPacket is the first half of the QoS 2 handshake (publisher -> server -> publisher).
type PubrecPacket struct {
	PacketID uint16
}

// PubrelPacket is the second half of the QoS 2 handshake; fixed header flags are reserved as 0010.
type PubrelPacket struct {
	PacketID uint16
}

// PubcompPacket completes the QoS 2 handshake.
type PubcompPacket struct {
	PacketID uint16
}

func NewPubAck(packetID uint16) []byte  { return ack4(byte(PUBACK), packetID) }
func NewPubRec(packetID uint16) []byte  { return ack4(byte(PUBREC), packetID) }
func NewPubRel(packetID uint16) []byte  { return ack4(byte(PUBREL)|0x02, packetID) }
func NewPubComp(packetID uint16) []byte { return ack4(byte(PUBCOMP), packetID) }

func ack4(firstByte byte, packetID uint16) []byte {
	return []byte{
		firstByte,
		0x02,
		byte(packetID >> 8),
		byte(packetID & 0xFF),
	}
}

func parseAck(raw []byte, want PacketType, context string) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidAckPacket}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidAckPacket}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketLength}
	}
	id := binary.BigEndian.Uint16(raw[2:4])
	if id == 0 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketID}
	}
	return id, nil
}

func (p *PubackPacket) Parse(raw []byte) error {
	id, err := parseAck(raw, PUBACK, "Puback")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubackPacket) Encode() []byte { return NewPubAck(p.PacketID) }

func (p *PubrecPacket) Parse(raw []byte) error {
	id, err := parseAck(raw, PUBREC, "Pubrec")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubrecPacket) Encode() []byte { return NewPubRec(p.PacketID) }

func (p *PubrelPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidAckPacket}
	}
	if PacketType(raw[0]&0xF0) != PUBREL {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidAckPacket}
	}
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Pubrel, Fixed Header", Message: er.ErrInvalidAckPacket}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPacketLength}
	}
	id := binary.BigEndian.Uint16(raw[2:4])
	if id == 0 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPacketID}
	}
	p.PacketID = id
	return nil
}

func (p *PubrelPacket) Encode() []byte { return NewPubRel(p.PacketID) }

func (p *PubcompPacket) Parse(raw []byte) error {
	id, err := parseAck(raw, PUBCOMP, "Pubcomp")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubcompPacket) Encode() []byte { return NewPubComp(p.PacketID) }
