package packet

import "github.com/pyr33x/goqtt/pkg/er"

// DisconnectPacket carries an optional MQTT 5 reason code; 3.1.1 clients
// always send the zero-length form and ReasonCode stays at its zero value
// (normal disconnection).
type DisconnectPacket struct {
	ReasonCode byte
}

func (dp *DisconnectPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Disconnect",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	// First byte should be 0xE0 (type = 14 << 4, flags = 0)
	if PacketType(raw[0]) != DISCONNECT {
		return &er.Err{
			Context: "Disconnect, Control",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	switch raw[1] {
	case 0x00:
		// MQTT 3.1.1 / MQTT 5 "normal disconnection, no properties"
	case 0x01, 0x02:
		if len(raw) < 3 {
			return &er.Err{
				Context: "Disconnect, Reason Code",
				Message: er.ErrInvalidDisconnectPacket,
			}
		}
		dp.ReasonCode = raw[2]
	default:
		return &er.Err{
			Context: "Disconnect, Remaining Length",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	return nil
}

// NewDisconnect builds a server-initiated MQTT 5 DISCONNECT with no
// properties, used for session takeover and administrative drops.
func NewDisconnect(reasonCode byte) []byte {
	return []byte{byte(DISCONNECT), 0x02, reasonCode, 0x00}
}
