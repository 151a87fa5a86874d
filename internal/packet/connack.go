package packet

const (
	ConnectionAccepted          = 0x00 // Connection Accepted
	UnacceptableProtocolVersion = 0x01 // The Server does not support the level of the MQTT protocol requested by the Client
	IdentifierRejected          = 0x02 // The Client identifier is correct UTF-8 but not allowed by the Server
	ServerUnavailable           = 0x03 // The Network Connection has been made but the MQTT service is unavailable
	BadUsernameOrPassword       = 0x04 // The data in the user name or password is malformed
	NotAuthorized               = 0x05 // The Client is not authorized to connect
)

// MQTT 5 reason codes used by CONNACK/DISCONNECT. Values match the spec's
// reason code table. This broker sends ReasonSuccess and
// ReasonSessionTakenOver and reads ReasonDisconnectWithWillMessage from a
// client DISCONNECT; the other listed codes are defined but not used.
const (
	ReasonSuccess              byte = 0x00
	ReasonUnspecifiedError     byte = 0x80
	ReasonNotAuthorized        byte = 0x87
	ReasonServerUnavailable    byte = 0x88
	ReasonBadAuthMethod        byte = 0x8C
	ReasonSessionTakenOver     byte = 0x8E
	ReasonTopicFilterInvalid   byte = 0x8F
	ReasonTopicNameInvalid     byte = 0x90
	ReasonPacketIDInUse        byte = 0x91
	ReasonReceiveMaxExceeded   byte = 0x93
	ReasonPacketTooLarge       byte = 0x95
	ReasonQuotaExceeded        byte = 0x97
	ReasonAdministrativeAction byte = 0x98
	ReasonNormalDisconnection  byte = 0x00
	ReasonDisconnectWithWillMessage byte = 0x04
	ReasonKeepAliveTimeout     byte = 0x8D
)

func NewConnAck(sessionPresent bool, returnCode byte) []byte {
	flags := byte(0x00)
	if sessionPresent {
		flags = 0x01
	}

	return []byte{
		0x20, // Packet Type (CONNACK) + flags
		0x02, // Remaining Length (always 2)
		flags,
		returnCode,
	}
}

// NewConnAck5 builds an MQTT 5 CONNACK with no properties (property length 0),
// the minimum viable encoding for reason codes this broker needs to send.
func NewConnAck5(sessionPresent bool, reasonCode byte) []byte {
	flags := byte(0x00)
	if sessionPresent {
		flags = 0x01
	}

	return []byte{
		0x20, // Packet Type (CONNACK) + flags
		0x03, // Remaining Length: flags + reason code + property length
		flags,
		reasonCode,
		0x00, // Property Length (no properties)
	}
}
