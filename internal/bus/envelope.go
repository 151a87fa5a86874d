package bus

import "encoding/json"

func encodeEnvelope(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return data
}

// DecodeEnvelope parses a message-bus payload back into an Envelope; used by
// subscribers on the client.<clientID> and broadcast addresses.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
