package broker

import (
	"encoding/json"

	"github.com/pyr33x/goqtt/internal/bus"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/retained"
)

// Wire encode/decode for the cluster control payloads carried over
// bus.BroadcastSubs and bus.BroadcastRetained. These wrap the bus package's
// CRDT update types and the retained store's Message in a small JSON
// envelope so a single subscription handler can tell them apart.

type subsUpdateKind string

const (
	kindClientUpdate subsUpdateKind = "client"
	kindTopicUpdate  subsUpdateKind = "topic"
)

type subsUpdateEnvelope struct {
	Kind   subsUpdateKind    `json:"kind"`
	Client *bus.ClientUpdate `json:"client,omitempty"`
	Topic  *bus.TopicUpdate  `json:"topic,omitempty"`
}

func encodeClientUpdate(u bus.ClientUpdate) ([]byte, error) {
	return json.Marshal(subsUpdateEnvelope{Kind: kindClientUpdate, Client: &u})
}

func encodeTopicUpdate(u bus.TopicUpdate) ([]byte, error) {
	return json.Marshal(subsUpdateEnvelope{Kind: kindTopicUpdate, Topic: &u})
}

func decodeClientUpdate(payload []byte) (bus.ClientUpdate, error) {
	var env subsUpdateEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return bus.ClientUpdate{}, err
	}
	if env.Kind != kindClientUpdate || env.Client == nil {
		return bus.ClientUpdate{}, errNotThisKind
	}
	return *env.Client, nil
}

func decodeTopicUpdate(payload []byte) (bus.TopicUpdate, error) {
	var env subsUpdateEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return bus.TopicUpdate{}, err
	}
	if env.Kind != kindTopicUpdate || env.Topic == nil {
		return bus.TopicUpdate{}, errNotThisKind
	}
	return *env.Topic, nil
}

var errNotThisKind = jsonKindMismatch{}

type jsonKindMismatch struct{}

func (jsonKindMismatch) Error() string { return "payload is not this update kind" }

type retainedUpdate struct {
	Topic   string          `json:"topic"`
	Payload []byte          `json:"payload"`
	QoS     packet.QoSLevel `json:"qos"`
}

func encodeRetainedUpdate(topic string, payload []byte, qos packet.QoSLevel) ([]byte, error) {
	return json.Marshal(retainedUpdate{Topic: topic, Payload: payload, QoS: qos})
}

func decodeRetainedUpdate(payload []byte) (retained.Message, error) {
	var ru retainedUpdate
	if err := json.Unmarshal(payload, &ru); err != nil {
		return retained.Message{}, err
	}
	return retained.Message{Topic: ru.Topic, Payload: ru.Payload, QoS: ru.QoS}, nil
}
