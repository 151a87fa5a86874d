package broker

import (
	"testing"

	"github.com/pyr33x/goqtt/internal/packet"
)

func TestQoS1AckClearsPending(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.AddPendingQoS1(&PendingMessage{PacketID: 1, ClientID: "c1", Topic: "a/b", QoS: packet.QoSAtLeastOnce})

	if ok := qm.HandlePubAck("c1", 1); !ok {
		t.Fatal("expected PUBACK to clear the pending message")
	}
	if ok := qm.HandlePubAck("c1", 1); ok {
		t.Error("expected second PUBACK for the same id to be a no-op")
	}
}

func TestQoS2HandshakeOutbound(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.AddPendingQoS2(&PendingMessage{PacketID: 7, ClientID: "c1", Topic: "a/b", QoS: packet.QoSExactlyOnce})

	pubrel, ok := qm.HandlePubRec("c1", 7)
	if !ok || pubrel == nil {
		t.Fatal("expected PUBREC to produce a PUBREL")
	}
	if pubrel.PacketID != 7 {
		t.Errorf("expected packet id 7, got %d", pubrel.PacketID)
	}

	if ok := qm.HandlePubComp("c1", 7); !ok {
		t.Fatal("expected PUBCOMP to complete the flow")
	}
}

func TestQoS2IncomingPublishDedupsOnRetransmit(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	first := qm.HandleIncomingQoS2Publish("c1", 3, "a/b", []byte("x"), false)
	second := qm.HandleIncomingQoS2Publish("c1", 3, "a/b", []byte("x"), false)

	if first.PacketID != second.PacketID {
		t.Errorf("expected same PUBREC packet id on retransmit, got %d and %d", first.PacketID, second.PacketID)
	}

	msg, pubcomp := qm.HandleIncomingPubRel("c1", 3)
	if msg == nil {
		t.Fatal("expected the stored message to be returned for delivery")
	}
	if msg.Topic != "a/b" {
		t.Errorf("expected topic a/b, got %s", msg.Topic)
	}
	if pubcomp.PacketID != 3 {
		t.Errorf("expected pubcomp packet id 3, got %d", pubcomp.PacketID)
	}
}

func TestHandleIncomingPubRelWithoutPriorPublishStillAcks(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	msg, pubcomp := qm.HandleIncomingPubRel("c1", 99)
	if msg != nil {
		t.Error("expected no stored message for an unknown packet id")
	}
	if pubcomp == nil || pubcomp.PacketID != 99 {
		t.Error("expected a PUBCOMP to still be returned per the MQTT spec")
	}
}

func TestCleanupClientRemovesAllState(t *testing.T) {
	qm := NewQoSManager()
	defer qm.Stop()

	qm.AddPendingQoS1(&PendingMessage{PacketID: 1, ClientID: "c1"})
	qm.AddPendingQoS2(&PendingMessage{PacketID: 2, ClientID: "c1"})
	qm.HandleIncomingQoS2Publish("c1", 3, "a/b", nil, false)

	qm.CleanupClient("c1")

	qos1, qos2 := qm.GetPendingMessageCount("c1")
	if qos1 != 0 || qos2 != 0 {
		t.Errorf("expected no pending messages after cleanup, got qos1=%d qos2=%d", qos1, qos2)
	}
}
