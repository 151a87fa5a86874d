package broker

import (
	"database/sql"
	"net"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/retained"
	"github.com/pyr33x/goqtt/internal/session"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	sessDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open session db: %v", err)
	}
	t.Cleanup(func() { sessDB.Close() })
	sessStore, err := session.NewSQLiteStore(sessDB, 100)
	if err != nil {
		t.Fatalf("failed to init session store: %v", err)
	}

	retDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open retained db: %v", err)
	}
	t.Cleanup(func() { retDB.Close() })
	retStore, err := retained.NewSQLiteStore(retDB)
	if err != nil {
		t.Fatalf("failed to init retained store: %v", err)
	}

	return New(Config{NodeID: "test-node", Sessions: sessStore, Retained: retStore})
}

// fakeConn wraps the server side of a net.Pipe. Write queues each write on a
// channel that a goroutine forwards to the pipe in order, so writes from the
// broker never block; peer is the client side, readable in-test. Close is a
// no-op so queued writes still reach peer; both ends close at test cleanup.
type fakeConn struct {
	net.Conn
	peer   net.Conn
	writes chan []byte
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	server, client := net.Pipe()
	c := &fakeConn{Conn: server, peer: client, writes: make(chan []byte, 64)}
	go func() {
		for data := range c.writes {
			server.Write(data)
		}
	}()
	t.Cleanup(func() { server.Close(); client.Close() })
	return c
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.writes <- append([]byte(nil), b...)
	return len(b), nil
}

func (c *fakeConn) Close() error { return nil }

func readPacket(t *testing.T, peer net.Conn) []byte {
	t.Helper()
	buf := make([]byte, 1024)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("expected to read a packet from the broker, got error: %v", err)
	}
	return buf[:n]
}

func TestEstablishSessionCleanSessionNotPresent(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn(t)

	cp := &packet.ConnectPacket{ClientID: "c1", CleanSession: true, ProtocolLevel: 4}
	present := b.EstablishSession(cp, conn, time.Now().Unix())

	if present {
		t.Error("expected no session-present for a clean-session connect")
	}
}

func TestEstablishSessionResumesPersisted(t *testing.T) {
	b := newTestBroker(t)

	first := newFakeConn(t)
	cp := &packet.ConnectPacket{ClientID: "c1", CleanSession: false, ProtocolLevel: 4}
	b.EstablishSession(cp, first, time.Now().Unix())
	b.HandleSubscribe("c1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtLeastOnce}},
	})
	b.HandleClientDisconnect("c1", true)

	second := newFakeConn(t)
	present := b.EstablishSession(cp, second, time.Now().Unix())
	if !present {
		t.Error("expected session-present after reconnecting a durable session with prior subscriptions")
	}

	subs := b.GetClientSubscriptions("c1")
	if len(subs) != 1 || subs[0].TopicFilter != "a/b" {
		t.Errorf("expected subscription a/b to be resumed, got %v", subs)
	}
}

func TestEstablishSessionTakeoverClosesPriorConnection(t *testing.T) {
	b := newTestBroker(t)

	prior := newFakeConn(t)
	cp := &packet.ConnectPacket{ClientID: "c1", CleanSession: true, ProtocolLevel: 4}
	b.EstablishSession(cp, prior, time.Now().Unix())

	newer := newFakeConn(t)
	b.EstablishSession(cp, newer, time.Now().Unix())

	data := readPacket(t, prior.peer)
	if len(data) == 0 {
		t.Fatal("expected the prior connection to receive a DISCONNECT on takeover")
	}
}

func TestHandlePublishDeliversToLocalSubscriber(t *testing.T) {
	b := newTestBroker(t)

	sub := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "sub1", CleanSession: true, ProtocolLevel: 4}, sub, time.Now().Unix())
	b.HandleSubscribe("sub1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce}},
	})

	if err := b.HandlePublish("pub1", &packet.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoSAtMostOnce}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	data := readPacket(t, sub.peer)
	if len(data) == 0 {
		t.Fatal("expected subscriber to receive the published message")
	}
}

func TestHandlePublishHonorsNoLocal(t *testing.T) {
	b := newTestBroker(t)

	conn := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "c1", CleanSession: true, ProtocolLevel: 5}, conn, time.Now().Unix())
	b.HandleSubscribe("c1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce, NoLocal: true}},
	})

	b.HandlePublish("c1", &packet.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoSAtMostOnce})

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		conn.peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := conn.peer.Read(buf)
		errCh <- err
	}()

	if err := <-errCh; err == nil {
		t.Error("expected NoLocal subscriber to not receive its own publish")
	}
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	b := newTestBroker(t)

	b.HandlePublish("pub1", &packet.PublishPacket{Topic: "a/b", Payload: []byte("retained"), QoS: packet.QoSAtMostOnce, Retain: true})

	sub := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "sub1", CleanSession: true, ProtocolLevel: 4}, sub, time.Now().Unix())
	b.HandleSubscribe("sub1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce, RetainHandling: packet.RetainHandlingSend}},
	})

	data := readPacket(t, sub.peer)
	if len(data) == 0 {
		t.Fatal("expected the retained message to be replayed on subscribe")
	}
}

func TestRetainedReplayDoNotSendIsSkipped(t *testing.T) {
	b := newTestBroker(t)

	b.HandlePublish("pub1", &packet.PublishPacket{Topic: "a/b", Payload: []byte("retained"), QoS: packet.QoSAtMostOnce, Retain: true})

	sub := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "sub1", CleanSession: true, ProtocolLevel: 5}, sub, time.Now().Unix())
	b.HandleSubscribe("sub1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce, RetainHandling: packet.RetainHandlingDoNotSend}},
	})

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		sub.peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := sub.peer.Read(buf)
		errCh <- err
	}()

	if err := <-errCh; err == nil {
		t.Error("expected RetainHandlingDoNotSend to suppress the replay")
	}
}

func TestWillFiresOnUngracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)

	willTopic := "clients/c1/status"
	willMsg := "offline"
	conn := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{
		ClientID: "c1", CleanSession: true, ProtocolLevel: 4,
		WillFlag: true, WillTopic: &willTopic, WillMessage: &willMsg, WillQoS: 0,
	}, conn, time.Now().Unix())

	watcher := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "watcher", CleanSession: true, ProtocolLevel: 4}, watcher, time.Now().Unix())
	b.HandleSubscribe("watcher", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: willTopic, QoS: packet.QoSAtMostOnce}},
	})

	b.HandleClientDisconnect("c1", false)

	data := readPacket(t, watcher.peer)
	if len(data) == 0 {
		t.Fatal("expected the Will message to be delivered to the watcher")
	}
}

func TestWillSuppressedOnGracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)

	willTopic := "clients/c1/status"
	willMsg := "offline"
	conn := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{
		ClientID: "c1", CleanSession: true, ProtocolLevel: 4,
		WillFlag: true, WillTopic: &willTopic, WillMessage: &willMsg, WillQoS: 0,
	}, conn, time.Now().Unix())

	watcher := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "watcher", CleanSession: true, ProtocolLevel: 4}, watcher, time.Now().Unix())
	b.HandleSubscribe("watcher", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: willTopic, QoS: packet.QoSAtMostOnce}},
	})

	b.HandleClientDisconnect("c1", true)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		watcher.peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := watcher.peer.Read(buf)
		errCh <- err
	}()

	if err := <-errCh; err == nil {
		t.Error("expected a suppressed Will to not be delivered")
	}
}

func TestHandlePublishRejectsClientWriteToSysTopic(t *testing.T) {
	b := newTestBroker(t)

	err := b.HandlePublish("c1", &packet.PublishPacket{Topic: "$SYS/broker/uptime", Payload: []byte("1")})
	if err == nil {
		t.Fatal("expected a client publish to a $SYS topic to be rejected")
	}
}

func TestHandlePublishAllowsAdminWriteToSysTopic(t *testing.T) {
	b := newTestBroker(t)

	if err := b.AdminPublish("$SYS/broker/uptime", []byte("1"), packet.QoSAtMostOnce, false); err != nil {
		t.Fatalf("expected an admin publish to a $SYS topic to succeed, got %v", err)
	}
}

func TestDeliverLocalAcquiresAndReleasesSessionPacketID(t *testing.T) {
	b := newTestBroker(t)

	sub := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "sub1", CleanSession: true, ProtocolLevel: 4}, sub, time.Now().Unix())
	b.HandleSubscribe("sub1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtLeastOnce}},
	})

	sess, ok := b.Get("sub1")
	if !ok {
		t.Fatal("expected sub1's session to be registered")
	}

	if err := b.HandlePublish("pub1", &packet.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoSAtLeastOnce}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	readPacket(t, sub.peer)

	qos1Count, _ := b.qos.GetPendingMessageCount("sub1")
	if qos1Count != 1 {
		t.Fatalf("expected one pending QoS 1 message, got %d", qos1Count)
	}
	if _, acquired := sess.IDPool.Acquire(); !acquired {
		t.Fatal("expected the pool to still have ids free while one is inflight")
	}

	pending := b.qos.pendingQoS1["sub1"]
	var packetID uint16
	for id := range pending {
		packetID = id
	}

	b.HandlePubAck("sub1", packetID)

	qos1Count, _ = b.qos.GetPendingMessageCount("sub1")
	if qos1Count != 0 {
		t.Fatalf("expected PUBACK to clear the pending message, got %d still pending", qos1Count)
	}
}

func TestResumeInflightReSeedsIDPoolAndQoSState(t *testing.T) {
	b := newTestBroker(t)

	sub := newFakeConn(t)
	cp := &packet.ConnectPacket{ClientID: "sub1", CleanSession: false, ProtocolLevel: 4}
	b.EstablishSession(cp, sub, time.Now().Unix())
	b.HandleSubscribe("sub1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtLeastOnce}},
	})
	if err := b.HandlePublish("pub1", &packet.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoSAtLeastOnce}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	readPacket(t, sub.peer)

	var packetID uint16
	for id := range b.qos.pendingQoS1["sub1"] {
		packetID = id
	}

	b.HandleClientDisconnect("sub1", true)

	reconn := newFakeConn(t)
	present := b.EstablishSession(cp, reconn, time.Now().Unix())
	if !present {
		t.Fatal("expected session-present on reconnect with an outstanding QoS 1 message")
	}

	qos1Count, _ := b.qos.GetPendingMessageCount("sub1")
	if qos1Count != 1 {
		t.Fatalf("expected the outbound QoS 1 message to survive the reconnect, got %d pending", qos1Count)
	}

	sess, ok := b.Get("sub1")
	if !ok {
		t.Fatal("expected sub1's session to be registered after reconnect")
	}
	if next, acquired := sess.IDPool.Acquire(); !acquired || next == packetID {
		t.Fatalf("expected the resumed pool to treat id %d as already in flight, got %d", packetID, next)
	}
}

func TestHandleSubscribeRejectsInvalidFilter(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn(t)
	b.EstablishSession(&packet.ConnectPacket{ClientID: "c1", CleanSession: true, ProtocolLevel: 4}, conn, time.Now().Unix())

	suback := b.HandleSubscribe("c1", &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "a/+/#/b", QoS: packet.QoSAtMostOnce}},
	})

	if len(suback.ReturnCodes) != 1 || suback.ReturnCodes[0] != packet.SubackFailure {
		t.Errorf("expected invalid filter to be rejected, got %v", suback.ReturnCodes)
	}
}
