package broker

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pyr33x/goqtt/internal/archive"
	"github.com/pyr33x/goqtt/internal/bus"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/retained"
	"github.com/pyr33x/goqtt/internal/session"
	"github.com/pyr33x/goqtt/pkg/er"
)

// Authenticator validates CONNECT username/password credentials. Narrowed
// to this one method so the session handler never needs database/sql in
// scope directly.
type Authenticator interface {
	Authenticate(username, password string) error
}

// Config wires a Broker's collaborators. Retained, Sessions, Bus and
// Archive may be nil to run in a minimal single-node, no-persistence mode
// (handy for tests); Auth nil disables username/password enforcement.
type Config struct {
	NodeID   string
	Retained retained.Store
	Sessions session.Store
	Bus      bus.Bus
	Archive  *archive.Pipeline
	Auth     Authenticator
	Log      *logger.Logger
}

// Broker is the C7 Session Handler: it owns the live connection registry,
// the subscription index, and the QoS 1/2 flow tracker, and mediates
// between them and the persistence/cluster collaborators.
type Broker struct {
	nodeID string

	registry      *sessionRegistry
	subscriptions *SubscriptionManager
	qos           *QoSManager

	retainedMsgs retained.Store
	sessions     session.Store
	messageBus   bus.Bus
	archivePipe  *archive.Pipeline
	auth         Authenticator
	log          *logger.Logger

	clientMap *bus.ClientMap
	topicMap  *bus.TopicMap
}

// New builds a Broker from cfg, falling back to an in-process bus and a
// no-op logger when those collaborators aren't supplied.
func New(cfg Config) *Broker {
	if cfg.NodeID == "" {
		cfg.NodeID = "standalone"
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewLocal()
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewMQTTLogger("broker")
	}

	b := &Broker{
		nodeID:        cfg.NodeID,
		registry:      newSessionRegistry(),
		subscriptions: NewSubscriptionTree(),
		qos:           NewQoSManager(),
		retainedMsgs:  cfg.Retained,
		sessions:      cfg.Sessions,
		messageBus:    cfg.Bus,
		archivePipe:   cfg.Archive,
		auth:          cfg.Auth,
		log:           cfg.Log,
		clientMap:     bus.NewClientMap(cfg.NodeID),
		topicMap:      bus.NewTopicMap(cfg.NodeID),
	}

	b.messageBus.Subscribe(bus.BroadcastMessages, b.onClusterMessage)
	b.messageBus.Subscribe(bus.BroadcastSubs, b.onClusterSubsUpdate)
	b.messageBus.Subscribe(bus.BroadcastRetained, b.onClusterRetainedUpdate)

	return b
}

// Authenticate checks username/password against the configured
// Authenticator; with no Authenticator configured every credential passes.
func (b *Broker) Authenticate(username, password string) error {
	if b.auth == nil {
		return nil
	}
	return b.auth.Authenticate(username, password)
}

// EstablishSession registers a just-accepted CONNECT, handling clean-session
// resets, persisted-session resumption, and takeover of a still-live prior
// connection for the same client ID. It returns whether CONNACK should set
// the Session Present flag.
func (b *Broker) EstablishSession(cp *packet.ConnectPacket, conn net.Conn, connectedAt int64) bool {
	if prior, ok := b.registry.Get(cp.ClientID); ok && prior.Conn != nil {
		b.log.LogTakeover(cp.ClientID, b.nodeID)
		prior.Conn.Write(packet.NewDisconnect(packet.ReasonSessionTakenOver))
		prior.Conn.Close()
		b.subscriptions.DisconnectClient(cp.ClientID)
		b.qos.CleanupClient(cp.ClientID)
	}

	idPool := session.NewIDPool()

	sessionPresent := false
	if cp.CleanSession {
		b.clearPersistedSession(cp.ClientID)
	} else if b.sessions != nil {
		if _, found, _ := b.sessions.LoadSession(cp.ClientID); found {
			sessionPresent = true
			b.resumeSubscriptions(cp.ClientID)
		}
	}

	sess := &Session{
		ClientID:            cp.ClientID,
		CleanSession:        cp.CleanSession,
		ProtocolLevel:       cp.ProtocolLevel,
		WillTopic:           cp.WillTopic,
		WillMessage:         cp.WillMessage,
		WillQoS:             cp.WillQoS,
		WillRetain:          cp.WillRetain,
		KeepAlive:           cp.KeepAlive,
		ConnectionTimestamp: connectedAt,
		Conn:                conn,
		IDPool:              idPool,
		NodeID:              b.nodeID,
	}
	b.registry.Store(cp.ClientID, sess)

	if sessionPresent {
		b.resumeInflight(sess)
	}

	if b.sessions != nil {
		var willMessage []byte
		if cp.WillMessage != nil {
			willMessage = []byte(*cp.WillMessage)
		}
		b.sessions.SaveSession(session.Record{
			ClientID:     cp.ClientID,
			CleanSession: cp.CleanSession,
			WillTopic:    cp.WillTopic,
			WillMessage:  willMessage,
			WillQoS:      cp.WillQoS,
			WillRetain:   cp.WillRetain,
		})
	}

	update := b.clientMap.SetLocal(cp.ClientID)
	b.broadcastClientUpdate(update)

	return sessionPresent
}

func (b *Broker) clearPersistedSession(clientID string) {
	b.subscriptions.DisconnectClient(clientID)
	if b.sessions != nil {
		b.sessions.DeleteSession(clientID)
	}
}

func (b *Broker) resumeSubscriptions(clientID string) {
	if b.sessions == nil {
		return
	}
	recs, err := b.sessions.LoadSubscriptions(clientID)
	if err != nil {
		return
	}
	for _, rec := range recs {
		b.subscriptions.Subscribe(clientID, rec.Filter, rec.QoS, rec.NoLocal, rec.RetainAsPublished, packet.RetainHandling(rec.RetainHandling))
	}
}

// resumeInflight re-seeds sess's IDPool and the QoS manager from this
// client's persisted inflight tables, so a reconnecting client's
// still-outstanding packet ids are never reassigned and its in-progress
// QoS 1/2 flows keep acking correctly across the reconnect.
func (b *Broker) resumeInflight(sess *Session) {
	if b.sessions == nil {
		return
	}

	outbound, err := b.sessions.LoadInflightOut(sess.ClientID)
	if err == nil {
		for _, m := range outbound {
			sess.IDPool.Mark(m.PacketID)
			if m.Stage == "pubrel" {
				b.qos.ResumePubrel(sess, m.PacketID, m.Topic, m.Payload, m.Retain)
				continue
			}
			pending := &PendingMessage{
				PacketID: m.PacketID,
				ClientID: sess.ClientID,
				Topic:    m.Topic,
				Payload:  m.Payload,
				QoS:      m.QoS,
				Retain:   m.Retain,
				Session:  sess,
			}
			if m.QoS == packet.QoSExactlyOnce {
				b.qos.AddPendingQoS2(pending)
			} else {
				b.qos.AddPendingQoS1(pending)
			}
		}
	}

	inbound, err := b.sessions.LoadInflightIn(sess.ClientID)
	if err == nil {
		for _, m := range inbound {
			sess.IDPool.Mark(m.PacketID)
			b.qos.HandleIncomingQoS2Publish(sess.ClientID, m.PacketID, m.Topic, m.Payload, m.Retain)
		}
	}
}

// HandleSubscribe processes a SUBSCRIBE packet and returns a SUBACK packet.
func (b *Broker) HandleSubscribe(clientID string, subscribePacket *packet.SubscribePacket) *packet.SubackPacket {
	returnCodes := make([]byte, len(subscribePacket.Filters))

	for i, filter := range subscribePacket.Filters {
		if !IsValidTopicFilter(filter.Topic) {
			returnCodes[i] = packet.SubackFailure
			continue
		}

		isNew, err := b.subscriptions.Subscribe(clientID, filter.Topic, filter.QoS, filter.NoLocal, filter.RetainAsPublished, filter.RetainHandling)
		if err != nil {
			returnCodes[i] = packet.SubackFailure
			continue
		}

		if b.sessions != nil {
			b.sessions.SaveSubscription(clientID, filter.Topic, filter.QoS, filter.NoLocal, filter.RetainAsPublished, byte(filter.RetainHandling))
		}

		grantedQoS := b.getGrantedQoS(filter.QoS)
		returnCodes[i] = subackCodeFor(grantedQoS)
		b.log.LogSubscription(clientID, filter.Topic, int(grantedQoS), "subscribe")

		if !hasWildcard(filter.Topic) {
			update := b.topicMap.AddLocal(filter.Topic)
			b.broadcastTopicUpdate(update)
		}

		b.replayRetained(clientID, filter, isNew, grantedQoS)
	}

	return &packet.SubackPacket{
		PacketID:    subscribePacket.PacketID,
		ReturnCodes: returnCodes,
	}
}

func subackCodeFor(qos packet.QoSLevel) byte {
	switch qos {
	case packet.QoSAtMostOnce:
		return packet.SubackMaxQoS0
	case packet.QoSAtLeastOnce:
		return packet.SubackMaxQoS1
	case packet.QoSExactlyOnce:
		return packet.SubackMaxQoS2
	default:
		return packet.SubackFailure
	}
}

// replayRetained implements the retained-message replay decision: always
// send unless RetainHandling says otherwise, and strip the retain flag on
// delivery when the subscription declined RetainAsPublished.
func (b *Broker) replayRetained(clientID string, filter packet.SubscribeFilter, isNew bool, grantedQoS packet.QoSLevel) {
	if b.retainedMsgs == nil {
		return
	}
	switch filter.RetainHandling {
	case packet.RetainHandlingDoNotSend:
		return
	case packet.RetainHandlingSendIfNew:
		if !isNew {
			return
		}
	}

	matches, err := b.retainedMsgs.FindMatching(filter.Topic)
	if err != nil {
		return
	}
	for _, msg := range matches {
		deliveryQoS := minQoS(msg.QoS, grantedQoS)
		b.deliverLocal(clientID, msg.Topic, msg.Payload, deliveryQoS, filter.RetainAsPublished)
	}
}

// HandleUnsubscribe processes an UNSUBSCRIBE packet and returns an UNSUBACK.
func (b *Broker) HandleUnsubscribe(clientID string, unsubscribePacket *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, topicFilter := range unsubscribePacket.TopicFilters {
		b.subscriptions.Unsubscribe(clientID, topicFilter)
		if b.sessions != nil {
			b.sessions.DeleteSubscription(clientID, topicFilter)
		}
		b.log.LogSubscription(clientID, topicFilter, 0, "unsubscribe")
		if !hasWildcard(topicFilter) {
			update := b.topicMap.RemoveLocal(topicFilter)
			b.broadcastTopicUpdate(update)
		}
	}

	return &packet.UnsubackPacket{PacketID: unsubscribePacket.PacketID}
}

// HandlePublish routes a PUBLISH from senderClientID (empty for
// broker-originated publishes such as Will delivery) to local subscribers,
// persists it if Retain is set, routes it through the archive pipeline, and
// fans it out to the rest of the cluster.
func (b *Broker) HandlePublish(senderClientID string, publishPacket *packet.PublishPacket) error {
	if !IsValidTopicName(publishPacket.Topic) {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidTopicName}
	}
	if senderClientID != "" && strings.HasPrefix(publishPacket.Topic, "$SYS") {
		return &er.Err{Context: "Publish", Message: er.ErrNotAuthorized}
	}

	if publishPacket.Retain {
		b.handleRetainedMessage(publishPacket)
	}

	if b.archivePipe != nil {
		b.archivePipe.Route(context.Background(), archive.Message{
			Topic:     publishPacket.Topic,
			Payload:   publishPacket.Payload,
			QoS:       byte(publishPacket.QoS),
			Retain:    publishPacket.Retain,
			Timestamp: time.Now().Unix(),
		})
	}

	delivered := b.fanOutLocal(senderClientID, publishPacket.Topic, publishPacket.Payload, publishPacket.QoS, publishPacket.Retain)

	env := bus.Envelope{
		Topic:    publishPacket.Topic,
		Payload:  publishPacket.Payload,
		QoS:      byte(publishPacket.QoS),
		Retain:   publishPacket.Retain,
		SenderID: b.nodeID,
	}
	b.messageBus.PublishMessage(context.Background(), env)

	b.log.LogPublish(senderClientID, publishPacket.Topic, int(publishPacket.QoS), publishPacket.Retain, len(publishPacket.Payload),
		logger.Int("local_subscribers", delivered))
	return nil
}

// onClusterMessage is invoked when another node broadcasts a published
// envelope; this node fans it out to whichever of its own connections
// subscribe to env.Topic.
func (b *Broker) onClusterMessage(payload []byte) {
	env, err := bus.DecodeEnvelope(payload)
	if err != nil || env.SenderID == b.nodeID {
		return
	}
	b.fanOutLocal("", env.Topic, env.Payload, packet.QoSLevel(env.QoS), env.Retain)
}

// onClusterRetainedUpdate applies a retained-message write or delete (empty
// payload) broadcast by another node so every node's retained store converges.
func (b *Broker) onClusterRetainedUpdate(payload []byte) {
	if b.retainedMsgs == nil {
		return
	}
	msg, err := decodeRetainedUpdate(payload)
	if err != nil {
		return
	}
	b.retainedMsgs.Put(msg)
}

func (b *Broker) onClusterSubsUpdate(payload []byte) {
	if update, err := decodeClientUpdate(payload); err == nil {
		b.clientMap.Merge(update)
		return
	}
	if update, err := decodeTopicUpdate(payload); err == nil {
		b.topicMap.Merge(update)
	}
}

// fanOutLocal delivers a message to every locally-connected subscriber that
// matches topic, honoring NoLocal against senderClientID.
func (b *Broker) fanOutLocal(senderClientID, topic string, payload []byte, qos packet.QoSLevel, retain bool) int {
	matches := b.subscriptions.FindAllSubscribers(topic)
	delivered := 0
	for clientID, sub := range matches {
		if sub.NoLocal && clientID == senderClientID {
			continue
		}
		deliveryQoS := minQoS(qos, sub.QoS)
		if b.deliverLocal(clientID, topic, payload, deliveryQoS, retain) {
			delivered++
		}
	}
	return delivered
}

// deliverLocal writes a PUBLISH to clientID's live connection if this node
// holds it, queueing the message for later delivery if the client is known
// but currently offline (persisted sessions only).
func (b *Broker) deliverLocal(clientID, topic string, payload []byte, qos packet.QoSLevel, retain bool) bool {
	sess, ok := b.registry.Get(clientID)
	if !ok || sess.Conn == nil {
		if b.sessions != nil {
			b.sessions.EnqueueMessage(clientID, session.QueuedMessage{
				Topic: topic, Payload: payload, QoS: qos, Retain: retain,
			})
		}
		return false
	}

	publishPacket := &packet.PublishPacket{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}

	if qos > packet.QoSAtMostOnce {
		packetID, ok := sess.IDPool.Acquire()
		if !ok {
			// every one of this session's 65535 ids is still in flight;
			// queue for redelivery once some of them drain instead of
			// handing out an id that's already inflight for this client.
			b.log.LogQoSFlow(clientID, 0, int(qos), "id_pool_exhausted")
			if b.sessions != nil {
				b.sessions.EnqueueMessage(clientID, session.QueuedMessage{
					Topic: topic, Payload: payload, QoS: qos, Retain: retain,
				})
			}
			return false
		}
		publishPacket.PacketID = &packetID

		pending := &PendingMessage{
			PacketID: packetID,
			ClientID: clientID,
			Topic:    topic,
			Payload:  payload,
			QoS:      qos,
			Retain:   retain,
			Session:  sess,
		}
		if qos == packet.QoSAtLeastOnce {
			b.qos.AddPendingQoS1(pending)
		} else {
			b.qos.AddPendingQoS2(pending)
		}
		if b.sessions != nil {
			b.sessions.SaveInflightOut(clientID, session.InflightOut{
				PacketID: packetID, Topic: topic, Payload: payload, QoS: qos, Retain: retain, Stage: "published",
			})
		}
	}

	data := publishPacket.Encode()
	_, err := sess.Conn.Write(data)
	return err == nil
}

// DeliverQueuedMessages flushes a reconnecting client's offline queue. It
// must be called after EstablishSession so the client's live connection is
// already in the registry.
func (b *Broker) DeliverQueuedMessages(clientID string, limit int) {
	if b.sessions == nil {
		return
	}
	queued, err := b.sessions.DequeueMessages(clientID, limit)
	if err != nil {
		return
	}
	for _, msg := range queued {
		if b.deliverLocal(clientID, msg.Topic, msg.Payload, msg.QoS, msg.Retain) {
			b.sessions.AckMessage(clientID, msg.ID)
		}
	}
}

// HandlePubAck completes a QoS 1 outbound flow.
func (b *Broker) HandlePubAck(clientID string, packetID uint16) {
	if b.qos.HandlePubAck(clientID, packetID) && b.sessions != nil {
		b.sessions.DeleteInflightOut(clientID, packetID)
	}
}

// HandlePubRec advances a QoS 2 outbound flow, returning the PUBREL to send.
func (b *Broker) HandlePubRec(clientID string, packetID uint16) *packet.PubrelPacket {
	pubrel, ok := b.qos.HandlePubRec(clientID, packetID)
	if ok && b.sessions != nil {
		b.sessions.UpdateInflightOutStage(clientID, packetID, "pubrel")
	}
	return pubrel
}

// HandlePubComp completes a QoS 2 outbound flow.
func (b *Broker) HandlePubComp(clientID string, packetID uint16) {
	if b.qos.HandlePubComp(clientID, packetID) && b.sessions != nil {
		b.sessions.DeleteInflightOut(clientID, packetID)
	}
}

// HandleIncomingQoS2Publish handles a QoS 2 inbound PUBLISH, returning the
// PUBREC to send. The message is not delivered to subscribers yet: that
// happens on PUBREL, per the QoS 2 handshake.
func (b *Broker) HandleIncomingQoS2Publish(clientID string, packetID uint16, topic string, payload []byte, retain bool) *packet.PubrecPacket {
	if b.sessions != nil {
		b.sessions.SaveInflightIn(clientID, session.InflightIn{PacketID: packetID, Topic: topic, Payload: payload, Retain: retain})
	}
	return b.qos.HandleIncomingQoS2Publish(clientID, packetID, topic, payload, retain)
}

// HandleIncomingPubRel releases a QoS 2 inbound message for delivery and
// returns the PUBCOMP to send.
func (b *Broker) HandleIncomingPubRel(clientID string, packetID uint16) (*ReceivedQoS2, *packet.PubcompPacket) {
	msg, pubcomp := b.qos.HandleIncomingPubRel(clientID, packetID)
	if b.sessions != nil {
		b.sessions.DeleteInflightIn(clientID, packetID)
	}
	if msg != nil {
		b.HandlePublish(clientID, &packet.PublishPacket{Topic: msg.Topic, Payload: msg.Payload, QoS: packet.QoSExactlyOnce, Retain: msg.Retain})
	}
	return msg, pubcomp
}

// HandleClientDisconnect tears down a client's live connection: removes
// in-process subscriptions state for a clean session, persists nothing
// further for a durable one, and fires the Will message unless
// suppressWill is set (a graceful MQTT 5 DISCONNECT with reason 0 cancels
// the Will).
func (b *Broker) HandleClientDisconnect(clientID string, suppressWill bool) {
	sess, ok := b.registry.Get(clientID)
	b.registry.Delete(clientID)
	b.qos.CleanupClient(clientID)

	if ok && !suppressWill && sess.WillTopic != nil {
		b.fireWill(sess)
	}

	if ok && sess.CleanSession {
		b.subscriptions.DisconnectClient(clientID)
		b.clearPersistedSession(clientID)
	}

	update := b.clientMap.Remove(clientID)
	b.broadcastClientUpdate(update)

	b.log.LogClientConnection(clientID, "", "disconnected")
}

func (b *Broker) fireWill(sess *Session) {
	deliver := func() {
		payload := []byte{}
		if sess.WillMessage != nil {
			payload = []byte(*sess.WillMessage)
		}
		b.HandlePublish("", &packet.PublishPacket{
			Topic:   *sess.WillTopic,
			Payload: payload,
			QoS:     packet.QoSLevel(sess.WillQoS),
			Retain:  sess.WillRetain,
		})
	}
	if sess.WillDelayInterval == 0 {
		deliver()
		return
	}
	time.AfterFunc(time.Duration(sess.WillDelayInterval)*time.Second, deliver)
}

// AdminPublish injects a message as the broker itself (empty sender ID), so
// the client-only $SYS publish restriction does not apply. No client socket
// path and no cluster bus handler in this module calls it.
func (b *Broker) AdminPublish(topic string, payload []byte, qos packet.QoSLevel, retain bool) error {
	return b.HandlePublish("", &packet.PublishPacket{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
}

func (b *Broker) handleRetainedMessage(publishPacket *packet.PublishPacket) {
	if b.retainedMsgs == nil {
		return
	}
	if len(publishPacket.Payload) == 0 {
		b.retainedMsgs.Delete(publishPacket.Topic)
		b.log.LogRetainedMessage(publishPacket.Topic, "removed", 0)
	} else {
		b.retainedMsgs.Put(retained.Message{Topic: publishPacket.Topic, Payload: publishPacket.Payload, QoS: publishPacket.QoS})
		b.log.LogRetainedMessage(publishPacket.Topic, "stored", len(publishPacket.Payload))
	}

	if payload, err := encodeRetainedUpdate(publishPacket.Topic, publishPacket.Payload, publishPacket.QoS); err == nil {
		b.messageBus.PublishBroadcastRetained(context.Background(), payload)
	}
}

func (b *Broker) broadcastClientUpdate(u bus.ClientUpdate) {
	if payload, err := encodeClientUpdate(u); err == nil {
		b.messageBus.PublishBroadcastSubs(context.Background(), payload)
	}
}

func (b *Broker) broadcastTopicUpdate(u bus.TopicUpdate) {
	if payload, err := encodeTopicUpdate(u); err == nil {
		b.messageBus.PublishBroadcastSubs(context.Background(), payload)
	}
}

// getGrantedQoS clamps a requested subscribe QoS to what this broker
// supports (QoS 2, the ceiling the wire codec validates against already).
func (b *Broker) getGrantedQoS(requestedQoS packet.QoSLevel) packet.QoSLevel {
	if requestedQoS > packet.QoSExactlyOnce {
		return packet.QoSExactlyOnce
	}
	return requestedQoS
}

func minQoS(qos1, qos2 packet.QoSLevel) packet.QoSLevel {
	if qos1 < qos2 {
		return qos1
	}
	return qos2
}

// GetClientSubscriptions returns all subscriptions for a specific client.
func (b *Broker) GetClientSubscriptions(clientID string) []*Subscription {
	return b.subscriptions.GetSubscriptions(clientID)
}

// Close shuts down the QoS retry loop and the cluster bus connection.
func (b *Broker) Close() error {
	b.qos.Stop()
	return b.messageBus.Close()
}
