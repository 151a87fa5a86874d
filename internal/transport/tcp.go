package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqtt/internal/broker"
	pkt "github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/pkg/er"
)

// TCPServer is the wire-level front end: it frames MQTT packets off the
// socket and dispatches each to the broker's Session Handler, which owns
// every protocol decision. This layer only ever does I/O and packet
// framing.
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
	offlineQueueLimit  int
}

// New creates a TCPServer bound to a fully-wired Broker.
func New(addr string, b *broker.Broker, maxConnections, offlineQueueLimit int) *TCPServer {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	if offlineQueueLimit <= 0 {
		offlineQueueLimit = 100
	}
	return &TCPServer{
		addr:              addr,
		broker:            b,
		maxConnections:    maxConnections,
		offlineQueueLimit: offlineQueueLimit,
	}
}

// Start begins accepting TCP connections
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down accept...")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				log.Println("accept error: ", err)
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

// checkServerAvailability reports why a new connection cannot be accepted,
// or "" if it can.
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	var clientID string
	var protocolLevel byte
	sessionEstablished := false

	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		if sessionEstablished {
			srv.broker.HandleClientDisconnect(clientID, false)
		}
		log.Printf("Connection from %s closed", conn.RemoteAddr())
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		log.Printf("rejecting %s: %s", conn.RemoteAddr(), reason)
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	srv.currentConnections.Add(1)
	log.Printf("Client connected from %s (connections: %d/%d)", conn.RemoteAddr(), srv.currentConnections.Load(), srv.maxConnections)
	connectionTimestamp := time.Now().Unix()

	reader := bufio.NewReader(conn)

	for {
		rawPacket, err := readFrame(reader)
		if err != nil {
			if err == io.EOF {
				log.Printf("Client %s disconnected", conn.RemoteAddr())
			} else {
				log.Printf("Read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		parsed, err := pkt.Parse(rawPacket)
		if err != nil {
			log.Printf("Parse error from %s: %v", conn.RemoteAddr(), err)
			srv.sendAndClose(conn, pkt.NewConnAck(false, connackCodeFor(err)))
			return
		}

		if !sessionEstablished {
			connectPacket := parsed.GetConnect()
			if connectPacket == nil {
				log.Printf("Expected CONNECT from %s, got %v", conn.RemoteAddr(), parsed.Type)
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
				return
			}

			if connectPacket.UsernameFlag && connectPacket.PasswordFlag {
				if err := srv.broker.Authenticate(*connectPacket.Username, *connectPacket.Password); err != nil {
					log.Printf("Auth failed for %s: %v", connectPacket.ClientID, err)
					srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
					return
				}
			}

			sessionPresent := srv.broker.EstablishSession(connectPacket, conn, connectionTimestamp)
			clientID = connectPacket.ClientID
			protocolLevel = connectPacket.ProtocolLevel
			sessionEstablished = true

			if protocolLevel == 5 {
				conn.Write(pkt.NewConnAck5(sessionPresent, pkt.ReasonSuccess))
			} else {
				conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
			}

			srv.broker.DeliverQueuedMessages(clientID, srv.offlineQueueLimit)
			continue
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			srv.dispatchPublish(conn, clientID, parsed.Publish)

		case pkt.PUBACK:
			srv.broker.HandlePubAck(clientID, parsed.Puback.PacketID)

		case pkt.PUBREC:
			if pubrel := srv.broker.HandlePubRec(clientID, parsed.Pubrec.PacketID); pubrel != nil {
				conn.Write(pubrel.Encode())
			}

		case pkt.PUBREL:
			_, pubcomp := srv.broker.HandleIncomingPubRel(clientID, parsed.Pubrel.PacketID)
			conn.Write(pubcomp.Encode())

		case pkt.PUBCOMP:
			srv.broker.HandlePubComp(clientID, parsed.Pubcomp.PacketID)

		case pkt.SUBSCRIBE:
			suback := srv.broker.HandleSubscribe(clientID, parsed.Subscribe)
			if _, err := conn.Write(suback.Encode()); err != nil {
				log.Printf("Error sending SUBACK to %s: %v", conn.RemoteAddr(), err)
				return
			}

		case pkt.UNSUBSCRIBE:
			unsuback := srv.broker.HandleUnsubscribe(clientID, parsed.Unsubscribe)
			if _, err := conn.Write(unsuback.Encode()); err != nil {
				log.Printf("Error sending UNSUBACK to %s: %v", conn.RemoteAddr(), err)
				return
			}

		case pkt.PINGREQ:
			if _, err := conn.Write(pkt.CreatePingresp().Encode()); err != nil {
				log.Printf("Error sending PINGRESP to %s: %v", conn.RemoteAddr(), err)
				return
			}

		case pkt.DISCONNECT:
			log.Printf("Received DISCONNECT from %s", conn.RemoteAddr())
			srv.broker.HandleClientDisconnect(clientID, disconnectSuppressesWill(protocolLevel, parsed.Disconnect))
			sessionEstablished = false
			return

		default:
			log.Printf("Unhandled packet type %v from %s", parsed.Type, conn.RemoteAddr())
			return
		}
	}
}

func (srv *TCPServer) dispatchPublish(conn net.Conn, clientID string, p *pkt.PublishPacket) {
	switch p.QoS {
	case pkt.QoSAtMostOnce:
		srv.broker.HandlePublish(clientID, p)

	case pkt.QoSAtLeastOnce:
		srv.broker.HandlePublish(clientID, p)
		if p.PacketID != nil {
			conn.Write(pkt.NewPubAck(*p.PacketID))
		}

	case pkt.QoSExactlyOnce:
		if p.PacketID == nil {
			return
		}
		pubrec := srv.broker.HandleIncomingQoS2Publish(clientID, *p.PacketID, p.Topic, p.Payload, p.Retain)
		conn.Write(pubrec.Encode())
	}
}

// disconnectSuppressesWill implements the MQTT Will-on-disconnect rule: a
// graceful DISCONNECT always cancels the Will, except an MQTT 5 client that
// explicitly asked for "Disconnect with Will Message" (reason 0x04).
func disconnectSuppressesWill(protocolLevel byte, d *pkt.DisconnectPacket) bool {
	if protocolLevel == 5 && d != nil && d.ReasonCode == pkt.ReasonDisconnectWithWillMessage {
		return false
	}
	return true
}

// readFrame reads one full MQTT control packet (fixed header, remaining
// length, variable header and payload) off r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "Transport, Remaining Length", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	totalPacketSize := 1 + remLenOffset + remainingLength
	rawPacket := make([]byte, totalPacketSize)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(r, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

func connackCodeFor(err error) byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.BadUsernameOrPassword
	default:
		return pkt.ServerUnavailable
	}
}

// sendAndClose sends an ACK (usually CONNACK) and closes the connection
func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		if _, err := conn.Write(ack); err != nil {
			log.Printf("Error sending ACK to %s: %v", conn.RemoteAddr(), err)
		}
	}
	conn.Close()
}
