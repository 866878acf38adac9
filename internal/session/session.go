// Package session implements the per-connection reader and writer
// halves of a client connection, grounded on the teacher's conn.go
// serve loop and defaultHandler dispatch, generalized to route every
// state-changing packet through the coordinator instead of touching a
// shared topic trie directly.
package session

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SquattingSocrates/m-cutie-tea/internal/coordinator"
	mqtt "github.com/SquattingSocrates/m-cutie-tea"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

// Writer is the egress half of a connection: it serializes packets to
// the wire and owns the session-local message_id allocator used for
// subscriber-facing deliveries (paralleling the teacher's InFight, but
// keyed by the id the broker itself assigns rather than the id a
// client chose).
type Writer struct {
	mu      sync.Mutex
	rwc     net.Conn
	version byte
	closed  atomic.Bool

	nextID  uint32
	inFlight map[uint16]uuid.UUID
}

func newWriter(rwc net.Conn, version byte) *Writer {
	return &Writer{rwc: rwc, version: version, inFlight: make(map[uint16]uuid.UUID)}
}

// Send serializes pkt directly to the connection. Used for every
// packet except a subscriber-facing PUBLISH, which must go through
// Deliver so its message_id is recorded.
func (w *Writer) Send(pkt packet.Packet) bool {
	if w.closed.Load() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := pkt.Pack(w.rwc); err != nil {
		log.Printf("session: write failed: remote=%s err=%v", w.rwc.RemoteAddr(), err)
		return false
	}
	return true
}

// Deliver assigns a fresh session-local message_id to pub, remembers
// its mapping to messageUUID, and sends it. LookupDelivery resolves the
// id back when this session's reader later sees a Puback/Pubrec for it.
func (w *Writer) Deliver(pub *packet.PUBLISH, messageUUID uuid.UUID) bool {
	if pub.QoS > 0 {
		id := w.allocID()
		w.mu.Lock()
		w.inFlight[id] = messageUUID
		w.mu.Unlock()
		pub.PacketID = id
	}
	return w.Send(pub)
}

// LookupDelivery resolves a wire message_id from an incoming
// Puback/Pubrec/Pubcomp back to the MessageUuid Deliver recorded for
// it, removing the entry (each id is consumed once).
func (w *Writer) LookupDelivery(messageID uint16) (uuid.UUID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.inFlight[messageID]
	if ok {
		delete(w.inFlight, messageID)
	}
	return id, ok
}

func (w *Writer) allocID() uint16 {
	for {
		id := uint16(atomic.AddUint32(&w.nextID, 1))
		if id != 0 {
			return id
		}
	}
}

func (w *Writer) close() {
	w.closed.Store(true)
	_ = w.rwc.Close()
}

// Session owns one client connection end to end: it reads packets,
// dispatches them to the coordinator, and holds the Writer the
// coordinator uses to push messages back.
type Session struct {
	coord   *coordinator.Coordinator
	metrics PacketCounter

	rwc        net.Conn
	writer     *Writer
	version    byte
	clientID   string
	sessionID  uuid.UUID
	clean      bool
	willTopic  string
	willPayload []byte
}

// PacketCounter is the subset of the metrics sink a session updates
// directly, for every packet it successfully decodes off the wire.
type PacketCounter interface {
	PacketReceived()
}

// New wraps an accepted connection. version is unknown until CONNECT
// arrives; packet.Unpack uses version 0 as "read the CONNECT itself"
// the same way the teacher's conn.version zero-value does.
func New(rwc net.Conn, coord *coordinator.Coordinator, metrics PacketCounter) *Session {
	return &Session{
		coord:   coord,
		metrics: metrics,
		rwc:     rwc,
		writer:  newWriter(rwc, 0),
	}
}

// Serve reads and dispatches packets until the connection closes or ctx
// is cancelled. It always cleans up: closing the writer, telling the
// coordinator the client disconnected, and publishing the will message
// (if any).
func (s *Session) Serve(ctx context.Context) {
	defer s.teardown(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := packet.Unpack(s.version, s.rwc)
		if err != nil {
			if err != io.EOF {
				log.Printf("session: read failed: remote=%s err=%v", s.remoteAddr(), err)
			}
			return
		}
		if s.metrics != nil {
			s.metrics.PacketReceived()
		}
		if !s.handle(ctx, pkt) {
			return
		}
	}
}

func (s *Session) remoteAddr() string {
	if s.rwc == nil || s.rwc.RemoteAddr() == nil {
		return ""
	}
	return s.rwc.RemoteAddr().String()
}

func (s *Session) ref() coordinator.WriterRef {
	return coordinator.WriterRef{Writer: s.writer, ClientID: s.clientID, SessionID: s.sessionID, IsPersistentSession: !s.clean}
}

// handle dispatches one decoded packet, returning false when the
// connection should close.
func (s *Session) handle(ctx context.Context, pkt packet.Packet) bool {
	switch p := pkt.(type) {
	case *packet.CONNECT:
		s.onConnect(ctx, p)
	case *packet.PUBLISH:
		s.onPublish(ctx, p)
	case *packet.PUBACK:
		s.onAck(ctx, p, p.PacketID)
	case *packet.PUBREC:
		s.onAck(ctx, p, p.PacketID)
	case *packet.PUBREL:
		s.onAck(ctx, p, p.PacketID)
	case *packet.PUBCOMP:
		s.onAck(ctx, p, p.PacketID)
	case *packet.SUBSCRIBE:
		s.onSubscribe(ctx, p)
	case *packet.PINGREQ:
		s.writer.Send(&packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: s.version, Kind: mqtt.PINGRESP}})
	case *packet.DISCONNECT:
		s.willTopic, s.willPayload = "", nil
		return false
	case *packet.AUTH:
		// Decoded only; the broker offers no enhanced-auth exchange.
	default:
		log.Printf("session: unhandled packet type %T from %s", pkt, s.remoteAddr())
	}
	return true
}

func (s *Session) onConnect(ctx context.Context, p *packet.CONNECT) {
	s.version, s.clientID = p.Version, p.ClientID
	s.clean = p.ConnectFlags.CleanStart()
	s.sessionID = uuid.New()
	s.willTopic, s.willPayload = p.WillTopic, p.WillPayload

	connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: s.version, Kind: mqtt.CONNACK}}
	s.coord.Connect(ctx, s.ref(), s.clean)
	s.writer.Send(connack)
}

func (s *Session) onPublish(ctx context.Context, p *packet.PUBLISH) {
	startedAt := time.Now()
	if !s.coord.Publish(ctx, p, s.ref(), startedAt) {
		return
	}
	switch p.QoS {
	case 1:
		// The Puback is emitted by a worker once a subscriber has
		// acknowledged the message, not eagerly here.
	case 2:
		// Likewise the Pubrec: it is queued once delivery succeeds.
	}
}

func (s *Session) onAck(ctx context.Context, pkt packet.Packet, wireMessageID uint16) {
	if pubrel, ok := pkt.(*packet.PUBREL); ok {
		messageUUID, found := s.coord.ResolvePublisherAck(ctx, s.clientID, wireMessageID)
		if !found {
			return
		}
		s.coord.Confirm(ctx, pubrel, messageUUID, s.ref())
		return
	}
	messageUUID, found := s.writer.LookupDelivery(wireMessageID)
	if !found {
		return
	}
	s.coord.Confirm(ctx, pkt, messageUUID, s.ref())
}

func (s *Session) onSubscribe(ctx context.Context, p *packet.SUBSCRIBE) {
	s.coord.Subscribe(ctx, p, s.ref())
}

func (s *Session) teardown(ctx context.Context) {
	s.writer.close()
	s.coord.Disconnect(ctx, s.clientID)
	if s.willTopic != "" {
		will := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: s.version, Kind: mqtt.PUBLISH},
			Message:     &packet.Message{TopicName: s.willTopic, Content: s.willPayload},
		}
		s.coord.Publish(ctx, will, s.ref(), time.Now())
	}
}
