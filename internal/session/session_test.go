package session

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/SquattingSocrates/m-cutie-tea/internal/coordinator"
	"github.com/SquattingSocrates/m-cutie-tea/internal/wal"
	"github.com/SquattingSocrates/m-cutie-tea/internal/worker"
	mqtt "github.com/SquattingSocrates/m-cutie-tea"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

type noopMetrics struct{}

func (noopMetrics) ClientConnected()                        {}
func (noopMetrics) ClientDisconnected()                      {}
func (noopMetrics) QueueCreated()                             {}
func (noopMetrics) PacketReceived()                           {}
func (noopMetrics) ObserveDelivery(qos uint8, d time.Duration) {}

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.wal")
	log, err := wal.Open(path)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	coord, err := coordinator.New(log, noopMetrics{})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	go worker.New(1, coord, noopMetrics{}).Run(ctx)
	return coord, func() { cancel(); log.Close() }
}

func connectPacket(clientID string) *packet.CONNECT {
	return &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.CONNECT},
		ClientID:     clientID,
		ConnectFlags: packet.ConnectFlags(0x02), // CleanStart/CleanSession bit set
		KeepAlive:    60,
	}
}

func readPacket(t *testing.T, conn net.Conn, version byte) packet.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := packet.Unpack(version, conn)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	return pkt
}

// TestSessionConnectAndSubscribe exercises the CONNECT/CONNACK and
// SUBSCRIBE/SUBACK handshakes end to end over a real net.Conn pair.
func TestSessionConnectAndSubscribe(t *testing.T) {
	coord, cleanup := newTestCoordinator(t)
	defer cleanup()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	sess := New(serverConn, coord, noopMetrics{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Serve(ctx)

	if err := connectPacket("c1").Pack(clientConn); err != nil {
		t.Fatalf("Pack CONNECT: %v", err)
	}
	if _, ok := readPacket(t, clientConn, packet.VERSION311).(*packet.CONNACK); !ok {
		t.Fatal("expected CONNACK")
	}

	sub := &packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.SUBSCRIBE},
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "t", MaximumQoS: 1}},
	}
	if err := sub.Pack(clientConn); err != nil {
		t.Fatalf("Pack SUBSCRIBE: %v", err)
	}
	suback, ok := readPacket(t, clientConn, packet.VERSION311).(*packet.SUBACK)
	if !ok {
		t.Fatal("expected SUBACK")
	}
	if len(suback.ReasonCode) != 1 || suback.ReasonCode[0].Code != 1 {
		t.Fatalf("unexpected SUBACK reason codes: %#v", suback.ReasonCode)
	}
}

// TestSessionPublishDelivery wires a publisher session and a subscriber
// session to the same coordinator and checks that a QoS 0 publish
// reaches the subscriber.
func TestSessionPublishDelivery(t *testing.T) {
	coord, cleanup := newTestCoordinator(t)
	defer cleanup()

	subClient, subServer := net.Pipe()
	defer subClient.Close()
	subSession := New(subServer, coord, noopMetrics{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go subSession.Serve(ctx)

	if err := connectPacket("subscriber").Pack(subClient); err != nil {
		t.Fatalf("Pack CONNECT: %v", err)
	}
	readPacket(t, subClient, packet.VERSION311) // CONNACK

	sub := &packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.SUBSCRIBE},
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "t", MaximumQoS: 0}},
	}
	if err := sub.Pack(subClient); err != nil {
		t.Fatalf("Pack SUBSCRIBE: %v", err)
	}
	readPacket(t, subClient, packet.VERSION311) // SUBACK

	pubClient, pubServer := net.Pipe()
	defer pubClient.Close()
	pubSession := New(pubServer, coord, noopMetrics{})
	go pubSession.Serve(ctx)

	if err := connectPacket("publisher").Pack(pubClient); err != nil {
		t.Fatalf("Pack CONNECT: %v", err)
	}
	readPacket(t, pubClient, packet.VERSION311) // CONNACK

	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.PUBLISH, QoS: 0},
		Message:     &packet.Message{TopicName: "t", Content: []byte("hi")},
	}
	if err := pub.Pack(pubClient); err != nil {
		t.Fatalf("Pack PUBLISH: %v", err)
	}

	delivered, ok := readPacket(t, subClient, packet.VERSION311).(*packet.PUBLISH)
	if !ok {
		t.Fatal("expected PUBLISH delivered to subscriber")
	}
	if string(delivered.Message.Content) != "hi" {
		t.Fatalf("unexpected payload %q", delivered.Message.Content)
	}
}
