package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SquattingSocrates/m-cutie-tea/internal/coordinator"
	"github.com/SquattingSocrates/m-cutie-tea/internal/wal"
	mqtt "github.com/SquattingSocrates/m-cutie-tea"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

type fakeWriter struct {
	mu       sync.Mutex
	sent     []packet.Packet
	deliver  bool
	nextID   uint16
	inFlight map[uint16]uuid.UUID
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{deliver: true, inFlight: make(map[uint16]uuid.UUID)}
}

func (w *fakeWriter) Send(pkt packet.Packet) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.deliver {
		return false
	}
	if _, isSuback := pkt.(*packet.SUBACK); isSuback {
		// Acknowledged but not recorded: sent holds only the delivery and
		// ack traffic the tests assert on.
		return true
	}
	w.sent = append(w.sent, pkt)
	return true
}

func (w *fakeWriter) Deliver(pub *packet.PUBLISH, messageUUID uuid.UUID) bool {
	w.mu.Lock()
	if !w.deliver {
		w.mu.Unlock()
		return false
	}
	if pub.QoS > 0 {
		w.nextID++
		pub.PacketID = w.nextID
		w.inFlight[pub.PacketID] = messageUUID
	}
	w.mu.Unlock()
	return w.Send(pub)
}

func (w *fakeWriter) lookup(id uint16) (uuid.UUID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mid, ok := w.inFlight[id]
	delete(w.inFlight, id)
	return mid, ok
}

func (w *fakeWriter) packets() []packet.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]packet.Packet, len(w.sent))
	copy(out, w.sent)
	return out
}

type noopMetrics struct{}

func (noopMetrics) ClientConnected()    {}
func (noopMetrics) ClientDisconnected() {}
func (noopMetrics) QueueCreated()       {}

type fakeRecorder struct {
	mu  sync.Mutex
	qos []uint8
}

func (r *fakeRecorder) ObserveDelivery(qos uint8, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qos = append(r.qos, qos)
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.qos)
}

func newTestSetup(t *testing.T) (*coordinator.Coordinator, context.Context, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.wal")
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
	return coord, ctx, func() { cancel(); log.Close() }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("waitFor: condition never became true")
}

func subscribePacket(filter string, qos uint8) *packet.SUBSCRIBE {
	return &packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: 4, Kind: mqtt.SUBSCRIBE},
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: filter, MaximumQoS: qos}},
	}
}

func publishPacket(topicName string, qos uint8, content string) *packet.PUBLISH {
	return &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: 4, Kind: mqtt.PUBLISH, QoS: qos},
		Message:     &packet.Message{TopicName: topicName, Content: []byte(content)},
	}
}

// processPublish's fan-out, qos 0: delivered straight through, no further
// jobs enqueued.
func TestWorkerDeliversQoS0(t *testing.T) {
	coord, ctx, cleanup := newTestSetup(t)
	defer cleanup()

	sub := newFakeWriter()
	subRef := coordinator.WriterRef{Writer: sub, ClientID: "sub"}
	coord.Connect(ctx, subRef, true)
	coord.Subscribe(ctx, subscribePacket("t", 0), subRef)

	recorder := &fakeRecorder{}
	w := New(1, coord, recorder)
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	go w.Run(wctx)

	pubRef := coordinator.WriterRef{Writer: newFakeWriter(), ClientID: "pub"}
	coord.Connect(ctx, pubRef, true)
	coord.Publish(ctx, publishPacket("t", 0, "hi"), pubRef, time.Now())

	waitFor(t, func() bool { return len(sub.packets()) > 0 })
	p := sub.packets()[0].(*packet.PUBLISH)
	if string(p.Message.Content) != "hi" {
		t.Fatalf("unexpected payload %q", p.Message.Content)
	}
	waitFor(t, func() bool { return recorder.count() > 0 })
}

// A full qos 1 cycle: worker delivers, subscriber acks, worker forwards
// the Puback back to the publisher.
func TestWorkerQoS1FullCycle(t *testing.T) {
	coord, ctx, cleanup := newTestSetup(t)
	defer cleanup()

	sub := newFakeWriter()
	subRef := coordinator.WriterRef{Writer: sub, ClientID: "sub"}
	coord.Connect(ctx, subRef, true)
	coord.Subscribe(ctx, subscribePacket("t", 1), subRef)

	pubWriter := newFakeWriter()
	pubRef := coordinator.WriterRef{Writer: pubWriter, ClientID: "pub"}
	coord.Connect(ctx, pubRef, true)

	w := New(1, coord, &fakeRecorder{})
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	go w.Run(wctx)

	pub := publishPacket("t", 1, "hi")
	pub.PacketID = 5
	coord.Publish(ctx, pub, pubRef, time.Now())

	waitFor(t, func() bool { return len(sub.packets()) > 0 })
	delivered := sub.packets()[0].(*packet.PUBLISH)
	messageUUID, found := sub.lookup(delivered.PacketID)
	if !found {
		t.Fatal("no in-flight mapping recorded by subscriber writer")
	}

	puback := &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: 4, Kind: mqtt.PUBACK}, PacketID: delivered.PacketID}
	coord.Confirm(ctx, puback, messageUUID, subRef)

	waitFor(t, func() bool { return len(pubWriter.packets()) > 0 })
	if _, ok := pubWriter.packets()[0].(*packet.PUBACK); !ok {
		t.Fatalf("expected PUBACK forwarded to publisher, got %T", pubWriter.packets()[0])
	}
}

// A subscriber whose Deliver always fails is removed from the queue
// instead of being retried indefinitely.
func TestWorkerDropsInactiveSubscriber(t *testing.T) {
	coord, ctx, cleanup := newTestSetup(t)
	defer cleanup()

	dead := newFakeWriter()
	dead.deliver = false
	deadRef := coordinator.WriterRef{Writer: dead, ClientID: "dead"}
	coord.Connect(ctx, deadRef, true)
	coord.Subscribe(ctx, subscribePacket("t", 0), deadRef)

	w := New(1, coord, &fakeRecorder{})
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	go w.Run(wctx)

	pubRef := coordinator.WriterRef{Writer: newFakeWriter(), ClientID: "pub"}
	coord.Connect(ctx, pubRef, true)
	coord.Publish(ctx, publishPacket("t", 0, "one"), pubRef, time.Now())

	// Give the worker a moment to observe the failed delivery and drop
	// the dead subscriber from the queue before anyone else subscribes.
	time.Sleep(50 * time.Millisecond)

	live := newFakeWriter()
	liveRef := coordinator.WriterRef{Writer: live, ClientID: "live"}
	coord.Connect(ctx, liveRef, true)
	coord.Subscribe(ctx, subscribePacket("t", 0), liveRef)
	coord.Publish(ctx, publishPacket("t", 0, "two"), pubRef, time.Now())

	waitFor(t, func() bool { return len(live.packets()) > 0 })
	if len(dead.packets()) != 0 {
		t.Fatalf("dead subscriber should never receive a delivered publish, got %d", len(dead.packets()))
	}
}
