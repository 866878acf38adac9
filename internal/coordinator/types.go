// Package coordinator implements the broker's singleton routing state
// machine: the topic tree, the in-memory message store, and the WAL
// handle, all owned by one goroutine that processes requests to
// completion one at a time.
package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

// Writer is the stable, cloneable handle the coordinator holds for a
// connected session's egress half. It never reaches back into the
// session's internal state; it only accepts a packet and reports
// whether the send succeeded, the same contract golang-io-mqtt's
// ResponseWriter gives its handlers.
//
// Deliver is used only for the subscriber-facing leg of a Publish job:
// a session's wire message_id is only unique per-connection, so the
// Writer itself (not the coordinator) assigns the id used on the wire
// and remembers id->messageUUID, so that a later Puback/Pubrec/Pubcomp
// on this same connection can be resolved back to the coordinator's
// global MessageUuid before calling Confirm.
type Writer interface {
	Send(pkt packet.Packet) bool
	Deliver(pub *packet.PUBLISH, messageUUID uuid.UUID) bool
}

// WriterRef identifies a publisher or subscriber session. Writer is nil
// when the session is currently disconnected; the client/session
// identity is retained so a reconnect (same ClientID, persistent
// session) can be matched back to in-flight state.
type WriterRef struct {
	Writer              Writer
	ClientID            string
	SessionID           uuid.UUID
	IsPersistentSession bool
}

// Connected reports whether ref currently has a live writer attached.
func (w WriterRef) Connected() bool { return w.Writer != nil }

func (w WriterRef) connected() bool { return w.Connected() }

func (w WriterRef) sameSession(o WriterRef) bool {
	return w.ClientID == o.ClientID && w.SessionID == o.SessionID
}

// Receiver records that a subscriber has had a message hand off to its
// egress, at a possibly-downgraded effective QoS.
type Receiver struct {
	Writer      WriterRef
	ReceivedQoS uint8
}

// PublishContext is the large, immutable-once-built portion of an
// in-flight message: one per MessageUUID.
type PublishContext struct {
	Packet    *packet.PUBLISH
	Sender    WriterRef
	StartedAt time.Time
	Receivers []Receiver
	Sent      bool
	QueueID   uuid.UUID
}

// MessageKind is the QueueMessage sum-type tag.
type MessageKind uint8

const (
	KindPublish MessageKind = iota
	KindConfirmation
	KindComplete
	KindRelease
)

func (k MessageKind) String() string {
	switch k {
	case KindPublish:
		return "Publish"
	case KindConfirmation:
		return "Confirmation"
	case KindComplete:
		return "Complete"
	case KindRelease:
		return "Release"
	default:
		return "Unknown"
	}
}

// QueueMessage is the unit of scheduling in the job queue workers poll.
type QueueMessage struct {
	Kind        MessageKind
	MessageUUID uuid.UUID
	InProgress  bool

	// Publish fields.
	QueueID   uuid.UUID
	MessageID uint16
	QoS       uint8

	// Confirmation fields: the ack packet (Puback or Pubrec) destined
	// for the publisher that originated MessageUUID.
	ConfirmPacket packet.Packet

	// Complete fields: the Pubcomp destined for the subscriber that
	// completed a QoS 2 exchange.
	CompletePacket  packet.Packet
	CompleteTarget  WriterRef

	// Release fields: forward Pubrel to the chosen subscriber, then
	// Pubcomp to the publisher.
	ReleaseTarget    WriterRef
	ReleasePacket    packet.Packet
	ReleaseAckTarget WriterRef
	ReleaseAck       packet.Packet
}

// releaseFlags tracks the two independent confirmations (Pubrec from
// the subscriber, Pubrel from the publisher) that must both arrive
// before a QoS 2 exchange can be released.
type releaseFlags struct {
	pubrecReceived bool
	pubrelReceived bool
	messageID      uint16
	subscriber     WriterRef
	publisher      WriterRef
}

// PollResponse is what Poll hands back to a worker: either nothing to
// do, or exactly one job plus the context it needs to act without a
// second round trip to the coordinator.
type PollResponse struct {
	Empty bool

	Msg     QueueMessage
	Queue   *TargetQueue // Publish jobs only
	Context *PublishContext
}

// TargetQueue is the minimal queue view a worker needs: the id (to
// report inactive subscribers back) and a snapshot of the subscriber
// list at poll time.
type TargetQueue struct {
	ID          uuid.UUID
	Subscribers []WriterRef
}
