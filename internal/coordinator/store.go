package coordinator

import (
	"github.com/google/uuid"

	"github.com/SquattingSocrates/m-cutie-tea/internal/topic"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

// store is the in-memory index of in-flight messages, their QoS
// progress, publisher context, and receiver sets. It is embedded in
// Coordinator and touched only from the coordinator's single dispatch
// goroutine, mirroring message_store.rs's MessageStore generalized from
// a HashMap<Uuid, PublishContext> plus per-id waiting sets into the Go
// types in types.go.
type store struct {
	contexts map[uuid.UUID]*PublishContext
	queue    []*QueueMessage

	messageIDs map[uint16]uuid.UUID // wire message_id -> MessageUUID, for the currently in-flight window

	waitingQoS1    map[uuid.UUID]bool
	waitingQoS2    map[uuid.UUID]bool
	waitingRelease map[uuid.UUID]bool

	qos2Release map[uuid.UUID]*releaseFlags
}

func newStore() *store {
	return &store{
		contexts:       make(map[uuid.UUID]*PublishContext),
		messageIDs:     make(map[uint16]uuid.UUID),
		waitingQoS1:    make(map[uuid.UUID]bool),
		waitingQoS2:    make(map[uuid.UUID]bool),
		waitingRelease: make(map[uuid.UUID]bool),
		qos2Release:    make(map[uuid.UUID]*releaseFlags),
	}
}

func (s *store) insertPublishMessage(id uuid.UUID, ctx *PublishContext, queueID uuid.UUID, messageID uint16, qos uint8) {
	s.contexts[id] = ctx
	s.queue = append(s.queue, &QueueMessage{
		Kind:        KindPublish,
		MessageUUID: id,
		QueueID:     queueID,
		MessageID:   messageID,
		QoS:         qos,
	})
}

func (s *store) registerMessageID(messageID uint16, id uuid.UUID) {
	s.messageIDs[messageID] = id
}

func (s *store) lookupUUID(messageID uint16) (uuid.UUID, bool) {
	id, ok := s.messageIDs[messageID]
	return id, ok
}

// markSent records a successful (or attempted) delivery round for a
// Publish job: flips Sent on its context and appends the receiver list.
// The caller removes the Publish QueueMessage and, when qos == 2, queues
// the Pubrec confirmation for the publisher.
func (s *store) markSent(id uuid.UUID, receivers []Receiver) {
	if ctx, ok := s.contexts[id]; ok {
		ctx.Sent = true
		ctx.Receivers = append(ctx.Receivers, receivers...)
	}
}

// dropPublishJob removes the Publish QueueMessage for id, leaving its
// PublishContext untouched (callers decide the context's fate).
func (s *store) dropPublishJob(id uuid.UUID) {
	kept := s.queue[:0:0]
	for _, m := range s.queue {
		if m.Kind == KindPublish && m.MessageUUID == id {
			continue
		}
		kept = append(kept, m)
	}
	s.queue = kept
}

func (s *store) enqueue(m *QueueMessage) {
	s.queue = append(s.queue, m)
}

// insertConfirmationMessage enqueues a Confirmation job that delivers
// ack to the original publisher.
func (s *store) insertConfirmationMessage(id uuid.UUID, ack packet.Packet) {
	s.enqueue(&QueueMessage{Kind: KindConfirmation, MessageUUID: id, ConfirmPacket: ack})
}

// upsertReleaseMessage implements the QoS 2 dual-flag merge: it creates
// the ReleaseMessage entry for id on first use, sets the flag of the
// confirmation that triggered the call (Pubrec or Pubrel), and once both
// flags are set enqueues a Release QueueMessage and returns true.
func (s *store) upsertReleaseMessage(id uuid.UUID, fromPubrec bool, publisher, subscriber WriterRef, messageID uint16) bool {
	rel, ok := s.qos2Release[id]
	if !ok {
		rel = &releaseFlags{publisher: publisher, subscriber: subscriber, messageID: messageID}
		s.qos2Release[id] = rel
	}
	if fromPubrec {
		rel.pubrecReceived = true
		rel.subscriber = subscriber
	} else {
		rel.pubrelReceived = true
		rel.publisher = publisher
	}
	if !rel.pubrecReceived || !rel.pubrelReceived {
		return false
	}
	s.enqueue(&QueueMessage{
		Kind:             KindRelease,
		MessageUUID:      id,
		ReleaseTarget:    rel.subscriber,
		ReleaseAckTarget: rel.publisher,
	})
	return true
}

// insertCompletionMessage enqueues a Complete job that delivers a
// Pubcomp to the subscriber that finished a QoS 2 exchange.
func (s *store) insertCompletionMessage(id uuid.UUID, target WriterRef, pubcomp packet.Packet) {
	s.enqueue(&QueueMessage{Kind: KindComplete, MessageUUID: id, CompleteTarget: target, CompletePacket: pubcomp})
}

// cleanupMessage removes every store entry for id: queued jobs,
// waiting-set membership, the message_id mapping, and the
// PublishContext itself.
func (s *store) cleanupMessage(id uuid.UUID) {
	kept := s.queue[:0:0]
	for _, m := range s.queue {
		if m.MessageUUID != id {
			kept = append(kept, m)
		}
	}
	s.queue = kept

	delete(s.waitingQoS1, id)
	delete(s.waitingQoS2, id)
	delete(s.waitingRelease, id)
	delete(s.qos2Release, id)
	delete(s.contexts, id)

	for mid, uid := range s.messageIDs {
		if uid == id {
			delete(s.messageIDs, mid)
		}
	}
}

func (s *store) retryLater(id uuid.UUID) {
	for _, m := range s.queue {
		if m.Kind == KindPublish && m.MessageUUID == id {
			m.InProgress = false
		}
	}
}

// canProcess reports whether a QueueMessage is eligible to be handed to
// a worker right now, implementing the skip rules from the Poll
// contract.
func (s *store) canProcess(m *QueueMessage, tree *topic.Tree) bool {
	if m.InProgress {
		return false
	}
	switch m.Kind {
	case KindPublish:
		ctx, ok := s.contexts[m.MessageUUID]
		if !ok || !ctx.Sender.connected() {
			return false
		}
		q, ok := tree.GetByID(m.QueueID)
		if !ok || len(q.Subscribers) == 0 {
			return false
		}
		return true
	case KindConfirmation:
		if s.waitingQoS1[m.MessageUUID] || s.waitingQoS2[m.MessageUUID] {
			return false
		}
		ctx, ok := s.contexts[m.MessageUUID]
		return ok && ctx.Sender.connected()
	case KindComplete, KindRelease:
		return !s.waitingRelease[m.MessageUUID]
	default:
		return false
	}
}

// poll selects the first eligible job, flips its in_progress and
// waiting-set bits in the same step, and returns a PollResponse ready
// for a worker to act on. Returns ok=false when nothing is eligible.
func (s *store) poll(tree *topic.Tree) (PollResponse, bool) {
	for _, m := range s.queue {
		if !s.canProcess(m, tree) {
			continue
		}
		m.InProgress = true
		switch m.Kind {
		case KindConfirmation:
			s.markWaiting(m)
		case KindComplete, KindRelease:
			s.waitingRelease[m.MessageUUID] = true
		}

		resp := PollResponse{Msg: *m, Context: s.contexts[m.MessageUUID]}
		if m.Kind == KindPublish {
			if q, ok := tree.GetByID(m.QueueID); ok {
				resp.Queue = &TargetQueue{ID: q.ID, Subscribers: subscriberRefs(q.Subscribers)}
			}
		}
		return resp, true
	}
	return PollResponse{Empty: true}, false
}

func (s *store) markWaiting(m *QueueMessage) {
	if ctx, ok := s.contexts[m.MessageUUID]; ok && ctx.Packet != nil {
		if ctx.Packet.QoS == 2 {
			s.waitingQoS2[m.MessageUUID] = true
		} else {
			s.waitingQoS1[m.MessageUUID] = true
		}
	}
}

func subscriberRefs(subs []topic.SubscriberRef) []WriterRef {
	refs := make([]WriterRef, 0, len(subs))
	for _, s := range subs {
		w, _ := s.Process.(Writer)
		refs = append(refs, WriterRef{
			Writer:              w,
			ClientID:            s.ClientID,
			SessionID:           s.SessionID,
			IsPersistentSession: s.IsPersistentSess,
		})
	}
	return refs
}
