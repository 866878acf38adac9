package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	mqtt "github.com/SquattingSocrates/m-cutie-tea"
	"github.com/SquattingSocrates/m-cutie-tea/internal/topic"
	"github.com/SquattingSocrates/m-cutie-tea/internal/wal"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

// --- Connect ---

type connectReq struct {
	ref          WriterRef
	cleanSession bool
	reply        chan bool
}

func (r *connectReq) apply(c *Coordinator) {
	c.clients[r.ref.ClientID] = r.ref
	if !r.cleanSession {
		for _, ctx := range c.store.contexts {
			if ctx.Sender.ClientID == r.ref.ClientID {
				ctx.Sender = r.ref
			}
		}
		c.tree.UpdateSubscriberProcess(r.ref.ClientID, r.ref.SessionID, r.ref.Writer)
	}
	c.metrics.ClientConnected()
	r.reply <- true
}

// Connect inserts ref into the client map and, for a resumed persistent
// session, patches every PublishContext.Sender and subscriber entry
// referencing this client_id to the new writer.
func (c *Coordinator) Connect(ctx context.Context, ref WriterRef, cleanSession bool) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &connectReq{ref: ref, cleanSession: cleanSession, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- Disconnect ---

type disconnectReq struct {
	clientID string
	reply    chan struct{}
}

func (r *disconnectReq) apply(c *Coordinator) {
	delete(c.clients, r.clientID)
	for _, ctx := range c.store.contexts {
		if ctx.Sender.ClientID == r.clientID {
			ctx.Sender.Writer = nil
		}
	}
	c.tree.UpdateSubscriberProcess(r.clientID, uuid.Nil, nil)
	c.metrics.ClientDisconnected()
	close(r.reply)
}

// Disconnect removes clientID's writer handle everywhere it appears,
// without deleting any in-flight message state.
func (c *Coordinator) Disconnect(ctx context.Context, clientID string) {
	reply := make(chan struct{})
	if !c.send(ctx, &disconnectReq{clientID: clientID, reply: reply}) {
		return
	}
	await(ctx, reply, struct{}{})
}

// --- Subscribe ---

type subscribeReq struct {
	sub   *packet.SUBSCRIBE
	ref   WriterRef
	reply chan bool
}

func (r *subscribeReq) apply(c *Coordinator) {
	reasons := make([]packet.ReasonCode, 0, len(r.sub.Subscriptions))
	for _, s := range r.sub.Subscriptions {
		c.tree.AddSubscriptions(s.TopicFilter, topic.SubscriberRef{
			Process:          r.ref.Writer,
			ClientID:         r.ref.ClientID,
			SessionID:        r.ref.SessionID,
			IsPersistentSess: r.ref.IsPersistentSession,
			SubscribedQoS:    s.MaximumQoS,
		})
		reasons = append(reasons, packet.ReasonCode{Code: s.MaximumQoS})
	}
	suback := &packet.SUBACK{
		FixedHeader: &packet.FixedHeader{Version: r.sub.Version, Kind: mqtt.SUBACK},
		PacketID:    r.sub.PacketID,
		ReasonCode:  reasons,
	}
	ok := r.ref.connected() && r.ref.Writer.Send(suback)
	r.reply <- ok
}

// Subscribe records filter->writer for every subscription in sub and
// writes the SUBACK, granting the requested QoS for each filter.
func (c *Coordinator) Subscribe(ctx context.Context, sub *packet.SUBSCRIBE, ref WriterRef) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &subscribeReq{sub: sub, ref: ref, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- Publish ---

type publishReq struct {
	pkt       *packet.PUBLISH
	sender    WriterRef
	startedAt time.Time
	reply     chan bool
}

func (r *publishReq) apply(c *Coordinator) {
	id := uuid.New()
	if r.pkt.QoS > 0 {
		c.store.registerMessageID(r.pkt.PacketID, id)
		if err := c.log.Append(walEntry(wal.Publish, id, r.pkt, r.sender)); err != nil {
			c.warn("publish", logrus.Fields{"message_uuid": id}, err)
			r.reply <- false
			return
		}
	}
	q, created := c.tree.GetOrCreateByName(r.pkt.Message.TopicName)
	if created {
		c.metrics.QueueCreated()
	}
	ctx := &PublishContext{Packet: r.pkt, Sender: r.sender, StartedAt: r.startedAt, QueueID: q.ID}
	c.store.insertPublishMessage(id, ctx, q.ID, r.pkt.PacketID, r.pkt.QoS)
	r.reply <- true
}

func walEntry(kind wal.Kind, id uuid.UUID, pkt *packet.PUBLISH, sender WriterRef) wal.Entry {
	return wal.Entry{
		Kind:        kind,
		MessageUUID: id,
		Timestamp:   time.Now(),
		Publish: &wal.PublishPayload{
			Topic:     pkt.Message.TopicName,
			Content:   pkt.Message.Content,
			QoS:       pkt.QoS,
			MessageID: pkt.PacketID,
			ClientID:  sender.ClientID,
			SessionID: sender.SessionID,
		},
	}
}

// Publish admits a PUBLISH into the store, assigning it a fresh
// MessageUuid and (for qos>0) appending a Publish WAL entry.
func (c *Coordinator) Publish(ctx context.Context, pub *packet.PUBLISH, sender WriterRef, startedAt time.Time) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &publishReq{pkt: pub, sender: sender, startedAt: startedAt, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- Confirm ---

type confirmReq struct {
	pkt         packet.Packet
	messageUUID uuid.UUID
	from        WriterRef
	reply       chan bool
}

func (r *confirmReq) apply(c *Coordinator) {
	ctx, ok := c.store.contexts[r.messageUUID]
	if !ok {
		r.reply <- false
		return
	}
	switch r.pkt.(type) {
	case *packet.PUBACK:
		if err := c.log.Append(simpleEntry(wal.Accepted, r.messageUUID)); err != nil {
			c.warn("confirm puback", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		puback := &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: ctx.Packet.Version, Kind: mqtt.PUBACK}, PacketID: ctx.Packet.PacketID}
		c.store.insertConfirmationMessage(r.messageUUID, puback)
		r.reply <- true
	case *packet.PUBREC:
		if err := c.log.Append(simpleEntry(wal.Deleted, r.messageUUID)); err != nil {
			c.warn("confirm pubrec", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		c.store.dropPublishJob(r.messageUUID)
		c.store.upsertReleaseMessage(r.messageUUID, true, ctx.Sender, r.from, ctx.Packet.PacketID)
		r.reply <- true
	case *packet.PUBREL:
		if err := c.log.Append(simpleEntry(wal.Accepted, r.messageUUID)); err != nil {
			c.warn("confirm pubrel", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		c.store.upsertReleaseMessage(r.messageUUID, false, r.from, WriterRef{}, ctx.Packet.PacketID)
		r.reply <- true
	case *packet.PUBCOMP:
		if err := c.log.Append(simpleEntry(wal.Completed, r.messageUUID)); err != nil {
			c.warn("confirm pubcomp", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		c.store.cleanupMessage(r.messageUUID)
		r.reply <- true
	default:
		r.reply <- false
	}
}

func simpleEntry(kind wal.Kind, id uuid.UUID) wal.Entry {
	return wal.Entry{Kind: kind, MessageUUID: id, Timestamp: time.Now()}
}

// Confirm dispatches an acknowledgement packet (Puback/Pubrec/Pubrel/
// Pubcomp) for messageUUID according to its concrete type. from is the
// connection that sent pkt, which may be either the original publisher
// (Pubrel) or a subscriber (Puback/Pubrec/Pubcomp).
func (c *Coordinator) Confirm(ctx context.Context, pkt packet.Packet, messageUUID uuid.UUID, from WriterRef) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &confirmReq{pkt: pkt, messageUUID: messageUUID, from: from, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- ResolvePublisherAck ---

type resolvePublisherAckReq struct {
	clientID  string
	messageID uint16
	reply     chan resolveResult
}

type resolveResult struct {
	id    uuid.UUID
	found bool
}

func (r *resolvePublisherAckReq) apply(c *Coordinator) {
	id, ok := c.store.lookupUUID(r.messageID)
	if !ok {
		r.reply <- resolveResult{}
		return
	}
	if ctx, ok := c.store.contexts[id]; !ok || ctx.Sender.ClientID != r.clientID {
		r.reply <- resolveResult{}
		return
	}
	r.reply <- resolveResult{id: id, found: true}
}

// ResolvePublisherAck maps a publisher's own wire message_id (Pubrel,
// on the original PUBLISH's packet id) back to its MessageUuid. Unlike
// a subscriber-facing delivery, the publisher's message_id is already
// stored by Publish's registerMessageID call, so no session-local
// table is needed here; clientID disambiguates the rare case of two
// different publishers reusing the same numeric id concurrently.
func (c *Coordinator) ResolvePublisherAck(ctx context.Context, clientID string, messageID uint16) (uuid.UUID, bool) {
	reply := make(chan resolveResult, 1)
	if !c.send(ctx, &resolvePublisherAckReq{clientID: clientID, messageID: messageID, reply: reply}) {
		return uuid.Nil, false
	}
	res := await(ctx, reply, resolveResult{})
	return res.id, res.found
}

// --- Poll ---

type pollReq struct {
	reply chan PollResponse
}

func (r *pollReq) apply(c *Coordinator) {
	resp, _ := c.store.poll(c.tree)
	r.reply <- resp
}

// Poll returns the next actionable QueueMessage, marking it in-progress
// atomically with the read.
func (c *Coordinator) Poll(ctx context.Context) PollResponse {
	reply := make(chan PollResponse, 1)
	if !c.send(ctx, &pollReq{reply: reply}) {
		return PollResponse{Empty: true}
	}
	return await(ctx, reply, PollResponse{Empty: true})
}

// --- Sent ---

type sentReq struct {
	messageUUID  uuid.UUID
	messageID    uint16
	qos          uint8
	inactiveSubs []WriterRef
	receivers    []Receiver
	reply        chan bool
}

func (r *sentReq) apply(c *Coordinator) {
	if err := c.log.Append(simpleEntry(wal.Sent, r.messageUUID)); err != nil {
		c.warn("sent", logrus.Fields{"message_uuid": r.messageUUID}, err)
		r.reply <- false
		return
	}
	c.store.markSent(r.messageUUID, r.receivers)
	c.store.dropPublishJob(r.messageUUID)
	if ctx, ok := c.store.contexts[r.messageUUID]; ok {
		c.tree.DropInactiveSubs(ctx.QueueID, toSubscriberRefs(r.inactiveSubs))
	}
	if r.qos == 2 {
		if ctx, ok := c.store.contexts[r.messageUUID]; ok {
			pubrec := &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: ctx.Packet.Version, Kind: mqtt.PUBREC}, PacketID: r.messageID}
			c.store.insertConfirmationMessage(r.messageUUID, pubrec)
		}
	}
	r.reply <- true
}

func toSubscriberRefs(refs []WriterRef) []topic.SubscriberRef {
	out := make([]topic.SubscriberRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, topic.SubscriberRef{ClientID: r.ClientID, SessionID: r.SessionID})
	}
	return out
}

// Sent records the outcome of a worker's delivery attempt: the receiver
// list, inactive-subscriber removal, and (for qos==2) the Pubrec owed
// back to the publisher.
func (c *Coordinator) Sent(ctx context.Context, messageUUID uuid.UUID, messageID uint16, qos uint8, inactiveSubs []WriterRef, receivers []Receiver) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &sentReq{messageUUID: messageUUID, messageID: messageID, qos: qos, inactiveSubs: inactiveSubs, receivers: receivers, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- Release ---

type releaseReq struct {
	messageUUID  uuid.UUID
	qos          uint8
	messageID    uint16
	inactiveSubs []WriterRef
	receivers    []Receiver
	reply        chan bool
}

func (r *releaseReq) apply(c *Coordinator) {
	ctx, ok := c.store.contexts[r.messageUUID]
	if ok {
		ctx.Receivers = append(ctx.Receivers, r.receivers...)
		c.tree.DropInactiveSubs(ctx.QueueID, toSubscriberRefs(r.inactiveSubs))
	}
	switch r.qos {
	case 1:
		if err := c.log.Append(simpleEntry(wal.Deleted, r.messageUUID)); err != nil {
			c.warn("release qos1 deleted", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		if err := c.log.Append(simpleEntry(wal.Completed, r.messageUUID)); err != nil {
			c.warn("release qos1 completed", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		c.store.cleanupMessage(r.messageUUID)
	case 2:
		if err := c.log.Append(simpleEntry(wal.Completed, r.messageUUID)); err != nil {
			c.warn("release qos2 completed", logrus.Fields{"message_uuid": r.messageUUID}, err)
			r.reply <- false
			return
		}
		c.store.dropPublishJob(r.messageUUID)
	case 0:
		c.store.cleanupMessage(r.messageUUID)
	}
	r.reply <- true
}

// Release finalizes a publish round per its QoS: qos 1 writes
// Deleted+Completed and tears the message down, qos 2 writes Completed
// only (Deleted was written on Pubrec), qos 0 is a pure teardown.
func (c *Coordinator) Release(ctx context.Context, messageUUID uuid.UUID, qos uint8, messageID uint16, inactiveSubs []WriterRef, receivers []Receiver) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &releaseReq{messageUUID: messageUUID, qos: qos, messageID: messageID, inactiveSubs: inactiveSubs, receivers: receivers, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- Complete ---

type completeReq struct {
	messageUUID uuid.UUID
	messageID   uint16
	reply       chan bool
}

func (r *completeReq) apply(c *Coordinator) {
	ctx, ok := c.store.contexts[r.messageUUID]
	if !ok {
		r.reply <- false
		return
	}
	rel := c.store.qos2Release[r.messageUUID]
	target := ctx.Sender
	if rel != nil {
		target = rel.subscriber
	}
	pubcomp := &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: ctx.Packet.Version, Kind: mqtt.PUBCOMP}, PacketID: r.messageID}
	c.store.insertCompletionMessage(r.messageUUID, target, pubcomp)
	r.reply <- true
}

// Complete re-enqueues a Pubcomp delivery to the subscriber side of a
// QoS 2 exchange, used to retry that leg independently of the
// publisher-facing half of Release.
func (c *Coordinator) Complete(ctx context.Context, messageUUID uuid.UUID, messageID uint16) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &completeReq{messageUUID: messageUUID, messageID: messageID, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}

// --- Cleanup ---

type cleanupReq struct {
	messageUUID uuid.UUID
	reply       chan struct{}
}

func (r *cleanupReq) apply(c *Coordinator) {
	c.store.cleanupMessage(r.messageUUID)
	close(r.reply)
}

// Cleanup removes all remaining store entries for messageUUID. Called
// after the terminal Pubcomp for QoS 2.
func (c *Coordinator) Cleanup(ctx context.Context, messageUUID uuid.UUID, messageID uint16, qos uint8) {
	reply := make(chan struct{})
	if !c.send(ctx, &cleanupReq{messageUUID: messageUUID, reply: reply}) {
		return
	}
	await(ctx, reply, struct{}{})
}

// --- RetryLater ---

type retryLaterReq struct {
	messageUUID  uuid.UUID
	inactiveSubs []WriterRef
	reply        chan bool
}

func (r *retryLaterReq) apply(c *Coordinator) {
	c.store.retryLater(r.messageUUID)
	if ctx, ok := c.store.contexts[r.messageUUID]; ok {
		c.tree.DropInactiveSubs(ctx.QueueID, toSubscriberRefs(r.inactiveSubs))
	}
	r.reply <- true
}

// RetryLater clears in_progress on the Publish QueueMessage for
// messageUUID and drops the named inactive subscribers, with no WAL
// side-effect.
func (c *Coordinator) RetryLater(ctx context.Context, messageUUID uuid.UUID, inactiveSubs []WriterRef) bool {
	reply := make(chan bool, 1)
	if !c.send(ctx, &retryLaterReq{messageUUID: messageUUID, inactiveSubs: inactiveSubs, reply: reply}) {
		return false
	}
	return await(ctx, reply, false)
}
