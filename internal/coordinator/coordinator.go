package coordinator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	mqtt "github.com/SquattingSocrates/m-cutie-tea"
	"github.com/SquattingSocrates/m-cutie-tea/internal/topic"
	"github.com/SquattingSocrates/m-cutie-tea/internal/wal"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

// Metrics is the subset of the metrics sink the coordinator updates
// directly. Delivery-time histograms are the worker's concern, not the
// coordinator's.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	QueueCreated()
}

// Coordinator is the singleton actor owning the topic tree, the message
// store, and the WAL handle. Every exported method sends a request on
// reqCh and blocks for the reply; Run is the only goroutine that ever
// touches the unexported state, which is what makes the state
// transitions in store.go atomic without a mutex.
type Coordinator struct {
	tree    *topic.Tree
	store   *store
	log     *wal.WAL
	metrics Metrics

	// clients tracks the live WriterRef for each connected client_id,
	// used to patch PublishContext.Sender and subscriber entries when a
	// persistent session reconnects.
	clients map[string]WriterRef

	reqCh chan request
}

// request is the tagged union of coordinator operations: every
// "AbstractProcess handler" in the source material collapses to one
// implementation of this interface, dispatched from the single Run loop.
type request interface {
	apply(c *Coordinator)
}

// New constructs a coordinator, replaying the WAL to reconstruct prior
// state before accepting requests. Call Run in its own goroutine to
// start processing.
func New(log *wal.WAL, metrics Metrics) (*Coordinator, error) {
	c := &Coordinator{
		tree:    topic.New(),
		store:   newStore(),
		log:     log,
		metrics: metrics,
		clients: make(map[string]WriterRef),
		reqCh:   make(chan request, 64),
	}
	if err := c.recover(); err != nil {
		return nil, fmt.Errorf("coordinator: recover: %w", err)
	}
	return c, nil
}

// recover implements the WAL recovery algorithm from the boot-time
// contract: replay every entry in order, reconstructing PublishContext
// and the message_id mapping from Publish entries, marking Sent
// entries, and deleting all store records named by a Completed entry.
// WriterRefs are restored disconnected; Connect patches them later. The
// WAL does not record the protocol version, so each rebuilt PUBLISH is
// tagged 3.1.1.
func (c *Coordinator) recover() error {
	entries, err := c.log.Load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Kind {
		case wal.Publish:
			if e.Publish == nil {
				continue
			}
			ctx := &PublishContext{
				Packet: &packet.PUBLISH{
					FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.PUBLISH, QoS: e.Publish.QoS},
					PacketID:    e.Publish.MessageID,
					Message:     &packet.Message{TopicName: e.Publish.Topic, Content: e.Publish.Content},
				},
				Sender: WriterRef{
					ClientID:            e.Publish.ClientID,
					SessionID:           e.Publish.SessionID,
					IsPersistentSession: true,
				},
				StartedAt: e.Timestamp,
			}
			c.store.contexts[e.MessageUUID] = ctx
			if e.Publish.QoS > 0 && e.Publish.MessageID != 0 {
				c.store.registerMessageID(e.Publish.MessageID, e.MessageUUID)
			}
			q := c.tree.GetByName(e.Publish.Topic)
			ctx.QueueID = q.ID
			c.store.queue = append(c.store.queue, &QueueMessage{
				Kind:        KindPublish,
				MessageUUID: e.MessageUUID,
				QueueID:     q.ID,
				MessageID:   e.Publish.MessageID,
				QoS:         e.Publish.QoS,
			})
		case wal.Sent:
			if ctx, ok := c.store.contexts[e.MessageUUID]; ok {
				ctx.Sent = true
			}
			c.store.dropPublishJob(e.MessageUUID)
		case wal.Completed:
			c.store.cleanupMessage(e.MessageUUID)
		case wal.Accepted, wal.Deleted:
			// Informational for replay purposes; the terminal Completed
			// entry (or its absence) is what decides final store state.
		}
	}
	return nil
}

// Run processes requests sequentially until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case req := <-c.reqCh:
			req.apply(c)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) send(ctx context.Context, req request) bool {
	select {
	case c.reqCh <- req:
		return true
	case <-ctx.Done():
		return false
	}
}

func await[T any](ctx context.Context, reply chan T, zero T) T {
	select {
	case v := <-reply:
		return v
	case <-ctx.Done():
		return zero
	}
}

func (c *Coordinator) warn(op string, fields logrus.Fields, err error) {
	logrus.WithFields(fields).WithError(err).Warn("coordinator: " + op)
}
