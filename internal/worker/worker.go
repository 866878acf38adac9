// Package worker implements the broker's poll loop: each worker asks the
// coordinator for the next actionable QueueMessage and carries out
// whatever I/O that job requires, reporting the outcome back so the
// coordinator can advance or retry the message's state.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SquattingSocrates/m-cutie-tea/internal/coordinator"
	mqtt "github.com/SquattingSocrates/m-cutie-tea"
	"github.com/SquattingSocrates/m-cutie-tea/packet"
)

// DeliveryRecorder is the subset of the metrics sink a worker reports
// delivery latency to, keyed by the QoS level actually used for the
// hop being timed.
type DeliveryRecorder interface {
	ObserveDelivery(qos uint8, d time.Duration)
}

// emptyPollBackoff is how long a worker sleeps after an empty Poll,
// matching the 1s backoff the reference worker uses.
const emptyPollBackoff = time.Second

// Worker repeatedly polls a Coordinator and executes whatever job comes
// back. Multiple workers may run concurrently; all state mutation stays
// inside the coordinator's single dispatch goroutine, so workers never
// need to coordinate with each other directly.
type Worker struct {
	id      int
	coord   *coordinator.Coordinator
	metrics DeliveryRecorder
}

// New returns a worker identified by id, for logging only.
func New(id int, coord *coordinator.Coordinator, metrics DeliveryRecorder) *Worker {
	return &Worker{id: id, coord: coord, metrics: metrics}
}

// Run polls and dispatches jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp := w.coord.Poll(ctx)
		if resp.Empty {
			select {
			case <-time.After(emptyPollBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		w.dispatch(ctx, resp)
	}
}

func (w *Worker) dispatch(ctx context.Context, resp coordinator.PollResponse) {
	switch resp.Msg.Kind {
	case coordinator.KindPublish:
		w.processPublish(ctx, resp)
	case coordinator.KindConfirmation:
		w.processConfirmation(ctx, resp)
	case coordinator.KindComplete:
		w.processComplete(ctx, resp)
	case coordinator.KindRelease:
		w.processRelease(ctx, resp)
	default:
		logrus.WithField("worker", w.id).Warnf("unrecognized queue message kind %v", resp.Msg.Kind)
	}
}

// processPublish fans a PUBLISH out to every subscriber currently
// attached to the target queue, records which accepted it, and tells
// the coordinator the outcome: Sent for qos>0 (a further ack round is
// still owed), or an immediate qos-0 Release otherwise.
func (w *Worker) processPublish(ctx context.Context, resp coordinator.PollResponse) {
	msg, q, pctx := resp.Msg, resp.Queue, resp.Context
	if q == nil || pctx == nil || pctx.Packet == nil {
		return
	}

	var receivers []coordinator.Receiver
	var inactive []coordinator.WriterRef
	sent := false
	for _, sub := range q.Subscribers {
		if sub.Writer == nil {
			// A disconnected persistent session keeps its queue entry
			// until it reconnects; any other absent writer is dead.
			if !sub.IsPersistentSession {
				inactive = append(inactive, sub)
			}
			continue
		}
		pub := *pctx.Packet
		if !sub.Writer.Deliver(&pub, msg.MessageUUID) {
			inactive = append(inactive, sub)
			continue
		}
		sent = true
		receivers = append(receivers, coordinator.Receiver{Writer: sub, ReceivedQoS: effectiveQoS(msg.QoS, sub.IsPersistentSession)})
		if msg.QoS == 2 {
			// Exactly one Receiver per MessageUuid for QoS 2: stop at the
			// first successful delivery instead of fanning out to the rest.
			break
		}
	}

	if !sent {
		w.coord.RetryLater(ctx, msg.MessageUUID, inactive)
		return
	}

	if msg.QoS == 0 {
		w.observe(0, pctx.StartedAt)
		w.coord.Release(ctx, msg.MessageUUID, 0, msg.MessageID, inactive, receivers)
		return
	}

	w.coord.Sent(ctx, msg.MessageUUID, msg.MessageID, msg.QoS, inactive, receivers)
}

func effectiveQoS(publishQoS uint8, _ bool) uint8 { return publishQoS }

// processConfirmation delivers the Puback/Pubrec queued for the
// publisher, timing a qos-1 delivery on success and releasing the
// message (qos 1 is now fully acknowledged).
func (w *Worker) processConfirmation(ctx context.Context, resp coordinator.PollResponse) {
	msg, pctx := resp.Msg, resp.Context
	if pctx == nil || msg.ConfirmPacket == nil || !pctx.Sender.Connected() {
		return
	}
	if !pctx.Sender.Writer.Send(msg.ConfirmPacket) {
		return
	}
	if _, isPuback := msg.ConfirmPacket.(*packet.PUBACK); isPuback {
		w.observe(1, pctx.StartedAt)
		w.coord.Release(ctx, msg.MessageUUID, 1, msg.MessageID, nil, nil)
	}
	// A Pubrec confirmation has no further coordinator action here: the
	// matching Release fires once the publisher's Pubrel also arrives.
}

// processComplete delivers the terminal Pubcomp owed to a subscriber
// that finished a QoS 2 exchange, then clears the message entirely.
func (w *Worker) processComplete(ctx context.Context, resp coordinator.PollResponse) {
	msg := resp.Msg
	if msg.CompletePacket == nil || !msg.CompleteTarget.Connected() {
		return
	}
	if !msg.CompleteTarget.Writer.Send(msg.CompletePacket) {
		return
	}
	w.coord.Cleanup(ctx, msg.MessageUUID, msg.MessageID, 2)
}

// processRelease forwards Pubrel to the chosen subscriber and Pubcomp
// back to the publisher, the two legs that complete a QoS 2 exchange
// once both halves of upsertReleaseMessage have fired.
func (w *Worker) processRelease(ctx context.Context, resp coordinator.PollResponse) {
	msg, pctx := resp.Msg, resp.Context
	if pctx == nil || pctx.Packet == nil {
		return
	}
	pubrel := &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: pctx.Packet.Version, Kind: mqtt.PUBREL, QoS: 1}, PacketID: msg.MessageID}
	if msg.ReleaseTarget.Connected() {
		msg.ReleaseTarget.Writer.Send(pubrel)
	}
	if msg.ReleaseAckTarget.Connected() {
		pubcomp := &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: pctx.Packet.Version, Kind: mqtt.PUBCOMP}, PacketID: msg.MessageID}
		if msg.ReleaseAckTarget.Writer.Send(pubcomp) {
			w.observe(2, pctx.StartedAt)
		}
	}
	w.coord.Release(ctx, msg.MessageUUID, 2, msg.MessageID, nil, nil)
}

func (w *Worker) observe(qos uint8, startedAt time.Time) {
	if w.metrics == nil || startedAt.IsZero() {
		return
	}
	w.metrics.ObserveDelivery(qos, time.Since(startedAt))
}
