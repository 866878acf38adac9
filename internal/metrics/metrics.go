// Package metrics is the broker's Prometheus sink: single-owner updates
// from the coordinator and workers, a read-only registry for the HTTP
// /metrics collaborator. Grounded on the teacher's stat.go Stat type,
// generalized from connection-level counters to the broker's own gauge
// and histogram set.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink holds every metric the coordinator and workers update. It
// satisfies coordinator.Metrics and worker.DeliveryRecorder without
// importing either package, keeping metrics a pure leaf dependency.
type Sink struct {
	ConnectedClients prometheus.Gauge
	ReceivedPackets  prometheus.Counter
	ActiveQueues     prometheus.Gauge

	qos0Delivery prometheus.Histogram
	qos1Delivery prometheus.Histogram
	qos2Delivery prometheus.Histogram
}

// New constructs a Sink with its collectors created but not yet
// registered; call Register to attach it to a prometheus.Registerer.
func New() *Sink {
	return &Sink{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connected_clients", Help: "Number of currently connected MQTT clients.",
		}),
		ReceivedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "received_packets", Help: "Total number of MQTT control packets received.",
		}),
		ActiveQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_queues", Help: "Number of topic queues currently known to the broker.",
		}),
		qos0Delivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "qos0_delivery_time", Help: "End-to-end delivery time for QoS 0 messages, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		qos1Delivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "qos1_delivery_time", Help: "End-to-end delivery time for QoS 1 messages, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		qos2Delivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "qos2_delivery_time", Help: "End-to-end delivery time for QoS 2 messages, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Register attaches every collector in the sink to reg.
func (s *Sink) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		s.ConnectedClients, s.ReceivedPackets, s.ActiveQueues,
		s.qos0Delivery, s.qos1Delivery, s.qos2Delivery,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ClientConnected implements coordinator.Metrics.
func (s *Sink) ClientConnected() { s.ConnectedClients.Inc() }

// ClientDisconnected implements coordinator.Metrics.
func (s *Sink) ClientDisconnected() { s.ConnectedClients.Dec() }

// QueueCreated implements coordinator.Metrics.
func (s *Sink) QueueCreated() { s.ActiveQueues.Inc() }

// PacketReceived records one inbound MQTT control packet of any kind.
func (s *Sink) PacketReceived() { s.ReceivedPackets.Inc() }

// ObserveDelivery implements worker.DeliveryRecorder, routing d to the
// histogram for the QoS the message was actually delivered at.
func (s *Sink) ObserveDelivery(qos uint8, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	switch qos {
	case 0:
		s.qos0Delivery.Observe(ms)
	case 1:
		s.qos1Delivery.Observe(ms)
	case 2:
		s.qos2Delivery.Observe(ms)
	}
}
