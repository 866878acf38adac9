package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSinkRegisterAndUpdate(t *testing.T) {
	s := New()
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.ClientConnected()
	s.ClientConnected()
	s.ClientDisconnected()
	s.QueueCreated()
	s.ObserveDelivery(1, 50*time.Millisecond)

	if got := gaugeValue(t, s.ConnectedClients); got != 1 {
		t.Errorf("ConnectedClients = %v, want 1", got)
	}
	if got := gaugeValue(t, s.ActiveQueues); got != 1 {
		t.Errorf("ActiveQueues = %v, want 1", got)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}
