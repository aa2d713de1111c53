// Package metrics holds the prometheus collectors shared by the transport packages.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all prometheus collectors of the transport.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	BytesSent        *prometheus.CounterVec
	ConnectRetries   prometheus.Counter
	IdleRounds       prometheus.Counter
	EmptyPolls       prometheus.Counter
	Attaches         prometheus.Counter
	Detaches         *prometheus.CounterVec
	SegmentGrowths   prometheus.Counter
	SegmentCapacity  prometheus.Gauge
	SessionsActive   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcipc_messages_sent_total",
			Help: "Messages handed to a transport by producers.",
		}, []string{"backend"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcipc_messages_received_total",
			Help: "Messages delivered to consumers.",
		}, []string{"backend"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcipc_bytes_sent_total",
			Help: "Payload bytes handed to a transport by producers.",
		}, []string{"backend"}),
		ConnectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcipc_socket_connect_retries_total",
			Help: "Failed connection attempts retried by socket producers.",
		}),
		IdleRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcipc_socket_idle_rounds_total",
			Help: "Accept timeouts observed by socket consumers.",
		}),
		EmptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcipc_shm_empty_polls_total",
			Help: "Dequeue attempts that found the ring empty.",
		}),
		Attaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcipc_shm_attaches_total",
			Help: "Successful attaches to the shared segment.",
		}),
		Detaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcipc_shm_detaches_total",
			Help: "Detaches from the shared segment, by whether the segment was destroyed.",
		}, []string{"destroyed"}),
		SegmentGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcipc_shm_segment_growths_total",
			Help: "Capacity increases applied to a live segment.",
		}),
		SegmentCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pcipc_shm_segment_capacity",
			Help: "Slot capacity of the most recently attached segment.",
		}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pcipc_sessions_active",
			Help: "Open transport sessions by role.",
		}, []string{"role"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesSent,
		m.MessagesReceived,
		m.BytesSent,
		m.ConnectRetries,
		m.IdleRounds,
		m.EmptyPolls,
		m.Attaches,
		m.Detaches,
		m.SegmentGrowths,
		m.SegmentCapacity,
		m.SessionsActive,
	}
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the collectors registered with prometheus.DefaultRegisterer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}
