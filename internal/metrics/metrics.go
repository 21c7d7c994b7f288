// Package metrics exposes call admission and gateway counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/peercall/internal/domain"
)

const namespace = "peercall"

type Metrics struct {
	reg *prometheus.Registry

	roomsCreated   prometheus.Counter
	roomsJoined    prometheus.Counter
	roomsEnded     prometheus.Counter
	callDuration   prometheus.Histogram
	rejections     *prometheus.CounterVec
	wsConnections  prometheus.Gauge
	signalMessages *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_created_total", Help: "Rooms created.",
		}),
		roomsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_joined_total", Help: "Rooms that admitted a joiner.",
		}),
		roomsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_ended_total", Help: "Rooms moved to ended.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "call_duration_seconds", Help: "Recorded call durations.",
			Buckets: []float64{0, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_rejections_total", Help: "Admission failures by reason.",
		}, []string{"reason"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections", Help: "Open signaling websockets.",
		}),
		signalMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_messages_total", Help: "Signaling messages relayed by type and direction.",
		}, []string{"type", "direction"}),
	}
	m.reg.MustRegister(
		m.roomsCreated, m.roomsJoined, m.roomsEnded, m.callDuration,
		m.rejections, m.wsConnections, m.signalMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RoomCreated() { m.roomsCreated.Inc() }
func (m *Metrics) RoomJoined()  { m.roomsJoined.Inc() }

func (m *Metrics) RoomEnded(durationSeconds int64) {
	m.roomsEnded.Inc()
	m.callDuration.Observe(float64(durationSeconds))
}

func (m *Metrics) AdmissionRejected(reason error) {
	m.rejections.WithLabelValues(Reason(reason)).Inc()
}

func (m *Metrics) WSOpened() { m.wsConnections.Inc() }
func (m *Metrics) WSClosed() { m.wsConnections.Dec() }

func (m *Metrics) SignalMessage(kind, direction string) {
	m.signalMessages.WithLabelValues(kind, direction).Inc()
}

// Reason maps an admission failure to a bounded label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRoomAlreadyEnded):
		return "ended"
	case errors.Is(err, domain.ErrRoomFull):
		return "full"
	case errors.Is(err, domain.ErrSelfJoin):
		return "self_join"
	case errors.Is(err, domain.ErrRoomJoinConflict):
		return "join_conflict"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store"
	}
	return "other"
}
