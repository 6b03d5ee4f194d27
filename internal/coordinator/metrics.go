package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"miio-fan/internal/fan"
)

// Metrics are the Prometheus collectors updated by the coordinator.
type Metrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	power      prometheus.Gauge
	speed      prometheus.Gauge
	available  prometheus.Gauge
	lastPoll   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "miio_fan",
			Name:      "operations_total",
			Help:      "Device operations by name and result.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "miio_fan",
			Name:      "operation_duration_seconds",
			Help:      "Round-trip time of device operations.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
		power: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miio_fan",
			Name:      "power_on",
			Help:      "1 when the fan is running.",
		}),
		speed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miio_fan",
			Name:      "speed_level",
			Help:      "Direct-mode speed level.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miio_fan",
			Name:      "available",
			Help:      "1 when the last poll succeeded.",
		}),
		lastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miio_fan",
			Name:      "last_poll_timestamp_seconds",
			Help:      "Unix time of the last successful poll.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.power, m.speed, m.available, m.lastPoll)
	}
	return m
}

// observe records one device operation. result is "ok", "rejected" (the
// device answered with an error code) or "error".
func (m *Metrics) observe(op, result string, took time.Duration) {
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) setAvailable(ok bool) {
	m.available.Set(boolGauge(ok))
}

func (m *Metrics) recordStatus(st *fan.Status, at time.Time) {
	if on, err := st.IsOn(); err == nil {
		m.power.Set(boolGauge(on))
	}
	if speed, err := st.Speed(); err == nil {
		m.speed.Set(float64(speed))
	}
	m.lastPoll.Set(float64(at.Unix()))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
