// Package metrics exports dispatch counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/transport"
)

const namespace = "courier"

type Dispatch struct {
	unitsSent    prometheus.Counter
	sendFailures *prometheus.CounterVec
	retries      prometheus.Counter
	cycles       prometheus.Counter
	finished     *prometheus.CounterVec
	running      prometheus.Gauge
}

// New creates the dispatch collectors and registers them with reg.
func New(reg prometheus.Registerer) *Dispatch {
	d := &Dispatch{
		unitsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "units_sent_total",
			Help:      "Message units accepted by the transport.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_failures_total",
			Help:      "Failed send attempts by failure class.",
		}, []string{"class"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Send attempts scheduled after a transient failure.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Full passes over a session's content.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "finished_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "running",
			Help:      "Sessions with a running dispatch engine.",
		}),
	}
	reg.MustRegister(d.unitsSent, d.sendFailures, d.retries, d.cycles, d.finished, d.running)
	return d
}

func (d *Dispatch) UnitSent() {
	d.unitsSent.Inc()
}

func (d *Dispatch) SendFailed(class transport.Class, unexpected bool) {
	label := class.String()
	if unexpected {
		label = "unexpected"
	}
	d.sendFailures.WithLabelValues(label).Inc()
}

func (d *Dispatch) Retrying() {
	d.retries.Inc()
}

func (d *Dispatch) CycleCompleted() {
	d.cycles.Inc()
}

func (d *Dispatch) SessionStarted() {
	d.running.Inc()
}

func (d *Dispatch) SessionFinished(status model.SessionStatus) {
	d.running.Dec()
	d.finished.WithLabelValues(string(status)).Inc()
}
