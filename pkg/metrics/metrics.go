package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "otaagent"

// Metrics are the collectors updated by the state machine and pipeline.
type Metrics struct {
	Probes         *prometheus.CounterVec
	TransferBytes  prometheus.Counter
	Downloads      *prometheus.CounterVec
	Installs       *prometheus.CounterVec
	DownloadAborts prometheus.Counter
	State          *prometheus.GaugeVec
	PollingRetries prometheus.Gauge
	StateChanges   prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probe exchanges with the update server by result.",
		}, []string{"result"}),
		TransferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Object bytes written to the download directory.",
		}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Completed download sessions by result.",
		}, []string{"result"}),
		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Package installs by result.",
		}, []string{"result"}),
		DownloadAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_aborts_total",
			Help:      "Accepted download abort requests.",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current state of the update state machine.",
		}, []string{"state"}),
		PollingRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_retries",
			Help:      "Consecutive failed probes.",
		}),
		StateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "State machine transitions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Probes,
			m.TransferBytes,
			m.Downloads,
			m.Installs,
			m.DownloadAborts,
			m.State,
			m.PollingRetries,
			m.StateChanges,
		)
	}
	return m
}

// SetState marks state as current among all known states.
func (m *Metrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
	m.StateChanges.Inc()
}
