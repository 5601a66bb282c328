/*
Package metrics is the coordinator's two metric sinks: a statsd client for
per-verb timings and counters (the teacher's statsTiming/statsInc calls in
src/consensus/manager_prepare.go and scope_accept.go), and a Prometheus
registry for the cumulative, externally-observable MBean counters and
gauges spec.md §6 names explicitly.
*/
package metrics

import (
	"time"

	statsd "github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the per-operation timing/counter surface every component
// package takes a dependency on, mirroring the teacher's
// statsTiming/statsInc helper methods on Manager.
type Sink struct {
	statter statsd.Statter

	TotalHints                    prometheus.Counter
	TotalHintsInProgress          prometheus.Gauge
	ReadRepairAttempted           prometheus.Counter
	ReadRepairRepairedBlocking    prometheus.Counter
	ReadRepairRepairedBackground  prometheus.Counter
	CASContention                 prometheus.Counter
	DroppedMessages               *prometheus.CounterVec
	MaxHintsInProgress            prometheus.Gauge
	HintedHandoffEnabled          prometheus.Gauge
}

// NewSink registers the MBean counters/gauges against reg and wraps
// statter for the statsd side. reg may be a dedicated registry or
// prometheus.DefaultRegisterer's concrete *prometheus.Registry.
func NewSink(statter statsd.Statter, reg prometheus.Registerer) *Sink {
	s := &Sink{
		statter: statter,
		TotalHints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_total_hints", Help: "Total hints ever submitted.",
		}),
		TotalHintsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_total_hints_in_progress", Help: "Hints currently in flight.",
		}),
		ReadRepairAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_read_repair_attempted", Help: "Digest mismatches detected.",
		}),
		ReadRepairRepairedBlocking: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_read_repair_repaired_blocking", Help: "Repairs written synchronously.",
		}),
		ReadRepairRepairedBackground: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_read_repair_repaired_background", Help: "Repairs written asynchronously.",
		}),
		CASContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_cas_contention", Help: "Paxos PREEMPTED transitions observed.",
		}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_dropped_messages", Help: "Messages dropped for exceeding their verb's RPC timeout before execution.",
		}, []string{"verb"}),
		MaxHintsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_max_hints_in_progress", Help: "Configured soft cap on in-flight hints.",
		}),
		HintedHandoffEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_hinted_handoff_enabled", Help: "1 if hinted handoff is globally enabled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.TotalHints, s.TotalHintsInProgress, s.ReadRepairAttempted,
			s.ReadRepairRepairedBlocking, s.ReadRepairRepairedBackground,
			s.CASContention, s.DroppedMessages, s.MaxHintsInProgress, s.HintedHandoffEnabled,
		)
	}
	return s
}

// NewNoop builds a sink over a no-op statsd client and a private
// Prometheus registry, for callers (mostly tests) that don't care about
// metrics wiring.
func NewNoop() *Sink {
	statter, _ := statsd.NewClientWithConfig(&statsd.ClientConfig{UseStatsd: false})
	return NewSink(statter, prometheus.NewRegistry())
}

// Timing records a duration since start under stat, the same
// defer-measured shape as the teacher's statsTiming helper.
func (s *Sink) Timing(stat string, start time.Time) {
	delta := time.Since(start).Milliseconds()
	_ = s.statter.Timing(stat, delta, 1.0)
}

// Inc increments a statsd counter by delta.
func (s *Sink) Inc(stat string, delta int64) {
	_ = s.statter.Inc(stat, delta, 1.0)
}
