// Package metrics exports gateway lifecycle events as Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/animus-labs/agent-gateway/internal/admission"
	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/service/runs"
)

const DefaultNamespace = "agent_gateway"

type ExporterOptions struct {
	DurationBuckets []float64
	// Stats, when set, backs the admission gauges.
	Stats func() admission.Stats
}

// Exporter implements runs.Metrics.
type Exporter struct {
	submittedTotal      *prom.CounterVec
	rejectedTotal       *prom.CounterVec
	finishedTotal       *prom.CounterVec
	forcedReleaseTotal  *prom.CounterVec
	automationFireTotal *prom.CounterVec
	runDurationSeconds  *prom.HistogramVec
	queueWaitSeconds    *prom.HistogramVec
}

var _ runs.Metrics = (*Exporter)(nil)

func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.01, 4, 10)
	}

	submitted := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_submitted_total",
		Help:      "Accepted submissions by admission outcome.",
	}, []string{"agent", "admission"})
	rejected := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_rejected_total",
		Help:      "Rejected submissions by reason.",
	}, []string{"agent", "reason"})
	finished := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Runs that reached a terminal state.",
	}, []string{"agent", "state"})
	forced := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_forced_release_total",
		Help:      "Slots reclaimed from units that ignored cancellation.",
	}, []string{"agent"})
	fired := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "automation_fired_total",
		Help:      "Automation triggers by submission outcome.",
	}, []string{"outcome"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Time from start to terminal state.",
		Buckets:   buckets,
	}, []string{"agent", "state"})
	queueWait := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "run_queue_wait_seconds",
		Help:      "Time from submission to start.",
		Buckets:   buckets,
	}, []string{"agent"})

	var err error
	if submitted, err = registerCollector(reg, submitted); err != nil {
		return nil, err
	}
	if rejected, err = registerCollector(reg, rejected); err != nil {
		return nil, err
	}
	if finished, err = registerCollector(reg, finished); err != nil {
		return nil, err
	}
	if forced, err = registerCollector(reg, forced); err != nil {
		return nil, err
	}
	if fired, err = registerCollector(reg, fired); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if queueWait, err = registerCollector(reg, queueWait); err != nil {
		return nil, err
	}
	if opts.Stats != nil {
		if err := registerAdmissionGauges(namespace, reg, opts.Stats); err != nil {
			return nil, err
		}
	}

	return &Exporter{
		submittedTotal:      submitted,
		rejectedTotal:       rejected,
		finishedTotal:       finished,
		forcedReleaseTotal:  forced,
		automationFireTotal: fired,
		runDurationSeconds:  duration,
		queueWaitSeconds:    queueWait,
	}, nil
}

func registerAdmissionGauges(namespace string, reg prom.Registerer, stats func() admission.Stats) error {
	gauges := []struct {
		name, help string
		value      func(admission.Stats) int
	}{
		{"capacity", "Configured concurrency limit.", func(s admission.Stats) int { return s.Capacity }},
		{"active_runs", "Capacity tokens currently held.", func(s admission.Stats) int { return s.Active }},
		{"available_slots", "Capacity tokens currently free.", func(s admission.Stats) int { return s.Available }},
		{"queued_runs", "Runs waiting for a slot.", func(s admission.Stats) int { return s.Queued }},
	}
	for _, g := range gauges {
		value := g.value
		gauge := prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return float64(value(stats())) })
		if _, err := registerCollector(reg, gauge); err != nil {
			return err
		}
	}
	return nil
}

func (m *Exporter) RunSubmitted(agentID string, state domain.RunState) {
	if m == nil {
		return
	}
	m.submittedTotal.WithLabelValues(normalizeLabel(agentID, "unknown"), normalizeLabel(string(state), "unknown")).Inc()
}

func (m *Exporter) RunRejected(agentID, reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(normalizeLabel(agentID, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func (m *Exporter) RunStarted(agentID string, queued time.Duration) {
	if m == nil {
		return
	}
	m.queueWaitSeconds.WithLabelValues(normalizeLabel(agentID, "unknown")).Observe(queued.Seconds())
}

func (m *Exporter) RunFinished(agentID string, state domain.RunState, elapsed time.Duration) {
	if m == nil {
		return
	}
	agent := normalizeLabel(agentID, "unknown")
	m.finishedTotal.WithLabelValues(agent, string(state)).Inc()
	if elapsed > 0 {
		m.runDurationSeconds.WithLabelValues(agent, string(state)).Observe(elapsed.Seconds())
	}
}

func (m *Exporter) ForcedRelease(agentID string) {
	if m == nil {
		return
	}
	m.forcedReleaseTotal.WithLabelValues(normalizeLabel(agentID, "unknown")).Inc()
}

// AutomationFired counts one scheduled trigger; outcome is the submitted
// run's state or the rejection reason.
func (m *Exporter) AutomationFired(outcome string) {
	if m == nil {
		return
	}
	m.automationFireTotal.WithLabelValues(normalizeLabel(outcome, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
