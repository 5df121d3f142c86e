// Package metrics exposes Prometheus collectors for task orchestration.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskengine"

// Metrics holds the orchestrator collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	tasksStarted     *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	tasksActive      *prometheus.GaugeVec
	taskDuration     *prometheus.HistogramVec
	eventsAppended   *prometheus.CounterVec
	sessionRetries   *prometheus.CounterVec
	broadcastDropped prometheus.Counter
}

// New registers the collectors with reg. Collectors that are already
// registered are reused, so New may be called more than once per registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks accepted by Start, by engine.",
		}, []string{"engine"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by engine and state.",
		}, []string{"engine", "state"}),
		tasksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Tasks started and not yet final, by engine.",
		}, []string{"engine"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from Start to the terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"engine", "state"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to task logs, by event kind.",
		}, []string{"kind"}),
		sessionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cli",
			Name:      "session_retries_total",
			Help:      "Resume attempts retried with a fresh session, by reason.",
		}, []string{"reason"}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Events dropped by the broadcast sink because a subscriber lagged.",
		}),
	}

	var err error
	if m.tasksStarted, err = register(reg, m.tasksStarted); err != nil {
		return nil, err
	}
	if m.tasksFinished, err = register(reg, m.tasksFinished); err != nil {
		return nil, err
	}
	if m.tasksActive, err = register(reg, m.tasksActive); err != nil {
		return nil, err
	}
	if m.taskDuration, err = register(reg, m.taskDuration); err != nil {
		return nil, err
	}
	if m.eventsAppended, err = register(reg, m.eventsAppended); err != nil {
		return nil, err
	}
	if m.sessionRetries, err = register(reg, m.sessionRetries); err != nil {
		return nil, err
	}
	if m.broadcastDropped, err = register(reg, m.broadcastDropped); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNew is New that panics on a registration conflict.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// TaskStarted records an accepted task.
func (m *Metrics) TaskStarted(engine string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(engine).Inc()
	m.tasksActive.WithLabelValues(engine).Inc()
}

// TaskFinished records a terminal state reached after elapsed.
func (m *Metrics) TaskFinished(engine, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(engine, state).Inc()
	m.tasksActive.WithLabelValues(engine).Dec()
	m.taskDuration.WithLabelValues(engine, state).Observe(elapsed.Seconds())
}

// EventAppended counts one appended event.
func (m *Metrics) EventAppended(kind string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(kind).Inc()
}

// SessionRetry counts one fresh-session retry.
func (m *Metrics) SessionRetry(reason string) {
	if m == nil {
		return
	}
	m.sessionRetries.WithLabelValues(reason).Inc()
}

// BroadcastDropped counts n events dropped by the broadcast sink.
func (m *Metrics) BroadcastDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastDropped.Add(float64(n))
}
