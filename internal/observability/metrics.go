package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	messagesEvaluated   *prometheus.CounterVec
	violationsTotal     *prometheus.CounterVec
	escalationsTotal    prometheus.Counter
	platformActions     *prometheus.CounterVec
	enforcementDuration prometheus.Histogram

	dialogTransitions *prometheus.CounterVec
	activeDialogs     prometheus.Gauge
	dialogsExpired    prometheus.Counter

	storeErrorsTotal *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "chatguard_queue_size",
					Help: "Current queue size by lane kind.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_enqueue_total",
					Help: "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_dequeue_total",
					Help: "Total completed tasks by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chatguard_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			messagesEvaluated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_messages_evaluated_total",
					Help: "Group messages evaluated, by result (clean or violation).",
				},
				[]string{"result"},
			),
			violationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_violations_total",
					Help: "Violations by kind and action taken.",
				},
				[]string{"kind", "action"},
			),
			escalationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chatguard_escalations_total",
					Help: "Warnings that escalated to a mute.",
				},
			),
			platformActions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_platform_actions_total",
					Help: "Platform calls by operation and outcome.",
				},
				[]string{"operation", "status"},
			),
			enforcementDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "chatguard_enforcement_duration_seconds",
					Help:    "Time spent enforcing one violation.",
					Buckets: prometheus.DefBuckets,
				},
			),
			dialogTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_dialog_transitions_total",
					Help: "Config dialog transitions by source and target state.",
				},
				[]string{"from", "to"},
			),
			activeDialogs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "chatguard_active_dialogs",
					Help: "Dialog sessions currently held in memory.",
				},
			),
			dialogsExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chatguard_dialogs_expired_total",
					Help: "Idle dialog sessions removed by the sweeper.",
				},
			),
			storeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_store_errors_total",
					Help: "Persistence failures by operation.",
				},
				[]string{"operation"},
			),
			eventsPublished: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatguard_events_published_total",
					Help: "Violation events published, by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.messagesEvaluated,
			m.violationsTotal,
			m.escalationsTotal,
			m.platformActions,
			m.enforcementDuration,
			m.dialogTransitions,
			m.activeDialogs,
			m.dialogsExpired,
			m.storeErrorsTotal,
			m.eventsPublished,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordMessageEvaluated(violation bool) {
	m := getMetrics()
	result := "clean"
	if violation {
		result = "violation"
	}
	m.messagesEvaluated.WithLabelValues(result).Inc()
}

func RecordViolation(kind, action string, duration time.Duration) {
	m := getMetrics()
	m.violationsTotal.WithLabelValues(kind, action).Inc()
	m.enforcementDuration.Observe(duration.Seconds())
}

func RecordEscalation() {
	getMetrics().escalationsTotal.Inc()
}

func RecordPlatformAction(operation, status string) {
	getMetrics().platformActions.WithLabelValues(operation, status).Inc()
}

func RecordDialogTransition(from, to string) {
	getMetrics().dialogTransitions.WithLabelValues(from, to).Inc()
}

func SetActiveDialogs(count int) {
	getMetrics().activeDialogs.Set(float64(count))
}

func RecordDialogsExpired(count int) {
	getMetrics().dialogsExpired.Add(float64(count))
}

func RecordStoreError(operation string) {
	getMetrics().storeErrorsTotal.WithLabelValues(operation).Inc()
}

func RecordEventPublished(success bool) {
	getMetrics().eventsPublished.WithLabelValues(statusLabel(success)).Inc()
}
