package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SchedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total number of completed scheduler ticks",
		},
	)

	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatches_total",
			Help: "Total number of step dispatches by channel and result",
		},
		[]string{"channel", "result"},
	)

	AdmissionDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Admissions denied by the concurrency manager, by reason",
		},
		[]string{"reason"},
	)

	UmbrellaSlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "umbrella_slots_in_use",
			Help: "Live concurrency slots in use per umbrella",
		},
		[]string{"umbrella"},
	)

	LastHeartbeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_last_heartbeat_seconds",
			Help: "Unix timestamp of the scheduler's last completed tick",
		},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events received, by type and result",
		},
		[]string{"type", "result"},
	)

	EventQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_queue_depth",
			Help: "Current deferred-event queue depth per tenant",
		},
		[]string{"tenant"},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(SchedulerTicks)
	prometheus.MustRegister(Dispatches)
	prometheus.MustRegister(AdmissionDenied)
	prometheus.MustRegister(UmbrellaSlotsInUse)
	prometheus.MustRegister(LastHeartbeat)
	prometheus.MustRegister(WebhookEvents)
	prometheus.MustRegister(EventQueueDepth)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
