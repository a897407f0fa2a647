package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmeter_watch_subscriptions",
		Help: "Number of active change-feed subscriptions.",
	})
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmeter_watch_events_total",
		Help: "Change events dispatched to at least one subscription.",
	}, []string{"collection", "op"})
	metricFeedRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_watch_feed_restarts_total",
		Help: "Times the change feed was reopened after an error or close.",
	})
	metricHandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_watch_handler_panics_total",
		Help: "Subscription handler panics caught by the dispatcher.",
	})
	metricHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_watch_heartbeats_total",
		Help: "Liveness heartbeats successfully claimed and written.",
	})
	metricSupervisorRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_watch_supervisor_restarts_total",
		Help: "Feed restarts forced by the staleness supervisor.",
	})
)
