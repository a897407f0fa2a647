package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalmeter_session_connections",
		Help: "Currently open websocket sessions.",
	}, []string{"kind"})
	metricPreemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_session_preemptions_total",
		Help: "Node sessions closed because a newer session took the name.",
	})
	metricSamplesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_session_samples_stored_total",
		Help: "Inbound samples matched to an active test run and persisted.",
	})
	metricSamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalmeter_session_samples_dropped_total",
		Help: "Inbound samples dropped because no test run matched.",
	})
)
