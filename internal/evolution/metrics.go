package evolution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolution_state_changes_total",
		Help: "History-appending state changes observed by the coordinator",
	}, []string{"kind"})

	regenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolution_regenerations_total",
		Help: "Code regeneration attempts by result",
	}, []string{"result"})

	anomaliesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evolution_anomalies_detected_total",
		Help: "Anomalous transitions reported by analysis passes",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evolution_events_published_total",
		Help: "Events published on the evolution bus",
	}, []string{"type"})
)
