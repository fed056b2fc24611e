package depot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_uploads_total",
		Help: "Finished uploads by outcome.",
	}, []string{"outcome"})

	deletesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depot_deletes_total",
		Help: "Completed file deletions.",
	})
)

func countUpload(outcome Outcome) {
	uploadsTotal.WithLabelValues(string(outcome)).Inc()
}

func countDelete() {
	deletesTotal.Inc()
}
