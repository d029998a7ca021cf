package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

var (
	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connectivity_probes_total",
		Help:      "Health probes by resulting status.",
	}, []string{"status"})
	metricSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_saves_total",
		Help:      "Conversation saves by outcome (remote, local).",
	}, []string{"result"})
	metricRemoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_failures_total",
		Help:      "Failed remote calls by operation and failure class.",
	}, []string{"operation", "class"})
	metricOutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending",
		Help:      "Conversation ids waiting for a remote save.",
	})
	metricDrains = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_drains_total",
		Help:      "Outbox drain passes.",
	})
	metricSynced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_synced_total",
		Help:      "Conversation ids removed from the outbox after a successful save.",
	})
	metricStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_total",
		Help:      "Streamed responses by terminal state.",
	}, []string{"outcome"})
	metricMalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_malformed_frames_total",
		Help:      "Stream frames skipped because their payload could not be parsed.",
	})
)

func RecordProbe(status string) {
	metricProbes.WithLabelValues(status).Inc()
}

func RecordSave(result string) {
	metricSaves.WithLabelValues(result).Inc()
}

func RecordRemoteFailure(operation, class string) {
	metricRemoteFailures.WithLabelValues(operation, class).Inc()
}

func SetOutboxPending(n int) {
	metricOutboxPending.Set(float64(n))
}

func RecordDrain(synced int) {
	metricDrains.Inc()
	if synced > 0 {
		metricSynced.Add(float64(synced))
	}
}

func RecordStream(outcome string) {
	metricStreams.WithLabelValues(outcome).Inc()
}

func RecordMalformedFrame() {
	metricMalformedFrames.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
