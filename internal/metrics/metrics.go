// Package metrics exposes the refresh and retry counters of the relay to prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace string = "tokenrelay"

const RetryOutcomeSent string = "sent"
const RetryOutcomeRefreshFailed string = "refresh_failed"

type Recorder struct {
	refreshesStarted prometheus.Counter
	refreshesJoined  prometheus.Counter
	refreshesSettled *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	requestsRetried  *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := Recorder{
		refreshesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_started_total",
			Help:      "Number of refresh cycles started.",
		}),
		refreshesJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_joined_total",
			Help:      "Number of refresh requests that joined a cycle already in flight.",
		}),
		refreshesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_settled_total",
			Help:      "Number of settled refresh cycles by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		requestsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_retried_total",
			Help:      "Number of requests that failed with an expired token by retry outcome.",
		}, []string{"outcome"}),
	}
	collectors := []prometheus.Collector{
		r.refreshesStarted,
		r.refreshesJoined,
		r.refreshesSettled,
		r.refreshDuration,
		r.requestsRetried,
	}
	for _, collector := range collectors {
		err := reg.Register(collector)
		if err != nil {
			return &Recorder{}, err
		}
	}
	return &r, nil
}

func (r *Recorder) RefreshStarted() {
	r.refreshesStarted.Inc()
}

func (r *Recorder) RefreshJoined() {
	r.refreshesJoined.Inc()
}

func (r *Recorder) RefreshSettled(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	r.refreshesSettled.WithLabelValues(result).Inc()
	r.refreshDuration.Observe(duration.Seconds())
}

func (r *Recorder) RequestRetried(outcome string) {
	r.requestsRetried.WithLabelValues(outcome).Inc()
}

// Noop discards everything, used when prometheus is disabled
type Noop struct{}

func (Noop) RefreshStarted()                    {}
func (Noop) RefreshJoined()                     {}
func (Noop) RefreshSettled(bool, time.Duration) {}
func (Noop) RequestRetried(string)              {}
