package orderbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports bus lifecycle events as Prometheus metrics.
type PrometheusObserver struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	attempts *prometheus.HistogramVec
}

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderbus",
			Name:      "events_total",
			Help:      "Bus lifecycle events by type.",
		}, []string{"type", "topic", "group"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderbus",
			Name:      "processing_duration_seconds",
			Help:      "Publish and consume duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "topic"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderbus",
			Name:      "dead_letter_attempts",
			Help:      "Consumer invocations made before a message was moved to its error queue.",
			Buckets:   []float64{1, 2, 3, 6, 12, 18, 36},
		}, []string{"group"}),
	}
	for _, c := range []prometheus.Collector{o.events, o.duration, o.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnEvent(e Event) {
	o.events.WithLabelValues(string(e.Type), e.Topic, e.Group).Inc()
	switch e.Type {
	case PublishDone:
		o.duration.WithLabelValues("publish", e.Topic).Observe(e.Duration.Seconds())
	case ConsumeDone:
		o.duration.WithLabelValues("consume", e.Topic).Observe(e.Duration.Seconds())
	case DeadLetter:
		o.attempts.WithLabelValues(e.Group).Observe(float64(e.Attempt))
	}
}
