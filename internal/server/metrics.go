package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.HistogramVec
}

// newHTTPMetrics registers request metrics with registerer; a nil registerer disables them.
func newHTTPMetrics(registerer prometheus.Registerer) (*httpMetrics, error) {
	if registerer == nil {
		return nil, nil
	}
	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lexisync",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	if err := registerer.Register(requests); err != nil {
		return nil, err
	}
	return &httpMetrics{requests: requests}, nil
}

func (m *httpMetrics) observe(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
