package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"peer-rpc/peer"
)

// Metrics holds the collectors behind MetricsMiddleware.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics registers the rpc collectors with reg. side labels the series,
// typically "server" or "client".
func NewMetrics(reg prometheus.Registerer, side string) (*Metrics, error) {
	labels := prometheus.Labels{"side": side}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "peer_rpc",
			Name:        "requests_total",
			Help:        "RPC requests by method and outcome.",
			ConstLabels: labels,
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "peer_rpc",
			Name:        "request_duration_seconds",
			Help:        "RPC latency by method.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peer_rpc",
			Name:        "requests_inflight",
			Help:        "RPC requests currently being handled.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.inflight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			m.inflight.Inc()
			start := time.Now()
			out, err := next(ctx, method, payload)
			m.inflight.Dec()
			m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			m.requests.WithLabelValues(method, outcome(err)).Inc()
			return out, err
		}
	}
}

func outcome(err error) string {
	var remote *peer.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, peer.ErrTimeout), errors.Is(err, ErrHandlerTimeout):
		return "timeout"
	case errors.Is(err, peer.ErrClosed), errors.Is(err, peer.ErrNotOpen):
		return "unavailable"
	case errors.As(err, &remote):
		return "remote_error"
	default:
		return "error"
	}
}
