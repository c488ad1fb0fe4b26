package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay, scraped via /metrics.
var (
	// Session metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of open client sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total number of client sessions accepted",
	})

	// Tweet flow
	TweetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_tweets_total",
		Help: "Tweets received from the upstream stream",
	})

	TweetsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_tweets_delivered_total",
		Help: "Tweets written to client sessions",
	})

	BusLagDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_lagged_tweets_total",
		Help: "Tweets dropped because a session receiver lagged behind the bus",
	})

	// Client protocol
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_protocol_errors_total",
		Help: "Client text frames that failed to decode",
	})

	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_frames_total",
		Help: "Client text frames dropped by the per-session rate limiter",
	})

	// Upstream supervision
	UpstreamStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_starts_total",
		Help: "Upstream stream consumers started",
	})

	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_failures_total",
		Help: "Upstream stream terminations by error class",
	}, []string{"class"})

	InterestedFollows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_interest_follows",
		Help: "Number of distinct follow ids in the interest map",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
