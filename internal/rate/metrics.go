package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	retryAfterGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eightsleep_rate_limit_retry_after_seconds",
			Help: "Cooldown length from the last 429 response",
		},
	)
	lastStatusGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eightsleep_rate_limit_last_status_code",
			Help: "Last HTTP status code observed by the rate-limit wrapper",
		},
	)
)

// MetricsCollectors exposes the rate-limit collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		retryAfterGauge,
		lastStatusGauge,
	}
}
