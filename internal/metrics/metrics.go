// Package metrics declares the process-wide Prometheus instruments. All
// collectors register on the default registry; /metrics on the HTTP plane
// exposes them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_http_requests_total",
		Help: "HTTP requests by route pattern and status code",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wanna_cdn_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern",
		Buckets: prometheus.ExponentialBuckets(0.005, 2.0, 12), // 5ms .. ~20s
	}, []string{"route"})

	TokenVerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_token_verify_total",
		Help: "Token verifications by result",
	}, []string{"result"})

	CacheResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_cache_resolve_total",
		Help: "Song id resolutions by outcome (canonical, override, local_hit, miss)",
	}, []string{"outcome"})

	FetchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wanna_cdn_fetch_in_flight",
		Help: "Proxy-tee fetches currently streaming",
	})

	FetchBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wanna_cdn_fetch_bytes_total",
		Help: "Bytes read from upstream origins by the fetcher",
	})

	FetchOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_fetch_outcome_total",
		Help: "Terminal fetch states (published, checksum_mismatch, upstream_error, passthrough, aborted)",
	}, []string{"outcome"})

	CompensateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_compensate_total",
		Help: "Audio-offset derivative lookups by result (hit, built, in_flight, error)",
	}, []string{"result"})

	ReceiptCreateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_receipt_create_total",
		Help: "Receipt creations by result (ok, duplicate, too_many, invalid)",
	}, []string{"result"})

	IndexRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wanna_cdn_index_rebuilds_total",
		Help: "Song index rebuilds",
	})

	IndexSongs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wanna_cdn_index_songs",
		Help: "Songs in the current index",
	})

	ForwardConnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_forward_conns_total",
		Help: "SNI forwarder connections by outcome (proxied, no_sni, no_route, dial_error)",
	}, []string{"outcome"})

	ForwardActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wanna_cdn_forward_active",
		Help: "SNI forwarder connections currently proxying",
	})

	ForwardBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wanna_cdn_forward_bytes_total",
		Help: "Bytes relayed by the SNI forwarder, by direction",
	}, []string{"direction"})
)

// ObserveRequest records one finished HTTP request under its chi route
// pattern.
func ObserveRequest(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(route).Observe(d.Seconds())
}
