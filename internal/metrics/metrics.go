// Package metrics is the out-of-core collaborator the rest of the module
// consumes through narrow interfaces: a fixed set of Prometheus collectors
// and a `/metrics` listener, grounded on the teacher's own
// internal/metrics/metrics.go registry-plus-collectors shape.
package metrics

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgevalidator/node/internal/log"
)

// Registry is this process's private Prometheus registry, analogous to the
// teacher's PrivateMetrics registry: every collector below is registered
// into it exactly once, regardless of how many times Start is called.
var Registry = prometheus.NewRegistry()

var (
	// DKGState tracks the ceremony state machine's current value (spec
	// §4.C): 0=INIT .. 8=DONE, 9=FAILED.
	DKGState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dkg_state",
		Help: "Current DKG ceremony state (0=INIT..8=DONE, 9=FAILED)",
	})

	// DKGCeremoniesTotal counts completed ceremonies by outcome.
	DKGCeremoniesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dkg_ceremonies_total",
		Help: "Number of DKG ceremonies this process has run, by outcome",
	}, []string{"outcome"})

	// ChainMonitorHealthy reports each configured chain's last HealthCheck
	// result (spec §4.D, consumed by the /health endpoint).
	ChainMonitorHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_monitor_healthy",
		Help: "1 if the chain monitor's last RPC call succeeded, 0 otherwise",
	}, []string{"chain"})

	// ChainMonitorLatencyMs reports the chain monitor's last observed RPC
	// round-trip latency.
	ChainMonitorLatencyMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_monitor_latency_ms",
		Help: "Last observed chain RPC latency in milliseconds",
	}, []string{"chain"})

	// SignalsObservedTotal counts SignalSent events handed to the
	// coordinator, after dedup and confirmation-depth filtering.
	SignalsObservedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_observed_total",
		Help: "Number of confirmed, deduplicated signals observed per chain",
	}, []string{"chain"})

	// SigningRequestsTotal counts signing requests by their terminal
	// outcome (spec §4.E state machine).
	SigningRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signing_requests_total",
		Help: "Number of signing requests reaching a terminal state, by outcome",
	}, []string{"outcome"})

	// SigningRequestLatency measures wall time from AWAITING_PARTIALS to
	// DONE.
	SigningRequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signing_request_duration_seconds",
		Help:    "Time from request start to aggregated signature emission",
		Buckets: prometheus.DefBuckets,
	})

	// PartialSignaturesRejectedTotal counts partials that failed
	// verification during aggregation (spec §4.E "Aggregation").
	PartialSignaturesRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "partial_signatures_rejected_total",
		Help: "Number of partial signatures rejected during aggregation, by party",
	}, []string{"party_id"})

	// HTTPCallCounter and HTTPLatency instrument the /health, /status, and
	// /api/dkg/start endpoints (spec §6), the same promhttp wrapping the
	// teacher applies to its own public HTTP handler.
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})

	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_duration_seconds",
		Help:    "Histogram of HTTP request latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of HTTP requests currently being served",
	})
)

var registerOnce sync.Once

func register(l log.Logger) {
	collectors := []prometheus.Collector{
		DKGState, DKGCeremoniesTotal,
		ChainMonitorHealthy, ChainMonitorLatencyMs,
		SignalsObservedTotal,
		SigningRequestsTotal, SigningRequestLatency, PartialSignaturesRejectedTotal,
		HTTPCallCounter, HTTPLatency, HTTPInFlight,
	}
	for _, c := range collectors {
		if err := Registry.Register(c); err != nil {
			l.Warnw("metrics collector already registered", "err", err)
		}
	}
}

// Start binds a `/metrics` listener serving Registry, mirroring the
// teacher's metrics.Start (bindMetrics-once, net.Listen, then serve in the
// background). Returns the listener so the caller can close it on
// shutdown; returns nil if the bind failed.
func Start(l log.Logger, bindAddr string) net.Listener {
	registerOnce.Do(func() { register(l) })

	if !strings.Contains(bindAddr, ":") {
		bindAddr = "127.0.0.1:" + bindAddr
	}
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		l.Warnw("metrics listen failed", "err", err)
		return nil
	}
	l.Infow("metrics listener started", "addr", listener.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		l.Warnw("metrics listener stopped", "err", srv.Serve(listener))
	}()
	return listener
}

// InstrumentHandler wraps h with the same promhttp counter/duration/
// in-flight triplet the teacher's http.New applies to its public mux.
func InstrumentHandler(name string, h http.HandlerFunc) http.HandlerFunc {
	return promhttp.InstrumentHandlerCounter(
		HTTPCallCounter,
		promhttp.InstrumentHandlerDuration(
			HTTPLatency,
			promhttp.InstrumentHandlerInFlight(HTTPInFlight, h),
		),
	).ServeHTTP
}
