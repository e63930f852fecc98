// Package metrics exposes the prometheus collectors of the hub and the nodes.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/metrics/pprof"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// SessionMetrics about the federated session (rounds, updates, model)
	SessionMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public status API
	HTTPMetrics = prometheus.NewRegistry()

	// CurrentRound (Session) round being processed by the coordinator
	CurrentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedgen_current_round",
		Help: "Round currently processed by the coordinator",
	})
	// CoordinatorState (Session) numeric state of the coordinator
	CoordinatorState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedgen_coordinator_state",
		Help: "State of the coordinator: 0 init, 1 broadcasting, 2 collecting, 3 aggregating, 4 done, 5 aborted",
	})
	// RoundsCompleted (Session) committed rounds
	RoundsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgen_rounds_completed_total",
		Help: "Number of rounds committed to the global model",
	})
	// RoundRetries (Session) re-broadcasts of a failed round
	RoundRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgen_round_retries_total",
		Help: "Number of times a round was attempted again",
	})
	// PartialRounds (Session) collection windows closing before every node reported
	PartialRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgen_partial_rounds_total",
		Help: "Number of collection windows that expired with missing updates",
	})
	// UpdatesReceived (Session) accepted weight updates per node
	UpdatesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedgen_updates_received_total",
		Help: "Number of weight updates accepted per node",
	}, []string{"node"})
	// UpdatesDiscarded (Session) rejected weight updates per reason
	UpdatesDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedgen_updates_discarded_total",
		Help: "Number of weight updates discarded, by reason",
	}, []string{"reason"})
	// RoundDuration (Session) time from broadcast to commit
	RoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fedgen_round_duration_seconds",
		Help:    "Time between the broadcast and the commit of a round",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	// AggregatedSamples (Session) samples behind the latest global model
	AggregatedSamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedgen_aggregated_samples",
		Help: "Number of samples behind the latest global model",
	})
	// GlobalAccuracy (Session) sample weighted accuracy reported by the nodes
	GlobalAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedgen_global_accuracy",
		Help: "Sample weighted local accuracy of the broadcast model",
	})
	// LocalTrainingDuration (Session) duration of a node's local pass
	LocalTrainingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedgen_local_training_seconds",
		Help:    "Duration of a node's local training pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	bindOnce sync.Once
)

func bindMetrics() {
	bindOnce.Do(func() {
		PrivateMetrics.MustRegister(collectors.NewGoCollector())
		PrivateMetrics.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		session := []prometheus.Collector{
			CurrentRound,
			CoordinatorState,
			RoundsCompleted,
			RoundRetries,
			PartialRounds,
			UpdatesReceived,
			UpdatesDiscarded,
			RoundDuration,
			AggregatedSamples,
			GlobalAccuracy,
			LocalTrainingDuration,
		}
		for _, c := range session {
			SessionMetrics.MustRegister(c)
			PrivateMetrics.MustRegister(c)
		}

		http := []prometheus.Collector{
			HTTPCallCounter,
			HTTPLatency,
			HTTPInFlight,
		}
		for _, c := range http {
			HTTPMetrics.MustRegister(c)
			PrivateMetrics.MustRegister(c)
		}
	})
}

// Start starts a prometheus metrics server on metricsBind. It returns nil
// when the address cannot be bound.
func Start(metricsBind string, l log.Logger) net.Listener {
	bindMetrics()

	ln, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	l.Debugw("", "metrics", "private listener started", "at", ln.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	mux.Handle("/metrics/session", SessionHandler())
	mux.Handle(pprof.Prefix+"/", pprof.Handler())
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s := http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		l.Warnw("", "metrics", "listen finished", "err", s.Serve(ln))
	}()
	return ln
}

// SessionHandler serves the session metrics only.
func SessionHandler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(SessionMetrics, promhttp.HandlerOpts{Registry: SessionMetrics})
}

// InstrumentHandler wraps h with the HTTP collectors.
func InstrumentHandler(h http.Handler) http.Handler {
	bindMetrics()
	return promhttp.InstrumentHandlerInFlight(HTTPInFlight,
		promhttp.InstrumentHandlerCounter(HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(HTTPLatency, h)))
}
