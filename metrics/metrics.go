package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapmesh/zapmesh/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (relay websocket, node http API)
	HTTPMetrics = prometheus.NewRegistry()

	// PacketVerdicts (Private) paid packet decisions taken by the payment handler
	PacketVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "packet_verdicts",
		Help: "Number of inbound paid packets per verdict",
	}, []string{"verdict"})
	// PacketSendOutcomes (Private) outcomes of packets we sent out
	PacketSendOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "packet_send_outcomes",
		Help: "Number of outbound packets per terminal outcome",
	}, []string{"outcome"})
	// PacketSendLatency (Private) how long a send takes until fulfill or reject
	PacketSendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "packet_send_duration",
		Help:    "Histogram of outbound packet round-trip latencies",
		Buckets: prometheus.DefBuckets,
	})
	// EventsStored (Private) messages accepted into the event store
	EventsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_stored",
		Help: "Number of signed messages stored",
	})
	// EventsDeleted (Private) messages removed by deletion requests
	EventsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_deleted",
		Help: "Number of stored messages removed by deletions",
	})
	// RelayConnections (Private) currently open gossip connections
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Number of open relay websocket connections",
	})
	// RelaySubscriptions (Private) currently live subscriptions across all connections
	RelaySubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscriptions",
		Help: "Number of live relay subscriptions",
	})
	// SubscriptionDrops (Private) events dropped because a subscriber queue was full
	SubscriptionDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subscription_drops",
		Help: "Number of events dropped by subscriber backpressure",
	})
	// HandshakeOutcomes (Private) handshake responder results
	HandshakeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handshake_outcomes",
		Help: "Number of handshake requests handled per result",
	}, []string{"result"})
	// BootstrapPhase (Private) numeric bootstrap phase, 0=discovering .. 4=ready
	BootstrapPhase = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bootstrap_phase",
		Help: "Current bootstrap phase",
	})
	// PeerCount (Private) peers currently registered with the connector
	PeerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peer_count",
		Help: "Number of registered peers",
	})
	// ChannelCount (Private) payment channels currently open
	ChannelCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "channel_count",
		Help: "Number of open payment channels",
	})
	// TrustRecomputes (Private) composite trust computations that missed the cache
	TrustRecomputes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trust_recomputes",
		Help: "Number of trust scores computed outside the cache",
	})
	// ArchiveUploads (Private) S3 archive attempts per result
	ArchiveUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_uploads",
		Help: "Number of archive uploads per result",
	}, []string{"result"})

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

	metricsBound = false
)

func bindMetrics() {
	if metricsBound {
		return
	}
	metricsBound = true

	// The private go-level metrics live in private.
	PrivateMetrics.Register(prometheus.NewGoCollector())
	PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	node := []prometheus.Collector{
		PacketVerdicts,
		PacketSendOutcomes,
		PacketSendLatency,
		EventsStored,
		EventsDeleted,
		RelayConnections,
		RelaySubscriptions,
		SubscriptionDrops,
		HandshakeOutcomes,
		BootstrapPhase,
		PeerCount,
		ChannelCount,
		TrustRecomputes,
		ArchiveUploads,
	}
	for _, c := range node {
		PrivateMetrics.Register(c)
	}

	// HTTP metrics
	httpCollectors := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range httpCollectors {
		HTTPMetrics.Register(c)
		PrivateMetrics.Register(c)
	}
}

// Start starts a prometheus metrics server with debug endpoints.
func Start(metricsBind string, pprof http.Handler) net.Listener {
	log.DefaultLogger().Debugw("", "metrics", "private listener started", "at", metricsBind)
	bindMetrics()

	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		log.DefaultLogger().Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: l.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof/", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		log.DefaultLogger().Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

// PublicHandler exposes the HTTP-surface metrics. It would typically be
// mounted at /metrics on the public router.
func PublicHandler() http.Handler {
	return promhttp.HandlerFor(HTTPMetrics, promhttp.HandlerOpts{Registry: HTTPMetrics})
}
