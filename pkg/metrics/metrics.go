package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     bool

	// Relay metrics
	RelayPacketsTotal  *prometheus.CounterVec
	RelayBytesTotal    *prometheus.CounterVec
	RelayDroppedTotal  *prometheus.CounterVec
	RelaysActive       *prometheus.GaugeVec
	RelayHandoverTotal *prometheus.CounterVec

	// Media gateway metrics
	PortsInUse  prometheus.Gauge
	ActiveCalls prometheus.Gauge

	// NAT metrics
	AddressBindings  prometheus.Gauge
	KeepAlivesActive prometheus.Gauge

	// Signalling metrics
	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	ManglingTotal     *prometheus.CounterVec
)

// Init creates the collectors and registers them on a private registry
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		RelayPacketsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_relay_packets_total",
				Help: "Total number of datagrams forwarded by media relays",
			},
			[]string{"variant", "side"},
		)

		RelayBytesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_relay_bytes_total",
				Help: "Total number of bytes forwarded by media relays",
			},
			[]string{"variant", "side"},
		)

		RelayDroppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_relay_dropped_packets_total",
				Help: "Datagrams a relay could not forward",
			},
			[]string{"reason"},
		)

		RelaysActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sbc_relays_active",
				Help: "Number of running media relays",
			},
			[]string{"variant"},
		)

		RelayHandoverTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_relay_handovers_total",
				Help: "Peer address changes seen by relays",
			},
			[]string{"result", "stream"},
		)

		PortsInUse = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sbc_media_ports_in_use",
				Help: "Relay ports currently allocated from the pool",
			},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sbc_media_calls_active",
				Help: "Calls with at least one media masquerade",
			},
		)

		AddressBindings = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sbc_nat_bindings",
				Help: "Live NAT address bindings",
			},
		)

		KeepAlivesActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sbc_nat_keepalives_active",
				Help: "Running NAT keep-alive senders",
			},
		)

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_sip_requests_total",
				Help: "SIP requests processed by the border controller",
			},
			[]string{"method", "destination"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_sip_responses_total",
				Help: "SIP responses processed by the border controller",
			},
			[]string{"status_class"},
		)

		ManglingTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_mangling_operations_total",
				Help: "Message rewriting operations",
			},
			[]string{"operation", "result"},
		)

		registry.MustRegister(
			RelayPacketsTotal,
			RelayBytesTotal,
			RelayDroppedTotal,
			RelaysActive,
			RelayHandoverTotal,
			PortsInUse,
			ActiveCalls,
			AddressBindings,
			KeepAlivesActive,
			SIPRequestsTotal,
			SIPResponsesTotal,
			ManglingTotal,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are being collected
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !IsMetricsEnabled() {
		return
	}
	mux.Handle(defaultMetricsPath, promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	))
}

// StartMetrics initializes collection when enabled
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordRelayPacket records one forwarded datagram
func RecordRelayPacket(variant, side string, bytes int) {
	if IsMetricsEnabled() {
		RelayPacketsTotal.WithLabelValues(variant, side).Inc()
		RelayBytesTotal.WithLabelValues(variant, side).Add(float64(bytes))
	}
}

// RecordRelayDrop records a datagram that could not be forwarded
func RecordRelayDrop(reason string) {
	if IsMetricsEnabled() {
		RelayDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// RelayStarted and RelayStopped track running relays per variant
func RelayStarted(variant string) {
	if IsMetricsEnabled() {
		RelaysActive.WithLabelValues(variant).Inc()
	}
}

func RelayStopped(variant string) {
	if IsMetricsEnabled() {
		RelaysActive.WithLabelValues(variant).Dec()
	}
}

// RecordHandover records whether a peer change was committed and
// whether the new address carried the RTP source already on that side
func RecordHandover(accepted, sameStream bool) {
	if IsMetricsEnabled() {
		result := "suppressed"
		if accepted {
			result = "accepted"
		}
		stream := "new"
		if sameStream {
			stream = "same"
		}
		RelayHandoverTotal.WithLabelValues(result, stream).Inc()
	}
}

func SetPortsInUse(n int) {
	if IsMetricsEnabled() {
		PortsInUse.Set(float64(n))
	}
}

func SetActiveCalls(n int) {
	if IsMetricsEnabled() {
		ActiveCalls.Set(float64(n))
	}
}

func SetBindings(n int) {
	if IsMetricsEnabled() {
		AddressBindings.Set(float64(n))
	}
}

func SetKeepAlives(n int) {
	if IsMetricsEnabled() {
		KeepAlivesActive.Set(float64(n))
	}
}

// RecordSIPRequest records a processed request and where it was routed
func RecordSIPRequest(method, destination string) {
	if IsMetricsEnabled() {
		SIPRequestsTotal.WithLabelValues(method, destination).Inc()
	}
}

// RecordSIPResponse records a processed response by status class (2xx, 4xx...)
func RecordSIPResponse(statusCode int) {
	if IsMetricsEnabled() {
		SIPResponsesTotal.WithLabelValues(strconv.Itoa(statusCode/100) + "xx").Inc()
	}
}

// RecordMangling records the outcome of a rewriting operation
func RecordMangling(operation string, err error) {
	if IsMetricsEnabled() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		ManglingTotal.WithLabelValues(operation, result).Inc()
	}
}
