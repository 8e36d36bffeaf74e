package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// DispatchOutcomes counts terminal lead outcomes
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_outcomes_total", Help: "Terminal dispatch outcomes by state and reason."},
		[]string{"outcome", "reason"},
	)
	// DispatchDuration is time from dispatch start to terminal state
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "dispatch_duration_seconds", Help: "Lead time to terminal state.", Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 900, 1800, 3600}},
		[]string{"outcome"},
	)
	// Offers counts offers by final state
	Offers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_offers_total", Help: "Offers by resolved state."},
		[]string{"state"},
	)
	// InFlight is the number of leads currently dispatching
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Leads currently in dispatch."})
	// LedgerReserve counts reservation attempts by result (granted, full, error)
	LedgerReserve = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ledger_reserve_total", Help: "Capacity reservation attempts by result."},
		[]string{"result"},
	)
	// Notifications counts offer deliveries by channel and status
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "offer_notifications_total", Help: "Offer notifications by channel and status."},
		[]string{"channel", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(DispatchOutcomes)
		Registry.MustRegister(DispatchDuration)
		Registry.MustRegister(Offers)
		Registry.MustRegister(InFlight)
		Registry.MustRegister(LedgerReserve)
		Registry.MustRegister(Notifications)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
