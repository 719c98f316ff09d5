package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "marki_http_requests_total", Help: "API requests"},
		[]string{"method", "route", "status"},
	)
	ParseRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "marki_parse_requests_total", Help: "Parse Server REST calls"},
		[]string{"method", "result"},
	)
	ParseLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "marki_parse_request_seconds", Help: "Parse Server REST latency"},
	)
	Relances = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "marki_relances_total", Help: "Relance send outcomes"},
		[]string{"result"},
	)
	SyncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "marki_sync_records_total", Help: "Synchronised records"},
		[]string{"config", "result"},
	)
	Generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "marki_ai_generations_total", Help: "AI e-mail generation outcomes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequests, ParseRequests, ParseLatency, Relances, SyncRecords, Generations)
}
