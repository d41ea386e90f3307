package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mirrors_qa_backend_build_info",
		Help: "Build information of the mirrors-qa backend",
	}, []string{"version", "commit", "date"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirrors_qa_api_requests_total",
		Help: "Total number of API requests served",
	}, []string{"method", "route", "code"})

	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_api_auth_failures_total",
		Help: "Total number of rejected handshakes and bearer tokens",
	})

	TokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_api_tokens_issued_total",
		Help: "Total number of bearer tokens issued to workers",
	})

	ResultsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_api_results_received_total",
		Help: "Total number of test results recorded",
	})
)
