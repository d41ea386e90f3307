package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MirrorsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_reconciler_mirrors_added_total",
		Help: "Total number of mirrors added or re-enabled by reconciliation",
	})

	MirrorsDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_reconciler_mirrors_disabled_total",
		Help: "Total number of mirrors disabled by reconciliation",
	})

	CrawlErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_reconciler_crawl_errors_total",
		Help: "Total number of failed mirror list crawls",
	})
)
