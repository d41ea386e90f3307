package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_scheduler_tests_created_total",
		Help: "Total number of tests enqueued for idle workers",
	})

	TestsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_scheduler_tests_expired_total",
		Help: "Total number of pending tests marked as missed",
	})

	TickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirrors_qa_scheduler_tick_errors_total",
		Help: "Total number of failed scheduling passes",
	})
)
