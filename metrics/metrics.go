// Package metrics 暴露任务编排核心的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Name:      "task_transitions_total",
		Help:      "Task state transitions by target status.",
	}, []string{"status"})

	vendorCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genflow",
		Name:      "vendor_call_duration_seconds",
		Help:      "Upstream vendor call duration by api format and operation.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"api_format", "op", "ok"})

	classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genflow",
		Name:      "error_classifications_total",
		Help:      "Classified vendor failures by error code.",
	}, []string{"code"})
)

// ObserveTransition 记一次状态迁移。
func ObserveTransition(status string) {
	taskTransitions.WithLabelValues(status).Inc()
}

// ObserveVendorCall 记一次上游调用耗时。
func ObserveVendorCall(apiFormat, op string, d time.Duration, ok bool) {
	okLabel := "true"
	if !ok {
		okLabel = "false"
	}
	vendorCalls.WithLabelValues(apiFormat, op, okLabel).Observe(d.Seconds())
}

// ObserveClassification 记一次错误归类。
func ObserveClassification(code string) {
	classifications.WithLabelValues(code).Inc()
}
