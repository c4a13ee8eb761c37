package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iatoolkit_tool_executions_total",
		Help: "Tool executions by tenant, tool name and outcome.",
	}, []string{"tenant", "tool", "status"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iatoolkit_tool_duration_seconds",
		Help:    "Tool execution latency by tenant and tool name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant", "tool"})
)
