package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iatoolkit_turns_total",
		Help: "Finished conversational turns by tenant and terminal state.",
	}, []string{"tenant", "state"})

	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iatoolkit_llm_calls_total",
		Help: "Model invocations by outcome.",
	}, []string{"outcome"})

	llmDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iatoolkit_llm_call_duration_seconds",
		Help:    "Latency of individual model invocations.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	toolRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iatoolkit_tool_rounds_per_turn",
		Help:    "Tool-calling rounds consumed per finished turn.",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
	})
)
