// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	builderInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradgraph_builder_invocations_total",
		Help: "Total number of gradient builder invocations, by operator key and result (ok or error)",
	}, []string{"op", "result"})

	emittedNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradgraph_emitted_nodes_total",
		Help: "Total number of backward nodes emitted by gradient builders, by operator key",
	}, []string{"op"})

	dtypeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradgraph_constant_dtype_fallbacks_total",
		Help: "Total number of constants encoded as Float32 because their element type is not supported",
	}, []string{"dtype"})

	stashedTensorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradgraph_stashed_tensors_total",
		Help: "Total number of forward tensors marked as stashed",
	})

	backwardGraphSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gradgraph_backward_graph_build_seconds",
		Help:    "Time to build a backward graph",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
