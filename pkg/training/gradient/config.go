// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

// Config holds the options of one backward-graph building pass.
//
// It is read-only once the pass starts: builders only hold a pointer to it.
type Config struct {
	// UseInPlaceAccumulation accumulates multiple contributions to the same gradient with a chain of
	// InPlaceAccumulatorV2 (com.microsoft) nodes, instead of one Sum node.
	UseInPlaceAccumulation bool

	// DecomposeFusedGradients emits the gelu family of gradients as primitive operators, instead of the
	// fused com.microsoft gradient kernels.
	DecomposeFusedGradients bool

	// Parallelism used to run the gradient builders of the pass: 0 runs them sequentially, -1 uses
	// runtime.GOMAXPROCS(0) workers.
	Parallelism int

	// EnableTracing creates one OpenTelemetry span per gradient builder, in addition to the span
	// of the whole pass.
	EnableTracing bool

	// Progress, if set, is called after each gradient builder finishes, with the number of builders
	// finished so far and the total. It may be called concurrently.
	Progress func(done, total int)
}

// DefaultConfig returns the default configuration: sequential, fused gradients, accumulation with Sum.
func DefaultConfig() *Config {
	return &Config{}
}
