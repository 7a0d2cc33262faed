// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gradgraph builds the backward graph of a forward graph described in YAML, and prints the forward nodes,
// the backward nodes, the stashed tensors and a summary.
//
// Example:
//
//	gradgraph -graph mlp.yaml -y loss -x w,b -bind batch=32 -recompute gelu0 -state mlp_state.cbor
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/gomlx/gradgraph/pkg/support/fsutil"
	"github.com/gomlx/gradgraph/pkg/support/xslices"
	"github.com/gomlx/gradgraph/pkg/training/gradient"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"k8s.io/klog/v2"
)

func parseName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty name")
	}
	return name, nil
}

var (
	flagGraph = flag.String("graph", "", "YAML file with the forward graph.")
	flagYs    = xslices.Flag("y", nil,
		"Comma-separated list of tensors whose gradients are given: the inputs (seeds) of the backward graph.", parseName)
	flagXs = xslices.Flag("x", nil,
		"Comma-separated list of tensors whose gradients are computed.", parseName)
	flagRecompute = xslices.Flag("recompute", nil,
		"Comma-separated list of forward nodes recomputed in the backward graph, instead of stashing their outputs.",
		parseName)
	flagBind = flag.String("bind", "",
		"Values of the symbolic axes, e.g. \"batch=32,seq=128\". Bound axes are treated as concrete dimensions.")
	flagParallelism = flag.Int("parallelism", 0,
		"Number of gradient builders run in parallel: 0 runs them sequentially, -1 uses all cores.")
	flagDecompose = flag.Bool("decompose", false,
		"Emit the gelu family of gradients as primitive operators, instead of the fused com.microsoft kernels.")
	flagInPlace = flag.Bool("inplace", false,
		"Accumulate gradients with InPlaceAccumulatorV2 chains instead of Sum nodes.")
	flagState = flag.String("state", "",
		"If set, the pass state (stashed tensors and foreign operator requirements) is saved to this file.")
	flagCustom   = flag.String("custom", "", "YAML file with custom gradient definitions.")
	flagOtel     = flag.Bool("otel", false, "Print OpenTelemetry spans of the gradient builders to stderr.")
	flagProgress = flag.Bool("progress", false, "Display a progress bar while the gradient builders run.")
	flagNoColor  = flag.Bool("no_color", false, "Disable colors in the output tables.")
)

// options of one run of gradgraph, usually taken from the flags.
type options struct {
	GraphPath  string
	Ys, Xs     []string
	Recompute  []string
	Bindings   shapes.AxisBindings
	Config     gradient.Config
	StatePath  string
	CustomPath string
	Otel       bool
	Progress   bool
	NoColor    bool
}

func optionsFromFlags() (*options, error) {
	if *flagGraph == "" {
		return nil, errors.New("missing -graph, see 'gradgraph -help'")
	}
	opts := &options{
		GraphPath:  *flagGraph,
		Ys:         *flagYs,
		Xs:         *flagXs,
		Recompute:  *flagRecompute,
		StatePath:  *flagState,
		CustomPath: *flagCustom,
		Otel:       *flagOtel,
		Progress:   *flagProgress,
		NoColor:    *flagNoColor,
		Config: gradient.Config{
			UseInPlaceAccumulation:  *flagInPlace,
			DecomposeFusedGradients: *flagDecompose,
			Parallelism:             *flagParallelism,
		},
	}
	if *flagBind != "" {
		bindings, err := shapes.ParseAxisBindings(*flagBind)
		if err != nil {
			return nil, errors.WithMessage(err, "invalid -bind")
		}
		opts.Bindings = bindings
	}
	return opts, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	opts, err := optionsFromFlags()
	if err != nil {
		klog.Exitf("%v", err)
	}
	if opts.Otel {
		shutdown := must.M1(initTracer(os.Stderr))
		defer func() { must.M(shutdown(context.Background())) }()
	}
	if err := run(context.Background(), opts, os.Stdout); err != nil {
		klog.Flush()
		klog.Exitf("gradgraph failed: %+v", err)
	}
}

// initTracer installs a tracer provider that prints the spans to w.
func initTracer(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdout trace exporter")
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("gradgraph"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// resolvePaths expands "~" in the file paths and checks that the input files exist before any work is done.
func (opts *options) resolvePaths() (err error) {
	if opts.GraphPath, err = fsutil.ResolveInput(opts.GraphPath); err != nil {
		return errors.WithMessage(err, "-graph")
	}
	if opts.CustomPath != "" {
		if opts.CustomPath, err = fsutil.ResolveInput(opts.CustomPath); err != nil {
			return errors.WithMessage(err, "-custom")
		}
	}
	if opts.StatePath != "" {
		if opts.StatePath, err = fsutil.ResolveOutput(opts.StatePath); err != nil {
			return errors.WithMessage(err, "-state")
		}
	}
	return nil
}

// loadGraph reads the forward graph, binds its symbolic axes and adds the recomputed nodes.
func loadGraph(opts *options) (*graph.Graph, error) {
	g, err := graph.LoadYAMLFile(opts.GraphPath)
	if err != nil {
		return nil, err
	}
	if len(opts.Bindings) > 0 {
		g.ResolveAxes(opts.Bindings)
	}
	if len(opts.Recompute) == 0 {
		return g, nil
	}

	// Recomputed nodes are added in topological order, so chains reuse the recomputed inputs.
	toRecompute := make(map[string]bool, len(opts.Recompute))
	for _, name := range opts.Recompute {
		toRecompute[name] = true
	}
	for _, node := range g.Nodes() {
		if !toRecompute[node.Name()] {
			continue
		}
		delete(toRecompute, node.Name())
		if _, err := g.AddRecomputedNode(node); err != nil {
			return nil, errors.WithMessagef(err, "failed to recompute node %q", node.Name())
		}
	}
	if len(toRecompute) > 0 {
		return nil, errors.Errorf("-recompute: unknown nodes %v", xslices.SortedKeys(toRecompute))
	}
	return g, nil
}

// run builds the backward graph and writes the report to w.
func run(ctx context.Context, opts *options, w io.Writer) error {
	if err := opts.resolvePaths(); err != nil {
		return err
	}
	g, err := loadGraph(opts)
	if err != nil {
		return err
	}
	reg := gradient.DefaultRegistry()
	if opts.CustomPath != "" {
		if err := reg.LoadCustomYAMLFile(opts.CustomPath); err != nil {
			return err
		}
	}

	cfg := opts.Config
	cfg.EnableTracing = opts.Otel
	var bar *progressbar.ProgressBar
	if opts.Progress {
		var once sync.Once
		cfg.Progress = func(_, total int) {
			once.Do(func() {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("gradients"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionSetItsString("nodes"),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
				)
			})
			_ = bar.Add(1)
		}
	}

	backward, err := gradient.BuildGradientGraph(ctx, g, reg, &cfg, opts.Ys, opts.Xs)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	if err := newReporter(w, opts.NoColor).report(g, opts.Bindings, backward); err != nil {
		return err
	}
	if opts.StatePath != "" {
		if err := backward.State.SaveFile(opts.StatePath); err != nil {
			return err
		}
		klog.V(1).Infof("pass state saved to %q", opts.StatePath)
	}
	return nil
}
