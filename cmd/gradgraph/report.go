// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/gomlx/gradgraph/pkg/support/xslices"
	"github.com/gomlx/gradgraph/pkg/training/gradient"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

const tableBorderColor = "#705090"

type reporter struct {
	w io.Writer

	headerStyle, cellStyle, rightAlignedStyle, titleStyle, borderStyle lipgloss.Style
}

func newReporter(w io.Writer, noColor bool) *reporter {
	renderer := lipgloss.NewRenderer(w)
	if noColor {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return &reporter{
		w:                 w,
		headerStyle:       renderer.NewStyle().Bold(true).Padding(0, 1).Align(lipgloss.Center),
		cellStyle:         renderer.NewStyle().Padding(0, 1),
		rightAlignedStyle: renderer.NewStyle().Padding(0, 1).Align(lipgloss.Right),
		titleStyle:        renderer.NewStyle().Bold(true).Padding(1, 0, 0, 2),
		borderStyle:       renderer.NewStyle().Foreground(lipgloss.Color(tableBorderColor)),
	}
}

// newTable creates a table where the first column is right-aligned.
func (r *reporter) newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return r.headerStyle
			case col == 0:
				return r.rightAlignedStyle
			default:
				return r.cellStyle
			}
		})
}

func (r *reporter) print(title string, table *lgtable.Table) error {
	_, err := fmt.Fprintf(r.w, "%s\n%s\n", r.titleStyle.Render(title), table.Render())
	return errors.Wrapf(err, "failed to write %q table", title)
}

func argList(args []ir.ArgDef) string {
	return strings.Join(xslices.Map(args, func(arg ir.ArgDef) string {
		if !arg.Exists() {
			return "-"
		}
		return arg.Name
	}), ", ")
}

func opName(opType, domain string) string {
	if domain == ir.DefaultDomain {
		return opType
	}
	return domain + "::" + opType
}

// tensorSize returns the number of elements and bytes of the tensor, or -1 if its shape is not concrete.
func tensorSize(g *graph.Graph, name string) (size, bytes int) {
	arg, found := g.GetNodeArg(name)
	if !found || arg.Type == nil || !arg.Type.IsFullyConcrete() {
		return -1, -1
	}
	size = arg.Type.Size()
	return size, size * arg.Type.DType.Size()
}

// report writes the tables of the forward graph and its backward graph. bindings are the values given to the
// symbolic axes, if any.
func (r *reporter) report(g *graph.Graph, bindings shapes.AxisBindings, backward *gradient.BackwardGraph) error {
	forward := r.newTable("#", "Name", "Op", "Inputs", "Outputs")
	for _, node := range g.Nodes() {
		forward.Row(humanize.Comma(int64(node.Index())), node.Name(), opName(node.OpType(), node.Domain()),
			argList(node.Inputs()), argList(node.Outputs()))
	}
	if err := r.print("Forward graph", forward); err != nil {
		return err
	}

	nodes := r.newTable("#", "Name", "Op", "Inputs", "Outputs")
	for i, def := range backward.Nodes {
		nodes.Row(humanize.Comma(int64(i)), def.Name, opName(def.OpType, def.Domain),
			argList(def.Inputs), argList(def.Outputs))
	}
	if err := r.print("Backward graph", nodes); err != nil {
		return err
	}

	gradients := r.newTable("Tensor", "Gradient")
	for _, x := range xslices.SortedKeys(backward.Gradients) {
		gradients.Row(x, backward.Gradients[x])
	}
	for _, y := range xslices.SortedKeys(backward.Seeds) {
		gradients.Row(y, backward.Seeds[y]+" (seed)")
	}
	if err := r.print("Gradients", gradients); err != nil {
		return err
	}

	stashed := r.newTable("Tensor", "Shape", "Elements", "Bytes")
	var totalBytes uint64
	var unknownSizes bool
	for _, name := range backward.State.Stashed {
		shape, elements, bytesStr := "?", "?", "?"
		if arg, found := g.GetNodeArg(name); found && arg.Type != nil {
			shape = arg.Type.String()
		}
		if size, bytes := tensorSize(g, name); size >= 0 {
			elements, bytesStr = humanize.Comma(int64(size)), humanize.Bytes(uint64(bytes))
			totalBytes += uint64(bytes)
		} else {
			unknownSizes = true
		}
		stashed.Row(name, shape, elements, bytesStr)
	}
	if err := r.print("Stashed tensors", stashed); err != nil {
		return err
	}

	summary := r.newTable("", "")
	summary.Row("graph", g.Name())
	if len(bindings) > 0 {
		summary.Row("axis bindings", bindings.Key())
	}
	summary.Row("forward nodes", humanize.Comma(int64(g.NumNodes())))
	summary.Row("backward nodes", humanize.Comma(int64(len(backward.Nodes))))
	summary.Row("gradients", humanize.Comma(int64(len(backward.Gradients))))
	summary.Row("stashed tensors", humanize.Comma(int64(len(backward.State.Stashed))))
	stashedBytes := humanize.Bytes(totalBytes)
	if unknownSizes {
		stashedBytes += " (+ tensors of unknown size)"
	}
	summary.Row("stashed bytes", stashedBytes)
	if names := backward.State.PythonOpRequirements; len(names) > 0 {
		summary.Row("foreign operators", humanize.Comma(int64(len(names))))
	}
	return r.print("Summary", summary)
}
