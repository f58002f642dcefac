// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

var flagVars = flag.Bool("vars", false, "Lists the variables of the exported adapters.")

// VariableRows lists the variables of the exported adapter sorted by scope and name, with their
// shape, size, memory and value statistics: MAV (mean absolute value, or the value itself for
// scalars), RMS (root-mean-square) and MaxAV (max absolute value).
func VariableRows(backend backends.Backend, e *Experiment) ([][]string, error) {
	statsExec, err := NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return nil, err
	}
	defer statsExec.Finalize()

	var rows [][]string
	for v := range e.Ctx.IterVariables() {
		shape := v.Shape()
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %s", v.ParameterName())
		}
		var mav, rms, maxAV string
		switch {
		case shape.Size() == 1:
			mav = fmt.Sprintf("%v", value.Value())
		case shape.DType.IsFloat():
			stats, err := statsExec.Exec(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "statistics of variable %s", v.ParameterName())
			}
			mav = fmt.Sprintf("%.3g", tensors.ToScalar[float64](stats[0]))
			rms = fmt.Sprintf("%.3g", tensors.ToScalar[float64](stats[1]))
			maxAV = fmt.Sprintf("%.3g", tensors.ToScalar[float64](stats[2]))
			for _, t := range stats {
				t.MustFinalizeAll()
			}
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	return rows, nil
}

// VariablesTable renders VariableRows.
func VariablesTable(backend backends.Backend, e *Experiment) (*lgtable.Table, error) {
	rows, err := VariableRows(backend, e)
	if err != nil {
		return nil, err
	}
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range rows {
		table.Row(row...)
	}
	return table, nil
}
