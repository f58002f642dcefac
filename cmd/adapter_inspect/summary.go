// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// SummaryRows returns one row per item, and one column per experiment after the item name.
func SummaryRows(experiments []*Experiment) [][]string {
	numCols := len(experiments) + 1
	newRow := func(name string) []string {
		row := make([]string, numCols)
		row[0] = name
		return row
	}
	experimentRow := newRow("experiment")
	idRow := newRow("run")
	statusRow := newRow("status")
	startedRow := newRow("started")
	durationRow := newRow("duration")
	variablesRow := newRow("# variables")
	parametersRow := newRow("# parameters")
	memoryRow := newRow("# bytes")

	summaryKeys := sets.Make[string]()
	for ii, e := range experiments {
		col := ii + 1
		experimentRow[col] = e.Name
		if e.Run != nil {
			idRow[col] = e.Run.ID
			statusRow[col] = e.Run.Status
			startedRow[col] = humanize.Time(e.Run.StartedAt)
			if e.Run.FinishedAt != nil {
				durationRow[col] = e.Run.FinishedAt.Sub(e.Run.StartedAt).Round(time.Second).String()
			}
			for key := range e.Run.Summary {
				summaryKeys.Insert(key)
			}
		}
		var numVars, totalSize int
		var totalMemory uintptr
		for v := range e.Ctx.IterVariables() {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		}
		variablesRow[col] = humanize.Comma(int64(numVars))
		parametersRow[col] = humanize.Comma(int64(totalSize))
		memoryRow[col] = humanize.Bytes(uint64(totalMemory))
	}
	rows := [][]string{experimentRow, idRow, statusRow, startedRow, durationRow, variablesRow, parametersRow, memoryRow}

	for _, key := range xslices.SortedKeys(summaryKeys) {
		row := newRow(key)
		for ii, e := range experiments {
			if e.Run == nil {
				continue
			}
			if value, found := e.Run.Summary[key]; found {
				row[ii+1] = formatSummaryValue(key, value)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func formatSummaryValue(key string, value float64) string {
	switch {
	case strings.HasSuffix(key, "epoch"):
		return fmt.Sprintf("%.0f", value)
	case strings.HasSuffix(key, "/acc"):
		return fmt.Sprintf("%.2f%%", 100.0*value)
	default:
		return fmt.Sprintf("%.4g", value)
	}
}

// SummaryTable renders SummaryRows.
func SummaryTable(experiments []*Experiment) *lgtable.Table {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	for _, row := range SummaryRows(experiments) {
		table.Row(row...)
	}
	return table
}

