// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics       = flag.Bool("metrics", false, fmt.Sprintf("Lists the metrics logged during training, from file %q.", plots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false, "Lists the metrics labels (short names) with their full description.")
	flagMetricsNames  = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included. E.g.: \"_val/\".")
	flagMetricsTypes  = flag.String("metrics_types", "", "Comma-separated list of metric types to include in the metrics report.")
)

// ExperimentMetric identifies a metric of one experiment, a column of the metrics table.
type ExperimentMetric struct{ Experiment, Metric, MetricType string }

// MetricsFilter selects the metrics to report. Empty filters select everything.
type MetricsFilter struct {
	Names *regexp.Regexp
	Types sets.Set[string]
}

// Match reports whether point is selected by the filter.
func (f MetricsFilter) Match(point plots.Point) bool {
	if f.Names == nil && f.Types == nil {
		return true
	}
	if f.Names != nil && (f.Names.MatchString(point.MetricName) || f.Names.MatchString(point.Short)) {
		return true
	}
	return f.Types != nil && f.Types.Has(point.MetricType)
}

func metricsFilterFromFlags() (filter MetricsFilter, err error) {
	if *flagMetricsNames != "" {
		filter.Names, err = regexp.Compile(*flagMetricsNames)
		if err != nil {
			return filter, errors.Wrapf(err, "invalid -metrics_names=%q", *flagMetricsNames)
		}
	}
	if *flagMetricsTypes != "" {
		filter.Types = sets.MakeWith(strings.Split(*flagMetricsTypes, ",")...)
	}
	return filter, nil
}

// Metrics prints the reports selected by -metrics_labels and -metrics.
func Metrics(experiments []*Experiment) error {
	filter, err := metricsFilterFromFlags()
	if err != nil {
		return err
	}
	var numPoints int
	for _, e := range experiments {
		numPoints += len(e.Points)
	}
	if numPoints == 0 {
		klog.Errorf("No metrics found in file %q of the experiments", plots.TrainingPlotFileName)
		return nil
	}
	columns, shortToName := MetricColumns(experiments, filter)
	if *flagMetricsLabels {
		fmt.Println(titleStyle.Render("Metrics Labels"))
		table := newPlainTable(lipgloss.Center, lipgloss.Left)
		table.Headers("Short", "MetricName")
		for _, short := range xslices.SortedKeys(shortToName) {
			table.Row(short, shortToName[short])
		}
		fmt.Println(table.Render())
	}
	if *flagMetrics {
		fmt.Println(titleStyle.Render("Metrics Table"))
		table := newPlainTable(lipgloss.Right)
		header, rows := MetricRows(experiments, columns)
		table.Headers(header...)
		for _, row := range rows {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}
	return nil
}

// MetricColumns maps each selected metric to its column in the metrics table, starting from 1
// (column 0 is the step). It also returns the full names of the metrics by their short names.
func MetricColumns(experiments []*Experiment, filter MetricsFilter) (columns map[ExperimentMetric]int, shortToName map[string]string) {
	shortToName = make(map[string]string)
	used := sets.Make[ExperimentMetric]()
	for _, e := range experiments {
		for _, point := range e.Points {
			shortToName[point.Short] = point.MetricName
			if filter.Match(point) {
				used.Insert(ExperimentMetric{e.Name, point.Short, point.MetricType})
			}
		}
	}
	inOrder := slices.SortedFunc(maps.Keys(used), func(a, b ExperimentMetric) int {
		if c := strings.Compare(a.Metric, b.Metric); c != 0 {
			return c
		}
		return strings.Compare(a.Experiment, b.Experiment)
	})
	columns = make(map[ExperimentMetric]int, len(inOrder))
	for idx, em := range inOrder {
		columns[em] = idx + 1
	}
	return columns, shortToName
}

// MetricRows builds the metrics table: one row per step where any experiment logged a point.
func MetricRows(experiments []*Experiment, columns map[ExperimentMetric]int) (header []string, rows [][]string) {
	header = make([]string, 1+len(columns))
	header[0] = "Step"
	for em, idx := range columns {
		if len(experiments) == 1 {
			header[idx] = em.Metric
		} else {
			header[idx] = fmt.Sprintf("%s: %s", em.Experiment, em.Metric)
		}
	}

	rowsByStep := make(map[int64][]string)
	for _, e := range experiments {
		for _, point := range e.Points {
			idx, found := columns[ExperimentMetric{e.Name, point.Short, point.MetricType}]
			if !found {
				continue
			}
			step := int64(point.Step)
			row, found := rowsByStep[step]
			if !found {
				row = make([]string, 1+len(columns))
				row[0] = humanize.Comma(step)
				rowsByStep[step] = row
			}
			row[idx] = formatMetricValue(point)
		}
	}
	for _, step := range xslices.SortedKeys(rowsByStep) {
		rows = append(rows, rowsByStep[step])
	}
	return header, rows
}

func formatMetricValue(point plots.Point) string {
	if point.MetricType == "accuracy" {
		return fmt.Sprintf("%.2f%%", 100.0*point.Value)
	}
	return fmt.Sprintf("%.3g", point.Value)
}
