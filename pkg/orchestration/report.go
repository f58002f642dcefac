// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package orchestration

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

// MetricsTable renders metrics sorted by key.
func MetricsTable(values map[string]float64) string {
	table := newTable("Metric", "Value")
	keys := maps.Keys(values)
	slices.Sort(keys)
	for _, key := range keys {
		table.Row(key, fmt.Sprintf("%.4f", values[key]))
	}
	return table.String()
}

// formatMetrics formats metrics sorted by key in one line.
func formatMetrics(values map[string]float64) string {
	keys := maps.Keys(values)
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4f", key, values[key]))
	}
	return strings.Join(parts, " ")
}

// Report renders a summary of a finished run.
func Report(hp *hparams.Hyperparameters, result *Result) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Domain task adapter %s", hp.AdapterName())))
	sb.WriteString("\n")

	summary := newTable("Run", "Value")
	summary.Row("ID", result.RunID)
	summary.Row("Encoder", hp.PretrainedModelName)
	epochs := humanize.Comma(int64(result.EpochsRun))
	if result.StoppedEarly {
		epochs += " (stopped early)"
	}
	summary.Row("Epochs", epochs)
	summary.Row("Best epoch", fmt.Sprintf("%d", result.BestEpoch))
	summary.Row("Best "+MonitoredMetric, fmt.Sprintf("%.4f", result.BestScore))
	summary.Row("Trainable parameters", humanize.Comma(int64(result.Parameters.Trainable)))
	summary.Row("Frozen parameters", humanize.Comma(int64(result.Parameters.Frozen)))
	summary.Row("Adapter", result.AdapterPath)
	summary.Row("Hyperparameters", result.HparamsPath)
	if result.UploadURI != "" {
		summary.Row("Uploaded to", result.UploadURI)
	}
	summary.Row("Duration", result.Duration.Round(time.Millisecond).String())
	sb.WriteString(summary.String())
	sb.WriteString("\n")

	if len(result.TestMetrics) > 0 {
		sb.WriteString(titleStyle.Render("Test"))
		sb.WriteString("\n")
		sb.WriteString(MetricsTable(result.TestMetrics))
		sb.WriteString("\n")
	}
	return sb.String()
}
