// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package callbacks implements the epoch-level training callbacks: saving the best model,
// early stopping, and terminating on NaN losses.
//
// Validation results are passed around as a map of metric key to value, where keys are
// `<dataset short name>/<metric short name>`, e.g. "source_val/loss" (see MetricKey).
package callbacks

import (
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Mode tells whether the monitored metric should be minimized or maximized.
type Mode string

// Modes of a Monitor.
const (
	ModeMin Mode = "min"
	ModeMax Mode = "max"
)

// Monitor describes the metric that decides whether a model improved.
type Monitor struct {
	// Metric key, e.g. "source_val/loss".
	Metric string
	Mode   Mode

	// MinDelta is the minimum change that counts as an improvement.
	MinDelta float64
}

// Validate checks the monitor configuration.
func (m Monitor) Validate() error {
	if m.Metric == "" {
		return errors.New("monitor metric not set")
	}
	if m.Mode != ModeMin && m.Mode != ModeMax {
		return errors.Errorf("monitor mode must be %q or %q, got %q", ModeMin, ModeMax, m.Mode)
	}
	if m.MinDelta < 0 || math.IsNaN(m.MinDelta) {
		return errors.Errorf("monitor min delta must be >= 0, got %g", m.MinDelta)
	}
	return nil
}

// Improved returns whether current is better than best by more than MinDelta.
// A NaN current value never improves, and anything not NaN improves over a NaN best.
func (m Monitor) Improved(current, best float64) bool {
	if math.IsNaN(current) {
		return false
	}
	if math.IsNaN(best) {
		return true
	}
	if m.Mode == ModeMax {
		return current > best+m.MinDelta
	}
	return current < best-m.MinDelta
}

// Value returns the monitored value from metrics.
func (m Monitor) Value(metrics map[string]float64) (float64, error) {
	value, found := metrics[m.Metric]
	if !found {
		keys := maps.Keys(metrics)
		slices.Sort(keys)
		return 0, errors.Errorf("monitored metric %q not available, metrics are %v", m.Metric, keys)
	}
	return value, nil
}

// MetricKey returns the key of a metric computed on a dataset: `<dataset short name>/<metric short name>`.
// The "#" and "~" prefixes of the metric short names (mean and moving average) are dropped.
func MetricKey(datasetShortName, metricShortName string) string {
	return datasetShortName + "/" + strings.TrimLeft(metricShortName, "#~")
}
